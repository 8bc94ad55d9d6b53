package sagaorch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

var orderPayload = json.RawMessage(`{"orderId":"O1","amount":50}`)

// orderSaga is the three step order saga used throughout the tests.
func orderSaga() SagaDefinition {
	return SagaDefinition{
		Type: "order",
		Steps: []StepDefinition{
			{Name: "ReserveInventory", Participant: "inventory", Action: "ReserveInventory", Compensation: "ReleaseInventory", IdempotencyRequired: true},
			{Name: "ChargePayment", Participant: "payment", Action: "ChargePayment", Compensation: "RefundPayment", IdempotencyRequired: true},
			{Name: "CreateShipment", Participant: "shipping", Action: "CreateShipment", Compensation: "CancelShipment", IdempotencyRequired: true},
		},
	}
}

// chainSaga returns a saga of n steps named s1..sn on a single participant.
func chainSaga(n int) SagaDefinition {
	def := SagaDefinition{Type: "chain"}
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("s%d", i)
		def.Steps = append(def.Steps, StepDefinition{
			Name:                name,
			Participant:         "svc",
			Action:              "do-" + name,
			Compensation:        "undo-" + name,
			IdempotencyRequired: true,
		})
	}
	return def
}

// participants is a fake set of participant services. Commands succeed
// unless told otherwise, and side effects are applied once per idempotency
// key.
type participants struct {
	mu       sync.Mutex
	calls    []string
	keys     []string
	applied  map[string]int
	outcomes map[string][]Outcome
	payloads map[string]json.RawMessage
	block    map[string]chan struct{}
}

func newParticipants() *participants {
	return &participants{
		applied:  make(map[string]int),
		outcomes: make(map[string][]Outcome),
		payloads: make(map[string]json.RawMessage),
		block:    make(map[string]chan struct{}),
	}
}

// respond queues outcomes for command; once they are used up the command
// succeeds again.
func (p *participants) respond(command string, outs ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[command] = append(p.outcomes[command], outs...)
}

// alwaysFail makes command fail permanently.
func (p *participants) alwaysFail(command, reason string) {
	p.respond(command, Failure(reason, false))
}

// returnPayload makes command return payload on success.
func (p *participants) returnPayload(command string, payload json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[command] = payload
}

// hold blocks the next invocation of command until release is called.
func (p *participants) hold(command string) (started <-chan struct{}, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	entered := make(chan struct{})
	p.block[command] = gate
	p.block[command+"/entered"] = entered
	return entered, func() { close(gate) }
}

func (p *participants) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, inv.Command)
	p.keys = append(p.keys, inv.IdempotencyKey)
	gate, entered := p.block[inv.Command], p.block[inv.Command+"/entered"]
	delete(p.block, inv.Command)
	delete(p.block, inv.Command+"/entered")
	p.mu.Unlock()

	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if queued := p.outcomes[inv.Command]; len(queued) > 0 {
		out := queued[0]
		if out.Kind != OutcomeFailure || out.Retryable {
			p.outcomes[inv.Command] = queued[1:]
		}
		if out.Kind != OutcomeSuccess {
			return out, nil
		}
	}
	p.applied[inv.IdempotencyKey]++
	return Success(p.payloads[inv.Command]), nil
}

func (p *participants) invoked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *participants) sideEffects(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied[key]
}

func fastRetries() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, CompensationMaxAttempts: 3}
}

func newTestOrchestrator(t *testing.T, gw Gateway, opts ...Option) (*Orchestrator, *MemoryStore, *Registry) {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.Register(orderSaga()))
	store := NewMemoryStore()
	opts = append([]Option{
		WithLogger(testr.New(t)),
		WithRetryPolicy(fastRetries()),
		WithPollInterval(10 * time.Millisecond),
	}, opts...)
	return NewOrchestrator(registry, store, gw, opts...), store, registry
}

// sequentialIDs returns an ID generator yielding saga-1, saga-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("saga-%d", n)
	}
}
