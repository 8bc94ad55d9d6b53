package sagaorch

//go:generate go run go.uber.org/mock/mockgen@v0.4.0 -destination=mocks/mock_sagaorch.go -package=mocks github.com/fortressi/sagaorch Gateway,Store,Observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// OutcomeKind is how a participant resolved an invocation.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "SUCCESS"
	OutcomeFailure OutcomeKind = "FAILURE"
	OutcomeTimeout OutcomeKind = "TIMEOUT"
)

// Outcome is the result of one invocation of a participant.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
	// Retryable marks a FAILURE the participant expects to go away. TIMEOUT
	// is always retryable.
	Retryable bool `json:"retryable,omitempty"`
	// Payload, when set on a SUCCESS, is folded into the saga payload.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Success is a SUCCESS outcome. payload may be nil.
func Success(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// Failure is a FAILURE outcome. A retryable failure is attempted again under
// the same idempotency key.
func Failure(reason string, retryable bool) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Retryable: retryable}
}

// Timeout is a TIMEOUT outcome: the result is unknown and the step is retried.
func Timeout(reason string) Outcome {
	return Outcome{Kind: OutcomeTimeout, Reason: reason, Retryable: true}
}

// Invocation is a command sent to a participant. IdempotencyKey is the same
// on every attempt of the same step action or compensation.
type Invocation struct {
	SagaID         string          `json:"saga_id"`
	Participant    string          `json:"participant"`
	Command        string          `json:"command"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Gateway invokes participant commands. An error return means the outcome
// is unknown, for instance because the transport failed; the executor
// retries it like a TIMEOUT.
type Gateway interface {
	Invoke(ctx context.Context, inv Invocation) (Outcome, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, inv Invocation) (Outcome, error)

func (f GatewayFunc) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// Router resolves the participant of each invocation to the Gateway that
// reaches it. Routes are looked up at call time, so a participant can be
// moved from one transport to another without touching saga definitions.
type Router struct {
	routes   *xsync.MapOf[string, Gateway]
	fallback Gateway
}

// NewRouter creates a Router. fallback, if not nil, serves participants
// without a route of their own.
func NewRouter(fallback Gateway) *Router {
	return &Router{
		routes:   xsync.NewMapOf[string, Gateway](),
		fallback: fallback,
	}
}

// Route sends the commands of participant to gw, replacing any earlier route.
func (r *Router) Route(participant string, gw Gateway) {
	r.routes.Store(participant, gw)
}

func (r *Router) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	gw, ok := r.routes.Load(inv.Participant)
	if !ok {
		gw = r.fallback
	}
	if gw == nil {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownParticipant, inv.Participant)
	}
	return gw.Invoke(ctx, inv)
}

// Handler serves one command of an in-process participant.
type Handler func(ctx context.Context, inv Invocation) (Outcome, error)

// LocalGateway dispatches invocations to handlers registered in-process.
// A handler that runs past its deadline resolves as TIMEOUT.
type LocalGateway struct {
	handlers *xsync.MapOf[string, Handler]
}

// NewLocalGateway creates a LocalGateway with no handlers.
func NewLocalGateway() *LocalGateway {
	return &LocalGateway{
		handlers: xsync.NewMapOf[string, Handler](),
	}
}

// Handle registers h for command on participant.
func (g *LocalGateway) Handle(participant, command string, h Handler) error {
	if _, loaded := g.handlers.LoadOrStore(participant+"."+command, h); loaded {
		return fmt.Errorf("handler for %s.%s already registered", participant, command)
	}
	return nil
}

func (g *LocalGateway) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	h, ok := g.handlers.Load(inv.Participant + "." + inv.Command)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s.%s", ErrUnknownParticipant, inv.Participant, inv.Command)
	}

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h(ctx, inv)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return Timeout(r.err.Error()), nil
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Timeout(fmt.Sprintf("%s.%s did not answer in time", inv.Participant, inv.Command)), nil
		}
		return Outcome{}, ctx.Err()
	}
}

// Idempotent wraps h so that a key that already resolved is not run again.
// Invocations with such a key get the first SUCCESS or non-retryable FAILURE
// back. Calls with the same key are expected to be sequential.
func Idempotent(h Handler) Handler {
	seen := xsync.NewMapOf[string, Outcome]()
	return func(ctx context.Context, inv Invocation) (Outcome, error) {
		if out, ok := seen.Load(inv.IdempotencyKey); ok {
			return out, nil
		}
		out, err := h(ctx, inv)
		if err != nil {
			return out, err
		}
		if out.Kind == OutcomeSuccess || (out.Kind == OutcomeFailure && !out.Retryable) {
			if prev, loaded := seen.LoadOrStore(inv.IdempotencyKey, out); loaded {
				return prev, nil
			}
		}
		return out, nil
	}
}
