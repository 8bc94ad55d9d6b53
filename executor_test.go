package sagaorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderSagaCompletes(t *testing.T) {
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "CreateShipment"}, view.ExecutedSteps)
	assert.Equal(t, 3, view.CurrentStepIndex)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "CreateShipment"}, p.invoked())

	records, err := store.StepRecords(context.Background(), view.SagaID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Equal(t, RecordSuccess, rec.Outcome)
		assert.Equal(t, KindAction, rec.Kind)
		assert.Equal(t, 1, rec.Attempt)
		assert.Equal(t, IdempotencyKey(view.SagaID, rec.StepName), rec.IdempotencyKey)
	}
}

func TestOrderSagaPaymentFailureCompensatesInventory(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("ChargePayment", "card declined")
	o, store, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Empty(t, view.ExecutedSteps)
	assert.Equal(t, "ChargePayment", view.FailedStep)
	assert.Contains(t, view.FailureReason, "card declined")
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "ReleaseInventory"}, p.invoked())
	assert.NotContains(t, p.invoked(), "CreateShipment")
	assert.NotContains(t, p.invoked(), "RefundPayment")

	records, err := store.StepRecords(context.Background(), view.SagaID)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, KindCompensation, last.Kind)
	assert.Equal(t, "ReserveInventory", last.StepName)
	assert.Equal(t, CompensationKey(view.SagaID, "ReserveInventory"), last.IdempotencyKey)
}

func TestOrderSagaCompensationFailureNeedsManual(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("ChargePayment", "card declined")
	p.alwaysFail("ReleaseInventory", "warehouse offline")
	o, store, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedNeedsManual, view.Status)
	assert.Equal(t, []string{"ReserveInventory"}, view.ExecutedSteps)
	assert.Equal(t, "ReserveInventory", view.FailedStep)
	assert.Contains(t, view.FailureReason, "warehouse offline")

	records, err := store.StepRecords(context.Background(), view.SagaID)
	require.NoError(t, err)
	var failedUndo []StepExecutionRecord
	for _, rec := range records {
		if rec.Kind == KindCompensation && rec.Outcome == RecordFailure {
			failedUndo = append(failedUndo, rec)
		}
	}
	require.Len(t, failedUndo, 1)
	assert.Equal(t, "warehouse offline", failedUndo[0].Reason)
}

func TestAllStepsSucceedForAnyLength(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d steps", n), func(t *testing.T) {
			p := newParticipants()
			o, _, registry := newTestOrchestrator(t, p)
			require.NoError(t, registry.Register(chainSaga(n)))

			view, err := o.StartAndWait(context.Background(), "chain", nil)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, view.Status)
			assert.Len(t, view.ExecutedSteps, n)
		})
	}
}

func TestFailureAtStepCompensatesPriorStepsInReverse(t *testing.T) {
	const n = 5
	for i := 1; i <= n; i++ {
		t.Run(fmt.Sprintf("step %d fails", i), func(t *testing.T) {
			p := newParticipants()
			p.alwaysFail(fmt.Sprintf("do-s%d", i), "boom")
			o, _, registry := newTestOrchestrator(t, p)
			require.NoError(t, registry.Register(chainSaga(n)))

			view, err := o.StartAndWait(context.Background(), "chain", nil)
			require.NoError(t, err)
			assert.Equal(t, StatusCompensated, view.Status)

			var want []string
			for j := 1; j <= i; j++ {
				want = append(want, fmt.Sprintf("do-s%d", j))
			}
			for j := i - 1; j >= 1; j-- {
				want = append(want, fmt.Sprintf("undo-s%d", j))
			}
			assert.Equal(t, want, p.invoked())
		})
	}
}

func TestTransientFailuresAreRetriedWithSameKey(t *testing.T) {
	p := newParticipants()
	p.respond("ChargePayment", Timeout("slow"), Failure("503", true))
	o, store, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)

	key := IdempotencyKey(view.SagaID, "ChargePayment")
	var attempts []int
	records, err := store.StepRecords(context.Background(), view.SagaID)
	require.NoError(t, err)
	for _, rec := range records {
		if rec.StepName == "ChargePayment" {
			attempts = append(attempts, rec.Attempt)
			assert.Equal(t, key, rec.IdempotencyKey)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 1, p.sideEffects(key))
}

func TestExhaustedRetriesFailTheStep(t *testing.T) {
	p := newParticipants()
	p.respond("ChargePayment", Timeout(""), Timeout(""), Timeout(""))
	o, _, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, "after 3 attempt(s)")
	assert.Contains(t, view.FailureReason, ErrTimeout.Error())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("ChargePayment", "card declined")
	o, _, _ := newTestOrchestrator(t, p)

	_, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)

	charges := 0
	for _, c := range p.invoked() {
		if c == "ChargePayment" {
			charges++
		}
	}
	assert.Equal(t, 1, charges)
}

func TestCompensationRetriesAreBounded(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("ChargePayment", "card declined")
	p.respond("ReleaseInventory", Timeout(""), Timeout(""), Timeout(""), Timeout(""))
	o, _, _ := newTestOrchestrator(t, p, WithRetryPolicy(RetryPolicy{
		BaseDelay:               time.Millisecond,
		MaxDelay:                time.Millisecond,
		CompensationMaxAttempts: 2,
	}))

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusFailedNeedsManual, view.Status)

	releases := 0
	for _, c := range p.invoked() {
		if c == "ReleaseInventory" {
			releases++
		}
	}
	assert.Equal(t, 2, releases)
}

func TestFirstStepFailureCompensatesNothing(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("ReserveInventory", "out of stock")
	o, _, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Equal(t, "ReserveInventory", view.FailedStep)
	assert.Equal(t, []string{"ReserveInventory"}, p.invoked())
}

func TestStepWithoutCompensationIsSkippedDuringRollback(t *testing.T) {
	p := newParticipants()
	p.alwaysFail("CreateShipment", "no carrier")
	o, _, registry := newTestOrchestrator(t, p)
	def := orderSaga()
	def.Type = "order-nocomp"
	def.Steps[0].Compensation = ""
	require.NoError(t, registry.Register(def))

	view, err := o.StartAndWait(context.Background(), "order-nocomp", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "CreateShipment", "RefundPayment"}, p.invoked())
}

func TestParticipantPayloadIsMerged(t *testing.T) {
	p := newParticipants()
	p.returnPayload("ReserveInventory", []byte(`{"reservationId":"R7"}`))
	o, store, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)

	inst, err := store.LoadForUpdate(context.Background(), view.SagaID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"O1","amount":50,"reservationId":"R7"}`, string(inst.Payload))
}

func TestInvalidPayloadFailsStep(t *testing.T) {
	p := newParticipants()
	p.returnPayload("ReserveInventory", json.RawMessage("not-json"))
	o, _, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, "invalid JSON payload")
	assert.Equal(t, []string{"ReserveInventory"}, p.invoked())
}

func TestStepTimeoutIsEnforced(t *testing.T) {
	registry := NewRegistry()
	def := orderSaga()
	def.Steps[1].Timeout = 5 * time.Millisecond
	def.Steps[1].MaxAttempts = 2
	require.NoError(t, registry.Register(def))

	slow := GatewayFunc(func(ctx context.Context, inv Invocation) (Outcome, error) {
		if inv.Command == "ChargePayment" {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}
		return Success(nil), nil
	})
	o := NewOrchestrator(registry, NewMemoryStore(), slow,
		WithLogger(testr.New(t)), WithRetryPolicy(fastRetries()))

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, "after 2 attempt(s)")
}

func TestUnknownParticipantFailsStep(t *testing.T) {
	router := NewRouter(nil)
	p := newParticipants()
	router.Route("inventory", p)
	o, _, _ := newTestOrchestrator(t, router)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, ErrUnknownParticipant.Error())
	assert.Equal(t, []string{"ReserveInventory", "ReleaseInventory"}, p.invoked())
}

func TestReplayIsSafe(t *testing.T) {
	p := newParticipants()
	handler := Idempotent(p.Invoke)
	o, store, _ := newTestOrchestrator(t, GatewayFunc(handler), WithIDGenerator(sequentialIDs()))

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, view.Status)

	// Redeliver the first step with the same key.
	inv := Invocation{SagaID: "saga-1", Participant: "inventory", Command: "ReserveInventory",
		IdempotencyKey: IdempotencyKey("saga-1", "ReserveInventory")}
	out, err := handler(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, p.sideEffects(inv.IdempotencyKey))

	again, err := store.LoadForUpdate(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, again.ExecutedSteps, 3)
}

func TestCrashRecoveryResumesAtCurrentStep(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p, WithIDGenerator(sequentialIDs()))

	// The previous process persisted ReserveInventory and died.
	now := time.Now()
	require.NoError(t, store.Create(ctx, &SagaInstance{
		SagaID:           "saga-1",
		SagaType:         "order",
		Status:           StatusRunning,
		CurrentStepIndex: 1,
		ExecutedSteps:    []string{"ReserveInventory"},
		Payload:          orderPayload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	recovered, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, []string{"ChargePayment", "CreateShipment"}, p.invoked())

	view, err := o.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "CreateShipment"}, view.ExecutedSteps)
}

// seedChargeAttempts persists a saga that died while charging payment, with
// the given outcomes already recorded for ChargePayment.
func seedChargeAttempts(t *testing.T, store Store, outcomes ...RecordOutcome) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Create(ctx, &SagaInstance{
		SagaID:           "saga-1",
		SagaType:         "order",
		Status:           StatusRunning,
		CurrentStepIndex: 1,
		ExecutedSteps:    []string{"ReserveInventory"},
		Payload:          orderPayload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	for i, outcome := range outcomes {
		require.NoError(t, store.RecordStep(ctx, StepExecutionRecord{
			SagaID:         "saga-1",
			StepName:       "ChargePayment",
			Kind:           KindAction,
			Attempt:        i + 1,
			Outcome:        outcome,
			IdempotencyKey: IdempotencyKey("saga-1", "ChargePayment"),
			Timestamp:      now,
		}))
	}
}

func TestAttemptsBeforeRestartCountAgainstBudget(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	p.respond("ChargePayment", Timeout(""), Timeout(""), Timeout(""))
	o, store, _ := newTestOrchestrator(t, p)
	seedChargeAttempts(t, store, RecordFailure, RecordPending)

	_, err := o.Recover(ctx)
	require.NoError(t, err)

	view, err := o.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, "after 3 attempt(s)")
	assert.Equal(t, []string{"ChargePayment", "ReleaseInventory"}, p.invoked())

	records, err := store.StepRecords(ctx, "saga-1")
	require.NoError(t, err)
	var last int
	for _, rec := range records {
		if rec.StepName == "ChargePayment" && rec.Kind == KindAction {
			last = rec.Attempt
		}
	}
	assert.Equal(t, 3, last)
}

func TestExhaustedBudgetIsNotReinvokedAfterRestart(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p)
	seedChargeAttempts(t, store, RecordFailure, RecordFailure, RecordPending)

	_, err := o.Recover(ctx)
	require.NoError(t, err)

	view, err := o.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Contains(t, view.FailureReason, "no attempts left")
	assert.Equal(t, []string{"ReleaseInventory"}, p.invoked())
}

func TestUnsavedSuccessIsReplayedAfterRestart(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p)
	seedChargeAttempts(t, store, RecordFailure, RecordFailure, RecordSuccess)

	_, err := o.Recover(ctx)
	require.NoError(t, err)

	view, err := o.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, []string{"ChargePayment", "CreateShipment"}, p.invoked())
}

func TestCrashDuringCompensationResumes(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p)

	now := time.Now()
	require.NoError(t, store.Create(ctx, &SagaInstance{
		SagaID:           "saga-1",
		SagaType:         "order",
		Status:           StatusCompensating,
		CurrentStepIndex: 1,
		ExecutedSteps:    []string{"ReserveInventory", "ChargePayment"},
		FailedStep:       "CreateShipment",
		CreatedAt:        now,
		UpdatedAt:        now,
	}))

	_, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"RefundPayment", "ReleaseInventory"}, p.invoked())

	view, err := o.GetStatus(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
}

func TestShutdownLeavesSagaResumable(t *testing.T) {
	p := newParticipants()
	entered, release := p.hold("ChargePayment")
	defer release()
	o, store, _ := newTestOrchestrator(t, p, WithIDGenerator(sequentialIDs()))

	ctx, cancel := context.WithCancel(context.Background())
	id, err := o.Start(ctx, "order", orderPayload)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := o.Execute(ctx, id)
		done <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	inst, err := store.LoadForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepIndex)

	records, err := store.StepRecords(context.Background(), id)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, "ChargePayment", last.StepName)
	assert.Equal(t, RecordPending, last.Outcome)
}

func TestCancelBetweenSteps(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	o, store, _ := newTestOrchestrator(t, p, WithIDGenerator(sequentialIDs()))

	id, err := o.Start(ctx, "order", orderPayload)
	require.NoError(t, err)
	inst, err := store.LoadForUpdate(ctx, id)
	require.NoError(t, err)
	inst.CurrentStepIndex = 1
	inst.ExecutedSteps = []string{"ReserveInventory"}
	require.NoError(t, store.Save(ctx, inst, inst.Version))

	require.NoError(t, o.Cancel(ctx, id))
	view, err := o.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Equal(t, []string{"ReleaseInventory"}, p.invoked())
}

func TestCancelDuringInFlightStepCompensatesIt(t *testing.T) {
	ctx := context.Background()
	p := newParticipants()
	entered, release := p.hold("ChargePayment")
	o, _, _ := newTestOrchestrator(t, p, WithIDGenerator(sequentialIDs()))

	id, err := o.Start(ctx, "order", orderPayload)
	require.NoError(t, err)

	done := make(chan StatusView, 1)
	go func() {
		view, err := o.Execute(ctx, id)
		assert.NoError(t, err)
		done <- view
	}()
	<-entered
	require.NoError(t, o.Cancel(ctx, id))
	release()

	view := <-done
	assert.Equal(t, StatusCompensated, view.Status)
	assert.Equal(t, reasonCancelled, view.FailureReason)
	assert.Equal(t,
		[]string{"ReserveInventory", "ChargePayment", "RefundPayment", "ReleaseInventory"},
		p.invoked())
}

func TestCancelTerminalSaga(t *testing.T) {
	p := newParticipants()
	o, _, _ := newTestOrchestrator(t, p)

	view, err := o.StartAndWait(context.Background(), "order", orderPayload)
	require.NoError(t, err)
	err = o.Cancel(context.Background(), view.SagaID)
	assert.ErrorIs(t, err, ErrSagaTerminal)
}

func TestConcurrentWorkersPersistOneTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := NewRegistry()
	require.NoError(t, registry.Register(orderSaga()))
	p := newParticipants()
	entered, release := p.hold("ReserveInventory")

	first := NewExecutor(registry, store, p, WithLogger(testr.New(t)), WithRetryPolicy(fastRetries()))
	second := NewExecutor(registry, store, p, WithLogger(testr.New(t)), WithRetryPolicy(fastRetries()))

	now := time.Now()
	require.NoError(t, store.Create(ctx, &SagaInstance{
		SagaID: "saga-1", SagaType: "order", Status: StatusRunning,
		ExecutedSteps: []string{}, CreatedAt: now, UpdatedAt: now,
	}))

	slow := make(chan error, 1)
	go func() {
		_, err := first.Advance(ctx, "saga-1")
		slow <- err
	}()
	<-entered

	// The second worker loads the same version and wins the race.
	inst, err := second.Advance(ctx, "saga-1")
	release()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inst.Status)

	err = <-slow
	assert.ErrorIs(t, err, ErrOwnershipLost)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ReserveInventory", "ChargePayment", "CreateShipment"}, got.ExecutedSteps)
	assert.Equal(t, int64(4), got.Version)
}

func TestAdvanceUnknownSaga(t *testing.T) {
	e := NewExecutor(NewRegistry(), NewMemoryStore(), newParticipants())
	_, err := e.Advance(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
