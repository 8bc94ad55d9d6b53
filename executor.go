package sagaorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"
)

// maxCommitRetries bounds how often a transition is re-applied after a
// version conflict that left the saga where this worker found it.
const maxCommitRetries = 3

// Executor advances saga instances through their steps and compensations.
//
// Every decision is persisted before the next invocation, so an Executor
// that stops at any point leaves the saga in a state another Executor can
// resume from. Executors share nothing but the Store.
type Executor struct {
	registry *Registry
	store    Store
	gateway  Gateway
	opts     options
	observer Observer
}

// NewExecutor creates an Executor. Only the logger, retry policy, observers
// and clock options apply to it.
func NewExecutor(registry *Registry, store Store, gateway Gateway, opts ...Option) *Executor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newExecutor(registry, store, gateway, o)
}

func newExecutor(registry *Registry, store Store, gateway Gateway, o options) *Executor {
	obs := append(observers{logObserver{logger: o.logger}}, o.observers...)
	return &Executor{
		registry: registry,
		store:    store,
		gateway:  gateway,
		opts:     o,
		observer: obs,
	}
}

// Advance drives the saga until its status is terminal.
//
// It stops early and leaves the saga resumable when ctx is done or the store
// fails. It returns an error wrapping ErrOwnershipLost when another worker
// advanced the saga meanwhile; the caller should drop it.
func (e *Executor) Advance(ctx context.Context, sagaID string) (*SagaInstance, error) {
	inst, err := e.store.LoadForUpdate(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Lookup(inst.SagaType)
	if err != nil {
		return inst, err
	}

	for !inst.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return inst, err
		}
		next, err := e.next(ctx, def, inst)
		if err != nil {
			return next, err
		}
		inst = next
	}
	return inst, nil
}

// next performs one invocation and persists the transition it leads to.
func (e *Executor) next(ctx context.Context, def SagaDefinition, inst *SagaInstance) (*SagaInstance, error) {
	switch inst.Status {
	case StatusRunning:
		if inst.CancelRequested {
			return e.commit(ctx, def, inst, cancelled())
		}
		if inst.CurrentStepIndex < 0 || inst.CurrentStepIndex >= len(def.Steps) {
			return inst, fmt.Errorf("%w: saga %s running at step index %d of %d",
				ErrIllegalTransition, inst.SagaID, inst.CurrentStepIndex, len(def.Steps))
		}
		step := def.Steps[inst.CurrentStepIndex]
		out, err := e.invoke(ctx, inst, step, KindAction)
		if err != nil {
			return inst, err
		}
		if out.Kind == OutcomeSuccess {
			return e.commit(ctx, def, inst, stepSucceeded(step.Name, out.Payload))
		}
		return e.commit(ctx, def, inst, stepFailed(step.Name, out.Reason))

	case StatusCompensating:
		name, ok := inst.lastExecuted()
		if !ok {
			return e.commit(ctx, def, inst, compensationDone())
		}
		idx := def.StepIndex(name)
		if idx < 0 {
			return inst, fmt.Errorf("%w: executed step %q is not part of saga type %q",
				ErrIllegalTransition, name, def.Type)
		}
		step := def.Steps[idx]
		if step.Compensation == "" {
			return e.commit(ctx, def, inst, stepCompensated(name))
		}
		out, err := e.invoke(ctx, inst, step, KindCompensation)
		if err != nil {
			return inst, err
		}
		if out.Kind == OutcomeSuccess {
			return e.commit(ctx, def, inst, stepCompensated(name))
		}
		return e.commit(ctx, def, inst, compensationFailed(name, out.Reason))

	default:
		return inst, fmt.Errorf("%w: saga %s is %s", ErrIllegalTransition, inst.SagaID, inst.Status)
	}
}

// invoke runs the action or compensation of step until it succeeds, fails
// for good or runs out of attempts. Only a SUCCESS or FAILURE outcome is
// returned; an error means no decision could be made.
func (e *Executor) invoke(ctx context.Context, inst *SagaInstance, step StepDefinition, kind StepKind) (Outcome, error) {
	inv := Invocation{
		SagaID:         inst.SagaID,
		Participant:    step.Participant,
		Command:        step.Action,
		IdempotencyKey: IdempotencyKey(inst.SagaID, step.Name),
		Payload:        inst.Payload,
	}
	maxAttempts := step.attempts()
	if kind == KindCompensation {
		inv.Command = step.Compensation
		inv.IdempotencyKey = CompensationKey(inst.SagaID, step.Name)
		maxAttempts = e.opts.retry.CompensationMaxAttempts
	}

	attempt, spent, err := e.attemptsSoFar(ctx, inst.SagaID, step.Name, kind)
	if err != nil {
		return Outcome{}, err
	}
	// Attempts made before a restart count against the budget.
	remaining := maxAttempts - spent
	if remaining < 1 {
		stepErr := &StepError{Step: step.Name, Kind: kind, Attempts: spent, Reason: "no attempts left after restart"}
		e.opts.logger.V(1).Info("step gave up", "sagaID", inst.SagaID, "error", stepErr.Error())
		return Failure(stepErr.Error(), false), nil
	}
	tried := spent
	var last Outcome
	err = retry.Do(ctx, e.opts.retry.backoff(remaining), func(ctx context.Context) error {
		attempt++
		tried++
		out, err := e.attempt(ctx, inst, step, kind, inv, attempt)
		if err != nil {
			return err
		}
		last = out
		switch {
		case out.Kind == OutcomeSuccess:
			return nil
		case out.Retryable:
			return retry.RetryableError(&participantFailure{reason: out.Reason, retryable: true})
		default:
			return &participantFailure{reason: out.Reason}
		}
	})

	var pf *participantFailure
	switch {
	case err == nil:
		return last, nil
	case errors.As(err, &pf):
		stepErr := &StepError{Step: step.Name, Kind: kind, Attempts: tried, Reason: pf.Error()}
		e.opts.logger.V(1).Info("step gave up", "sagaID", inst.SagaID, "error", stepErr.Error())
		return Failure(stepErr.Error(), false), nil
	default:
		return Outcome{}, err
	}
}

// attempt performs a single invocation between two writes of its record.
func (e *Executor) attempt(ctx context.Context, inst *SagaInstance, step StepDefinition, kind StepKind, inv Invocation, attempt int) (Outcome, error) {
	rec := StepExecutionRecord{
		SagaID:         inst.SagaID,
		StepName:       step.Name,
		Kind:           kind,
		Attempt:        attempt,
		Outcome:        RecordPending,
		IdempotencyKey: inv.IdempotencyKey,
		Timestamp:      e.opts.now(),
	}
	if err := e.store.RecordStep(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("failed to record pending %s %q: %w", kind, step.Name, err)
	}
	e.observer.StepAttempted(inst.SagaType, rec, 0)

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if step.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	started := time.Now()
	out, err := e.gateway.Invoke(callCtx, inv)
	cancel()
	if ctx.Err() != nil {
		// Shutting down: the record stays PENDING and the saga resumable.
		return Outcome{}, ctx.Err()
	}
	out = classify(out, err)

	rec.Outcome = RecordFailure
	rec.Reason = out.Reason
	if out.Kind == OutcomeSuccess {
		rec.Outcome = RecordSuccess
	}
	rec.Timestamp = e.opts.now()
	if err := e.store.RecordStep(ctx, rec); err != nil {
		return Outcome{}, fmt.Errorf("failed to record %s %q outcome: %w", kind, step.Name, err)
	}
	e.observer.StepAttempted(inst.SagaType, rec, time.Since(started))
	return out, nil
}

// classify folds a gateway error into an outcome. Transport errors leave the
// outcome unknown and are retried; an unroutable participant is not. A
// SUCCESS carrying a payload that is not JSON fails the step for good, since
// a replay would return the same payload.
func classify(out Outcome, err error) Outcome {
	switch {
	case err != nil && errors.Is(err, ErrUnknownParticipant):
		return Failure(err.Error(), false)
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return Timeout(fmt.Sprintf("%v: %v", ErrTimeout, err))
	case err != nil:
		return Failure(err.Error(), true)
	}
	switch out.Kind {
	case OutcomeSuccess:
		if len(out.Payload) > 0 && !json.Valid(out.Payload) {
			return Failure("participant returned invalid JSON payload", false)
		}
		return out
	case OutcomeFailure:
		return out
	case OutcomeTimeout:
		reason := ErrTimeout.Error()
		if out.Reason != "" {
			reason += ": " + out.Reason
		}
		return Timeout(reason)
	default:
		return Failure(fmt.Sprintf("unknown outcome kind %q", out.Kind), false)
	}
}

// attemptsSoFar returns the highest attempt number recorded for the step and
// how many of those attempts did not succeed. A SUCCESS whose transition was
// never saved does not use up the budget: replaying it is safe.
func (e *Executor) attemptsSoFar(ctx context.Context, sagaID, step string, kind StepKind) (last, spent int, err error) {
	records, err := e.store.StepRecords(ctx, sagaID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load step records: %w", err)
	}
	for _, r := range records {
		if r.StepName != step || r.Kind != kind {
			continue
		}
		if r.Attempt > last {
			last = r.Attempt
		}
		if r.Outcome != RecordSuccess {
			spent++
		}
	}
	return last, spent, nil
}

// commit applies t to a copy of inst and saves it. On a version conflict
// the saga is reloaded: if it still sits where this worker found it, only
// its cancel flag moved and t is applied to the fresh copy; otherwise the
// other writer owns the saga and the transition is dropped.
func (e *Executor) commit(ctx context.Context, def SagaDefinition, inst *SagaInstance, t transition) (*SagaInstance, error) {
	base := inst
	for conflicts := 0; ; conflicts++ {
		next := base.Clone()
		if err := t.apply(next, def); err != nil {
			return base, fmt.Errorf("saga %s: %s: %w", base.SagaID, t.name, err)
		}
		next.UpdatedAt = e.opts.now()

		err := e.store.Save(ctx, next, base.Version)
		if err == nil {
			e.observer.SagaTransitioned(viewOf(next), base.Status)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) || conflicts >= maxCommitRetries {
			return base, err
		}

		current, lerr := e.store.LoadForUpdate(ctx, base.SagaID)
		if lerr != nil {
			return base, lerr
		}
		if !samePosition(base, current) {
			e.opts.logger.V(1).Info("saga advanced by another worker", "sagaID", base.SagaID,
				"transition", t.name, "storedVersion", current.Version)
			return current, fmt.Errorf("%w: %w", ErrOwnershipLost, err)
		}
		base = current
	}
}

func samePosition(a, b *SagaInstance) bool {
	return a.Status == b.Status &&
		a.CurrentStepIndex == b.CurrentStepIndex &&
		slices.Equal(a.ExecutedSteps, b.ExecutedSteps)
}
