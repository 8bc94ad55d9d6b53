package sagaorch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerStepSucceeded      trigger = "stepSucceeded"
	triggerLastStepSucceeded  trigger = "lastStepSucceeded"
	triggerStepFailed         trigger = "stepFailed"
	triggerStepCompensated    trigger = "stepCompensated"
	triggerCompensationDone   trigger = "compensationDone"
	triggerCompensationFailed trigger = "compensationFailed"
)

const reasonCancelled = "cancelled"

// lifecycle returns a state machine whose state is the Status of inst.
// Terminal statuses are left unconfigured so that any trigger fired from
// them is rejected.
func lifecycle(inst *SagaInstance) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return inst.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			inst.Status = state.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusRunning).
		PermitReentry(triggerStepSucceeded).
		Permit(triggerLastStepSucceeded, StatusCompleted).
		Permit(triggerStepFailed, StatusCompensating)

	sm.Configure(StatusCompensating).
		PermitReentry(triggerStepCompensated).
		Permit(triggerCompensationDone, StatusCompensated).
		Permit(triggerCompensationFailed, StatusFailedNeedsManual)

	return sm
}

func fire(inst *SagaInstance, t trigger) error {
	from := inst.Status
	if err := lifecycle(inst).Fire(t); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrIllegalTransition, t, from, err)
	}
	return nil
}

// transition is a state change of a saga instance. apply mutates a copy of
// the instance and may be applied again to a reloaded copy after a version
// conflict.
type transition struct {
	name  string
	apply func(inst *SagaInstance, def SagaDefinition) error
}

// stepSucceeded records the success of the action at CurrentStepIndex. A
// cancellation requested while the action was in flight turns the success
// into the start of compensation, the just-completed step included.
func stepSucceeded(step string, payload json.RawMessage) transition {
	return transition{
		name: "step succeeded",
		apply: func(inst *SagaInstance, def SagaDefinition) error {
			idx := inst.CurrentStepIndex
			if idx < 0 || idx >= len(def.Steps) || def.Steps[idx].Name != step {
				return fmt.Errorf("%w: step %q is not at index %d", ErrIllegalTransition, step, idx)
			}
			merged, err := mergePayload(inst.Payload, payload)
			if err != nil {
				return err
			}
			inst.Payload = merged
			inst.ExecutedSteps = append(inst.ExecutedSteps, step)

			switch {
			case inst.CancelRequested:
				inst.CurrentStepIndex = len(inst.ExecutedSteps) - 1
				inst.FailureReason = reasonCancelled
				return fire(inst, triggerStepFailed)
			case idx == len(def.Steps)-1:
				inst.CurrentStepIndex = len(def.Steps)
				return fire(inst, triggerLastStepSucceeded)
			default:
				inst.CurrentStepIndex = idx + 1
				return fire(inst, triggerStepSucceeded)
			}
		},
	}
}

// stepFailed starts compensation at the last executed step. The failed step
// is not executed and is never compensated.
func stepFailed(step, reason string) transition {
	return transition{
		name: "step failed",
		apply: func(inst *SagaInstance, _ SagaDefinition) error {
			inst.CurrentStepIndex = len(inst.ExecutedSteps) - 1
			inst.FailedStep = step
			inst.FailureReason = reason
			return fire(inst, triggerStepFailed)
		},
	}
}

// cancelled starts compensation between two steps.
func cancelled() transition {
	return transition{
		name: "cancelled",
		apply: func(inst *SagaInstance, _ SagaDefinition) error {
			inst.CurrentStepIndex = len(inst.ExecutedSteps) - 1
			inst.FailureReason = reasonCancelled
			return fire(inst, triggerStepFailed)
		},
	}
}

// stepCompensated pops step off ExecutedSteps and finishes compensation once
// nothing is left to undo.
func stepCompensated(step string) transition {
	return transition{
		name: "step compensated",
		apply: func(inst *SagaInstance, _ SagaDefinition) error {
			last, ok := inst.lastExecuted()
			if !ok || last != step {
				return fmt.Errorf("%w: %q is not the last executed step", ErrIllegalTransition, step)
			}
			inst.ExecutedSteps = inst.ExecutedSteps[:len(inst.ExecutedSteps)-1]
			inst.CurrentStepIndex = len(inst.ExecutedSteps) - 1
			if len(inst.ExecutedSteps) == 0 {
				return fire(inst, triggerCompensationDone)
			}
			return fire(inst, triggerStepCompensated)
		},
	}
}

// compensationDone closes a compensation that had nothing to undo.
func compensationDone() transition {
	return transition{
		name: "compensation done",
		apply: func(inst *SagaInstance, _ SagaDefinition) error {
			if len(inst.ExecutedSteps) != 0 {
				return fmt.Errorf("%w: %d steps left to compensate", ErrIllegalTransition, len(inst.ExecutedSteps))
			}
			return fire(inst, triggerCompensationDone)
		},
	}
}

// compensationFailed parks the saga for an operator. ExecutedSteps keeps the
// failed step, so it shows what is still applied.
func compensationFailed(step, reason string) transition {
	return transition{
		name: "compensation failed",
		apply: func(inst *SagaInstance, _ SagaDefinition) error {
			inst.FailedStep = step
			inst.FailureReason = reason
			return fire(inst, triggerCompensationFailed)
		},
	}
}

// mergePayload folds the payload returned by a participant into the saga
// payload. Two JSON objects are merged key by key; anything else replaces
// the saga payload.
func mergePayload(base, update json.RawMessage) (json.RawMessage, error) {
	if len(update) == 0 {
		return base, nil
	}
	if !json.Valid(update) {
		return nil, fmt.Errorf("participant returned invalid JSON payload")
	}
	var into, from map[string]json.RawMessage
	if json.Unmarshal(base, &into) != nil || into == nil || json.Unmarshal(update, &from) != nil || from == nil {
		return append(json.RawMessage(nil), update...), nil
	}
	for k, v := range from {
		into[k] = v
	}
	merged, err := json.Marshal(into)
	if err != nil {
		return nil, fmt.Errorf("failed to merge payload: %w", err)
	}
	return merged, nil
}
