package sagaorch

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultMaxAttempts is the number of attempts a step gets when its
// definition leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning           Status = "RUNNING"
	StatusCompensating      Status = "COMPENSATING"
	StatusCompleted         Status = "COMPLETED"
	StatusCompensated       Status = "COMPENSATED"
	StatusFailedNeedsManual Status = "FAILED_NEEDS_MANUAL"
)

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailedNeedsManual:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompensating, StatusCompleted, StatusCompensated, StatusFailedNeedsManual:
		return true
	default:
		return false
	}
}

// StepDefinition describes one step of a saga.
type StepDefinition struct {
	// Name is unique within its SagaDefinition.
	Name string `json:"name" mapstructure:"name"`
	// Participant identifies the service the Gateway routes commands to.
	Participant string `json:"participant" mapstructure:"participant"`
	// Action is the forward command.
	Action string `json:"action" mapstructure:"action"`
	// Compensation is the undo command. Only the first step may omit it.
	Compensation string `json:"compensation,omitempty" mapstructure:"compensation"`
	// IdempotencyRequired must be set for every step that can be retried.
	IdempotencyRequired bool `json:"idempotency_required" mapstructure:"idempotency_required"`
	// MaxAttempts bounds the attempts of the action. Zero means DefaultMaxAttempts.
	MaxAttempts int `json:"max_attempts,omitempty" mapstructure:"max_attempts"`
	// Timeout bounds a single invocation. Zero leaves it to the Gateway.
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// attempts returns the effective attempt budget of the step action.
func (s StepDefinition) attempts() int {
	if s.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

// SagaDefinition is the immutable, ordered list of steps of a saga type.
type SagaDefinition struct {
	Type  string           `json:"type" mapstructure:"type"`
	Steps []StepDefinition `json:"steps" mapstructure:"steps"`
}

// StepIndex returns the position of the named step, or -1.
func (d SagaDefinition) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// SagaInstance is the persisted, versioned state of one saga execution.
type SagaInstance struct {
	SagaID           string          `json:"saga_id"`
	SagaType         string          `json:"saga_type"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           Status          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ExecutedSteps    []string        `json:"executed_steps"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	// FailedStep names the step whose action or compensation failed for good.
	FailedStep    string    `json:"failed_step,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Version       int64     `json:"version"`
}

// Clone returns a deep copy, so stores never share slices with callers.
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	out := *s
	if s.Payload != nil {
		out.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	out.ExecutedSteps = append([]string{}, s.ExecutedSteps...)
	return &out
}

// lastExecuted returns the name of the most recently executed step.
func (s *SagaInstance) lastExecuted() (string, bool) {
	if len(s.ExecutedSteps) == 0 {
		return "", false
	}
	return s.ExecutedSteps[len(s.ExecutedSteps)-1], true
}

// StepKind distinguishes forward invocations from compensations.
type StepKind string

const (
	KindAction       StepKind = "action"
	KindCompensation StepKind = "compensation"
)

// RecordOutcome is the outcome stored for one attempt.
type RecordOutcome string

const (
	RecordPending RecordOutcome = "PENDING"
	RecordSuccess RecordOutcome = "SUCCESS"
	RecordFailure RecordOutcome = "FAILURE"
)

// StepExecutionRecord is the audit entry of one attempted invocation.
type StepExecutionRecord struct {
	SagaID         string        `json:"saga_id"`
	StepName       string        `json:"step_name"`
	Kind           StepKind      `json:"kind"`
	Attempt        int           `json:"attempt"`
	Outcome        RecordOutcome `json:"outcome"`
	Reason         string        `json:"reason,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Key returns the identity of the record: one per saga, step, kind and attempt.
func (r StepExecutionRecord) Key() string {
	return fmt.Sprintf("%s/%s/%s/%06d", r.SagaID, r.Kind, r.StepName, r.Attempt)
}

// IdempotencyKey returns the key passed to the participant for a step action.
func IdempotencyKey(sagaID, stepName string) string {
	return sagaID + ":" + stepName
}

// CompensationKey returns the key passed to the participant for a step
// compensation. It differs from the action key so that an undo is never
// mistaken for a redelivered do.
func CompensationKey(sagaID, stepName string) string {
	return IdempotencyKey(sagaID, stepName) + ":compensate"
}

// StatusView is what status queries expose about a saga.
type StatusView struct {
	SagaID           string    `json:"saga_id"`
	SagaType         string    `json:"saga_type"`
	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`
	ExecutedSteps    []string  `json:"executed_steps"`
	FailedStep       string    `json:"failed_step,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewOf(inst *SagaInstance) StatusView {
	return StatusView{
		SagaID:           inst.SagaID,
		SagaType:         inst.SagaType,
		Status:           inst.Status,
		CurrentStepIndex: inst.CurrentStepIndex,
		ExecutedSteps:    append([]string{}, inst.ExecutedSteps...),
		FailedStep:       inst.FailedStep,
		FailureReason:    inst.FailureReason,
		UpdatedAt:        inst.UpdatedAt,
	}
}
