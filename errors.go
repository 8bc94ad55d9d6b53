package sagaorch

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSagaType  = errors.New("saga type already registered")
	ErrInvalidDefinition  = errors.New("invalid saga definition")
	ErrUnknownSagaType    = errors.New("unknown saga type")
	ErrDuplicateSagaID    = errors.New("saga id already exists")
	ErrNotFound           = errors.New("saga not found")
	ErrVersionConflict    = errors.New("saga version conflict")
	ErrOwnershipLost      = errors.New("saga advanced by another worker")
	ErrIllegalTransition  = errors.New("illegal saga transition")
	ErrSagaTerminal       = errors.New("saga already terminal")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrTimeout            = errors.New("participant timed out")
	ErrInvalidPayload     = errors.New("saga payload is not valid JSON")
)

// StepError reports a step action or compensation that failed for good.
type StepError struct {
	Step     string
	Kind     StepKind
	Attempts int
	Reason   string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %q failed after %d attempt(s): %s", e.Kind, e.Step, e.Attempts, e.Reason)
}

// invalidDefinition wraps a validation failure in ErrInvalidDefinition.
func invalidDefinition(sagaType string, err error) error {
	return errors.Join(ErrInvalidDefinition, fmt.Errorf("saga type %q: %w", sagaType, err))
}

// participantFailure is the error form of a FAILURE outcome.
type participantFailure struct {
	reason    string
	retryable bool
}

func (e *participantFailure) Error() string {
	if e.reason == "" {
		return "participant reported failure"
	}
	return e.reason
}
