package sagaorch

import (
	"time"

	"github.com/go-logr/logr"
)

// Observer is notified of saga progress. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	SagaStarted(view StatusView)
	StepAttempted(sagaType string, rec StepExecutionRecord, elapsed time.Duration)
	SagaTransitioned(view StatusView, from Status)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) SagaStarted(StatusView) {}
func (NopObserver) StepAttempted(string, StepExecutionRecord, time.Duration) {}
func (NopObserver) SagaTransitioned(StatusView, Status) {}

type observers []Observer

func (o observers) SagaStarted(view StatusView) {
	for _, ob := range o {
		ob.SagaStarted(view)
	}
}

func (o observers) StepAttempted(sagaType string, rec StepExecutionRecord, elapsed time.Duration) {
	for _, ob := range o {
		ob.StepAttempted(sagaType, rec, elapsed)
	}
}

func (o observers) SagaTransitioned(view StatusView, from Status) {
	for _, ob := range o {
		ob.SagaTransitioned(view, from)
	}
}

// logObserver logs transitions. A saga entering FAILED_NEEDS_MANUAL is the
// only event logged as an error: it needs an operator.
type logObserver struct {
	logger logr.Logger
}

func (l logObserver) SagaStarted(view StatusView) {
	l.logger.V(1).Info("saga started", "sagaID", view.SagaID, "sagaType", view.SagaType)
}

func (l logObserver) StepAttempted(_ string, rec StepExecutionRecord, elapsed time.Duration) {
	if rec.Outcome == RecordPending {
		return
	}
	l.logger.V(2).Info("step attempted", "sagaID", rec.SagaID, "step", rec.StepName, "kind", rec.Kind,
		"attempt", rec.Attempt, "outcome", rec.Outcome, "reason", rec.Reason, "elapsed", elapsed)
}

func (l logObserver) SagaTransitioned(view StatusView, from Status) {
	if view.Status == StatusFailedNeedsManual {
		l.logger.Error(nil, "saga needs manual intervention", "sagaID", view.SagaID, "sagaType", view.SagaType,
			"failedStep", view.FailedStep, "reason", view.FailureReason, "executedSteps", view.ExecutedSteps)
		return
	}
	if from != view.Status {
		l.logger.Info("saga transitioned", "sagaID", view.SagaID, "from", from, "to", view.Status,
			"currentStepIndex", view.CurrentStepIndex)
	}
}
