package sagaorch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/mocks"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func orderRegistry(t *testing.T) *sagaorch.Registry {
	t.Helper()
	r := sagaorch.NewRegistry()
	require.NoError(t, r.Register(sagaorch.SagaDefinition{
		Type: "order",
		Steps: []sagaorch.StepDefinition{
			{Name: "ReserveInventory", Participant: "inventory", Action: "ReserveInventory", Compensation: "ReleaseInventory", IdempotencyRequired: true},
			{Name: "ChargePayment", Participant: "payment", Action: "ChargePayment", Compensation: "RefundPayment", IdempotencyRequired: true},
		},
	}))
	return r
}

func running(version int64) *sagaorch.SagaInstance {
	return &sagaorch.SagaInstance{
		SagaID:        "saga-1",
		SagaType:      "order",
		Status:        sagaorch.StatusRunning,
		ExecutedSteps: []string{},
		Version:       version,
	}
}

func TestExecutorStopsWhenRecordingFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	gateway := mocks.NewMockGateway(ctrl)

	store.EXPECT().LoadForUpdate(gomock.Any(), "saga-1").Return(running(1), nil)
	store.EXPECT().StepRecords(gomock.Any(), "saga-1").Return(nil, nil)
	store.EXPECT().RecordStep(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	e := sagaorch.NewExecutor(orderRegistry(t), store, gateway, sagaorch.WithLogger(testr.New(t)))
	inst, err := e.Advance(context.Background(), "saga-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, sagaorch.StatusRunning, inst.Status)
}

func TestExecutorAbandonsSagaAdvancedElsewhere(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	gateway := mocks.NewMockGateway(ctrl)
	observer := mocks.NewMockObserver(ctrl)

	moved := running(2)
	moved.CurrentStepIndex = 1
	moved.ExecutedSteps = []string{"ReserveInventory"}

	gomock.InOrder(
		store.EXPECT().LoadForUpdate(gomock.Any(), "saga-1").Return(running(1), nil),
		store.EXPECT().StepRecords(gomock.Any(), "saga-1").Return(nil, nil),
		store.EXPECT().RecordStep(gomock.Any(), gomock.Any()).Return(nil),
		gateway.EXPECT().Invoke(gomock.Any(), sagaorch.Invocation{
			SagaID:         "saga-1",
			Participant:    "inventory",
			Command:        "ReserveInventory",
			IdempotencyKey: "saga-1:ReserveInventory",
		}).Return(sagaorch.Success(nil), nil),
		store.EXPECT().RecordStep(gomock.Any(), gomock.Any()).Return(nil),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), int64(1)).Return(sagaorch.ErrVersionConflict),
		store.EXPECT().LoadForUpdate(gomock.Any(), "saga-1").Return(moved, nil),
	)
	observer.EXPECT().StepAttempted("order", gomock.Any(), gomock.Any()).Times(2)

	e := sagaorch.NewExecutor(orderRegistry(t), store, gateway,
		sagaorch.WithLogger(testr.New(t)), sagaorch.WithObserver(observer))
	inst, err := e.Advance(context.Background(), "saga-1")
	assert.ErrorIs(t, err, sagaorch.ErrOwnershipLost)
	assert.Equal(t, int64(2), inst.Version)
}

func TestExecutorReappliesTransitionAfterCancelRace(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	gateway := mocks.NewMockGateway(ctrl)

	flagged := running(2)
	flagged.CancelRequested = true

	var saved *sagaorch.SagaInstance
	gomock.InOrder(
		store.EXPECT().LoadForUpdate(gomock.Any(), "saga-1").Return(running(1), nil),
		store.EXPECT().StepRecords(gomock.Any(), "saga-1").Return(nil, nil),
		store.EXPECT().RecordStep(gomock.Any(), gomock.Any()).Return(nil),
		gateway.EXPECT().Invoke(gomock.Any(), gomock.Any()).Return(sagaorch.Success(nil), nil),
		store.EXPECT().RecordStep(gomock.Any(), gomock.Any()).Return(nil),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), int64(1)).Return(sagaorch.ErrVersionConflict),
		store.EXPECT().LoadForUpdate(gomock.Any(), "saga-1").Return(flagged, nil),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), int64(2)).DoAndReturn(
			func(_ context.Context, inst *sagaorch.SagaInstance, expected int64) error {
				inst.Version = expected + 1
				saved = inst.Clone()
				return nil
			}),
	)

	// Stop right after the transition is saved.
	ctx, cancel := context.WithCancel(context.Background())
	e := sagaorch.NewExecutor(orderRegistry(t), store, gateway,
		sagaorch.WithLogger(testr.New(t)),
		sagaorch.WithObserver(cancelOnTransition(cancel)))
	_, err := e.Advance(ctx, "saga-1")
	assert.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, saved)
	assert.Equal(t, sagaorch.StatusCompensating, saved.Status)
	assert.Equal(t, []string{"ReserveInventory"}, saved.ExecutedSteps)
	assert.Equal(t, 0, saved.CurrentStepIndex)
	assert.Equal(t, int64(3), saved.Version)
}

type cancelOnTransition context.CancelFunc

func (c cancelOnTransition) SagaStarted(sagaorch.StatusView) {}
func (c cancelOnTransition) StepAttempted(string, sagaorch.StepExecutionRecord, time.Duration) {}
func (c cancelOnTransition) SagaTransitioned(sagaorch.StatusView, sagaorch.Status) { c() }
