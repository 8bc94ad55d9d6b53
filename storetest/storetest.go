// Package storetest checks that a sagaorch.Store honours the store contract.
// Store implementations call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fortressi/sagaorch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a store returned by newStore. Each subtest gets a new store.
func Run(t *testing.T, newStore func(t *testing.T) sagaorch.Store) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("DuplicateSagaID", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("SaveChecksVersion", func(t *testing.T) { testSaveChecksVersion(t, newStore(t)) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, newStore(t)) })
	t.Run("ListIncomplete", func(t *testing.T) { testListIncomplete(t, newStore(t)) })
	t.Run("StepRecords", func(t *testing.T) { testStepRecords(t, newStore(t)) })
	t.Run("CallerCopiesAreIsolated", func(t *testing.T) { testIsolation(t, newStore(t)) })
}

// Instance returns a RUNNING instance of the order saga.
func Instance(id string) *sagaorch.SagaInstance {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &sagaorch.SagaInstance{
		SagaID:        id,
		SagaType:      "order",
		Status:        sagaorch.StatusRunning,
		Payload:       json.RawMessage(`{"orderId":"O1","amount":50}`),
		ExecutedSteps: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func testCreateAndLoad(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	inst := Instance("saga-1")
	require.NoError(t, s.Create(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	got, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "order", got.SagaType)
	assert.Equal(t, sagaorch.StatusRunning, got.Status)
	assert.Equal(t, 0, got.CurrentStepIndex)
	assert.Empty(t, got.ExecutedSteps)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"orderId":"O1","amount":50}`, string(got.Payload))
	assert.True(t, inst.CreatedAt.Equal(got.CreatedAt))
}

func testDuplicate(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Instance("saga-1")))
	err := s.Create(ctx, Instance("saga-1"))
	assert.ErrorIs(t, err, sagaorch.ErrDuplicateSagaID)
}

func testNotFound(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	_, err := s.LoadForUpdate(ctx, "missing")
	assert.ErrorIs(t, err, sagaorch.ErrNotFound)

	err = s.Save(ctx, Instance("missing"), 1)
	assert.ErrorIs(t, err, sagaorch.ErrNotFound)
}

func testSaveChecksVersion(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Instance("saga-1")))

	inst, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	inst.CurrentStepIndex = 1
	inst.ExecutedSteps = []string{"ReserveInventory"}
	require.NoError(t, s.Save(ctx, inst, 1))
	assert.Equal(t, int64(2), inst.Version)

	stale := Instance("saga-1")
	stale.Status = sagaorch.StatusCompensating
	err = s.Save(ctx, stale, 1)
	assert.ErrorIs(t, err, sagaorch.ErrVersionConflict)

	got, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, sagaorch.StatusRunning, got.Status)
	assert.Equal(t, []string{"ReserveInventory"}, got.ExecutedSteps)
	assert.Equal(t, int64(2), got.Version)
}

func testConcurrentSaves(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Instance("saga-1")))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst := Instance("saga-1")
			inst.CurrentStepIndex = i
			errs[i] = s.Save(ctx, inst, 1)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, sagaorch.ErrVersionConflict)
	}
	assert.Equal(t, 1, won)

	got, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testListIncomplete(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	for _, id := range []string{"saga-a", "saga-b", "saga-c", "saga-d"} {
		require.NoError(t, s.Create(ctx, Instance(id)))
	}
	for id, status := range map[string]sagaorch.Status{
		"saga-b": sagaorch.StatusCompleted,
		"saga-c": sagaorch.StatusCompensating,
		"saga-d": sagaorch.StatusFailedNeedsManual,
	} {
		inst, err := s.LoadForUpdate(ctx, id)
		require.NoError(t, err)
		inst.Status = status
		require.NoError(t, s.Save(ctx, inst, inst.Version))
	}

	pending, err := s.ListIncomplete(ctx)
	require.NoError(t, err)
	var ids []string
	for _, inst := range pending {
		ids = append(ids, inst.SagaID)
	}
	assert.ElementsMatch(t, []string{"saga-a", "saga-c"}, ids)
}

func testStepRecords(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Instance("saga-1")))
	require.NoError(t, s.Create(ctx, Instance("saga-2")))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := func(step string, kind sagaorch.StepKind, attempt int, outcome sagaorch.RecordOutcome) sagaorch.StepExecutionRecord {
		return sagaorch.StepExecutionRecord{
			SagaID:         "saga-1",
			StepName:       step,
			Kind:           kind,
			Attempt:        attempt,
			Outcome:        outcome,
			IdempotencyKey: sagaorch.IdempotencyKey("saga-1", step),
			Timestamp:      at,
		}
	}

	require.NoError(t, s.RecordStep(ctx, rec("ReserveInventory", sagaorch.KindAction, 1, sagaorch.RecordPending)))
	require.NoError(t, s.RecordStep(ctx, rec("ReserveInventory", sagaorch.KindAction, 1, sagaorch.RecordSuccess)))
	require.NoError(t, s.RecordStep(ctx, rec("ChargePayment", sagaorch.KindAction, 1, sagaorch.RecordFailure)))
	require.NoError(t, s.RecordStep(ctx, rec("ChargePayment", sagaorch.KindAction, 2, sagaorch.RecordFailure)))
	require.NoError(t, s.RecordStep(ctx, rec("ReserveInventory", sagaorch.KindCompensation, 1, sagaorch.RecordSuccess)))
	other := rec("ReserveInventory", sagaorch.KindAction, 1, sagaorch.RecordSuccess)
	other.SagaID = "saga-2"
	require.NoError(t, s.RecordStep(ctx, other))

	records, err := s.StepRecords(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, "ReserveInventory", records[0].StepName)
	assert.Equal(t, sagaorch.RecordSuccess, records[0].Outcome)
	assert.Equal(t, "ChargePayment", records[1].StepName)
	assert.Equal(t, 1, records[1].Attempt)
	assert.Equal(t, 2, records[2].Attempt)
	assert.Equal(t, sagaorch.KindCompensation, records[3].Kind)
	assert.Equal(t, "saga-1:ReserveInventory", records[3].IdempotencyKey)

	none, err := s.StepRecords(ctx, "saga-3")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testIsolation(t *testing.T, s sagaorch.Store) {
	ctx := context.Background()
	inst := Instance("saga-1")
	require.NoError(t, s.Create(ctx, inst))
	inst.ExecutedSteps = append(inst.ExecutedSteps, "Tampered")

	got, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Empty(t, got.ExecutedSteps)

	got.ExecutedSteps = append(got.ExecutedSteps, "AlsoTampered")
	again, err := s.LoadForUpdate(ctx, "saga-1")
	require.NoError(t, err)
	assert.Empty(t, again.ExecutedSteps)
}
