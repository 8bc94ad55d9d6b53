package sagaorch_test

import (
	"context"
	"testing"

	"github.com/fortressi/sagaorch"
	"github.com/fortressi/sagaorch/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sagaorch.Store {
		return sagaorch.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) sagaorch.Store {
		s, err := sagaorch.NewFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := sagaorch.NewFileStore(dir)
	require.NoError(t, err)
	inst := storetest.Instance("saga-1")
	require.NoError(t, first.Create(ctx, inst))
	inst.CurrentStepIndex = 1
	inst.ExecutedSteps = []string{"ReserveInventory"}
	require.NoError(t, first.Save(ctx, inst, 1))

	reopened, err := sagaorch.NewFileStore(dir)
	require.NoError(t, err)
	pending, err := reopened.ListIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].CurrentStepIndex)
	assert.Equal(t, []string{"ReserveInventory"}, pending[0].ExecutedSteps)
	assert.Equal(t, int64(2), pending[0].Version)
}
