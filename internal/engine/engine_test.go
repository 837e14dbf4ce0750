package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/assignment"
	"github.com/taskforge/dispatch/internal/engine"
	"github.com/taskforge/dispatch/internal/progress"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	cfg := engine.Config{
		LeaseTTL:         time.Minute,
		HeartbeatTimeout: time.Minute,
		SandboxWallet:    true,
		ArtifactRoot:     t.TempDir(),
	}

	return engine.New(st, cfg, nil)
}

func seedCustomer(t *testing.T, e *engine.Engine, balance float64) *types.User {
	t.Helper()

	user, err := e.Ledger().SeedUser("customer-session", balance)
	require.NoError(t, err)

	return user
}

func writeItems(t *testing.T, artifactDir string, sizes []int) {
	t.Helper()

	items := make([]json.RawMessage, len(sizes))
	for i, sz := range sizes {
		padding := make([]byte, sz-2)
		for j := range padding {
			padding[j] = 'x'
		}

		items[i] = append(json.RawMessage(`"`), append(padding, '"')...)
	}

	require.NoError(t, engine.StoreItems(artifactDir, items))
}

func TestFullLifecycle_CreateClaimWorkSettlesPayout(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	customer := seedCustomer(t, e, 10.0)

	task, err := e.CreateTask(engine.CreateTaskParams{
		CreatorID:          customer.ID,
		Name:                "demo",
		CapabilityRequired: "generic",
		TotalItems:          2,
		BucketConfig:        types.BucketConfig{MaxBuckets: 4, MaxBucketBytes: 1024},
		Budget: types.BudgetBlock{
			CostPerBucket:      1.0,
			MaxBillableBuckets: 5,
			BudgetTotal:        5.0,
			PlatformFeePercent: 10,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, task.Status)

	writeItems(t, task.ArtifactDir, []int{10, 10})

	claimed, err := e.Claim(task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskProcessing, claimed.Status)

	ctx := context.Background()

	grant, err := e.NextBucket(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 0, grant.RangeStart)
	assert.Equal(t, 2, grant.RangeEnd)

	result, err := e.RecordBucket(ctx, progress.TerminalResult{
		TaskID: task.ID, BucketIndex: grant.BucketIndex, WorkerID: "worker-1",
		RangeStart: grant.RangeStart, RangeEnd: grant.RangeEnd,
		ItemResults: []types.ItemResult{
			{LocalIndex: 0, Status: types.StatusCompleted},
			{LocalIndex: 1, Status: types.StatusCompleted},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.PayoutIssued)

	final, err := e.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, types.TaskCompleted, final.Status)
	assert.Equal(t, 1, final.Budget.ChunksPaid)

	balance, err := e.Ledger().Balance(customer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, balance, 0.0001)
}

func TestRevoke_BlocksNextBucketUntilReinvoke(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	customer := seedCustomer(t, e, 10.0)

	task, err := e.CreateTask(engine.CreateTaskParams{
		CreatorID:    customer.ID,
		TotalItems:   1,
		BucketConfig: types.BucketConfig{MaxBuckets: 1, MaxBucketBytes: 1024},
		Budget: types.BudgetBlock{
			CostPerBucket:      1.0,
			MaxBillableBuckets: 5,
			BudgetTotal:        5.0,
		},
	})
	require.NoError(t, err)
	writeItems(t, task.ArtifactDir, []int{10})

	_, err = e.Claim(task.ID, "worker-1")
	require.NoError(t, err)

	ctx := context.Background()

	_, err = e.Revoke(ctx, task.ID)
	require.NoError(t, err)

	_, err = e.NextBucket(ctx, task.ID, "worker-1")
	require.ErrorIs(t, err, assignment.ErrRevoked)
}

func TestDeleteTask_RemovesArtifactsAndStoreRows(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	customer := seedCustomer(t, e, 10.0)

	task, err := e.CreateTask(engine.CreateTaskParams{
		CreatorID:    customer.ID,
		TotalItems:   1,
		BucketConfig: types.BucketConfig{MaxBuckets: 1, MaxBucketBytes: 1024},
		Budget: types.BudgetBlock{
			CostPerBucket:      1.0,
			MaxBillableBuckets: 5,
			BudgetTotal:        5.0,
		},
	})
	require.NoError(t, err)
	writeItems(t, task.ArtifactDir, []int{10})

	require.NoError(t, e.DeleteTask(task.ID))

	_, err = e.GetTask(task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}
