package payout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/payout"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
	"github.com/taskforge/dispatch/internal/wallet"
)

func newFixtures(t *testing.T) (*payout.Settler, *store.Store, *wallet.Ledger) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	ledger := wallet.New(st, true)
	settler := payout.New(st, ledger)

	return settler, st, ledger
}

func newTask(creatorID string) *types.Task {
	return &types.Task{
		ID:        "task-1",
		CreatorID: creatorID,
		Budget: types.BudgetBlock{
			CostPerBucket:      1.0,
			MaxBillableBuckets: 10,
			PlatformFeePercent: 20,
		},
	}
}

func newCompletedResult(bucketIndex int, workerID string) *types.BucketResult {
	return &types.BucketResult{
		TaskID:      "task-1",
		BucketIndex: bucketIndex,
		Status:      types.StatusCompleted,
		WorkerID:    workerID,
		CreatedAt:   time.Now(),
	}
}

func TestSettle_SplitsCostBetweenWorkerAndPlatform(t *testing.T) {
	t.Parallel()

	settler, st, ledger := newFixtures(t)

	customer, err := ledger.SeedUser("customer-session", 50.0)
	require.NoError(t, err)

	task := newTask(customer.ID)
	result := newCompletedResult(0, "worker-1")

	updated, err := settler.Settle(task, result)
	require.NoError(t, err)
	assert.True(t, updated.PayoutIssued)
	assert.NotNil(t, updated.PayoutAt)
	assert.Equal(t, 1, task.Budget.ChunksPaid)
	assert.InDelta(t, 1.0, task.Budget.BudgetSpent, 0.0001)

	customerAfter, err := st.GetUser(customer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 49.0, customerAfter.WalletBalance, 0.0001)

	worker, err := st.GetUser("worker-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, worker.WalletBalance, 0.0001)

	txns, err := st.ListTransactions(types.PlatformUserID, 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.InDelta(t, 0.2, txns[0].Amount, 0.0001)
}

func TestSettle_IsIdempotentOncePaid(t *testing.T) {
	t.Parallel()

	settler, _, ledger := newFixtures(t)

	customer, err := ledger.SeedUser("customer-session", 50.0)
	require.NoError(t, err)

	task := newTask(customer.ID)
	result := newCompletedResult(0, "worker-1")

	_, err = settler.Settle(task, result)
	require.NoError(t, err)

	_, err = settler.Settle(task, result)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Budget.ChunksPaid, "second settle on an already-paid result must not double-pay")
}

func TestSettle_SkipsFailedBuckets(t *testing.T) {
	t.Parallel()

	settler, _, ledger := newFixtures(t)

	customer, err := ledger.SeedUser("customer-session", 50.0)
	require.NoError(t, err)

	task := newTask(customer.ID)
	result := newCompletedResult(0, "worker-1")
	result.Status = types.StatusFailed

	updated, err := settler.Settle(task, result)
	require.NoError(t, err)
	assert.False(t, updated.PayoutIssued)
	assert.Equal(t, 0, task.Budget.ChunksPaid)
}

func TestSettle_RespectsBillableCap(t *testing.T) {
	t.Parallel()

	settler, _, ledger := newFixtures(t)

	customer, err := ledger.SeedUser("customer-session", 50.0)
	require.NoError(t, err)

	task := newTask(customer.ID)
	task.Budget.MaxBillableBuckets = 0
	result := newCompletedResult(0, "worker-1")

	updated, err := settler.Settle(task, result)
	require.NoError(t, err)
	assert.False(t, updated.PayoutIssued)
}

func TestSettle_MissingCustomerReturnsSwallowableError(t *testing.T) {
	t.Parallel()

	settler, _, _ := newFixtures(t)

	task := newTask("ghost-customer")
	result := newCompletedResult(0, "worker-1")

	_, err := settler.Settle(task, result)
	require.ErrorIs(t, err, payout.ErrCustomerNotFound)
}
