package assignment_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/dispatch/internal/assignment"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
	"github.com/taskforge/dispatch/internal/wallet"
)

type fixedSizer struct {
	sizes []int
}

func (f fixedSizer) ItemSizes(*types.Task) ([]int, error) {
	return f.sizes, nil
}

func newFixtures(t *testing.T, sizes []int, leaseTTL time.Duration, disableBudget bool) (*assignment.Allocator, *store.Store, *wallet.Ledger) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	ledger := wallet.New(st, true)

	alloc := assignment.New(st, fixedSizer{sizes: sizes}, ledger, leaseTTL, disableBudget)

	return alloc, st, ledger
}

func seedTask(t *testing.T, st *store.Store, ledger *wallet.Ledger, workers []string) *types.Task {
	t.Helper()

	creator, err := ledger.SeedUser("creator-session", 100.0)
	require.NoError(t, err)

	assigned := make(map[string]bool)
	for _, w := range workers {
		assigned[w] = true
	}

	task := &types.Task{
		ID:                 "task-1",
		CreatorID:          creator.ID,
		Status:             types.TaskProcessing,
		Name:               "demo",
		TotalItems:         4,
		BucketConfig:       types.BucketConfig{MaxBuckets: 4, MaxBucketBytes: 1024},
		AssignedWorkers:    assigned,
		Budget: types.BudgetBlock{
			CostPerBucket:      1.0,
			MaxBillableBuckets: 10,
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	require.NoError(t, st.PutTask(task))

	return task
}

func TestNextBucket_GrantsFirstRange(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10, 10, 10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	grant, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)
	require.False(t, grant.Resume)
	require.Equal(t, 0, grant.BucketIndex)
	require.Equal(t, 0, grant.RangeStart)
}

func TestNextBucket_RejectsUnassignedWorker(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	_, err := alloc.NextBucket("task-1", "stranger")
	require.ErrorIs(t, err, assignment.ErrNotAssigned)
}

func TestNextBucket_RejectsRevokedTask(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Minute, false)
	task := seedTask(t, st, ledger, []string{"worker-1"})
	task.Revoked = true
	require.NoError(t, st.PutTask(task))

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.ErrorIs(t, err, assignment.ErrRevoked)
}

func TestNextBucket_ResumesExistingLeaseBeforeGrantingNew(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10, 10, 10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	first, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	second, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)
	require.True(t, second.Resume)
	require.Equal(t, first.BucketIndex, second.BucketIndex)
}

func TestNextBucket_ExhaustedBudgetBlocksGrant(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Minute, false)
	task := seedTask(t, st, ledger, []string{"worker-1"})
	task.Budget.MaxBillableBuckets = 0
	require.NoError(t, st.PutTask(task))

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.ErrorIs(t, err, assignment.ErrBudgetExhausted)
}

func TestNextBucket_InsufficientFundsBlocksGrant(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Minute, false)
	task := seedTask(t, st, ledger, []string{"worker-1"})
	task.Budget.CostPerBucket = 1_000_000.0
	require.NoError(t, st.PutTask(task))

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.ErrorIs(t, err, assignment.ErrInsufficientFunds)
}

func TestNextBucket_NoBucketWhenFullyLeased(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1", "worker-2"})

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	_, err = alloc.NextBucket("task-1", "worker-2")
	require.ErrorIs(t, err, assignment.ErrNoBucket)
}

func TestReleaseOnResult_FreesRangeForNextGrant(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1", "worker-2"})

	grant, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	require.NoError(t, alloc.ReleaseOnResult("task-1", grant.BucketIndex, grant.RangeStart, grant.RangeEnd))

	next, err := alloc.NextBucket("task-1", "worker-2")
	require.NoError(t, err)
	require.False(t, next.Resume)
}

func TestDropAssignments_RemovesWorkerAndLeases(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	task, err := alloc.DropAssignments("task-1", "worker-1")
	require.NoError(t, err)
	require.False(t, task.HasWorker("worker-1"))

	leases, err := st.ListAssignments("task-1")
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestRevokeThenReinvoke_RoundTrips(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10}, time.Minute, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	revoked, err := alloc.Revoke("task-1")
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	require.Empty(t, revoked.AssignedWorkers)

	leases, err := st.ListAssignments("task-1")
	require.NoError(t, err)
	require.Empty(t, leases)

	reinvoked, err := alloc.Reinvoke("task-1")
	require.NoError(t, err)
	require.False(t, reinvoked.Revoked)
}

func TestSweepExpired_RemovesStaleLeases(t *testing.T) {
	t.Parallel()

	alloc, st, ledger := newFixtures(t, []int{10, 10}, time.Millisecond, false)
	seedTask(t, st, ledger, []string{"worker-1"})

	_, err := alloc.NextBucket("task-1", "worker-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, alloc.SweepExpired("task-1"))

	leases, err := st.ListAssignments("task-1")
	require.NoError(t, err)
	require.Empty(t, leases)
}
