// Package assignment implements the assignment allocator: granting,
// resuming, releasing, and revoking exclusive bucket leases.
package assignment

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskforge/dispatch/internal/bucket"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

// Sentinel reasons returned by NextBucket, matching the API's
// ok:false message vocabulary.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrRevoked          = errors.New("revoked")
	ErrNotAssigned      = errors.New("not-assigned")
	ErrBudgetExhausted  = errors.New("budget-exhausted")
	ErrInsufficientFunds = errors.New("insufficient-funds")
	ErrNoBucket         = errors.New("no-chunk")
)

// ItemSizer resolves a task's per-item serialised byte sizes, needed by
// the planner to partition and normalise bucket ranges. Implemented by
// the engine layer, which knows how task data items are stored.
type ItemSizer interface {
	ItemSizes(task *types.Task) ([]int, error)
}

// BalanceChecker reports a customer's current wallet balance for the
// allocator's budget gate. Implemented by the wallet ledger.
type BalanceChecker interface {
	Balance(userID string) (float64, error)
}

// Grant is the successful result of NextBucket.
type Grant struct {
	BucketIndex int
	RangeStart  int
	RangeEnd    int
	BucketBytes int
	Resume      bool
}

// Allocator grants, resumes, releases, and revokes bucket leases.
type Allocator struct {
	store           *store.Store
	sizer           ItemSizer
	balances        BalanceChecker
	leaseTTL        time.Duration
	disableBudget   bool
}

// New creates an Allocator.
func New(st *store.Store, sizer ItemSizer, balances BalanceChecker, leaseTTL time.Duration, disableBudgetChecks bool) *Allocator {
	return &Allocator{
		store:         st,
		sizer:         sizer,
		balances:      balances,
		leaseTTL:      leaseTTL,
		disableBudget: disableBudgetChecks,
	}
}

// NextBucket executes the grant-or-resume sequence under the task's
// writer lock. The caller must not hold the lock already.
func (a *Allocator) NextBucket(taskID, workerID string) (*Grant, error) {
	var result *Grant

	err := a.store.WithTaskLock(taskID, func() error {
		g, innerErr := a.nextBucketLocked(taskID, workerID)
		result = g

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (a *Allocator) nextBucketLocked(taskID, workerID string) (*Grant, error) {
	task, err := a.store.GetTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.Revoked {
		return nil, ErrRevoked
	}

	if !task.HasWorker(workerID) {
		return nil, ErrNotAssigned
	}

	if sweepErr := a.sweepExpiredLocked(taskID); sweepErr != nil {
		return nil, sweepErr
	}

	if resumed, resumeErr := a.findResumableLease(taskID, workerID); resumeErr != nil {
		return nil, resumeErr
	} else if resumed != nil {
		return resumed, nil
	}

	activeLeases, err := a.store.ListAssignments(taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	if !a.disableBudget {
		if task.Budget.ChunksPaid+len(activeLeases) >= task.Budget.MaxBillableBuckets {
			return nil, ErrBudgetExhausted
		}

		balance, balErr := a.balances.Balance(task.CreatorID)
		if balErr != nil {
			return nil, fmt.Errorf("check balance for %s: %w", task.CreatorID, balErr)
		}

		if balance < task.Budget.CostPerBucket {
			return nil, ErrInsufficientFunds
		}
	}

	itemSizes, err := a.sizer.ItemSizes(task)
	if err != nil {
		return nil, fmt.Errorf("load item sizes for %s: %w", taskID, err)
	}

	covered, err := a.coveredRanges(taskID)
	if err != nil {
		return nil, err
	}

	normalized := bucket.Normalize(task.BucketConfig, itemSizes)
	task.BucketConfig = normalized

	r, bytesUsed, ok := bucket.Next(itemSizes, normalized, covered)
	if !ok {
		if putErr := a.store.PutTask(task); putErr != nil {
			return nil, fmt.Errorf("persist normalized config for %s: %w", taskID, putErr)
		}

		return nil, ErrNoBucket
	}

	bucketIndex := task.NextBucketIndex
	task.NextBucketIndex++

	now := time.Now()

	lease := &types.BucketAssignment{
		TaskID:      taskID,
		BucketIndex: bucketIndex,
		WorkerID:    workerID,
		AssignedAt:  now,
		ExpiresAt:   now.Add(a.leaseTTL),
		RangeStart:  r.Start,
		RangeEnd:    r.End,
		BytesUsed:   bytesUsed,
		UpdatedAt:   now,
	}

	if err := a.store.PutAssignment(lease); err != nil {
		return nil, fmt.Errorf("persist lease %s/%d: %w", taskID, bucketIndex, err)
	}

	if err := a.store.PutTask(task); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", taskID, err)
	}

	return &Grant{
		BucketIndex: bucketIndex,
		RangeStart:  r.Start,
		RangeEnd:    r.End,
		BucketBytes: bytesUsed,
	}, nil
}

// findResumableLease returns the oldest non-expired, non-terminal lease
// already held by (taskId, workerId), refreshing its expiry, or nil if
// none exists.
func (a *Allocator) findResumableLease(taskID, workerID string) (*Grant, error) {
	assignments, err := a.store.ListAssignments(taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	now := time.Now()

	var oldest *types.BucketAssignment

	for _, lease := range assignments {
		if lease.WorkerID != workerID || lease.Expired(now) {
			continue
		}

		result, resErr := a.store.GetBucketResult(taskID, lease.BucketIndex)
		if resErr != nil && !errors.Is(resErr, store.ErrNotFound) {
			return nil, fmt.Errorf("load result %s/%d: %w", taskID, lease.BucketIndex, resErr)
		}

		if result != nil && result.IsTerminal() {
			continue
		}

		if oldest == nil || lease.AssignedAt.Before(oldest.AssignedAt) {
			oldest = lease
		}
	}

	if oldest == nil {
		return nil, nil
	}

	oldest.ExpiresAt = now.Add(a.leaseTTL)
	oldest.UpdatedAt = now

	if err := a.store.PutAssignment(oldest); err != nil {
		return nil, fmt.Errorf("refresh lease %s/%d: %w", taskID, oldest.BucketIndex, err)
	}

	return &Grant{
		BucketIndex: oldest.BucketIndex,
		RangeStart:  oldest.RangeStart,
		RangeEnd:    oldest.RangeEnd,
		BucketBytes: oldest.BytesUsed,
		Resume:      true,
	}, nil
}

// coveredRanges returns the union of finished result ranges and active
// lease ranges for a task, used by the planner to find free work.
func (a *Allocator) coveredRanges(taskID string) ([]bucket.Range, error) {
	results, err := a.store.ListBucketResults(taskID)
	if err != nil {
		return nil, fmt.Errorf("list results for %s: %w", taskID, err)
	}

	assignments, err := a.store.ListAssignments(taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	covered := make([]bucket.Range, 0, len(results)+len(assignments))

	for _, r := range results {
		covered = append(covered, bucket.Range{Start: r.RangeStart, End: r.RangeEnd})
	}

	for _, lease := range assignments {
		covered = append(covered, bucket.Range{Start: lease.RangeStart, End: lease.RangeEnd})
	}

	return covered, nil
}

// ReleaseOnResult deletes the lease for (taskId, bucketIndex) and any
// other lease overlapping the same range, deduplicating a crashed
// worker's abandoned lease. Must run inside the caller's task lock.
func (a *Allocator) ReleaseOnResult(taskID string, bucketIndex, rangeStart, rangeEnd int) error {
	if err := a.store.DeleteAssignment(taskID, bucketIndex); err != nil {
		return fmt.Errorf("release lease %s/%d: %w", taskID, bucketIndex, err)
	}

	assignments, err := a.store.ListAssignments(taskID)
	if err != nil {
		return fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	for _, lease := range assignments {
		if lease.Overlaps(rangeStart, rangeEnd) {
			if delErr := a.store.DeleteAssignment(taskID, lease.BucketIndex); delErr != nil {
				return fmt.Errorf("release overlapping lease %s/%d: %w", taskID, lease.BucketIndex, delErr)
			}
		}
	}

	return nil
}

// DropAssignments removes workerId from a task's assigned set and
// deletes every lease it holds. It takes the task lock itself, so the
// caller must not already hold it.
func (a *Allocator) DropAssignments(taskID, workerID string) (*types.Task, error) {
	var task *types.Task

	err := a.store.WithTaskLock(taskID, func() error {
		t, loadErr := a.store.GetTask(taskID)
		if loadErr != nil {
			return fmt.Errorf("load task %s: %w", taskID, loadErr)
		}

		t.RemoveWorker(workerID)

		if delErr := a.store.DeleteAssignmentsForWorker(taskID, workerID); delErr != nil {
			return delErr
		}

		if putErr := a.store.PutTask(t); putErr != nil {
			return fmt.Errorf("persist task %s: %w", taskID, putErr)
		}

		task = t

		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// Revoke sets Revoked, clears the assigned worker set, and deletes every
// lease for the task. Existing results remain. It takes the task lock
// itself, so the caller must not already hold it.
func (a *Allocator) Revoke(taskID string) (*types.Task, error) {
	var task *types.Task

	err := a.store.WithTaskLock(taskID, func() error {
		t, loadErr := a.store.GetTask(taskID)
		if loadErr != nil {
			return fmt.Errorf("load task %s: %w", taskID, loadErr)
		}

		t.Revoked = true
		t.AssignedWorkers = make(map[string]bool)

		if delErr := a.store.DeleteAllAssignments(taskID); delErr != nil {
			return delErr
		}

		if putErr := a.store.PutTask(t); putErr != nil {
			return fmt.Errorf("persist task %s: %w", taskID, putErr)
		}

		task = t

		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// Reinvoke clears Revoked; workers must re-claim. It takes the task lock
// itself, so the caller must not already hold it.
func (a *Allocator) Reinvoke(taskID string) (*types.Task, error) {
	var task *types.Task

	err := a.store.WithTaskLock(taskID, func() error {
		t, loadErr := a.store.GetTask(taskID)
		if loadErr != nil {
			return fmt.Errorf("load task %s: %w", taskID, loadErr)
		}

		t.Revoked = false

		if putErr := a.store.PutTask(t); putErr != nil {
			return fmt.Errorf("persist task %s: %w", taskID, putErr)
		}

		task = t

		return nil
	})
	if err != nil {
		return nil, err
	}

	return task, nil
}

// SweepExpired deletes leases whose expiry has elapsed. It takes the task
// lock itself, so the caller must not already hold it; NextBucket uses
// the unlocked sweepExpiredLocked under its own lock instead.
func (a *Allocator) SweepExpired(taskID string) error {
	return a.store.WithTaskLock(taskID, func() error {
		return a.sweepExpiredLocked(taskID)
	})
}

func (a *Allocator) sweepExpiredLocked(taskID string) error {
	assignments, err := a.store.ListAssignments(taskID)
	if err != nil {
		return fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	now := time.Now()

	for _, lease := range assignments {
		if lease.Expired(now) {
			if delErr := a.store.DeleteAssignment(taskID, lease.BucketIndex); delErr != nil {
				return fmt.Errorf("sweep expired lease %s/%d: %w", taskID, lease.BucketIndex, delErr)
			}
		}
	}

	return nil
}
