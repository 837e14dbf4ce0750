// Package progress implements the progress aggregator: merging progress
// batches and terminal bucket results, then triggering settlement.
package progress

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
)

// Releaser removes the lease matching a terminal result and any other
// lease overlapping its range. Implemented by the assignment allocator.
type Releaser interface {
	ReleaseOnResult(taskID string, bucketIndex, rangeStart, rangeEnd int) error
}

// Settler issues payout for a newly completed bucket. Implemented by
// the payout settler.
type Settler interface {
	Settle(task *types.Task, result *types.BucketResult) (*types.BucketResult, error)
}

// Aggregator merges worker writes into bucket result rows.
type Aggregator struct {
	store    *store.Store
	releaser Releaser
	settler  Settler
}

// New creates an Aggregator.
func New(st *store.Store, releaser Releaser, settler Settler) *Aggregator {
	return &Aggregator{store: st, releaser: releaser, settler: settler}
}

// ProgressBatch is a worker's in-flight progress report for one bucket.
type ProgressBatch struct {
	TaskID         string
	BucketIndex    int
	WorkerID       string
	RangeStart     int
	ItemsProcessed int
	BytesUsed      int
	Items          []types.ItemResult
	BatchOffset    int
	BatchSize      int
}

// RecordProgress applies a progress batch under the task's writer lock.
func (a *Aggregator) RecordProgress(batch ProgressBatch) (*types.BucketResult, error) {
	var result *types.BucketResult

	err := a.store.WithTaskLock(batch.TaskID, func() error {
		r, innerErr := a.recordProgressLocked(batch)
		result = r

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (a *Aggregator) recordProgressLocked(batch ProgressBatch) (*types.BucketResult, error) {
	result, err := a.loadOrCreate(batch.TaskID, batch.BucketIndex, batch.WorkerID, batch.RangeStart, batch.RangeStart)
	if err != nil {
		return nil, err
	}

	if batch.ItemsProcessed > result.ProcessedItems {
		result.ProcessedItems = batch.ItemsProcessed
	}

	candidateEnd := batch.RangeStart + batch.ItemsProcessed
	if candidateEnd > result.RangeEnd {
		result.RangeEnd = candidateEnd
	}

	if batch.BytesUsed > result.BytesUsed {
		result.BytesUsed = batch.BytesUsed
	}

	result.ItemResults = mergeItems(result.ItemResults, batch.Items)
	result.ItemResultsTotal += len(batch.Items)
	result.ItemResults, result.ItemResultsTruncated = truncateItems(result.ItemResults, result.ItemResultsTruncated)
	result.UpdatedAt = time.Now()

	if err := a.store.PutBucketResult(result); err != nil {
		return nil, fmt.Errorf("persist progress for %s/%d: %w", batch.TaskID, batch.BucketIndex, err)
	}

	return result, nil
}

// TerminalResult is a worker's final report for a bucket.
type TerminalResult struct {
	TaskID      string
	BucketIndex int
	WorkerID    string
	RangeStart  int
	RangeEnd    int
	ItemResults []types.ItemResult
	Output      string
	Error       string
}

// RecordBucket installs a terminal result, releases the lease, dedups
// overlapping ranges, and invokes the settler on completion, all under
// the task's writer lock.
func (a *Aggregator) RecordBucket(tr TerminalResult) (*types.BucketResult, error) {
	var result *types.BucketResult

	err := a.store.WithTaskLock(tr.TaskID, func() error {
		r, innerErr := a.recordBucketLocked(tr)
		result = r

		return innerErr
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (a *Aggregator) recordBucketLocked(tr TerminalResult) (*types.BucketResult, error) {
	result, err := a.loadOrCreate(tr.TaskID, tr.BucketIndex, tr.WorkerID, tr.RangeStart, tr.RangeEnd)
	if err != nil {
		return nil, err
	}

	if result.PayoutIssued {
		return result, nil
	}

	result.Status = terminalStatus(tr.ItemResults)
	result.RangeStart = tr.RangeStart
	result.RangeEnd = tr.RangeEnd
	result.ProcessedItems = result.ItemsCount()
	result.ItemResults, result.ItemResultsTotal, result.ItemResultsTruncated = installItems(tr.ItemResults)
	result.Output = tr.Output
	result.Error = tr.Error
	result.UpdatedAt = time.Now()

	if err := a.store.PutBucketResult(result); err != nil {
		return nil, fmt.Errorf("persist terminal result for %s/%d: %w", tr.TaskID, tr.BucketIndex, err)
	}

	if err := a.releaser.ReleaseOnResult(tr.TaskID, tr.BucketIndex, tr.RangeStart, tr.RangeEnd); err != nil {
		return nil, fmt.Errorf("release lease for %s/%d: %w", tr.TaskID, tr.BucketIndex, err)
	}

	if err := a.dedupOverlapping(tr.TaskID, tr.BucketIndex, tr.RangeStart, tr.RangeEnd); err != nil {
		return nil, err
	}

	task, err := a.store.GetTask(tr.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", tr.TaskID, err)
	}

	task.ProcessedItems += result.ItemsCount()
	task.ProcessedBuckets++

	if task.TotalItems > 0 {
		task.Progress = clampPercent(task.ProcessedItems * 100 / task.TotalItems)
	}

	if result.Status != types.StatusCompleted {
		if err := a.store.PutTask(task); err != nil {
			return nil, fmt.Errorf("persist task %s: %w", tr.TaskID, err)
		}

		return result, nil
	}

	settled, err := a.settler.Settle(task, result)
	if err != nil {
		// Payout failure (e.g. missing customer account) leaves the
		// bucket completed without payoutIssued, eligible for retry.
		if putErr := a.store.PutTask(task); putErr != nil {
			return nil, fmt.Errorf("persist task after payout error %s: %w", tr.TaskID, putErr)
		}

		return result, nil
	}

	result = settled

	if err := a.store.PutBucketResult(result); err != nil {
		return nil, fmt.Errorf("persist settled result for %s/%d: %w", tr.TaskID, tr.BucketIndex, err)
	}

	if err := a.store.PutTask(task); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", tr.TaskID, err)
	}

	return result, nil
}

func (a *Aggregator) loadOrCreate(taskID string, bucketIndex int, workerID string, rangeStart, rangeEnd int) (*types.BucketResult, error) {
	result, err := a.store.GetBucketResult(taskID, bucketIndex)
	if err == nil {
		return result, nil
	}

	if !isNotFound(err) {
		return nil, fmt.Errorf("load result %s/%d: %w", taskID, bucketIndex, err)
	}

	now := time.Now()

	return &types.BucketResult{
		TaskID:      taskID,
		BucketIndex: bucketIndex,
		RangeStart:  rangeStart,
		RangeEnd:    rangeEnd,
		Status:      types.StatusProcessing,
		WorkerID:    workerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// dedupOverlapping deletes every other result for taskId whose range
// overlaps [start, end), enforcing the invariant that ranges of
// distinct results never overlap.
func (a *Aggregator) dedupOverlapping(taskID string, keepIndex, start, end int) error {
	overlapping, err := a.store.OverlappingBucketResults(taskID, start, end)
	if err != nil {
		return fmt.Errorf("list overlapping results for %s: %w", taskID, err)
	}

	for _, r := range overlapping {
		if r.BucketIndex == keepIndex {
			continue
		}

		if delErr := a.store.DeleteBucketResult(taskID, r.BucketIndex); delErr != nil {
			return fmt.Errorf("dedup overlapping result %s/%d: %w", taskID, r.BucketIndex, delErr)
		}
	}

	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// mergeItems upserts each incoming item by LocalIndex, replacing any
// prior entry at the same index, then keeps the slice sorted.
func mergeItems(existing []types.ItemResult, incoming []types.ItemResult) []types.ItemResult {
	byIndex := make(map[int]types.ItemResult, len(existing)+len(incoming))

	for _, it := range existing {
		byIndex[it.LocalIndex] = it
	}

	for _, it := range incoming {
		byIndex[it.LocalIndex] = truncatePreview(it)
	}

	merged := make([]types.ItemResult, 0, len(byIndex))
	for _, it := range byIndex {
		merged = append(merged, it)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].LocalIndex < merged[j].LocalIndex })

	return merged
}

// truncateItems enforces MaxItemResultsStored, truncating from the
// front (oldest local indices first) once the bound is exceeded.
func truncateItems(items []types.ItemResult, alreadyTruncated bool) ([]types.ItemResult, bool) {
	if len(items) <= types.MaxItemResultsStored {
		return items, alreadyTruncated
	}

	overflow := len(items) - types.MaxItemResultsStored

	return items[overflow:], true
}

// installItems applies the bounded-storage rule to a terminal result's
// full item list, reporting the true total and whether it was trimmed.
func installItems(items []types.ItemResult) ([]types.ItemResult, int, bool) {
	sorted := make([]types.ItemResult, len(items))
	copy(sorted, items)

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LocalIndex < sorted[j].LocalIndex })

	total := len(sorted)

	truncated, wasTruncated := truncateItems(sorted, false)

	return truncated, total, wasTruncated
}

// truncatePreview clips InputPreview/Output to ITEM_PREVIEW_LIMIT bytes
// with a visible truncation marker.
func truncatePreview(it types.ItemResult) types.ItemResult {
	it.InputPreview = clip(it.InputPreview)
	it.Output = clip(it.Output)

	return it
}

func clip(s string) string {
	if len(s) <= types.ItemPreviewLimit {
		return s
	}

	cut := s[:types.ItemPreviewLimit]

	return fmt.Sprintf("%s... (+%d chars)", cut, len(s)-types.ItemPreviewLimit)
}

// terminalStatus derives a terminal bucket status from its item
// results: failed beats completed beats skipped.
func terminalStatus(items []types.ItemResult) types.ItemStatus {
	sawCompleted := false

	for _, it := range items {
		switch it.Status {
		case types.StatusFailed:
			return types.StatusFailed
		case types.StatusCompleted:
			sawCompleted = true
		}
	}

	if sawCompleted {
		return types.StatusCompleted
	}

	return types.StatusSkipped
}

func clampPercent(p int) int {
	if p > 100 {
		return 100
	}

	if p < 0 {
		return 0
	}

	return p
}
