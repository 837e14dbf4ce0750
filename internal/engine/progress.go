package engine

import "github.com/taskforge/dispatch/internal/types"

// ComputeProgress derives processedBuckets, processedItems, and progress
// from a task's bucket results. It never trusts the stored
// counters as a source of truth; they are a write-time cache only.
func ComputeProgress(task *types.Task, results []*types.BucketResult) {
	processedBuckets := 0
	processedItems := 0

	for _, r := range results {
		if !r.IsTerminal() {
			continue
		}

		processedBuckets++
		processedItems += r.ItemsCount()
	}

	task.ProcessedBuckets = processedBuckets
	task.ProcessedItems = processedItems

	if task.TotalItems > 0 {
		task.Progress = clampPercent(processedItems * 100 / task.TotalItems)
	}
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
