package types

import "time"

// ItemStatus is the terminal status of a single processed item, or the
// overall status of a bucket result.
type ItemStatus string

const (
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusSkipped    ItemStatus = "skipped"
)

// MaxItemResultsStored bounds the number of per-item records kept on a
// bucket result; older entries are truncated from the front.
const MaxItemResultsStored = 200

// ItemPreviewLimit bounds the length of stored input previews and outputs.
const ItemPreviewLimit = 240

// ItemResult is a single processed item within a bucket.
type ItemResult struct {
	LocalIndex   int        `json:"localIndex"`
	GlobalIndex  int        `json:"globalIndex"`
	Status       ItemStatus `json:"status"`
	InputPreview string     `json:"inputPreview,omitempty"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// BucketResult is keyed by (taskId, bucketIndex) and holds the merged
// state of progress batches and the terminal result for one bucket.
type BucketResult struct {
	TaskID               string       `json:"taskId"`
	BucketIndex          int          `json:"bucketIndex"`
	RangeStart           int          `json:"rangeStart"`
	RangeEnd             int          `json:"rangeEnd"`
	Status               ItemStatus   `json:"status"`
	ProcessedItems       int          `json:"processedItems"`
	BytesUsed            int          `json:"bytesUsed"`
	WorkerID             string       `json:"workerId"`
	ItemResults          []ItemResult `json:"itemResults"`
	ItemResultsTotal     int          `json:"itemResultsTotal"`
	ItemResultsTruncated bool         `json:"itemResultsTruncated"`
	PayoutIssued         bool         `json:"payoutIssued"`
	PayoutAt             *time.Time   `json:"payoutAt,omitempty"`
	Output               string       `json:"output,omitempty"`
	Error                string       `json:"error,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
}

// ItemsCount returns the half-open range length.
func (r *BucketResult) ItemsCount() int {
	return r.RangeEnd - r.RangeStart
}

// Overlaps reports whether r shares any item index with [start, end).
func (r *BucketResult) Overlaps(start, end int) bool {
	return r.RangeStart < end && start < r.RangeEnd
}

// IsTerminal reports whether the bucket is no longer in flight.
func (r *BucketResult) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// BucketAssignment is an exclusive lease on a bucket range, keyed by
// (taskId, bucketIndex).
type BucketAssignment struct {
	TaskID           string    `json:"taskId"`
	BucketIndex      int       `json:"bucketIndex"`
	WorkerID         string    `json:"workerId"`
	AssignedAt       time.Time `json:"assignedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RangeStart       int       `json:"rangeStart"`
	RangeEnd         int       `json:"rangeEnd"`
	ProcessedCount   int       `json:"processedCount"`
	ProgressRangeEnd int       `json:"progressRangeEnd"`
	BytesUsed        int       `json:"bytesUsed"`
	LastBatchOffset  int       `json:"lastBatchOffset"`
	LastBatchSize    int       `json:"lastBatchSize"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Overlaps reports whether the lease shares any item index with [start, end).
func (a *BucketAssignment) Overlaps(start, end int) bool {
	return a.RangeStart < end && start < a.RangeEnd
}

// Expired reports whether the lease's TTL has elapsed as of now.
func (a *BucketAssignment) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
