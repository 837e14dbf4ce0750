package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskforge/dispatch/internal/types"
)

// GetBucketResult loads the result for (taskId, bucketIndex).
func (s *Store) GetBucketResult(taskID string, bucketIndex int) (*types.BucketResult, error) {
	var payload []byte

	err := s.db.QueryRow(
		`SELECT payload FROM bucket_results WHERE task_id = ? AND bucket_index = ?`,
		taskID, bucketIndex,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bucket result %s/%d: %w", taskID, bucketIndex, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query bucket result %s/%d: %w", taskID, bucketIndex, err)
	}

	var r types.BucketResult

	if decodeErr := s.decode(payload, &r); decodeErr != nil {
		return nil, fmt.Errorf("decode bucket result %s/%d: %w", taskID, bucketIndex, decodeErr)
	}

	return &r, nil
}

// PutBucketResult upserts a bucket result.
func (s *Store) PutBucketResult(r *types.BucketResult) error {
	payload, err := s.encode(r)
	if err != nil {
		return fmt.Errorf("encode bucket result %s/%d: %w", r.TaskID, r.BucketIndex, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bucket_results (task_id, bucket_index, range_start, range_end, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, bucket_index) DO UPDATE SET
			range_start = excluded.range_start,
			range_end = excluded.range_end,
			payload = excluded.payload
	`, r.TaskID, r.BucketIndex, r.RangeStart, r.RangeEnd, payload)
	if err != nil {
		return fmt.Errorf("upsert bucket result %s/%d: %w", r.TaskID, r.BucketIndex, err)
	}

	return nil
}

// DeleteBucketResult removes a single bucket result.
func (s *Store) DeleteBucketResult(taskID string, bucketIndex int) error {
	_, err := s.db.Exec(
		`DELETE FROM bucket_results WHERE task_id = ? AND bucket_index = ?`,
		taskID, bucketIndex,
	)
	if err != nil {
		return fmt.Errorf("delete bucket result %s/%d: %w", taskID, bucketIndex, err)
	}

	return nil
}

// ListBucketResults returns every result recorded for a task.
func (s *Store) ListBucketResults(taskID string) ([]*types.BucketResult, error) {
	rows, err := s.db.Query(`SELECT payload FROM bucket_results WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list bucket results for %s: %w", taskID, err)
	}

	defer func() { _ = rows.Close() }()

	var results []*types.BucketResult

	for rows.Next() {
		var payload []byte

		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("scan bucket result row: %w", scanErr)
		}

		var r types.BucketResult

		if decodeErr := s.decode(payload, &r); decodeErr != nil {
			return nil, fmt.Errorf("decode bucket result row: %w", decodeErr)
		}

		results = append(results, &r)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate bucket results: %w", rowsErr)
	}

	return results, nil
}

// OverlappingBucketResults returns every result for taskId whose range
// overlaps [start, end), used for range-based dedup on terminal writes.
func (s *Store) OverlappingBucketResults(taskID string, start, end int) ([]*types.BucketResult, error) {
	results, err := s.ListBucketResults(taskID)
	if err != nil {
		return nil, err
	}

	var overlapping []*types.BucketResult

	for _, r := range results {
		if r.Overlaps(start, end) {
			overlapping = append(overlapping, r)
		}
	}

	return overlapping, nil
}

// GetAssignment loads the lease for (taskId, bucketIndex).
func (s *Store) GetAssignment(taskID string, bucketIndex int) (*types.BucketAssignment, error) {
	var payload []byte

	err := s.db.QueryRow(
		`SELECT payload FROM bucket_assignments WHERE task_id = ? AND bucket_index = ?`,
		taskID, bucketIndex,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s/%d: %w", taskID, bucketIndex, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query assignment %s/%d: %w", taskID, bucketIndex, err)
	}

	var a types.BucketAssignment

	if decodeErr := s.decode(payload, &a); decodeErr != nil {
		return nil, fmt.Errorf("decode assignment %s/%d: %w", taskID, bucketIndex, decodeErr)
	}

	return &a, nil
}

// PutAssignment upserts a lease.
func (s *Store) PutAssignment(a *types.BucketAssignment) error {
	payload, err := s.encode(a)
	if err != nil {
		return fmt.Errorf("encode assignment %s/%d: %w", a.TaskID, a.BucketIndex, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bucket_assignments (task_id, bucket_index, worker_id, expires_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, bucket_index) DO UPDATE SET
			worker_id = excluded.worker_id,
			expires_at = excluded.expires_at,
			payload = excluded.payload
	`, a.TaskID, a.BucketIndex, a.WorkerID, a.ExpiresAt.Unix(), payload)
	if err != nil {
		return fmt.Errorf("upsert assignment %s/%d: %w", a.TaskID, a.BucketIndex, err)
	}

	return nil
}

// DeleteAssignment removes a single lease.
func (s *Store) DeleteAssignment(taskID string, bucketIndex int) error {
	_, err := s.db.Exec(
		`DELETE FROM bucket_assignments WHERE task_id = ? AND bucket_index = ?`,
		taskID, bucketIndex,
	)
	if err != nil {
		return fmt.Errorf("delete assignment %s/%d: %w", taskID, bucketIndex, err)
	}

	return nil
}

// ListAssignments returns every active lease for a task.
func (s *Store) ListAssignments(taskID string) ([]*types.BucketAssignment, error) {
	rows, err := s.db.Query(`SELECT payload FROM bucket_assignments WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", taskID, err)
	}

	defer func() { _ = rows.Close() }()

	var assignments []*types.BucketAssignment

	for rows.Next() {
		var payload []byte

		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("scan assignment row: %w", scanErr)
		}

		var a types.BucketAssignment

		if decodeErr := s.decode(payload, &a); decodeErr != nil {
			return nil, fmt.Errorf("decode assignment row: %w", decodeErr)
		}

		assignments = append(assignments, &a)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate assignments: %w", rowsErr)
	}

	return assignments, nil
}

// DeleteAssignmentsForWorker removes every lease (taskId, *) held by workerId.
func (s *Store) DeleteAssignmentsForWorker(taskID, workerID string) error {
	_, err := s.db.Exec(
		`DELETE FROM bucket_assignments WHERE task_id = ? AND worker_id = ?`,
		taskID, workerID,
	)
	if err != nil {
		return fmt.Errorf("delete assignments for worker %s/%s: %w", taskID, workerID, err)
	}

	return nil
}

// DeleteAllAssignments removes every lease for a task (used by revoke).
func (s *Store) DeleteAllAssignments(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM bucket_assignments WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete all assignments for %s: %w", taskID, err)
	}

	return nil
}
