package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskforge/dispatch/internal/types"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("not found")

// GetTask loads a task by id, preferring the in-process cache.
func (s *Store) GetTask(id string) (*types.Task, error) {
	if t, ok := s.cache.get(id); ok {
		return t, nil
	}

	var payload []byte

	err := s.db.QueryRow(`SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query task %s: %w", id, err)
	}

	var t types.Task

	if decodeErr := s.decode(payload, &t); decodeErr != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, decodeErr)
	}

	s.cache.put(&t)

	return &t, nil
}

// PutTask upserts a task and refreshes the cache entry.
func (s *Store) PutTask(t *types.Task) error {
	payload, err := s.encode(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, status, payload) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload
	`, t.ID, string(t.Status), payload)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}

	s.cache.put(t)

	return nil
}

// DeleteTask removes a task and cascades to its bucket results and
// assignments, cascading the delete across every related table.
func (s *Store) DeleteTask(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete task %s: %w", id, err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, execErr := tx.Exec(`DELETE FROM bucket_assignments WHERE task_id = ?`, id); execErr != nil {
		return fmt.Errorf("cascade delete assignments for %s: %w", id, execErr)
	}

	if _, execErr := tx.Exec(`DELETE FROM bucket_results WHERE task_id = ?`, id); execErr != nil {
		return fmt.Errorf("cascade delete results for %s: %w", id, execErr)
	}

	if _, execErr := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); execErr != nil {
		return fmt.Errorf("delete task %s: %w", id, execErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit delete task %s: %w", id, commitErr)
	}

	s.cache.delete(id)

	return nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(status types.TaskStatus) ([]*types.Task, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status != "" {
		rows, err = s.db.Query(`SELECT payload FROM tasks WHERE status = ?`, string(status))
	} else {
		rows, err = s.db.Query(`SELECT payload FROM tasks`)
	}

	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var tasks []*types.Task

	for rows.Next() {
		var payload []byte

		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("scan task row: %w", scanErr)
		}

		var t types.Task

		if decodeErr := s.decode(payload, &t); decodeErr != nil {
			return nil, fmt.Errorf("decode task row: %w", decodeErr)
		}

		tasks = append(tasks, &t)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate tasks: %w", rowsErr)
	}

	return tasks, nil
}
