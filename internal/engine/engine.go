// Package engine wires the dispatch components (planner, allocator,
// aggregator, settler, ledger, heartbeat tracker) behind the task
// lifecycle operations that the API layer calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/taskforge/dispatch/internal/assignment"
	"github.com/taskforge/dispatch/internal/heartbeat"
	"github.com/taskforge/dispatch/internal/observability"
	"github.com/taskforge/dispatch/internal/payout"
	"github.com/taskforge/dispatch/internal/progress"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/types"
	"github.com/taskforge/dispatch/internal/wallet"
)

// ErrRevoked is returned by Claim when the task has been revoked.
var ErrRevoked = errors.New("task is revoked")

// Config holds the engine's tunable defaults.
type Config struct {
	LeaseTTL            time.Duration
	HeartbeatTimeout    time.Duration
	DisableBudgetChecks bool
	SandboxWallet       bool
	ArtifactRoot        string
}

// Engine is the single entry point the API layer talks to.
type Engine struct {
	cfg         Config
	store       *store.Store
	ledger      *wallet.Ledger
	allocator   *assignment.Allocator
	aggregator  *progress.Aggregator
	settler     *payout.Settler
	heartbeats  *heartbeat.Tracker
	metrics     *observability.DispatchMetrics
}

// New wires every component together over a single store.
func New(st *store.Store, cfg Config, metrics *observability.DispatchMetrics) *Engine {
	ledger := wallet.New(st, cfg.SandboxWallet)
	settler := payout.New(st, ledger)
	allocator := assignment.New(st, FileItemSizer{}, ledger, cfg.LeaseTTL, cfg.DisableBudgetChecks)
	aggregator := progress.New(st, allocator, settler)
	tracker := heartbeat.New(cfg.HeartbeatTimeout)

	return &Engine{
		cfg:        cfg,
		store:      st,
		ledger:     ledger,
		allocator:  allocator,
		aggregator: aggregator,
		settler:    settler,
		heartbeats: tracker,
		metrics:    metrics,
	}
}

// Ledger exposes the wallet ledger for wallet-only API endpoints.
func (e *Engine) Ledger() *wallet.Ledger { return e.ledger }

// Heartbeats exposes the liveness tracker for the heartbeat endpoint.
func (e *Engine) Heartbeats() *heartbeat.Tracker { return e.heartbeats }

// CreateTaskParams are the validated inputs to CreateTask.
type CreateTaskParams struct {
	CreatorID          string
	Name               string
	CapabilityRequired string
	TotalItems         int
	BucketConfig       types.BucketConfig
	Budget             types.BudgetBlock
}

// CreateTask validates inputs, assigns an opaque id, and persists a new
// queued task. The caller is responsible for writing uploaded items
// under the returned task's ArtifactDir via StoreItems.
func (e *Engine) CreateTask(params CreateTaskParams) (*types.Task, error) {
	if params.Budget.CostPerBucket <= 0 {
		return nil, fmt.Errorf("create task: costPerBucket must be > 0")
	}

	if params.Budget.MaxBillableBuckets < 1 {
		return nil, fmt.Errorf("create task: maxBillableBuckets must be >= 1")
	}

	if params.Budget.BudgetTotal < params.Budget.CostPerBucket*float64(params.Budget.MaxBillableBuckets) {
		return nil, fmt.Errorf("create task: budgetTotal too small for costPerBucket * maxBillableBuckets")
	}

	if params.BucketConfig.MaxBuckets < 1 || params.BucketConfig.MaxBucketBytes < 1 {
		return nil, fmt.Errorf("create task: bucketConfig must have maxBuckets >= 1 and maxBucketBytes >= 1")
	}

	id := uuid.NewString()
	now := time.Now()

	task := &types.Task{
		ID:                 id,
		CreatorID:          params.CreatorID,
		Status:             types.TaskQueued,
		CapabilityRequired: params.CapabilityRequired,
		Name:               params.Name,
		TotalItems:         params.TotalItems,
		BucketConfig:       params.BucketConfig,
		AssignedWorkers:    make(map[string]bool),
		Budget:             params.Budget,
		ArtifactDir:        fmt.Sprintf("%s/%s", e.cfg.ArtifactRoot, id),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := e.store.PutTask(task); err != nil {
		return nil, fmt.Errorf("persist new task %s: %w", id, err)
	}

	slog.Default().Info("task created",
		"taskId", id, "totalItems", task.TotalItems,
		"maxBuckets", task.BucketConfig.MaxBuckets,
		"maxBucketBytes", humanize.Bytes(uint64(task.BucketConfig.MaxBucketBytes)),
		"budgetTotal", task.Budget.BudgetTotal,
	)

	return task, nil
}

// Claim opts workerId into a task, flipping queued to processing on the
// first claim. Refuses revoked tasks.
func (e *Engine) Claim(taskID, workerID string) (*types.Task, error) {
	var task *types.Task

	err := e.store.WithTaskLock(taskID, func() error {
		t, loadErr := e.store.GetTask(taskID)
		if loadErr != nil {
			return fmt.Errorf("load task %s: %w", taskID, loadErr)
		}

		if t.Revoked {
			return ErrRevoked
		}

		t.AddWorker(workerID)

		if t.Status == types.TaskQueued {
			t.Status = types.TaskProcessing
		}

		t.UpdatedAt = time.Now()

		if putErr := e.store.PutTask(t); putErr != nil {
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

// DeleteTask removes a task, cascades to its results and assignments,
// and removes its on-disk artifacts.
func (e *Engine) DeleteTask(taskID string) error {
	var artifactDir string

	err := e.store.WithTaskLock(taskID, func() error {
		task, loadErr := e.store.GetTask(taskID)
		if loadErr != nil {
			return fmt.Errorf("load task %s: %w", taskID, loadErr)
		}

		artifactDir = task.ArtifactDir

		return e.store.DeleteTask(taskID)
	})
	if err != nil {
		return err
	}

	return RemoveArtifacts(artifactDir)
}

// GetTask loads a task with its derived progress fields recomputed from
// the authoritative bucket results rather than trusted as stored
// rather than trusting whatever was last persisted.
func (e *Engine) GetTask(taskID string) (*types.Task, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	results, err := e.store.ListBucketResults(taskID)
	if err != nil {
		return nil, fmt.Errorf("list results for %s: %w", taskID, err)
	}

	ComputeProgress(task, results)

	if task.Status != types.TaskFailed && task.Progress >= 100 {
		task.Status = types.TaskCompleted
	}

	return task, nil
}

// ListTasks loads every task with a given status (or every task when
// status is empty), recomputing derived progress for each.
func (e *Engine) ListTasks(status types.TaskStatus) ([]*types.Task, error) {
	tasks, err := e.store.ListTasks(status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		results, resErr := e.store.ListBucketResults(task.ID)
		if resErr != nil {
			return nil, fmt.Errorf("list results for %s: %w", task.ID, resErr)
		}

		ComputeProgress(task, results)
	}

	return tasks, nil
}

// NextBucket grants or resumes a bucket lease. It records a heartbeat
// for workerId and then calls the allocator; it does not check liveness
// first, so a worker whose heartbeat has lapsed is not refused.
func (e *Engine) NextBucket(ctx context.Context, taskID, workerID string) (*assignment.Grant, error) {
	e.heartbeats.Heartbeat(workerID)

	grant, err := e.allocator.NextBucket(taskID, workerID)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordAssignment(ctx)

	return grant, nil
}

// RecordProgress forwards to the aggregator.
func (e *Engine) RecordProgress(_ context.Context, batch progress.ProgressBatch) (*types.BucketResult, error) {
	return e.aggregator.RecordProgress(batch)
}

// RecordBucket forwards to the aggregator, which releases the lease and
// settles payout on completion.
func (e *Engine) RecordBucket(ctx context.Context, tr progress.TerminalResult) (*types.BucketResult, error) {
	result, err := e.aggregator.RecordBucket(tr)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordResolution(ctx, string(result.Status))

	if result.PayoutIssued {
		if task, loadErr := e.store.GetTask(result.TaskID); loadErr == nil {
			e.metrics.RecordPayout(ctx, task.Budget.CostPerBucket)
		}
	}

	return result, nil
}

// DropAssignments forwards to the allocator.
func (e *Engine) DropAssignments(taskID, workerID string) (*types.Task, error) {
	return e.allocator.DropAssignments(taskID, workerID)
}

// Revoke forwards to the allocator.
func (e *Engine) Revoke(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := e.allocator.Revoke(taskID)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordLeaseEvent(ctx, "revoked")

	return task, nil
}

// Reinvoke forwards to the allocator.
func (e *Engine) Reinvoke(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := e.allocator.Reinvoke(taskID)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordLeaseEvent(ctx, "reinvoked")

	return task, nil
}

// Heartbeat records a worker's liveness.
func (e *Engine) Heartbeat(ctx context.Context, workerID string) time.Time {
	t := e.heartbeats.Heartbeat(workerID)

	e.metrics.RecordHeartbeat(ctx)

	return t
}

// IsWorkerOnline reports recent worker liveness.
func (e *Engine) IsWorkerOnline(workerID string) bool {
	return e.heartbeats.IsOnline(workerID)
}

// SweepExpiredLeases runs the allocator's expired-lease sweep over every
// in-flight task. Intended for a coarse periodic tick; leases also
// self-heal lazily on the next NextBucket call, so this only bounds the
// worst-case staleness when a task sees no further traffic.
func (e *Engine) SweepExpiredLeases() error {
	tasks, err := e.store.ListTasks(types.TaskProcessing)
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}

	for _, task := range tasks {
		if err := e.allocator.SweepExpired(task.ID); err != nil {
			return fmt.Errorf("sweep expired leases for %s: %w", task.ID, err)
		}
	}

	return nil
}
