package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/taskforge/dispatch/internal/engine"
	"github.com/taskforge/dispatch/internal/progress"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/task"
	"github.com/taskforge/dispatch/internal/types"
)

const meTransactionLimit = 25

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveSession(w, r)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	txns, err := s.store.ListTransactions(user.ID, meTransactionLimit)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	total, err := s.store.CountTransactions(user.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":                    user,
		"walletTransactions":      txns,
		"walletTransactionsTotal": total,
	})
}

type walletAmountRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveSession(w, r)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	var req walletAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	txn, err := s.engine.Ledger().Deposit(user.ID, req.Amount)
	if err != nil {
		if status, message, ok := walletErrorStatus(err); ok {
			writeError(w, status, message)
			return
		}

		writeInternalError(w, err)

		return
	}

	user.WalletBalance = txn.BalanceAfter

	writeJSON(w, http.StatusOK, map[string]any{"user": user, "transaction": txn})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveSession(w, r)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	var req walletAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	txn, err := s.engine.Ledger().Withdraw(user.ID, req.Amount)
	if err != nil {
		if status, message, ok := walletErrorStatus(err); ok {
			writeError(w, status, message)
			return
		}

		writeInternalError(w, err)

		return
	}

	user.WalletBalance = txn.BalanceAfter

	writeJSON(w, http.StatusOK, map[string]any{"user": user, "transaction": txn})
}

// handleStripeCheckout is an external-collaborator stub (payment
// Stripe integration out of scope); it reports unimplemented rather than
// faking a checkout session.
func (s *Server) handleStripeCheckout(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotImplemented, "stripe checkout is not configured")
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

type createTaskRequest struct {
	CreatorID          string             `json:"creatorId"`
	Name               string             `json:"name"`
	CapabilityRequired string             `json:"capabilityRequired"`
	Items              []json.RawMessage  `json:"items"`
	ItemSchema         json.RawMessage    `json:"itemSchema,omitempty"`
	BucketConfig       types.BucketConfig `json:"bucketConfig"`
	Budget             types.BudgetBlock  `json:"budget"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	user, err := s.resolveSession(w, r)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := task.ValidateItems(req.ItemSchema, req.Items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	newTask, err := s.engine.CreateTask(engine.CreateTaskParams{
		CreatorID:          user.ID,
		Name:               req.Name,
		CapabilityRequired: req.CapabilityRequired,
		TotalItems:         len(req.Items),
		BucketConfig:       req.BucketConfig,
		Budget:             req.Budget,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Items) > 0 {
		if err := engine.StoreItems(newTask.ArtifactDir, req.Items); err != nil {
			writeInternalError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"task": newTask})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := types.TaskStatus(r.URL.Query().Get("status"))

	tasks, err := s.engine.ListTasks(status)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.engine.DeleteTask(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		writeInternalError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type workerIDRequest struct {
	WorkerID string `json:"workerId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req workerIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.engine.Claim(id, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		if errors.Is(err, engine.ErrRevoked) {
			writeError(w, http.StatusConflict, "revoked")
			return
		}

		writeInternalError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req workerIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := s.engine.DropAssignments(id, req.WorkerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		writeInternalError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.engine.Revoke(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		writeInternalError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleReinvoke(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.engine.Reinvoke(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}

		writeInternalError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	results, err := s.store.ListBucketResults(id)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	assignments, err := s.store.ListAssignments(id)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results, "assignments": assignments})
}

type nextChunkRequest struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
}

func (s *Server) handleNextChunk(w http.ResponseWriter, r *http.Request) {
	var req nextChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	grant, err := s.engine.NextBucket(r.Context(), req.TaskID, req.WorkerID)
	if err != nil {
		if reason := allocatorReason(err); reason != "" {
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": reason})
			return
		}

		writeInternalError(w, err)

		return
	}

	task, err := s.store.GetTask(req.TaskID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	items, err := engine.LoadItems(task.ArtifactDir)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	chunkData := items[grant.RangeStart:grant.RangeEnd]

	resp := map[string]any{
		"ok":          true,
		"bucketIndex": grant.BucketIndex,
		"chunkData":   chunkData,
		"rangeStart":  grant.RangeStart,
		"rangeEnd":    grant.RangeEnd,
		"bucketBytes": grant.BucketBytes,
	}

	if grant.Resume {
		resp["resume"] = true
	}

	writeJSON(w, http.StatusOK, resp)
}

type recordProgressRequest struct {
	TaskID         string             `json:"taskId"`
	BucketIndex    int                `json:"bucketIndex"`
	WorkerID       string             `json:"workerId"`
	RangeStart     int                `json:"rangeStart"`
	ItemsProcessed int                `json:"itemsProcessed"`
	TotalItems     int                `json:"totalItems"`
	BytesUsed      int                `json:"bytesUsed"`
	Items          []types.ItemResult `json:"items"`
	BatchOffset    int                `json:"batchOffset"`
	BatchSize      int                `json:"batchSize"`
}

func (s *Server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var req recordProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.RecordProgress(r.Context(), progress.ProgressBatch{
		TaskID:         req.TaskID,
		BucketIndex:    req.BucketIndex,
		WorkerID:       req.WorkerID,
		RangeStart:     req.RangeStart,
		ItemsProcessed: req.ItemsProcessed,
		BytesUsed:      req.BytesUsed,
		Items:          req.Items,
		BatchOffset:    req.BatchOffset,
		BatchSize:      req.BatchSize,
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"processed": result.ProcessedItems,
		"total":     req.TotalItems,
	})
}

type recordChunkRequest struct {
	TaskID      string             `json:"taskId"`
	BucketIndex int                `json:"bucketIndex"`
	WorkerID    string             `json:"workerId"`
	RangeStart  int                `json:"rangeStart"`
	RangeEnd    int                `json:"rangeEnd"`
	ItemResults []types.ItemResult `json:"itemResults"`
	Output      string             `json:"output"`
	Error       string             `json:"error"`
}

func (s *Server) handleRecordChunk(w http.ResponseWriter, r *http.Request) {
	var req recordChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.RecordBucket(r.Context(), progress.TerminalResult{
		TaskID:      req.TaskID,
		BucketIndex: req.BucketIndex,
		WorkerID:    req.WorkerID,
		RangeStart:  req.RangeStart,
		RangeEnd:    req.RangeEnd,
		ItemResults: req.ItemResults,
		Output:      req.Output,
		Error:       req.Error,
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := map[string]any{"ok": true}
	if result.PayoutIssued {
		resp["payout"] = map[string]any{"bucketIndex": result.BucketIndex, "issuedAt": result.PayoutAt}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req workerIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := s.engine.Heartbeat(r.Context(), req.WorkerID)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "serverTime": now})
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	online := s.engine.IsWorkerOnline(id)

	resp := map[string]any{"online": online}

	if lastSeen, ok := s.engine.Heartbeats().LastSeen(id); ok {
		resp["lastHeartbeat"] = lastSeen
		resp["ageMs"] = time.Since(lastSeen).Milliseconds()
	}

	writeJSON(w, http.StatusOK, resp)
}
