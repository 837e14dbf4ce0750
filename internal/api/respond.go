package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskforge/dispatch/internal/assignment"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/internal/wallet"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "message": message})
}

// writeInternalError maps an unexpected internal error to a 500 with an
// opaque message; internal errors never leak implementation details.
func writeInternalError(w http.ResponseWriter, err error) {
	_ = err
	writeError(w, http.StatusInternalServerError, "internal error")
}

// allocatorReason maps an assignment sentinel error to the next-chunk
// message vocabulary, or "" if err isn't one of them.
func allocatorReason(err error) string {
	switch {
	case errors.Is(err, assignment.ErrTaskNotFound):
		return "not-found"
	case errors.Is(err, assignment.ErrRevoked):
		return "revoked"
	case errors.Is(err, assignment.ErrNotAssigned):
		return "not-assigned"
	case errors.Is(err, assignment.ErrBudgetExhausted):
		return "budget-exhausted"
	case errors.Is(err, assignment.ErrInsufficientFunds):
		return "insufficient-funds"
	case errors.Is(err, assignment.ErrNoBucket):
		return "no-chunk"
	default:
		return ""
	}
}

// walletErrorStatus maps a wallet ledger error to an HTTP status and
// message, or ok=false if err isn't a recognised wallet error.
func walletErrorStatus(err error) (status int, message string, ok bool) {
	switch {
	case errors.Is(err, wallet.ErrSandboxDisabled):
		return http.StatusForbidden, "wallet sandbox mode is disabled", true
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusBadRequest, "insufficient funds", true
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "user not found", true
	default:
		return 0, "", false
	}
}
