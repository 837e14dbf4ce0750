// Package api implements the HTTP surface: a thin projection of the
// engine's operations over gorilla/mux, one endpoint per named
// operation.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskforge/dispatch/internal/engine"
	"github.com/taskforge/dispatch/internal/observability"
	"github.com/taskforge/dispatch/internal/store"
)

// Server holds the dependencies every handler needs.
type Server struct {
	store            *store.Store
	engine           *engine.Engine
	logger           *slog.Logger
	tracer           trace.Tracer
	devInitialWallet float64
}

// NewServer builds the router. devInitialWallet is the seed balance
// given to users created on the fly for an unknown session.
func NewServer(st *store.Store, eng *engine.Engine, logger *slog.Logger, tracer trace.Tracer, devInitialWallet float64) http.Handler {
	s := &Server{
		store:            st,
		engine:           eng,
		logger:           logger,
		tracer:           tracer,
		devInitialWallet: devInitialWallet,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/wallet/deposit", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/wallet/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/stripe/create-checkout-session", s.handleStripeCheckout).Methods(http.MethodPost)
	api.HandleFunc("/stripe/webhook", s.handleStripeWebhook).Methods(http.MethodPost)

	api.HandleFunc("/tasks", s.handleCreateTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleDeleteTask).Methods(http.MethodDelete)
	api.HandleFunc("/tasks/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/drop", s.handleDrop).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/revoke", s.handleRevoke).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/reinvoke", s.handleReinvoke).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/results", s.handleResults).Methods(http.MethodGet)

	api.HandleFunc("/worker/next-chunk", s.handleNextChunk).Methods(http.MethodPost)
	api.HandleFunc("/worker/record-progress", s.handleRecordProgress).Methods(http.MethodPost)
	api.HandleFunc("/worker/record-chunk", s.handleRecordChunk).Methods(http.MethodPost)
	api.HandleFunc("/worker/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/worker/online/{id}", s.handleOnline).Methods(http.MethodGet)

	router.Handle("/healthz", observability.HealthHandler())

	return observability.HTTPMiddleware(tracer, logger, router)
}
