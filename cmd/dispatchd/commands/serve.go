// Package commands implements CLI command handlers for dispatchd.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/taskforge/dispatch/internal/api"
	"github.com/taskforge/dispatch/internal/engine"
	"github.com/taskforge/dispatch/internal/observability"
	"github.com/taskforge/dispatch/internal/store"
	"github.com/taskforge/dispatch/pkg/config"
	"github.com/taskforge/dispatch/pkg/version"
)

const defaultDevWallet = 100.0

// NewServeCommand builds the "serve" subcommand, wiring config, storage,
// the engine, observability, and the HTTP API into a running server.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Configuration file path (default: config.yaml in CWD or /etc/dispatch)")

	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = observability.ModeServe
	obsCfg.ServiceVersion = version.Version
	obsCfg.LogJSON = cfg.Logging.Format == "json"

	obsCfg.LogLevel = parseLogLevel(cfg.Logging.Level)

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if shutdownErr := providers.Shutdown(context.Background()); shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics, err := observability.NewDispatchMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if err := observability.RegisterCacheMetrics(providers.Meter, st.CacheStats()); err != nil {
		return fmt.Errorf("register cache metrics: %w", err)
	}

	if cfg.Diagnostics.Enabled {
		diag, diagErr := observability.NewDiagnosticsServer(cfg.Diagnostics.Addr, providers.Meter)
		if diagErr != nil {
			return fmt.Errorf("start diagnostics server: %w", diagErr)
		}
		defer diag.Close()

		providers.Logger.Info("diagnostics listening", "addr", diag.Addr())
	}

	eng := engine.New(st, engine.Config{
		LeaseTTL:            cfg.Lease.TTL,
		HeartbeatTimeout:    cfg.Heartbeat.WorkerTimeout,
		DisableBudgetChecks: cfg.Budget.DisableChecks,
		SandboxWallet:       cfg.Wallet.SandboxEnabled,
		ArtifactRoot:        cfg.Store.ArtifactDir,
	}, metrics)

	sweeper := startSweepCron(eng, providers.Logger, cfg.Heartbeat.SweepInterval)
	defer sweeper.Stop()

	devWallet, err := strconv.ParseFloat(cfg.Wallet.DevInitialWalletUSD, 64)
	if err != nil {
		devWallet = defaultDevWallet
	}

	handler := api.NewServer(st, eng, providers.Logger, providers.Tracer, devWallet)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		providers.Logger.Info("dispatchd listening", "addr", srv.Addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}

		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		providers.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// startSweepCron schedules the heartbeat liveness sweep and the bucket
// lease-expiry sweep on the same coarse tick. Both self-heal lazily on
// the next request; the periodic sweep only bounds worst-case staleness
// on otherwise-idle tasks.
func startSweepCron(eng *engine.Engine, logger *slog.Logger, interval time.Duration) *cron.Cron {
	if interval <= 0 {
		interval = time.Minute
	}

	c := cron.New()

	spec := fmt.Sprintf("@every %s", interval)

	_, err := c.AddFunc(spec, func() {
		eng.Heartbeats().Sweep()

		if sweepErr := eng.SweepExpiredLeases(); sweepErr != nil {
			logger.Warn("lease sweep failed", "error", sweepErr)
		}
	})
	if err != nil {
		logger.Warn("failed to schedule sweep cron", "error", err)
	}

	c.Start()

	return c
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
