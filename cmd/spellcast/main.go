package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/spellcast/internal/adapter"
	"github.com/rendis/spellcast/internal/catalog"
	"github.com/rendis/spellcast/internal/engine"
	"github.com/rendis/spellcast/internal/logging"
	"github.com/rendis/spellcast/internal/resolver"
	"github.com/rendis/spellcast/internal/scheduler"
	"github.com/rendis/spellcast/internal/store"
	"github.com/rendis/spellcast/internal/tracker"
	"github.com/rendis/spellcast/internal/validation"
	"github.com/rendis/spellcast/internal/webhook"
	"github.com/rendis/spellcast/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "spellcast:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Tool catalog and provider adapters.
	cat := catalog.NewMemoryCatalog()
	if err := loadCatalog(cfg.CatalogPath, cat); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	reg := adapter.NewRegistry()
	if err := registerAdapters(reg); err != nil {
		return fmt.Errorf("register adapters: %w", err)
	}
	for _, spec := range cat.List() {
		if _, err := reg.Get(spec.ToolID); err != nil {
			logger.Warn("catalog tool has no adapter", slog.String("tool_id", spec.ToolID))
		}
	}

	// Execution pipeline.
	coord := adapter.NewCoordinator(cat, reg, adapter.CoordinatorConfig{}, logger)
	trk := tracker.New(tracker.Config{
		PollInterval:   time.Duration(cfg.PollIntervalSecs) * time.Second,
		MaxJobDuration: time.Duration(cfg.MaxJobMinutes) * time.Minute,
	}, logger)
	defer trk.Stop()

	validator, err := validation.NewSpellValidator(cat)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	gateway := newGatewaySwapper(engine.NewLogGateway(logger))
	orch := engine.NewOrchestrator(st, resolver.New(cat), coord, trk, validator, gateway, logger)

	// MCP control surface. The push gateway needs the MCP server, which
	// needs the orchestrator, so the gateway is swapped in after the fact.
	book := catalog.NewSpellbook()
	castServer := mcp.NewCastServer(mcp.CastServerDeps{
		Engine:    orch,
		Store:     st,
		Spellbook: book,
		Logger:    logger,
	})
	gateway.Swap(mcp.NewPushGateway(castServer.MCPServer(), castServer.Sessions(), logger))

	// Re-arm poll loops for jobs that were inflight when the last process
	// stopped. Failures here are logged, not fatal: the affected casts can
	// still be cancelled or inspected.
	if err := orch.RecoverInflight(ctx); err != nil {
		logger.Warn("inflight job recovery failed", slog.String("error", err.Error()))
	}

	// Recurring casts.
	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, engine.NewSpellRunner(book, orch), logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// Webhook ingestion.
	receiver := webhook.NewReceiver(webhook.Deps{
		Store:    st,
		Registry: reg,
		Engine:   orch,
		Tracker:  trk,
		Logger:   logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           receiver.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("webhook server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	// MCP stdio transport blocks until the context is cancelled or stdin
	// closes.
	logger.Info("spellcast engine ready")
	if err := castServer.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp serve: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadCatalog reads tool specs from a JSON file into the catalog.
// A missing file is not an error; the catalog starts empty.
func loadCatalog(path string, cat *catalog.MemoryCatalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var specs []*catalog.ToolSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, spec := range specs {
		if err := cat.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// registerAdapters wires provider backends into the registry. Tool backends
// are deployment specific; the engine sequences calls to them but does not
// implement them.
func registerAdapters(_ *adapter.Registry) error {
	return nil
}
