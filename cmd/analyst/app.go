package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/analyst/internal/bus"
	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/engine"
	otelpkg "github.com/basket/analyst/internal/otel"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/telemetry"
	"github.com/basket/analyst/internal/tools"
)

// app holds the process-wide collaborators shared by every session.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	otel    *otelpkg.Provider
	metrics *otelpkg.Metrics
	bus     *bus.Bus
	store   *persistence.Store
	tasks   *taskstore.FileStore
	tools   *tools.Registry
	planner session.Planner
	client  *engine.GenkitClient
	model   string

	closers []func()
}

// openApp loads config and builds the runtime. The tool registry is sealed
// before any orchestrator exists. quiet keeps logs off stderr.
func openApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a := &app{cfg: cfg}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.onClose(func() { _ = closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())

	a.otel, err = otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.onClose(func() { _ = a.otel.Shutdown(context.Background()) })
	a.metrics, err = otelpkg.NewMetrics(a.otel.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()

	a.store, err = persistence.Open(cfg.DatabasePath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose(func() { _ = a.store.Close() })
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	a.tasks = taskstore.NewFileStore(cfg.TaskFilePath(), a.bus, telemetry.Component(logger, "taskstore"))

	a.tools = tools.NewRegistry()
	if err := tools.RegisterBuiltins(a.tools, tools.BuiltinOptions{
		Store:           a.tasks,
		APIKey:          cfg.APIKey,
		PreferredSearch: cfg.PreferredSearch,
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	if cfg.Planning.Enabled {
		a.planner = taskstore.NewPlanner(a.tasks, cfg.Planning.MinPromptLength)
	}

	_, a.model, _, _ = cfg.ResolveLLM()
	a.client = engine.NewGenkitClient(ctx, engine.GenkitOptions{
		Config:   cfg,
		Registry: a.tools,
		History:  a.store,
		Logger:   telemetry.Component(logger, "engine"),
		Tracer:   a.otel.Tracer,
	})
	logger.Info("startup phase", "phase", "ready", "model", a.model, "tools", len(a.tools.All()))
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newOrchestrator builds one session bound to sink.
func (a *app) newOrchestrator(sink session.Sink) *session.Orchestrator {
	return session.New(session.Options{
		Client:         a.client,
		Registry:       a.tools,
		Sink:           sink,
		Model:          a.model,
		InterruptGrace: a.cfg.InterruptGrace(),
		Recorder:       a.store,
		Planner:        a.planner,
		Bus:            a.bus,
		Logger:         a.logger,
		Tracer:         a.otel.Tracer,
		Metrics:        a.metrics,
	})
}

// watch starts the task file and config watchers. Edits to SYSTEM.md take
// effect on the next turn; other config changes need a restart.
func (a *app) watch(ctx context.Context) {
	tw := taskstore.NewWatcher(a.tasks, a.bus, telemetry.Component(a.logger, "taskstore"))
	if err := tw.Start(ctx); err != nil {
		a.logger.Warn("task file watcher disabled", "error", err)
	}

	cw := config.NewWatcher(a.cfg.HomeDir, telemetry.Component(a.logger, "config"))
	if err := cw.Start(ctx); err != nil {
		a.logger.Warn("config watcher disabled", "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-cw.Events():
				if !ok {
					return
				}
				a.reload(ev)
			}
		}
	}()
}

func (a *app) reload(ev config.ReloadEvent) {
	fresh, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		a.logger.Warn("config reload failed", "path", ev.Path, "error", err)
		return
	}
	if ev.IsSystemPrompt() {
		a.client.SetSystemPrompt(fresh.SystemPrompt)
		a.logger.Info("system prompt reloaded", "override", fresh.SystemPrompt != "")
		return
	}
	if fresh.Fingerprint() != a.cfg.Fingerprint() {
		a.logger.Info("config.yaml changed; restart to apply", "config_hash", fresh.Fingerprint())
	}
}

// openTaskStore opens only the task file, for commands that need no backend.
func openTaskStore() (*taskstore.FileStore, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.New(io.Discard, cfg.LogLevel)
	return taskstore.NewFileStore(cfg.TaskFilePath(), nil, logger), cfg, nil
}
