package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/engine"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/expressions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/handler"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/logging"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/scheduler"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/store"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/streaming"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/mcp"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// scheduledStarter breaks the construction cycle between the scheduler and
// the handler: the scheduler needs a starter at construction, the handler
// needs the scheduler.
type scheduledStarter struct {
	h *handler.Handler
}

func (s *scheduledStarter) StartScheduled(ctx context.Context, sched schema.ProcessSchedule) (string, error) {
	return s.h.StartScheduled(ctx, sched)
}

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("procman exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := streaming.NewMemoryHub()
	reg := registry.New(hub, logger, registry.WithRetention(cfg.Retention))

	engines, err := expressions.NewEngines()
	if err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	interact := interactions.NewManager(logger)
	defer interact.Close()

	var agent engine.AgentRuntime
	if cfg.AgentURL != "" {
		agent = engine.NewHTTPAgentRuntime(cfg.AgentURL, cfg.AgentToken)
	}
	tools := engine.NewToolRegistry()

	runner := engine.NewRunner(reg, engines, interact, agent, tools, pool, logger)
	exec := engine.NewExecutor(reg, runner, interact, agent, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := exec.Shutdown(shutdownCtx); err != nil {
			logger.Warn("executor shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	starter := &scheduledStarter{}
	sched := scheduler.New(starter, logger)

	h, err := handler.New(reg, exec, interact, sched, logger)
	if err != nil {
		return err
	}
	starter.h = h

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		history, err := store.NewLibSQLHistory("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer history.Close()
		if err := history.Migrate(ctx); err != nil {
			return err
		}
		recorder := store.NewRecorder(history, hub, reg, logger)
		if err := recorder.Start(ctx); err != nil {
			return err
		}
		defer recorder.Stop()
		logger.Info("history store enabled", slog.String("db_path", cfg.DBPath))
	}

	srv := mcp.NewProcmanServer(mcp.ServerDeps{
		Handler: h,
		Hub:     hub,
		Source:  reg,
		Logger:  logger,
	})

	notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
	pump := mcp.NewEventPump(hub, reg, notifier, logger)
	if err := pump.Start(ctx); err != nil {
		return err
	}
	defer pump.Stop()

	logger.Info("procman engine started",
		slog.Int("pool_size", cfg.PoolSize),
		slog.Bool("agent_backend", agent != nil),
	)
	return srv.Serve(ctx)
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
