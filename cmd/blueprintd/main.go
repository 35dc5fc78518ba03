package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/blueprint/internal/capability"
	"github.com/loomworks/blueprint/internal/engine"
	"github.com/loomworks/blueprint/internal/loader"
	"github.com/loomworks/blueprint/internal/registry"
	"github.com/loomworks/blueprint/internal/scheduler"
	"github.com/loomworks/blueprint/internal/store"
	"github.com/loomworks/blueprint/internal/streaming"
	"github.com/loomworks/blueprint/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "blueprintd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr: stdout belongs to the MCP stdio transport.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(blueprintDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	base, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer base.Close()
	if err := base.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	st := streaming.NewBroadcastStore(base, hub)

	capReg := capability.NewRegistry()
	if err := capability.RegisterBuiltins(capReg, capability.HTTPConfig{}); err != nil {
		return err
	}
	breakers := capability.NewCircuitBreakerRegistry(capability.DefaultCircuitBreakerConfig())
	invoker := capability.NewRegistryInvoker(capReg, breakers, logger)

	ld, err := loader.New(logger)
	if err != nil {
		return err
	}
	reg := registry.NewRegistry()
	if bps, err := ld.LoadDir(cfg.DefinitionsDir); err != nil {
		logger.Warn("definitions directory not loaded",
			slog.String("dir", cfg.DefinitionsDir),
			slog.String("error", err.Error()))
	} else {
		for _, bp := range bps {
			if err := reg.Register(bp); err != nil {
				logger.Warn("blueprint not registered",
					slog.String("blueprint_id", bp.ID),
					slog.String("error", err.Error()))
			}
		}
		logger.Info("blueprints loaded", slog.Int("count", reg.Count()))
	}

	controller := engine.NewController(reg, st, invoker, engine.Config{
		LoopConcurrency: cfg.LoopConcurrency,
	}, logger)
	defer controller.Shutdown()

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(reg, controller, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := mcp.NewBlueprintServer(mcp.BlueprintServerDeps{
		Controller: controller,
		Registry:   reg,
		Store:      st,
		Hub:        hub,
		Logger:     logger,
	})

	logger.Info("blueprintd listening on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.Int("blueprints", reg.Count()))

	return srv.Serve(ctx)
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
