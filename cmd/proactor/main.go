package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/steadyline/proactor/internal/dispatch"
	"github.com/steadyline/proactor/internal/engine"
	"github.com/steadyline/proactor/internal/expressions"
	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/reminder"
	"github.com/steadyline/proactor/internal/scheduler"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/mcp"
)

func main() {
	configPath := flag.String("config", "", "path to settings.json (default ~/.proactor/settings.json)")
	flag.Parse()

	cfg := loadConfig(*configPath)
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("proactor exited", slog.Any("error", err))
		os.Exit(1)
	}
}

// newLogger builds the root logger. Logs go to stderr; stdout belongs to the
// MCP stdio transport.
func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := tools.NewRegistry()
	plugins := startPlugins(ctx, cfg.Plugins, registry, logger)
	defer func() {
		for _, p := range plugins {
			p.Stop()
		}
	}()

	eng, err := engine.New(st, registry, nil, nil, nil, engine.Config{
		DefaultTimeoutHours: cfg.TimeoutHours,
		ExtensionHours:      cfg.ExtensionHours,
		MaxRetries:          cfg.MaxRetries,
		MaxChainIterations:  cfg.MaxChainIterations,
		RetentionDays:       cfg.RetentionDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	remind := reminder.NewEmailDispatcher(registry, expressions.NewGoJQEngine(), logger)

	var dispatcher dispatch.Dispatcher
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		rd := dispatch.NewRedis(client, eng, remind, dispatch.RedisConfig{
			Queue:   cfg.RedisQueue,
			Workers: cfg.RedisWorkers,
		}, logger)
		rd.Start(ctx)
		dispatcher = rd
		logger.Info("task dispatch via redis", slog.String("addr", cfg.RedisAddr))
	} else {
		dispatcher = dispatch.NewInline(eng, remind, logger)
		logger.Info("task dispatch inline, no redis configured")
	}
	defer dispatcher.Close()
	eng.SetEnqueuer(dispatcher)

	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.Job{Name: "timeout-monitor", Spec: cfg.MonitorCron, Run: eng.MonitorTimeouts}); err != nil {
		return fmt.Errorf("add monitor job: %w", err)
	}
	if err := sched.Add(scheduler.Job{Name: "retention-sweeper", Spec: cfg.SweeperCron, Run: eng.SweepRetention}); err != nil {
		return fmt.Errorf("add sweeper job: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewProactorServer(mcp.ProactorServerDeps{
		Engine: eng,
		Logger: logger,
	})

	logger.Info("proactor ready",
		slog.String("db_path", cfg.DBPath),
		slog.Int("tools", registry.Count()),
		slog.Int("plugins", len(plugins)))

	return srv.Serve(ctx)
}

// startPlugins launches the configured tool providers and registers their
// tools under the provider's name prefix. A failing plugin is logged and
// skipped so one broken provider does not block startup.
func startPlugins(ctx context.Context, configs []tools.PluginConfig, registry *tools.Registry, logger *slog.Logger) []*tools.Plugin {
	var plugins []*tools.Plugin
	for _, pc := range configs {
		p, err := tools.StartPlugin(ctx, pc, logger)
		if err != nil {
			logger.Warn("plugin start failed",
				slog.String("plugin", pc.Name), slog.Any("error", err))
			continue
		}

		ts, err := p.Discover(ctx)
		if err != nil {
			logger.Warn("plugin discovery failed",
				slog.String("plugin", pc.Name), slog.Any("error", err))
			p.Stop()
			continue
		}

		n, err := registry.RegisterPrefixed(p.Name(), ts)
		if err != nil {
			logger.Warn("plugin registration failed",
				slog.String("plugin", pc.Name), slog.Any("error", err))
			p.Stop()
			continue
		}

		plugins = append(plugins, p)
		logger.Info("plugin ready", slog.String("plugin", pc.Name), slog.Int("tools", n))
	}
	return plugins
}
