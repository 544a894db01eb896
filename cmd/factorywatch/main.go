package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/alerts"
	"factorywatch/internal/api"
	"factorywatch/internal/config"
	"factorywatch/internal/hub"
	"factorywatch/internal/logging"
	"factorywatch/internal/metrics"
	"factorywatch/internal/monitor"
	"factorywatch/internal/notify"
	"factorywatch/internal/sysinfo"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	mgr, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mgr, logger); err != nil {
		logger.Error("factorywatch stopped", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, mgr *config.Manager, logger *slog.Logger) error {
	cfg := mgr.Get()
	started := time.Now().UTC()

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer src.close()

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New(cfg.Metrics.Namespace)
	}
	wsHub := hub.New(logger)
	go wsHub.Run(ctx)

	notifier := notify.New(cfg.Notify, aggregate.SettingsFrom(cfg).Score, started,
		notify.LogSink{Logger: logger}, wsHub)

	mon := monitor.New(cfg, src.source, alerts.NewMemoryStore(cfg.Monitor.AlertLimit), logger).
		WithNotifier(notifier).
		WithMetrics(recorder).
		OnPublish(wsHub.BroadcastDashboard)
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Close()

	api.Start(ctx, mgr, api.Deps{
		Monitor: mon,
		Sink:    src.push,
		WS:      http.HandlerFunc(wsHub.ServeWS),
		Metrics: recorder,
		Host:    sysinfo.NewCollector(logger),
	}, logger, version)

	go mgr.Watch(ctx, 3*time.Second, func(next *config.Config) {
		logger.Info("config reloaded", "path", mgr.Path())
		mon.UpdateConfig(next)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	})

	logger.Info("factorywatch running",
		"version", version,
		"driver", cfg.Source.Driver,
		"collection", cfg.Source.Collection,
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
