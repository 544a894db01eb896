package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"factorywatch/internal/config"
	"factorywatch/internal/logging"
	"factorywatch/internal/normalize"
	"factorywatch/internal/seed"
)

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config")
	mode := flag.String("mode", "", "replay or simulate (overrides seed.mode)")
	dataset := flag.String("dataset", "", "dataset file for replay mode")
	sink := flag.String("sink", "", "sql, kafka, redis, mqtt or http (overrides seed.sink)")
	interval := flag.Duration("interval", 0, "delay between writes (overrides seed.interval)")
	limit := flag.Int("limit", -1, "stop after this many documents, 0 for no limit")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *mode != "" {
		cfg.Seed.Mode = *mode
	}
	if *dataset != "" {
		cfg.Seed.Dataset = *dataset
	}
	if *sink != "" {
		cfg.Seed.Sink = *sink
	}
	if *interval > 0 {
		cfg.Seed.Interval = *interval
	}
	if *limit >= 0 {
		cfg.Seed.Limit = *limit
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gen seed.Generator
	switch strings.ToLower(cfg.Seed.Mode) {
	case "replay":
		if cfg.Seed.Dataset == "" {
			logger.Error("replay mode needs a dataset")
			os.Exit(2)
		}
		replay, err := seed.LoadDataset(cfg.Seed.Dataset, normalize.OptionsFrom(cfg), cfg.Seed.Limit)
		if err != nil {
			logger.Error("load dataset failed", "err", err)
			os.Exit(1)
		}
		logger.Info("replaying dataset", "path", cfg.Seed.Dataset, "documents", replay.Len())
		gen = replay
	case "simulate":
		gen = seed.NewSimulator(cfg.Sensors.KnownSensorIDs(), cfg.Seed.DefectRate, cfg.Seed.Limit, time.Now().UnixNano())
	default:
		logger.Error("unknown seed mode", "mode", cfg.Seed.Mode)
		os.Exit(2)
	}

	out, err := seed.NewSink(ctx, cfg)
	if err != nil {
		logger.Error("open sink failed", "sink", cfg.Seed.Sink, "err", err)
		os.Exit(1)
	}
	defer out.Close()

	logger.Info("seeding", "mode", cfg.Seed.Mode, "sink", cfg.Seed.Sink, "interval", cfg.Seed.Interval.String())
	st := seed.Run(ctx, gen, out, cfg.Seed.Interval, logger)
	logger.Info("seeder stopped", "written", st.Written, "failed", st.Failed)
}
