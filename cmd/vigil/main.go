// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Vigil reads access events as NDJSON on stdin, evaluates them against its
// behavioral detectors, and emits detected anomalies as NDJSON on stdout.
//
// Usage:
//
//	vigil run            stream events through the detection engine
//	vigil train          train detector baselines from an event stream
//
// Configuration comes from vigil.yaml (or VIGIL_CONFIG) and VIGIL_-prefixed
// environment variables; see internal/config.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/vigilsec/vigil/internal/config"
	"github.com/vigilsec/vigil/internal/detection"
	"github.com/vigilsec/vigil/internal/geoip"
	"github.com/vigilsec/vigil/internal/logging"
	"github.com/vigilsec/vigil/internal/supervisor"
)

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	switch cmd {
	case "run":
		runPipeline(cfg)
	case "train":
		runTraining(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want run or train)\n", cmd)
		os.Exit(2)
	}
}

// buildEngine wires stores, resolver, detectors, and the engine from
// configuration. The returned cleanup closes everything the engine does
// not own.
func buildEngine(ctx context.Context, cfg *config.Config) (*detection.Engine, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Anomaly store: DuckDB when a path is configured, memory otherwise.
	var store detection.AnomalyStore
	if cfg.Storage.DatabasePath != "" {
		db, err := sql.Open("duckdb", cfg.Storage.DatabasePath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open duckdb: %w", err)
		}
		duckStore := detection.NewDuckDBStore(db)
		if err := duckStore.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, cleanup, err
		}
		store = duckStore
		// Covers failures before the engine takes ownership; the engine
		// closing the store again is harmless, sql.DB tolerates it.
		cleanups = append(cleanups, func() {
			if err := duckStore.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing anomaly store")
			}
		})
		logging.Info().Str("path", cfg.Storage.DatabasePath).Msg("Anomaly store opened")
	} else {
		store = detection.NewMemoryStore()
		logging.Info().Msg("Using in-memory anomaly store")
	}

	// Suppression: Badger when a path is configured, memory otherwise.
	var suppressor detection.Suppressor
	if cfg.Storage.SuppressionPath != "" {
		opts := badger.DefaultOptions(cfg.Storage.SuppressionPath).WithLogger(nil)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open suppression store: %w", err)
		}
		cleanups = append(cleanups, func() {
			if err := db.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing suppression store")
			}
		})
		suppressor = detection.NewBadgerSuppressor(db, cfg.Detection.SuppressionCooldown)
		logging.Info().Str("path", cfg.Storage.SuppressionPath).Msg("Suppression store opened")
	} else {
		suppressor = detection.NewMemorySuppressor(cfg.Detection.SuppressionCooldown)
	}

	engineCfg := detection.DefaultEngineConfig()
	engineCfg.Enabled = cfg.Detection.Enabled
	engineCfg.EnableResponses = cfg.Detection.EnableResponses
	engineCfg.DetectionThreshold = detection.Severity(cfg.Detection.Threshold)
	engineCfg.RetentionDays = cfg.Detection.RetentionDays
	engineCfg.MaxQueryLimit = cfg.Detection.MaxQueryLimit

	engine := detection.NewEngine(store, suppressor, engineCfg)
	cleanups = append(cleanups, func() {
		if err := engine.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing engine")
		}
	})

	registerDetectors(engine, cfg)

	if err := engine.LoadModels(ctx, cfg.Storage.ModelDir); err != nil {
		return nil, cleanup, fmt.Errorf("load models: %w", err)
	}

	return engine, cleanup, nil
}

// registerDetectors adds the enabled detectors to the engine.
func registerDetectors(engine *detection.Engine, cfg *config.Config) {
	if cfg.Detectors.AccessTime.Enabled {
		d := detection.NewAccessTimeDetector()
		atCfg := detection.DefaultAccessTimeConfig()
		atCfg.MinDataPoints = cfg.Detectors.AccessTime.MinDataPoints
		atCfg.MinActiveHours = cfg.Detectors.AccessTime.MinActiveHours
		atCfg.RareHourRatio = cfg.Detectors.AccessTime.RareHourFraction
		atCfg.NightStartHour = cfg.Detectors.AccessTime.NightStartHour
		atCfg.NightEndHour = cfg.Detectors.AccessTime.NightEndHour
		d.SetConfig(atCfg)
		engine.RegisterDetector(d)
	}

	if cfg.Detectors.GeoLocation.Enabled {
		resolver := geoip.NewStaticResolver()
		if cfg.GeoIP.DataFile != "" {
			if err := resolver.LoadFile(cfg.GeoIP.DataFile); err != nil {
				logging.Fatal().Err(err).Str("path", cfg.GeoIP.DataFile).Msg("Failed to load geoip dataset")
			}
			logging.Info().Int("entries", resolver.Count()).Msg("GeoIP dataset loaded")
		}
		d := detection.NewGeoLocationDetector(resolver)
		geoCfg := detection.DefaultGeoLocationConfig()
		geoCfg.MinDataPoints = cfg.Detectors.GeoLocation.MinEventsPerUser
		geoCfg.DominantCountryRatio = cfg.Detectors.GeoLocation.DominantCountryShare
		geoCfg.MaxSpeedKmH = cfg.Detectors.GeoLocation.MaxSpeedKmh
		geoCfg.MinDistanceKm = cfg.Detectors.GeoLocation.MinDistanceKm
		geoCfg.MaxTravelWindow = cfg.Detectors.GeoLocation.MaxTravelGap
		d.SetConfig(geoCfg)
		engine.RegisterDetector(d)
	}

	if cfg.Detectors.RequestFrequency.Enabled {
		d := detection.NewRequestFrequencyDetector()
		freqCfg := detection.DefaultRequestFrequencyConfig()
		freqCfg.MinTrainingEvents = cfg.Detectors.RequestFrequency.MinEvents
		freqCfg.StdevMultiplier = cfg.Detectors.RequestFrequency.StdevMultiplier
		freqCfg.BucketMergeWindow = cfg.Detectors.RequestFrequency.BucketGrain
		d.SetConfig(freqCfg)
		engine.RegisterDetector(d)
	}

	if cfg.Detectors.AuthFailure.Enabled {
		engine.RegisterDetector(detection.NewAuthFailureDetector())
	}
}

// runPipeline streams stdin events through the engine under supervision.
func runPipeline(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, cleanup, err := buildEngine(ctx, cfg)
	defer cleanup()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize detection engine")
	}

	logging.Info().
		Int("detectors", len(engine.Detectors())).
		Str("threshold", cfg.Detection.Threshold).
		Msg("Vigil starting")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDetectionService(supervisor.NewEngineService(engine))
	tree.AddDataService(supervisor.NewCleanerService(engine, cfg.Detection.CleanupInterval))

	pipeline := NewPipeline(engine, os.Stdin, os.Stdout)
	tree.AddDetectionService(pipeline)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// The pipeline cancels the context when stdin is exhausted so a piped
	// invocation exits once all events are processed.
	pipeline.OnDone(cancel)

	errCh := tree.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	if err := engine.SaveModels(context.Background(), cfg.Storage.ModelDir); err != nil {
		logging.Error().Err(err).Msg("Failed to save models on shutdown")
	}

	logging.Info().Msg("Vigil stopped")
}

// runTraining reads an event stream from stdin, trains all detectors, and
// persists the resulting models.
func runTraining(cfg *config.Config) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, cleanup, err := buildEngine(ctx, cfg)
	defer cleanup()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize detection engine")
	}

	events, err := ReadEvents(ctx, os.Stdin)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to read training events")
	}
	logging.Info().Int("events", len(events)).Msg("Training detectors")

	results := engine.Train(ctx, events)
	for name, res := range results {
		if res.Err != "" {
			logging.Error().Str("detector", name).Str("error", res.Err).Msg("Training failed")
			continue
		}
		logging.Info().
			Str("detector", name).
			Bool("trained", res.Trained).
			Bool("baseline_established", res.BaselineEstablished).
			Msg("Detector trained")
	}

	if err := engine.SaveModels(ctx, cfg.Storage.ModelDir); err != nil {
		logging.Fatal().Err(err).Msg("Failed to save models")
	}
	logging.Info().Str("dir", cfg.Storage.ModelDir).Msg("Models saved")
}
