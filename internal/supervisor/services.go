// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package supervisor

import (
	"context"
	"time"

	"github.com/vigilsec/vigil/internal/detection"
	"github.com/vigilsec/vigil/internal/logging"
)

// EngineService wraps the detection engine as a suture service.
type EngineService struct {
	engine *detection.Engine
}

// NewEngineService wraps an engine for supervision.
func NewEngineService(engine *detection.Engine) *EngineService {
	return &EngineService{engine: engine}
}

// Serve blocks until the context is canceled.
func (s *EngineService) Serve(ctx context.Context) error {
	return s.engine.RunWithContext(ctx)
}

func (s *EngineService) String() string { return "detection-engine" }

// CleanerService periodically removes anomalies past the retention window.
type CleanerService struct {
	engine   *detection.Engine
	interval time.Duration
}

// NewCleanerService creates a retention cleaner. A non-positive interval
// falls back to one hour.
func NewCleanerService(engine *detection.Engine, interval time.Duration) *CleanerService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanerService{engine: engine, interval: interval}
}

// Serve runs the cleanup loop until the context is canceled.
func (s *CleanerService) Serve(ctx context.Context) error {
	logger := logging.WithComponent("cleaner")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.engine.CleanupOldAnomalies(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("retention cleanup failed")
				continue
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("retention cleanup completed")
			}
		}
	}
}

func (s *CleanerService) String() string { return "retention-cleaner" }
