// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigilsec/vigil/internal/logging"
)

// EngineConfig holds the manager-level tunables.
type EngineConfig struct {
	// Enabled controls whether ProcessEvent dispatches to detectors at all.
	Enabled bool `json:"enabled"`

	// EnableResponses controls whether response actions are attached to
	// stored anomalies. When false, anomalies carry log_only so an external
	// responder stays passive.
	EnableResponses bool `json:"enable_responses"`

	// DetectionThreshold is the minimum severity persisted and returned.
	// Anomalies below the threshold are discarded after metrics are
	// recorded.
	DetectionThreshold Severity `json:"detection_threshold"`

	// RetentionDays bounds how long anomalies are kept before cleanup.
	RetentionDays int `json:"retention_days"`

	// MaxQueryLimit caps the result count of anomaly queries.
	MaxQueryLimit int `json:"max_query_limit"`
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:            true,
		EnableResponses:    true,
		DetectionThreshold: SeverityInfo,
		RetentionDays:      90,
		MaxQueryLimit:      1000,
	}
}

// Engine owns the detector registry, fans events out to every enabled
// detector, persists emitted anomalies, and exposes query, training,
// status-transition, and cleanup operations. It is the explicit context
// object replacing a global manager singleton: the hosting process
// constructs one Engine and passes it by reference.
type Engine struct {
	store      AnomalyStore
	suppressor Suppressor

	mu        sync.RWMutex
	config    EngineConfig
	detectors []Detector
	byName    map[string]Detector
}

// NewEngine creates an engine persisting to store. suppressor may be nil
// to disable anomaly deduplication.
func NewEngine(store AnomalyStore, suppressor Suppressor, config EngineConfig) *Engine {
	if config.MaxQueryLimit <= 0 {
		config.MaxQueryLimit = DefaultEngineConfig().MaxQueryLimit
	}
	return &Engine{
		store:      store,
		suppressor: suppressor,
		config:     config,
		byName:     make(map[string]Detector),
	}
}

// RegisterDetector adds a detector to the registry. Registering a second
// detector with the same name replaces the first.
func (e *Engine) RegisterDetector(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byName[d.Name()]; exists {
		for i, existing := range e.detectors {
			if existing.Name() == d.Name() {
				e.detectors[i] = d
				break
			}
		}
	} else {
		e.detectors = append(e.detectors, d)
	}
	e.byName[d.Name()] = d

	logging.Info().Str("detector", d.Name()).Str("type", string(d.Type())).Msg("registered detector")
}

// Detector returns a registered detector by name.
func (e *Engine) Detector(name string) (Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.byName[name]
	return d, ok
}

// Detectors returns all registered detectors in registration order.
func (e *Engine) Detectors() []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Detector(nil), e.detectors...)
}

// ProcessEvent dispatches one event to every enabled detector, stores the
// non-nil results, and returns them. A failing detector is logged and
// skipped; the remaining detectors still run. Events without a timestamp
// are skipped entirely.
func (e *Engine) ProcessEvent(ctx context.Context, event *AccessEvent) ([]*Anomaly, error) {
	e.mu.RLock()
	cfg := e.config
	detectors := append([]Detector(nil), e.detectors...)
	e.mu.RUnlock()

	if !cfg.Enabled || event == nil {
		return nil, nil
	}
	if event.Timestamp.IsZero() {
		logging.Warn().Msg("event without timestamp skipped")
		return nil, nil
	}

	EventsProcessedTotal.Inc()

	var anomalies []*Anomaly
	for _, d := range detectors {
		if !d.Enabled() {
			continue
		}
		a, err := d.Detect(ctx, event)
		if err != nil {
			DetectorErrorsTotal.WithLabelValues(d.Name()).Inc()
			logging.Error().Err(err).Str("detector", d.Name()).Msg("detector evaluation failed")
			continue
		}
		if a == nil {
			continue
		}

		AnomaliesDetectedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()

		if a.Severity.Rank() < cfg.DetectionThreshold.Rank() {
			continue
		}
		if e.suppressed(ctx, a) {
			AnomaliesSuppressedTotal.Inc()
			continue
		}

		a.ID = uuid.NewString()
		a.Status = StatusNew
		if !cfg.EnableResponses {
			a.ResponseActions = []ResponseAction{ActionLogOnly}
		}

		if err := e.store.SaveAnomaly(ctx, a); err != nil {
			logging.Error().Err(err).Str("anomaly_id", a.ID).Msg("failed to store anomaly")
		}
		anomalies = append(anomalies, a)
	}

	return anomalies, nil
}

// suppressed reports whether an equivalent anomaly fired within the
// cooldown window.
func (e *Engine) suppressed(ctx context.Context, a *Anomaly) bool {
	if e.suppressor == nil {
		return false
	}
	dup, err := e.suppressor.Seen(ctx, a)
	if err != nil {
		logging.Warn().Err(err).Msg("suppression check failed, anomaly kept")
		return false
	}
	return dup
}

// Train dispatches historical events to the named detectors, or to every
// registered detector when names is empty. The per-detector result reports
// whether training ran and whether a baseline was established; training
// with too little data is a normal outcome, not an error.
func (e *Engine) Train(ctx context.Context, events []AccessEvent, names ...string) map[string]TrainResult {
	e.mu.RLock()
	var targets []Detector
	if len(names) == 0 {
		targets = append(targets, e.detectors...)
	} else {
		for _, name := range names {
			if d, ok := e.byName[name]; ok {
				targets = append(targets, d)
			}
		}
	}
	e.mu.RUnlock()

	results := make(map[string]TrainResult, len(targets))
	for _, d := range targets {
		trained, err := d.Train(ctx, events)
		if err != nil {
			logging.Error().Err(err).Str("detector", d.Name()).Msg("training failed")
			results[d.Name()] = TrainResult{Err: err.Error()}
			continue
		}
		results[d.Name()] = TrainResult{
			Trained:             trained,
			BaselineEstablished: d.BaselineEstablished(),
		}
		logging.Info().
			Str("detector", d.Name()).
			Bool("baseline", d.BaselineEstablished()).
			Int("events", len(events)).
			Msg("training completed")
	}
	return results
}

// RecentAnomalies lists stored anomalies matching the filter, newest
// first. The limit is capped at MaxQueryLimit.
func (e *Engine) RecentAnomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error) {
	e.mu.RLock()
	maxLimit := e.config.MaxQueryLimit
	e.mu.RUnlock()

	if filter.Limit <= 0 || filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	return e.store.ListAnomalies(ctx, filter)
}

// Anomaly fetches one stored anomaly by id, or nil if absent.
func (e *Engine) Anomaly(ctx context.Context, id string) (*Anomaly, error) {
	return e.store.GetAnomaly(ctx, id)
}

// UpdateAnomalyStatus transitions one anomaly's review state. It is the
// only permitted mutation path for stored anomalies; an undefined status is
// rejected without touching state.
func (e *Engine) UpdateAnomalyStatus(ctx context.Context, id string, status AnomalyStatus, comments, reviewerID string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid anomaly status %q", status)
	}
	return e.store.UpdateStatus(ctx, id, status, comments, reviewerID)
}

// CleanupOldAnomalies removes anomalies older than the retention window
// and returns the removed count.
func (e *Engine) CleanupOldAnomalies(ctx context.Context) (int, error) {
	e.mu.RLock()
	days := e.config.RetentionDays
	e.mu.RUnlock()

	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := e.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	AnomaliesCleanedUpTotal.Add(float64(removed))
	if removed > 0 {
		logging.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("retention cleanup completed")
	}
	return removed, nil
}

// SaveModels persists every detector's profile state under dir. A failing
// detector is logged and reported but does not stop the others or corrupt
// in-memory state.
func (e *Engine) SaveModels(ctx context.Context, dir string) error {
	var firstErr error
	for _, d := range e.Detectors() {
		if err := d.SaveModel(ctx, dir); err != nil {
			logging.Error().Err(err).Str("detector", d.Name()).Msg("model save failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("save model %s: %w", d.Name(), err)
			}
		}
	}
	return firstErr
}

// LoadModels restores every detector's profile state from dir. Missing
// model files are normal for an untrained deployment and are skipped.
func (e *Engine) LoadModels(ctx context.Context, dir string) error {
	var firstErr error
	for _, d := range e.Detectors() {
		err := d.LoadModel(ctx, dir)
		switch {
		case err == nil:
			logging.Info().Str("detector", d.Name()).Msg("model loaded")
		case isModelNotFound(err):
			logging.Debug().Str("detector", d.Name()).Msg("no saved model")
		default:
			logging.Error().Err(err).Str("detector", d.Name()).Msg("model load failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("load model %s: %w", d.Name(), err)
			}
		}
	}
	return firstErr
}

// Config returns a copy of the live engine configuration.
func (e *Engine) Config() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// SetConfig replaces the live engine configuration. Invalid values are
// rejected without mutating state.
func (e *Engine) SetConfig(config EngineConfig) error {
	if !config.DetectionThreshold.Valid() {
		return fmt.Errorf("invalid detection threshold %q", config.DetectionThreshold)
	}
	if config.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", config.RetentionDays)
	}
	if config.MaxQueryLimit <= 0 {
		return fmt.Errorf("max query limit must be positive, got %d", config.MaxQueryLimit)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = config
	return nil
}

// SetEnabled toggles event processing.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config.Enabled = enabled
}

// Enabled reports whether event processing is active.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Enabled
}

// SetDetectorEnabled toggles one detector by name.
func (e *Engine) SetDetectorEnabled(name string, enabled bool) error {
	d, ok := e.Detector(name)
	if !ok {
		return fmt.Errorf("detector not found: %s", name)
	}
	d.SetEnabled(enabled)
	return nil
}

// RunWithContext blocks until the context is canceled, then closes the
// engine. Designed to run under suture supervision.
func (e *Engine) RunWithContext(ctx context.Context) error {
	logging.Info().Int("detectors", len(e.Detectors())).Msg("detection engine started")
	<-ctx.Done()
	logging.Info().Msg("detection engine shutting down")
	return ctx.Err()
}

// Close releases the engine's store and suppressor resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.suppressor != nil {
		if err := e.suppressor.Close(); err != nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// isModelNotFound reports whether err wraps ErrModelNotFound.
func isModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
