// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"sync"
	"time"
)

// AccessTimeConfig configures the access-time detector.
type AccessTimeConfig struct {
	// MinDataPoints is the minimum number of historical events a user needs
	// before their profile is usable.
	MinDataPoints int `json:"min_data_points"`

	// MinActiveHours is the minimum number of distinct non-zero hours a
	// usable profile needs. A more degenerate profile cannot reliably flag
	// "unusual".
	MinActiveHours int `json:"min_active_hours"`

	// RareHourRatio flags hours whose count falls below this fraction of
	// the user's single most frequent hour.
	RareHourRatio float64 `json:"rare_hour_ratio"`

	// NightStartHour and NightEndHour bound the night window (inclusive,
	// wrapping midnight) that escalates unseen-hour anomalies to high.
	NightStartHour int `json:"night_start_hour"`
	NightEndHour   int `json:"night_end_hour"`
}

// DefaultAccessTimeConfig returns the stock thresholds.
func DefaultAccessTimeConfig() AccessTimeConfig {
	return AccessTimeConfig{
		MinDataPoints:  20,
		MinActiveHours: 6,
		RareHourRatio:  0.1,
		NightStartHour: 23,
		NightEndHour:   5,
	}
}

// hourHistogram counts accesses per hour of day for one user.
type hourHistogram [24]int64

// total returns the number of recorded accesses.
func (h *hourHistogram) total() int64 {
	var n int64
	for _, c := range h {
		n += c
	}
	return n
}

// activeHours returns the number of hours with at least one access.
func (h *hourHistogram) activeHours() int {
	n := 0
	for _, c := range h {
		if c > 0 {
			n++
		}
	}
	return n
}

// peak returns the count of the single most frequent hour.
func (h *hourHistogram) peak() int64 {
	var max int64
	for _, c := range h {
		if c > max {
			max = c
		}
	}
	return max
}

// AccessTimeDetector maintains a per-user hour-of-day behavioral profile
// and flags access outside the user's historical pattern. Profiles are
// replaced wholesale on training and never updated by live traffic.
type AccessTimeDetector struct {
	mu       sync.RWMutex
	config   AccessTimeConfig
	profiles map[string]*hourHistogram

	enabled     bool
	baseline    bool
	lastTrained time.Time
}

// NewAccessTimeDetector creates an access-time detector with default
// thresholds.
func NewAccessTimeDetector() *AccessTimeDetector {
	return &AccessTimeDetector{
		config:   DefaultAccessTimeConfig(),
		profiles: make(map[string]*hourHistogram),
		enabled:  true,
	}
}

// Name returns the detector name.
func (d *AccessTimeDetector) Name() string { return "access_time" }

// Type returns the anomaly type.
func (d *AccessTimeDetector) Type() AnomalyType { return AnomalyTypeAccessTime }

// Train rebuilds every user's hour histogram from historical events.
// Users with fewer than MinDataPoints events are dropped from the profile
// map; a baseline is established if at least one user profile survives.
func (d *AccessTimeDetector) Train(ctx context.Context, events []AccessEvent) (bool, error) {
	counts := make(map[string]*hourHistogram)
	for i := range events {
		ev := &events[i]
		if ev.UserID == "" || ev.Timestamp.IsZero() {
			continue
		}
		h, ok := counts[ev.UserID]
		if !ok {
			h = &hourHistogram{}
			counts[ev.UserID] = h
		}
		h[ev.Timestamp.Hour()]++
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	profiles := make(map[string]*hourHistogram, len(counts))
	for user, h := range counts {
		if h.total() >= int64(d.config.MinDataPoints) {
			profiles[user] = h
		}
	}
	d.profiles = profiles
	d.baseline = len(profiles) > 0
	if d.baseline {
		d.lastTrained = time.Now()
	}
	return d.baseline, nil
}

// Detect flags events at hours the user has never or rarely been seen.
func (d *AccessTimeDetector) Detect(ctx context.Context, event *AccessEvent) (*Anomaly, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled || event.UserID == "" || event.Timestamp.IsZero() {
		return nil, nil
	}

	profile, ok := d.profiles[event.UserID]
	if !ok {
		return nil, nil
	}
	if profile.total() < int64(d.config.MinDataPoints) || profile.activeHours() < d.config.MinActiveHours {
		return nil, nil
	}

	hour := event.Timestamp.Hour()
	count := profile[hour]
	peak := profile.peak()

	switch {
	case count == 0:
		severity := SeverityMedium
		if d.isNightHour(hour) {
			severity = SeverityHigh
		}
		return &Anomaly{
			Timestamp: event.Timestamp,
			Type:      AnomalyTypeAccessTime,
			Severity:  severity,
			SourceIP:  event.IPAddress,
			UserID:    event.UserID,
			Endpoint:  event.Endpoint,
			Details: map[string]any{
				"reason":       "unseen_hour",
				"hour":         hour,
				"night_window": d.isNightHour(hour),
				"active_hours": profile.activeHours(),
				"data_points":  profile.total(),
			},
			ResponseActions: []ResponseAction{ActionLogOnly, ActionNotifyAdmin},
			Status:          StatusNew,
		}, nil

	case peak > 0 && float64(count) < d.config.RareHourRatio*float64(peak):
		return &Anomaly{
			Timestamp: event.Timestamp,
			Type:      AnomalyTypeAccessTime,
			Severity:  SeverityLow,
			SourceIP:  event.IPAddress,
			UserID:    event.UserID,
			Endpoint:  event.Endpoint,
			Details: map[string]any{
				"reason":     "rare_hour",
				"hour":       hour,
				"hour_count": count,
				"peak_count": peak,
			},
			ResponseActions: []ResponseAction{ActionLogOnly},
			Status:          StatusNew,
		}, nil
	}

	return nil, nil
}

// isNightHour reports whether hour falls inside the configured night
// window, which wraps midnight (23:00-05:59 by default).
func (d *AccessTimeDetector) isNightHour(hour int) bool {
	start, end := d.config.NightStartHour, d.config.NightEndHour
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

// SaveModel writes the per-user histograms to dir.
func (d *AccessTimeDetector) SaveModel(ctx context.Context, dir string) error {
	d.mu.RLock()
	state := accessTimeModel{
		Profiles: make(map[string]hourHistogram, len(d.profiles)),
		Baseline: d.baseline,
	}
	for user, h := range d.profiles {
		state.Profiles[user] = *h
	}
	trained := d.lastTrained
	d.mu.RUnlock()

	return saveModelFile(ctx, dir, d.Name(), trained, state)
}

// LoadModel restores per-user histograms written by SaveModel.
func (d *AccessTimeDetector) LoadModel(ctx context.Context, dir string) error {
	var state accessTimeModel
	trained, err := loadModelFile(ctx, dir, d.Name(), &state)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = make(map[string]*hourHistogram, len(state.Profiles))
	for user, h := range state.Profiles {
		hh := h
		d.profiles[user] = &hh
	}
	d.baseline = state.Baseline
	d.lastTrained = trained
	return nil
}

// accessTimeModel is the serialized profile state.
type accessTimeModel struct {
	Profiles map[string]hourHistogram `json:"profiles"`
	Baseline bool                     `json:"baseline"`
}

// SetConfig replaces the detector's thresholds.
func (d *AccessTimeDetector) SetConfig(config AccessTimeConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
}

// Enabled reports whether the detector receives events.
func (d *AccessTimeDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *AccessTimeDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// BaselineEstablished reports whether training produced usable profiles.
func (d *AccessTimeDetector) BaselineEstablished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseline
}

// LastTrainedAt returns the last successful training time.
func (d *AccessTimeDetector) LastTrainedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastTrained
}
