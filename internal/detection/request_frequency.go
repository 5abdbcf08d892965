// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// frequencyWindows lists the tracked window lengths in ascending order.
// Candidate anomalies are evaluated user-scope first, then IP-scope, each
// in this window order; the first candidate at the winning rank is kept.
var frequencyWindows = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// defaultFrequencyThresholds maps each window to its fixed default request
// threshold. Learned thresholds are floored at these values.
var defaultFrequencyThresholds = map[time.Duration]float64{
	60 * time.Second:   30,
	300 * time.Second:  100,
	900 * time.Second:  250,
	3600 * time.Second: 600,
}

// RequestFrequencyConfig configures the request-frequency detector.
type RequestFrequencyConfig struct {
	// MinTrainingEvents is the global minimum event count for training.
	MinTrainingEvents int `json:"min_training_events"`

	// StdevMultiplier scales the standard deviation added to the mean when
	// learning per-entity thresholds.
	StdevMultiplier float64 `json:"stdev_multiplier"`

	// BucketMergeWindow merges a new counter bucket into the previous one
	// when they are closer than this.
	BucketMergeWindow time.Duration `json:"bucket_merge_window"`
}

// DefaultRequestFrequencyConfig returns the stock thresholds.
func DefaultRequestFrequencyConfig() RequestFrequencyConfig {
	return RequestFrequencyConfig{
		MinTrainingEvents: 1000,
		StdevMultiplier:   2,
		BucketMergeWindow: time.Second,
	}
}

// countBucket is one (timestamp, count) entry in a sliding window series.
type countBucket struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
}

// entityWindows holds the live bucket series per window for one entity.
type entityWindows struct {
	Buckets map[time.Duration][]countBucket `json:"buckets"`
}

func newEntityWindows() *entityWindows {
	return &entityWindows{Buckets: make(map[time.Duration][]countBucket, len(frequencyWindows))}
}

// RequestFrequencyDetector tracks multi-window sliding request counters per
// user and per source IP and flags bursts exceeding learned or default
// thresholds.
//
// Buckets are stamped with the event timestamp rather than the wall clock
// so that replaying an identical event sequence yields identical anomalies;
// callers stamp events with the wall clock at ingestion.
type RequestFrequencyDetector struct {
	mu          sync.RWMutex
	entityLocks *keyedMutex
	config      RequestFrequencyConfig

	// stateMu guards the state map and every bucket series reachable from
	// it. SaveModel snapshots under the same lock, so bucket mutations in
	// checkEntity must hold it too.
	stateMu sync.Mutex
	state   map[string]*entityWindows

	thresholds map[string]map[time.Duration]float64

	enabled     bool
	baseline    bool
	lastTrained time.Time
}

// NewRequestFrequencyDetector creates a request-frequency detector with
// default thresholds.
func NewRequestFrequencyDetector() *RequestFrequencyDetector {
	return &RequestFrequencyDetector{
		entityLocks: newKeyedMutex(),
		config:      DefaultRequestFrequencyConfig(),
		state:       make(map[string]*entityWindows),
		thresholds:  make(map[string]map[time.Duration]float64),
		enabled:     true,
	}
}

// Name returns the detector name.
func (d *RequestFrequencyDetector) Name() string { return "request_frequency" }

// Type returns the anomaly type.
func (d *RequestFrequencyDetector) Type() AnomalyType { return AnomalyTypeRequestFrequency }

// userKey and ipKey namespace the shared entity state map.
func userKey(id string) string { return "user:" + id }
func ipKey(ip string) string   { return "ip:" + ip }

// Train learns per-entity thresholds as mean + StdevMultiplier*stdev of the
// sliding count series over historical timestamps, floored at the per-window
// default. Fewer than MinTrainingEvents events leaves the baseline
// unestablished without error.
func (d *RequestFrequencyDetector) Train(ctx context.Context, events []AccessEvent) (bool, error) {
	if len(events) < d.config.MinTrainingEvents {
		return false, nil
	}

	byEntity := make(map[string][]time.Time)
	for i := range events {
		ev := &events[i]
		if ev.Timestamp.IsZero() {
			continue
		}
		if ev.UserID != "" {
			byEntity[userKey(ev.UserID)] = append(byEntity[userKey(ev.UserID)], ev.Timestamp)
		}
		if ev.IPAddress != "" {
			byEntity[ipKey(ev.IPAddress)] = append(byEntity[ipKey(ev.IPAddress)], ev.Timestamp)
		}
	}

	learned := make(map[string]map[time.Duration]float64, len(byEntity))
	for entity, stamps := range byEntity {
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		perWindow := make(map[time.Duration]float64, len(frequencyWindows))
		for _, window := range frequencyWindows {
			mean, stdev := slidingCountStats(stamps, window)
			threshold := mean + d.config.StdevMultiplier*stdev
			if floor := defaultFrequencyThresholds[window]; threshold < floor {
				threshold = floor
			}
			perWindow[window] = threshold
		}
		learned[entity] = perWindow
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = learned
	d.baseline = true
	d.lastTrained = time.Now()
	return true, nil
}

// slidingCountStats computes mean and standard deviation of the series
// "events in (t-window, t]" evaluated at every event timestamp. Timestamps
// must be sorted ascending.
func slidingCountStats(stamps []time.Time, window time.Duration) (mean, stdev float64) {
	if len(stamps) == 0 {
		return 0, 0
	}

	counts := make([]float64, len(stamps))
	lo := 0
	for i, t := range stamps {
		for stamps[lo].Before(t.Add(-window)) {
			lo++
		}
		counts[i] = float64(i - lo + 1)
	}

	var sum float64
	for _, c := range counts {
		sum += c
	}
	mean = sum / float64(len(counts))

	var sq float64
	for _, c := range counts {
		sq += (c - mean) * (c - mean)
	}
	stdev = math.Sqrt(sq / float64(len(counts)))
	return mean, stdev
}

// Detect records the event against every window for both the user and the
// source IP, then returns the single most severe candidate anomaly, if any.
func (d *RequestFrequencyDetector) Detect(ctx context.Context, event *AccessEvent) (*Anomaly, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled || event.Timestamp.IsZero() {
		return nil, nil
	}

	var candidates []*Anomaly
	if event.UserID != "" {
		candidates = append(candidates, d.checkEntity(event, userKey(event.UserID), "user")...)
	}
	if event.IPAddress != "" {
		candidates = append(candidates, d.checkEntity(event, ipKey(event.IPAddress), "ip")...)
	}

	return MostSevere(candidates), nil
}

// checkEntity updates and evaluates every window for one entity. Must be
// called with d.mu read-held. The per-key lock serializes same-key
// read-evaluate sequences; stateMu covers the bucket storage itself, which
// SaveModel reads concurrently.
func (d *RequestFrequencyDetector) checkEntity(event *AccessEvent, key, scope string) []*Anomaly {
	unlock := d.entityLocks.Lock(key)
	defer unlock()

	d.stateMu.Lock()
	ew, ok := d.state[key]
	if !ok {
		ew = newEntityWindows()
		d.state[key] = ew
	}
	d.stateMu.Unlock()

	var out []*Anomaly
	for _, window := range frequencyWindows {
		d.stateMu.Lock()
		buckets := appendBucket(ew.Buckets[window], event.Timestamp, d.config.BucketMergeWindow)
		buckets = pruneBuckets(buckets, event.Timestamp, window)
		ew.Buckets[window] = buckets

		var count int64
		for _, b := range buckets {
			count += b.Count
		}
		d.stateMu.Unlock()

		threshold := d.effectiveThreshold(key, window)
		if float64(count) <= threshold {
			continue
		}

		ratio := float64(count) / threshold
		severity := frequencySeverity(ratio)
		out = append(out, &Anomaly{
			Timestamp: event.Timestamp,
			Type:      AnomalyTypeRequestFrequency,
			Severity:  severity,
			SourceIP:  event.IPAddress,
			UserID:    event.UserID,
			Endpoint:  event.Endpoint,
			Details: map[string]any{
				"scope":          scope,
				"window_seconds": int(window.Seconds()),
				"request_count":  count,
				"threshold":      roundTo2Decimals(threshold),
				"excess_ratio":   roundTo2Decimals(ratio),
			},
			ResponseActions: frequencyActions(severity, scope),
			Status:          StatusNew,
		})
	}
	return out
}

// effectiveThreshold returns the learned threshold when the baseline is
// established, else the fixed default. Must be called with d.mu read-held.
func (d *RequestFrequencyDetector) effectiveThreshold(key string, window time.Duration) float64 {
	if d.baseline {
		if perWindow, ok := d.thresholds[key]; ok {
			if t, ok := perWindow[window]; ok {
				return t
			}
		}
	}
	return defaultFrequencyThresholds[window]
}

// appendBucket adds a counter bucket at ts, merging into the last bucket
// when it is younger than mergeWindow.
func appendBucket(buckets []countBucket, ts time.Time, mergeWindow time.Duration) []countBucket {
	if n := len(buckets); n > 0 && ts.Sub(buckets[n-1].Timestamp) < mergeWindow {
		buckets[n-1].Count++
		return buckets
	}
	return append(buckets, countBucket{Timestamp: ts, Count: 1})
}

// pruneBuckets drops buckets strictly older than the window relative to
// now; a bucket exactly at the window edge is kept, matching the failure
// lists and the training series. Pruning is idempotent.
func pruneBuckets(buckets []countBucket, now time.Time, window time.Duration) []countBucket {
	cutoff := now.Add(-window)
	i := 0
	for i < len(buckets) && buckets[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return buckets
	}
	return append(buckets[:0], buckets[i:]...)
}

// frequencySeverity maps the excess ratio to a severity tag.
func frequencySeverity(ratio float64) Severity {
	switch {
	case ratio > 5:
		return SeverityCritical
	case ratio > 3:
		return SeverityHigh
	case ratio > 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// frequencyActions returns the escalating action list for a burst finding.
// IP-scoped anomalies additionally recommend blocking the source address at
// high severity and above.
func frequencyActions(severity Severity, scope string) []ResponseAction {
	set := newActionSet(ActionLogOnly)
	if severity.Rank() >= SeverityMedium.Rank() {
		set.add(ActionNotifyAdmin, ActionRateLimit)
	}
	if severity.Rank() >= SeverityHigh.Rank() {
		set.add(ActionRequireMFA)
		if scope == "ip" {
			set.add(ActionBlockIP)
		}
	}
	return set.ordered()
}

// SaveModel writes learned thresholds and live window state to dir.
func (d *RequestFrequencyDetector) SaveModel(ctx context.Context, dir string) error {
	d.mu.RLock()
	state := requestFrequencyModel{
		Thresholds: make(map[string]map[int64]float64, len(d.thresholds)),
		State:      make(map[string]map[int64][]countBucket),
		Baseline:   d.baseline,
	}
	for entity, perWindow := range d.thresholds {
		m := make(map[int64]float64, len(perWindow))
		for w, t := range perWindow {
			m[int64(w.Seconds())] = t
		}
		state.Thresholds[entity] = m
	}
	d.stateMu.Lock()
	for entity, ew := range d.state {
		m := make(map[int64][]countBucket, len(ew.Buckets))
		for w, buckets := range ew.Buckets {
			m[int64(w.Seconds())] = append([]countBucket(nil), buckets...)
		}
		state.State[entity] = m
	}
	d.stateMu.Unlock()
	trained := d.lastTrained
	d.mu.RUnlock()

	return saveModelFile(ctx, dir, d.Name(), trained, state)
}

// LoadModel restores state written by SaveModel.
func (d *RequestFrequencyDetector) LoadModel(ctx context.Context, dir string) error {
	var state requestFrequencyModel
	trained, err := loadModelFile(ctx, dir, d.Name(), &state)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = make(map[string]map[time.Duration]float64, len(state.Thresholds))
	for entity, perWindow := range state.Thresholds {
		m := make(map[time.Duration]float64, len(perWindow))
		for secs, t := range perWindow {
			m[time.Duration(secs)*time.Second] = t
		}
		d.thresholds[entity] = m
	}
	d.stateMu.Lock()
	d.state = make(map[string]*entityWindows, len(state.State))
	for entity, perWindow := range state.State {
		ew := newEntityWindows()
		for secs, buckets := range perWindow {
			ew.Buckets[time.Duration(secs)*time.Second] = buckets
		}
		d.state[entity] = ew
	}
	d.stateMu.Unlock()
	d.baseline = state.Baseline
	d.lastTrained = trained
	return nil
}

// requestFrequencyModel is the serialized profile state. Windows are keyed
// by their length in seconds for a stable JSON shape.
type requestFrequencyModel struct {
	Thresholds map[string]map[int64]float64       `json:"thresholds"`
	State      map[string]map[int64][]countBucket `json:"state"`
	Baseline   bool                               `json:"baseline"`
}

// SetConfig replaces the detector's training parameters. Existing
// thresholds keep their values until the next Train.
func (d *RequestFrequencyDetector) SetConfig(config RequestFrequencyConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
}

// Enabled reports whether the detector receives events.
func (d *RequestFrequencyDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *RequestFrequencyDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// BaselineEstablished reports whether learned thresholds are in effect.
func (d *RequestFrequencyDetector) BaselineEstablished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseline
}

// LastTrainedAt returns the last successful training time.
func (d *RequestFrequencyDetector) LastTrainedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastTrained
}

var _ Detector = (*RequestFrequencyDetector)(nil)
