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

// authFailureWindow pairs a window length with its fixed failure threshold.
type authFailureWindow struct {
	Window    time.Duration
	Threshold int
}

// authFailureWindows lists the tracked windows in ascending order. The
// detector evaluates user scope, then IP scope, then endpoint scope, each
// in this window order; the first candidate at the winning rank is kept.
var authFailureWindows = []authFailureWindow{
	{300 * time.Second, 5},
	{900 * time.Second, 10},
	{3600 * time.Second, 20},
	{86400 * time.Second, 50},
}

// failureRecord is one failed attempt: its timestamp plus the counterpart
// identifier (the source IP for user lists, the target user for IP and
// endpoint lists).
type failureRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Counterpart string    `json:"counterpart"`
}

// AuthFailureDetector tracks failed authentication attempts per user, per
// source IP, and per endpoint across multiple windows, flagging brute-force
// and password-spray patterns. It requires no training and always reports
// an established baseline.
type AuthFailureDetector struct {
	mu          sync.RWMutex
	entityLocks *keyedMutex

	stateMu    sync.Mutex
	byUser     map[string][]failureRecord
	byIP       map[string][]failureRecord
	byEndpoint map[string][]failureRecord

	enabled bool
}

// NewAuthFailureDetector creates an authentication-failure detector.
func NewAuthFailureDetector() *AuthFailureDetector {
	return &AuthFailureDetector{
		entityLocks: newKeyedMutex(),
		byUser:      make(map[string][]failureRecord),
		byIP:        make(map[string][]failureRecord),
		byEndpoint:  make(map[string][]failureRecord),
		enabled:     true,
	}
}

// Name returns the detector name.
func (d *AuthFailureDetector) Name() string { return "auth_failure" }

// Type returns the anomaly type.
func (d *AuthFailureDetector) Type() AnomalyType { return AnomalyTypeAuthFailure }

// Train is a no-op: the detector relies on fixed thresholds.
func (d *AuthFailureDetector) Train(ctx context.Context, events []AccessEvent) (bool, error) {
	return true, nil
}

// Detect processes failed authentication events only; successful or
// non-auth events are ignored outright. It appends the failure to every
// relevant list and returns the single most severe candidate across scopes
// and windows.
func (d *AuthFailureDetector) Detect(ctx context.Context, event *AccessEvent) (*Anomaly, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled || event.Timestamp.IsZero() || !event.AuthFailed() {
		return nil, nil
	}

	var candidates []*Anomaly
	if event.UserID != "" {
		recs := d.record(d.byUser, "user:"+event.UserID, event.UserID, event.Timestamp, event.IPAddress)
		candidates = append(candidates, d.evaluate(event, "user", recs)...)
	}
	if event.IPAddress != "" {
		recs := d.record(d.byIP, "ip:"+event.IPAddress, event.IPAddress, event.Timestamp, event.UserID)
		candidates = append(candidates, d.evaluate(event, "ip", recs)...)
	}
	if event.Endpoint != "" {
		recs := d.record(d.byEndpoint, "endpoint:"+event.Endpoint, event.Endpoint, event.Timestamp, event.UserID)
		candidates = append(candidates, d.evaluate(event, "endpoint", recs)...)
	}

	return MostSevere(candidates), nil
}

// record appends a failure to the keyed list, prunes entries older than
// the largest window, and returns a snapshot of the list. The per-key lock
// serializes same-key updates; stateMu guards the maps and the record
// slices they hold, which SaveModel copies concurrently, so the prune's
// in-place shift happens under it.
func (d *AuthFailureDetector) record(m map[string][]failureRecord, lockKey, mapKey string, ts time.Time, counterpart string) []failureRecord {
	unlock := d.entityLocks.Lock(lockKey)
	defer unlock()

	maxWindow := authFailureWindows[len(authFailureWindows)-1].Window

	d.stateMu.Lock()
	recs := pruneFailures(m[mapKey], ts, maxWindow)
	recs = append(recs, failureRecord{Timestamp: ts, Counterpart: counterpart})
	m[mapKey] = recs
	snapshot := append([]failureRecord(nil), recs...)
	d.stateMu.Unlock()

	return snapshot
}

// pruneFailures drops records older than window relative to now. Pruning
// is idempotent.
func pruneFailures(recs []failureRecord, now time.Time, window time.Duration) []failureRecord {
	cutoff := now.Add(-window)
	i := 0
	for i < len(recs) && recs[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return recs
	}
	return append(recs[:0], recs[i:]...)
}

// evaluate checks the failure list against every window threshold for one
// scope and emits a candidate per breached window.
func (d *AuthFailureDetector) evaluate(event *AccessEvent, scope string, recs []failureRecord) []*Anomaly {
	var out []*Anomaly
	for _, fw := range authFailureWindows {
		cutoff := event.Timestamp.Add(-fw.Window)
		count := 0
		counterparts := make(map[string]bool)
		for _, r := range recs {
			if r.Timestamp.Before(cutoff) {
				continue
			}
			count++
			if r.Counterpart != "" {
				counterparts[r.Counterpart] = true
			}
		}
		if count < fw.Threshold {
			continue
		}

		ratio := float64(count) / float64(fw.Threshold)

		// A user hammered from several IPs is a distributed attack; one IP
		// cycling through several users is a password spray. Either pattern
		// escalates one level beyond a single-source attack at the same
		// ratio.
		distributed := scope == "user" && len(counterparts) > 1
		spray := scope == "ip" && len(counterparts) > 1

		severity := SeverityMedium
		switch {
		case ratio > 3:
			severity = severity.escalate(2)
		case ratio > 1.5:
			severity = severity.escalate(1)
		}
		if distributed || spray {
			severity = severity.escalate(1)
		}

		out = append(out, &Anomaly{
			Timestamp: event.Timestamp,
			Type:      AnomalyTypeAuthFailure,
			Severity:  severity,
			SourceIP:  event.IPAddress,
			UserID:    event.UserID,
			Endpoint:  event.Endpoint,
			Details: map[string]any{
				"scope":          scope,
				"window_seconds": int(fw.Window.Seconds()),
				"failure_count":  count,
				"threshold":      fw.Threshold,
				"excess_ratio":   roundTo2Decimals(ratio),
				"distributed":    distributed,
				"password_spray": spray,
			},
			ResponseActions: authFailureActions(severity, scope),
			Status:          StatusNew,
		})
	}
	return out
}

// authFailureActions returns the escalating action list for a failure
// clustering finding.
func authFailureActions(severity Severity, scope string) []ResponseAction {
	set := newActionSet(ActionLogOnly, ActionNotifyAdmin)
	if severity.Rank() >= SeverityHigh.Rank() {
		set.add(ActionRequireMFA)
		if scope == "ip" {
			set.add(ActionBlockIP)
		}
	}
	if severity.Rank() >= SeverityCritical.Rank() {
		set.add(ActionLockAccount)
	}
	return set.ordered()
}

// SaveModel persists the live failure lists so a restart does not blind
// the detector to an in-progress attack.
func (d *AuthFailureDetector) SaveModel(ctx context.Context, dir string) error {
	d.mu.RLock()
	d.stateMu.Lock()
	state := authFailureModel{
		ByUser:     copyFailureMap(d.byUser),
		ByIP:       copyFailureMap(d.byIP),
		ByEndpoint: copyFailureMap(d.byEndpoint),
	}
	d.stateMu.Unlock()
	d.mu.RUnlock()

	return saveModelFile(ctx, dir, d.Name(), time.Time{}, state)
}

// LoadModel restores failure lists written by SaveModel.
func (d *AuthFailureDetector) LoadModel(ctx context.Context, dir string) error {
	var state authFailureModel
	if _, err := loadModelFile(ctx, dir, d.Name(), &state); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.byUser = orEmpty(state.ByUser)
	d.byIP = orEmpty(state.ByIP)
	d.byEndpoint = orEmpty(state.ByEndpoint)
	return nil
}

func copyFailureMap(m map[string][]failureRecord) map[string][]failureRecord {
	out := make(map[string][]failureRecord, len(m))
	for k, v := range m {
		out[k] = append([]failureRecord(nil), v...)
	}
	return out
}

func orEmpty(m map[string][]failureRecord) map[string][]failureRecord {
	if m == nil {
		return make(map[string][]failureRecord)
	}
	return m
}

// authFailureModel is the serialized state.
type authFailureModel struct {
	ByUser     map[string][]failureRecord `json:"by_user"`
	ByIP       map[string][]failureRecord `json:"by_ip"`
	ByEndpoint map[string][]failureRecord `json:"by_endpoint"`
}

// Enabled reports whether the detector receives events.
func (d *AuthFailureDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *AuthFailureDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// BaselineEstablished always reports true: fixed thresholds need no
// training.
func (d *AuthFailureDetector) BaselineEstablished() bool { return true }

// LastTrainedAt returns the zero time; the detector is never trained.
func (d *AuthFailureDetector) LastTrainedAt() time.Time { return time.Time{} }

var _ Detector = (*AuthFailureDetector)(nil)
