// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func failedAuth(ts time.Time, user, ip string) *AccessEvent {
	failed := false
	return &AccessEvent{
		Timestamp:   ts,
		UserID:      user,
		IPAddress:   ip,
		Endpoint:    "/api/login",
		AuthSuccess: &failed,
	}
}

// feedFailures runs n failed attempts through Detect and returns the anomaly
// for the final one.
func feedFailures(t *testing.T, d *AuthFailureDetector, events []*AccessEvent) *Anomaly {
	t.Helper()
	var last *Anomaly
	for i, ev := range events {
		a, err := d.Detect(context.Background(), ev)
		if err != nil {
			t.Fatalf("Detect event %d: %v", i, err)
		}
		last = a
	}
	return last
}

func TestAuthFailureBruteForce(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*AccessEvent
	for i := 0; i < 5; i++ {
		events = append(events, failedAuth(base.Add(time.Duration(i)*10*time.Second), "alice", "203.0.113.9"))
	}

	// The fourth attempt is still under every threshold.
	if a := feedFailures(t, d, events[:4]); a != nil {
		t.Fatalf("4 failures flagged: %+v", a)
	}

	// The fifth crosses the 5-in-5-minutes threshold.
	a := feedFailures(t, d, events[4:])
	if a == nil {
		t.Fatal("5 failures not flagged")
	}
	if a.Severity != SeverityMedium {
		t.Errorf("severity = %q, want medium", a.Severity)
	}
	if a.Type != AnomalyTypeAuthFailure {
		t.Errorf("type = %q, want %q", a.Type, AnomalyTypeAuthFailure)
	}
	if a.Details["scope"] != "user" {
		t.Errorf("scope = %v, want user", a.Details["scope"])
	}
	if a.Details["window_seconds"] != 300 {
		t.Errorf("window_seconds = %v, want 300", a.Details["window_seconds"])
	}
	if a.Details["failure_count"] != 5 {
		t.Errorf("failure_count = %v, want 5", a.Details["failure_count"])
	}
}

func TestAuthFailureRatioEscalation(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 16 failures in five minutes: ratio 3.2 against the 5-failure
	// threshold escalates two levels to critical.
	var events []*AccessEvent
	for i := 0; i < 16; i++ {
		events = append(events, failedAuth(base.Add(time.Duration(i)*5*time.Second), "alice", "203.0.113.9"))
	}
	a := feedFailures(t, d, events)
	if a == nil {
		t.Fatal("burst not flagged")
	}
	if a.Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", a.Severity)
	}
	if !hasAction(a.ResponseActions, ActionLockAccount) {
		t.Errorf("actions = %v, missing lock_account", a.ResponseActions)
	}
}

func TestAuthFailurePasswordSpray(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// One IP cycling through distinct users: each user stays under their
	// own threshold but the IP-scope check fires with the spray flag.
	var events []*AccessEvent
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("user-%d", i)
		events = append(events, failedAuth(base.Add(time.Duration(i)*10*time.Second), user, "203.0.113.9"))
	}
	a := feedFailures(t, d, events)
	if a == nil {
		t.Fatal("spray not flagged")
	}
	if a.Details["scope"] != "ip" {
		t.Errorf("scope = %v, want ip", a.Details["scope"])
	}
	if a.Details["password_spray"] != true {
		t.Errorf("password_spray = %v, want true", a.Details["password_spray"])
	}
	// The multi-target pattern escalates one level past medium.
	if a.Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", a.Severity)
	}
	for _, want := range []ResponseAction{ActionRequireMFA, ActionBlockIP} {
		if !hasAction(a.ResponseActions, want) {
			t.Errorf("actions = %v, missing %q", a.ResponseActions, want)
		}
	}
}

func TestAuthFailureDistributedAttack(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// One account hammered from distinct IPs: user-scope fires with the
	// distributed flag but no IP block, since no single source stands out.
	var events []*AccessEvent
	for i := 0; i < 5; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i+1)
		events = append(events, failedAuth(base.Add(time.Duration(i)*10*time.Second), "alice", ip))
	}
	a := feedFailures(t, d, events)
	if a == nil {
		t.Fatal("distributed attack not flagged")
	}
	if a.Details["scope"] != "user" {
		t.Errorf("scope = %v, want user", a.Details["scope"])
	}
	if a.Details["distributed"] != true {
		t.Errorf("distributed = %v, want true", a.Details["distributed"])
	}
	if a.Severity != SeverityHigh {
		t.Errorf("severity = %q, want high", a.Severity)
	}
	if hasAction(a.ResponseActions, ActionBlockIP) {
		t.Errorf("actions = %v, block_ip not wanted for user scope", a.ResponseActions)
	}
}

func TestAuthFailureIgnoresNonFailures(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	success := true

	tests := []struct {
		name  string
		event *AccessEvent
	}{
		{"successful auth", &AccessEvent{Timestamp: base, UserID: "alice", AuthSuccess: &success}},
		{"non-auth event", &AccessEvent{Timestamp: base, UserID: "alice"}},
		{"missing timestamp", failedAuth(time.Time{}, "alice", "203.0.113.9")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := d.Detect(context.Background(), tt.event)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if a != nil {
				t.Errorf("Detect = %+v, want nil", a)
			}
		})
	}
}

func TestAuthFailureWindowExpiry(t *testing.T) {
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Four failures, then a two-day gap: the stale records are pruned and
	// the next failure starts over.
	var events []*AccessEvent
	for i := 0; i < 4; i++ {
		events = append(events, failedAuth(base.Add(time.Duration(i)*10*time.Second), "alice", "203.0.113.9"))
	}
	if a := feedFailures(t, d, events); a != nil {
		t.Fatalf("4 failures flagged: %+v", a)
	}

	a, err := d.Detect(context.Background(), failedAuth(base.Add(48*time.Hour), "alice", "203.0.113.9"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if a != nil {
		t.Errorf("failure after long gap flagged: %+v", a)
	}
}

func TestPruneFailuresKeepsWindowEdge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []failureRecord{
		{Timestamp: base.Add(-24 * time.Hour), Counterpart: "edge"},
		{Timestamp: base, Counterpart: "fresh"},
	}
	pruned := pruneFailures(recs, base, 24*time.Hour)
	if len(pruned) != 2 {
		t.Errorf("record exactly at the window edge dropped: %+v", pruned)
	}
}

func TestAuthFailureSaveDuringDetect(t *testing.T) {
	dir := t.TempDir()
	d := NewAuthFailureDetector()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Timestamps advance past the largest window so every event prunes
	// its predecessor while saves copy the same lists.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			ts := base.Add(time.Duration(i) * 25 * time.Hour)
			if _, err := d.Detect(ctx, failedAuth(ts, "alice", "203.0.113.9")); err != nil {
				t.Errorf("Detect: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if err := d.SaveModel(ctx, dir); err != nil {
			t.Errorf("SaveModel: %v", err)
			break
		}
	}
	<-done
}

func TestAuthFailureModelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewAuthFailureDetector()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []*AccessEvent
	for i := 0; i < 4; i++ {
		events = append(events, failedAuth(base.Add(time.Duration(i)*10*time.Second), "alice", "203.0.113.9"))
	}
	feedFailures(t, d, events)

	ctx := context.Background()
	if err := d.SaveModel(ctx, dir); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	restored := NewAuthFailureDetector()
	if err := restored.LoadModel(ctx, dir); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}

	// The restored state remembers the in-progress attack: one more
	// failure crosses the threshold.
	a, err := restored.Detect(ctx, failedAuth(base.Add(50*time.Second), "alice", "203.0.113.9"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if a == nil || a.Severity != SeverityMedium {
		t.Errorf("restored Detect = %+v, want medium", a)
	}
}
