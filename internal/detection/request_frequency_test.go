// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"testing"
	"time"
)

// burst feeds n events spaced by gap through Detect and returns the anomaly
// emitted for the final event.
func burst(t *testing.T, d *RequestFrequencyDetector, user, ip string, n int, gap time.Duration) *Anomaly {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var last *Anomaly
	for i := 0; i < n; i++ {
		a, err := d.Detect(ctx, &AccessEvent{
			Timestamp: base.Add(time.Duration(i) * gap),
			UserID:    user,
			IPAddress: ip,
		})
		if err != nil {
			t.Fatalf("Detect event %d: %v", i, err)
		}
		last = a
	}
	return last
}

func TestRequestFrequencyUnderThreshold(t *testing.T) {
	d := NewRequestFrequencyDetector()
	// 30 events in a minute sits exactly at the default threshold; the
	// comparison is strict, so nothing fires.
	if a := burst(t, d, "alice", "", 30, time.Second); a != nil {
		t.Errorf("30 requests flagged: %+v", a)
	}
}

func TestRequestFrequencyBurstSeverity(t *testing.T) {
	tests := []struct {
		name         string
		count        int
		wantSeverity Severity
	}{
		// Default 60s threshold is 30: ratios land in the low, medium,
		// high, and critical bands.
		{"just over threshold", 31, SeverityLow},
		{"double threshold", 60, SeverityMedium},
		{"quadruple threshold", 125, SeverityHigh},
		{"extreme burst", 160, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewRequestFrequencyDetector()
			a := burst(t, d, "alice", "", tt.count, 100*time.Millisecond)
			if a == nil {
				t.Fatalf("%d requests not flagged", tt.count)
			}
			if a.Severity != tt.wantSeverity {
				t.Errorf("severity = %q, want %q", a.Severity, tt.wantSeverity)
			}
			if a.Details["scope"] != "user" {
				t.Errorf("scope = %v, want user", a.Details["scope"])
			}
		})
	}
}

func TestRequestFrequencyActionsEscalate(t *testing.T) {
	d := NewRequestFrequencyDetector()
	// IP-only burst: high severity recommends blocking the source address.
	a := burst(t, d, "", "203.0.113.9", 125, 100*time.Millisecond)
	if a == nil {
		t.Fatal("burst not flagged")
	}
	if a.Details["scope"] != "ip" {
		t.Fatalf("scope = %v, want ip", a.Details["scope"])
	}
	for _, want := range []ResponseAction{ActionLogOnly, ActionNotifyAdmin, ActionRateLimit, ActionRequireMFA, ActionBlockIP} {
		if !hasAction(a.ResponseActions, want) {
			t.Errorf("actions = %v, missing %q", a.ResponseActions, want)
		}
	}
}

func TestRequestFrequencySlidingWindow(t *testing.T) {
	d := NewRequestFrequencyDetector()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 31 events spread over five minutes never exceed any window.
	for i := 0; i < 31; i++ {
		a, err := d.Detect(ctx, &AccessEvent{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			UserID:    "alice",
		})
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if a != nil {
			t.Fatalf("steady traffic flagged at event %d: %+v", i, a)
		}
	}
}

func TestRequestFrequencyTrainInsufficientData(t *testing.T) {
	d := NewRequestFrequencyDetector()
	events := make([]AccessEvent, 50)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = AccessEvent{Timestamp: base.Add(time.Duration(i) * time.Minute), UserID: "alice"}
	}
	trained, err := d.Train(context.Background(), events)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if trained || d.BaselineEstablished() {
		t.Error("baseline established from insufficient data")
	}
}

func TestRequestFrequencyTrainFloorsAtDefaults(t *testing.T) {
	d := NewRequestFrequencyDetector()
	d.SetConfig(RequestFrequencyConfig{
		MinTrainingEvents: 10,
		StdevMultiplier:   2,
		BucketMergeWindow: time.Second,
	})

	// Sparse history: one request per minute learns a threshold far below
	// the fixed floor, so the floor applies.
	events := make([]AccessEvent, 20)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = AccessEvent{Timestamp: base.Add(time.Duration(i) * time.Minute), UserID: "alice"}
	}
	trained, err := d.Train(context.Background(), events)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !trained || !d.BaselineEstablished() {
		t.Fatal("expected baseline after training")
	}
	if got := d.effectiveThreshold(userKey("alice"), 60*time.Second); got != 30 {
		t.Errorf("effectiveThreshold = %v, want floor 30", got)
	}
}

func TestAppendBucketMerges(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buckets := appendBucket(nil, base, time.Second)
	buckets = appendBucket(buckets, base.Add(500*time.Millisecond), time.Second)
	buckets = appendBucket(buckets, base.Add(2*time.Second), time.Second)

	if len(buckets) != 2 {
		t.Fatalf("len(buckets) = %d, want 2", len(buckets))
	}
	if buckets[0].Count != 2 || buckets[1].Count != 1 {
		t.Errorf("counts = %d,%d, want 2,1", buckets[0].Count, buckets[1].Count)
	}
}

func TestPruneBucketsKeepsWindowEdge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buckets := []countBucket{
		{Timestamp: base.Add(-time.Minute), Count: 2},
		{Timestamp: base, Count: 1},
	}
	pruned := pruneBuckets(buckets, base, time.Minute)
	if len(pruned) != 2 {
		t.Errorf("bucket exactly at the window edge dropped: %+v", pruned)
	}
}

func TestRequestFrequencySaveDuringDetect(t *testing.T) {
	dir := t.TempDir()
	d := NewRequestFrequencyDetector()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, err := d.Detect(ctx, &AccessEvent{
				Timestamp: base.Add(time.Duration(i) * time.Second),
				UserID:    "alice",
				IPAddress: "203.0.113.9",
			})
			if err != nil {
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

func TestPruneBucketsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	buckets := []countBucket{
		{Timestamp: base.Add(-2 * time.Minute), Count: 5},
		{Timestamp: base.Add(-30 * time.Second), Count: 3},
		{Timestamp: base, Count: 1},
	}

	pruned := pruneBuckets(buckets, base, time.Minute)
	if len(pruned) != 2 {
		t.Fatalf("len(pruned) = %d, want 2", len(pruned))
	}
	again := pruneBuckets(pruned, base, time.Minute)
	if len(again) != len(pruned) {
		t.Errorf("second prune changed length: %d -> %d", len(pruned), len(again))
	}
}

func TestSlidingCountStats(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		base,
		base.Add(10 * time.Second),
		base.Add(20 * time.Second),
		base.Add(5 * time.Minute),
	}
	mean, stdev := slidingCountStats(stamps, time.Minute)
	// Counts at each stamp: 1, 2, 3, 1.
	if want := 1.75; mean != want {
		t.Errorf("mean = %v, want %v", mean, want)
	}
	if stdev <= 0 {
		t.Errorf("stdev = %v, want positive", stdev)
	}

	mean, stdev = slidingCountStats(nil, time.Minute)
	if mean != 0 || stdev != 0 {
		t.Errorf("empty stats = %v, %v, want 0, 0", mean, stdev)
	}
}

func TestRequestFrequencyModelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewRequestFrequencyDetector()
	d.SetConfig(RequestFrequencyConfig{
		MinTrainingEvents: 10,
		StdevMultiplier:   2,
		BucketMergeWindow: time.Second,
	})
	events := make([]AccessEvent, 20)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = AccessEvent{Timestamp: base.Add(time.Duration(i) * time.Minute), UserID: "alice"}
	}
	ctx := context.Background()
	if _, err := d.Train(ctx, events); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := d.SaveModel(ctx, dir); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	restored := NewRequestFrequencyDetector()
	if err := restored.LoadModel(ctx, dir); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if !restored.BaselineEstablished() {
		t.Fatal("baseline lost across save/load")
	}
	if got := restored.effectiveThreshold(userKey("alice"), 60*time.Second); got != 30 {
		t.Errorf("restored effectiveThreshold = %v, want 30", got)
	}
}
