// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seeds := []*Anomaly{
		{ID: "a1", Timestamp: base, Type: AnomalyTypeAccessTime, Severity: SeverityLow, UserID: "alice", Status: StatusNew},
		{ID: "a2", Timestamp: base.Add(time.Hour), Type: AnomalyTypeAuthFailure, Severity: SeverityHigh, UserID: "alice", Status: StatusNew},
		{ID: "a3", Timestamp: base.Add(2 * time.Hour), Type: AnomalyTypeGeoLocation, Severity: SeverityCritical, UserID: "bob", Status: StatusResolved},
	}
	for _, a := range seeds {
		if err := store.SaveAnomaly(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestMemoryStoreGet(t *testing.T) {
	store := seedMemoryStore(t)
	ctx := context.Background()

	a, err := store.GetAnomaly(ctx, "a2")
	if err != nil {
		t.Fatalf("GetAnomaly: %v", err)
	}
	if a == nil || a.Type != AnomalyTypeAuthFailure {
		t.Errorf("GetAnomaly = %+v", a)
	}

	a, err = store.GetAnomaly(ctx, "missing")
	if err != nil {
		t.Fatalf("GetAnomaly: %v", err)
	}
	if a != nil {
		t.Errorf("missing id returned %+v", a)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := seedMemoryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	from := base.Add(30 * time.Minute)

	tests := []struct {
		name    string
		filter  AnomalyFilter
		wantIDs []string
	}{
		{"all newest first", AnomalyFilter{}, []string{"a3", "a2", "a1"}},
		{"by type", AnomalyFilter{Types: []AnomalyType{AnomalyTypeAuthFailure}}, []string{"a2"}},
		{"by severity", AnomalyFilter{Severities: []Severity{SeverityLow, SeverityHigh}}, []string{"a2", "a1"}},
		{"by user", AnomalyFilter{UserID: "bob"}, []string{"a3"}},
		{"by status", AnomalyFilter{Status: StatusResolved}, []string{"a3"}},
		{"time range", AnomalyFilter{From: &from}, []string{"a3", "a2"}},
		{"limit", AnomalyFilter{Limit: 2}, []string{"a3", "a2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListAnomalies(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAnomalies: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("result[%d] = %q, want %q", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := seedMemoryStore(t)
	ctx := context.Background()

	if err := store.UpdateStatus(ctx, "a1", StatusFalsePositive, "scheduled job", "admin"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	a, _ := store.GetAnomaly(ctx, "a1")
	if a.Status != StatusFalsePositive || a.ReviewComments != "scheduled job" || a.ReviewerID != "admin" {
		t.Errorf("review fields = %+v", a)
	}

	err := store.UpdateStatus(ctx, "missing", StatusResolved, "", "")
	if !errors.Is(err, ErrAnomalyNotFound) {
		t.Errorf("missing id error = %v, want ErrAnomalyNotFound", err)
	}
}

func TestMemoryStoreDeleteOlderThan(t *testing.T) {
	store := seedMemoryStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)

	removed, err := store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	remaining, _ := store.ListAnomalies(ctx, AnomalyFilter{})
	if len(remaining) != 1 || remaining[0].ID != "a3" {
		t.Errorf("remaining = %+v, want only a3", remaining)
	}
}

func TestMemoryStoreCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a := testAnomaly(SeverityLow)
	a.ID = "a1"
	if err := store.SaveAnomaly(ctx, a); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not reach the stored record.
	a.Severity = SeverityCritical
	got, _ := store.GetAnomaly(ctx, "a1")
	if got.Severity != SeverityLow {
		t.Errorf("stored severity = %q, want low", got.Severity)
	}
}
