// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import "testing"

func TestSeverityRank(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityInfo, 0},
		{SeverityLow, 1},
		{SeverityMedium, 2},
		{SeverityHigh, 3},
		{SeverityCritical, 4},
		{Severity("bogus"), -1},
		{Severity(""), -1},
	}
	for _, tt := range tests {
		if got := tt.severity.Rank(); got != tt.want {
			t.Errorf("Rank(%q) = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestSeverityValid(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if !s.Valid() {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	if Severity("warning").Valid() {
		t.Error("Valid(warning) = true, want false")
	}
}

func TestSeverityEscalate(t *testing.T) {
	tests := []struct {
		severity Severity
		n        int
		want     Severity
	}{
		{SeverityMedium, 0, SeverityMedium},
		{SeverityMedium, 1, SeverityHigh},
		{SeverityMedium, 2, SeverityCritical},
		{SeverityHigh, 3, SeverityCritical},
		{SeverityCritical, 1, SeverityCritical},
		{Severity("bogus"), 1, Severity("bogus")},
	}
	for _, tt := range tests {
		if got := tt.severity.escalate(tt.n); got != tt.want {
			t.Errorf("escalate(%q, %d) = %q, want %q", tt.severity, tt.n, got, tt.want)
		}
	}
}

func TestMostSevere(t *testing.T) {
	low := &Anomaly{Severity: SeverityLow}
	medium := &Anomaly{Severity: SeverityMedium}
	medium2 := &Anomaly{Severity: SeverityMedium}
	critical := &Anomaly{Severity: SeverityCritical}

	tests := []struct {
		name       string
		candidates []*Anomaly
		want       *Anomaly
	}{
		{"empty", nil, nil},
		{"single", []*Anomaly{low}, low},
		{"highest wins", []*Anomaly{low, critical, medium}, critical},
		{"tie keeps first", []*Anomaly{medium, medium2}, medium},
		{"nil entries skipped", []*Anomaly{nil, low, nil}, low},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MostSevere(tt.candidates); got != tt.want {
				t.Errorf("MostSevere() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
