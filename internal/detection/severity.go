// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

// Severity is a totally ordered tag attached to every anomaly.
// Ordering is defined by Rank: info < low < medium < high < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRanks is the fixed ranking table used for all severity
// comparisons. Unknown severities rank below info so they never win a
// most-severe reduction.
var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the position of s in the total severity order, or -1 for an
// unknown severity.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the five defined severities.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// severityOrder lists severities by ascending rank for rank-to-tag lookups.
var severityOrder = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// escalate returns the severity n ranks above s, capped at critical.
func (s Severity) escalate(n int) Severity {
	r := s.Rank()
	if r < 0 {
		return s
	}
	r += n
	if r >= len(severityOrder) {
		r = len(severityOrder) - 1
	}
	return severityOrder[r]
}

// MostSevere reduces candidate anomalies to the single highest-ranked one.
// Ties break first-seen-wins: when two candidates share a rank, the earlier
// candidate in evaluation order is kept. Detectors evaluate candidates in a
// fixed, documented order, so the reduction is stable under identical input.
func MostSevere(candidates []*Anomaly) *Anomaly {
	var best *Anomaly
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if best == nil || c.Severity.Rank() > best.Severity.Rank() {
			best = c
		}
	}
	return best
}
