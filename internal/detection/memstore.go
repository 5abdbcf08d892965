// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory AnomalyStore for tests and deployments that
// do not need durable anomaly history.
type MemoryStore struct {
	mu        sync.RWMutex
	anomalies map[string]*Anomaly
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{anomalies: make(map[string]*Anomaly)}
}

// SaveAnomaly stores a copy of the anomaly.
func (s *MemoryStore) SaveAnomaly(ctx context.Context, a *Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.anomalies[a.ID] = &cp
	return nil
}

// GetAnomaly returns a copy of the stored anomaly, or nil if absent.
func (s *MemoryStore) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.anomalies[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// ListAnomalies returns matching anomalies newest first.
func (s *MemoryStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Anomaly
	for _, a := range s.anomalies {
		if matchesFilter(a, filter) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// matchesFilter applies the query filter to one anomaly.
func matchesFilter(a *Anomaly, filter AnomalyFilter) bool {
	if len(filter.Types) > 0 && !containsType(filter.Types, a.Type) {
		return false
	}
	if len(filter.Severities) > 0 && !containsSeverity(filter.Severities, a.Severity) {
		return false
	}
	if filter.Status != "" && a.Status != filter.Status {
		return false
	}
	if filter.UserID != "" && a.UserID != filter.UserID {
		return false
	}
	if filter.From != nil && a.Timestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && a.Timestamp.After(*filter.To) {
		return false
	}
	return true
}

func containsType(types []AnomalyType, t AnomalyType) bool {
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

func containsSeverity(severities []Severity, s Severity) bool {
	for _, v := range severities {
		if v == s {
			return true
		}
	}
	return false
}

// UpdateStatus mutates the review fields of one anomaly.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status AnomalyStatus, comments, reviewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anomalies[id]
	if !ok {
		return ErrAnomalyNotFound
	}
	a.Status = status
	a.ReviewComments = comments
	a.ReviewerID = reviewerID
	return nil
}

// DeleteOlderThan removes anomalies before cutoff and returns the count.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, a := range s.anomalies {
		if a.Timestamp.Before(cutoff) {
			delete(s.anomalies, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ AnomalyStore = (*MemoryStore)(nil)
