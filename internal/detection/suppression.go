// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Suppressor deduplicates repeated anomalies: an anomaly with the same
// (type, user, source IP) fingerprint as one seen within the cooldown
// window is dropped before storage.
type Suppressor interface {
	// Seen atomically checks whether an equivalent anomaly fired within
	// the cooldown and records this one if not. Returns true when the
	// anomaly should be suppressed.
	Seen(ctx context.Context, a *Anomaly) (bool, error)

	// Close releases resources.
	Close() error
}

// suppressionKey fingerprints an anomaly for deduplication.
func suppressionKey(a *Anomaly) string {
	return string(a.Type) + "|" + a.UserID + "|" + a.SourceIP
}

// suppressionEntry is the stored cooldown record.
type suppressionEntry struct {
	Severity  Severity  `json:"severity"`
	FirstSeen time.Time `json:"first_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MemorySuppressor is an in-memory cooldown store for tests and
// single-process deployments without a data directory.
type MemorySuppressor struct {
	mu       sync.Mutex
	cooldown time.Duration
	entries  map[string]suppressionEntry
}

// NewMemorySuppressor creates a memory-backed suppressor. A zero cooldown
// disables suppression entirely.
func NewMemorySuppressor(cooldown time.Duration) *MemorySuppressor {
	return &MemorySuppressor{
		cooldown: cooldown,
		entries:  make(map[string]suppressionEntry),
	}
}

// Seen checks and records the anomaly fingerprint.
func (s *MemorySuppressor) Seen(ctx context.Context, a *Anomaly) (bool, error) {
	if s.cooldown <= 0 {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := suppressionKey(a)
	if entry, ok := s.entries[key]; ok && now.Before(entry.ExpiresAt) {
		// A more severe recurrence always surfaces: escalations must not
		// be hidden by their quieter predecessors.
		if a.Severity.Rank() <= entry.Severity.Rank() {
			return true, nil
		}
	}

	s.entries[key] = suppressionEntry{
		Severity:  a.Severity,
		FirstSeen: now,
		ExpiresAt: now.Add(s.cooldown),
	}
	return false, nil
}

// Close drops all entries.
func (s *MemorySuppressor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// BadgerSuppressor is a BadgerDB-backed cooldown store. Entries carry a
// TTL so Badger's compaction expires them without explicit cleanup; state
// survives restarts.
type BadgerSuppressor struct {
	db       *badger.DB
	cooldown time.Duration
	prefix   []byte
}

// NewBadgerSuppressor creates a Badger-backed suppressor sharing db with
// other components. A zero cooldown disables suppression.
func NewBadgerSuppressor(db *badger.DB, cooldown time.Duration) *BadgerSuppressor {
	return &BadgerSuppressor{
		db:       db,
		cooldown: cooldown,
		prefix:   []byte("suppress:"),
	}
}

// Seen atomically checks and records the anomaly fingerprint.
func (s *BadgerSuppressor) Seen(ctx context.Context, a *Anomaly) (bool, error) {
	if s.cooldown <= 0 {
		return false, nil
	}

	key := append(append([]byte(nil), s.prefix...), suppressionKey(a)...)
	suppressed := false

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var entry suppressionEntry
			if valErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); valErr == nil {
				if time.Now().Before(entry.ExpiresAt) && a.Severity.Rank() <= entry.Severity.Rank() {
					suppressed = true
					return nil
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := time.Now()
		data, err := json.Marshal(suppressionEntry{
			Severity:  a.Severity,
			FirstSeen: now,
			ExpiresAt: now.Add(s.cooldown),
		})
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(s.cooldown))
	})
	if err != nil {
		return false, err
	}
	return suppressed, nil
}

// Close is a no-op: the Badger instance is shared and owned by the caller.
func (s *BadgerSuppressor) Close() error { return nil }
