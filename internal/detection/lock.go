// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import "sync"

// keyedMutex serializes writers per key so concurrent events for different
// users or IPs never block each other, while same-key updates to
// sliding-window buckets and histograms are serialized.
//
// Detectors pair this with a detector-level RWMutex: Detect takes the read
// lock plus the per-key lock, Train takes the write lock alone. Training is
// therefore mutually exclusive with all live detection against the same
// detector.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use, and returns
// the unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
