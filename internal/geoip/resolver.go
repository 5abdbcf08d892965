// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package geoip resolves IP addresses to geographic locations from a
// static dataset. Deployments point it at a JSON file of CIDR-to-location
// mappings; the resolver answers lookups from memory.
package geoip

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/detection"
)

// Entry is one CIDR-to-location mapping in the dataset file.
type Entry struct {
	CIDR      string  `json:"cidr"`
	Country   string  `json:"country"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// prefixEntry is a parsed dataset entry.
type prefixEntry struct {
	prefix   netip.Prefix
	location detection.Location
}

// StaticResolver answers location lookups from an in-memory prefix table.
// Exact single-address prefixes get an O(1) map; wider prefixes are scanned
// longest-prefix-first so the most specific match wins.
type StaticResolver struct {
	mu       sync.RWMutex
	exact    map[netip.Addr]detection.Location
	prefixes []prefixEntry
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		exact: make(map[netip.Addr]detection.Location),
	}
}

// LoadFile replaces the resolver's dataset with the entries in a JSON file.
func (r *StaticResolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read geoip dataset: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse geoip dataset: %w", err)
	}
	return r.LoadEntries(entries)
}

// LoadEntries replaces the resolver's dataset.
func (r *StaticResolver) LoadEntries(entries []Entry) error {
	exact := make(map[netip.Addr]detection.Location, len(entries))
	prefixes := make([]prefixEntry, 0, len(entries))

	for _, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			// Allow bare addresses as shorthand for /32 or /128.
			addr, addrErr := netip.ParseAddr(e.CIDR)
			if addrErr != nil {
				return fmt.Errorf("invalid cidr %q: %w", e.CIDR, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		loc := detection.Location{
			CountryCode: e.Country,
			City:        e.City,
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
		}
		if prefix.IsSingleIP() {
			exact[prefix.Addr()] = loc
			continue
		}
		prefixes = append(prefixes, prefixEntry{prefix: prefix, location: loc})
	}

	// Most specific prefix first.
	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].prefix.Bits() > prefixes[j].prefix.Bits()
	})

	r.mu.Lock()
	r.exact = exact
	r.prefixes = prefixes
	r.mu.Unlock()
	return nil
}

// Add registers a single mapping. Intended for tests and programmatic
// setup.
func (r *StaticResolver) Add(cidr string, loc detection.Location) error {
	return r.addEntry(Entry{
		CIDR:      cidr,
		Country:   loc.CountryCode,
		City:      loc.City,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	})
}

func (r *StaticResolver) addEntry(e Entry) error {
	prefix, err := netip.ParsePrefix(e.CIDR)
	if err != nil {
		addr, addrErr := netip.ParseAddr(e.CIDR)
		if addrErr != nil {
			return fmt.Errorf("invalid cidr %q: %w", e.CIDR, err)
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}
	loc := detection.Location{
		CountryCode: e.Country,
		City:        e.City,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prefix.IsSingleIP() {
		r.exact[prefix.Addr()] = loc
		return nil
	}
	r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, location: loc})
	sort.Slice(r.prefixes, func(i, j int) bool {
		return r.prefixes[i].prefix.Bits() > r.prefixes[j].prefix.Bits()
	})
	return nil
}

// Resolve returns the location for an IP, or nil when the address is
// unparseable or not covered by the dataset.
func (r *StaticResolver) Resolve(ctx context.Context, ip string) (*detection.Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if loc, ok := r.exact[addr]; ok {
		cp := loc
		return &cp, nil
	}
	for _, pe := range r.prefixes {
		if pe.prefix.Contains(addr) {
			cp := pe.location
			return &cp, nil
		}
	}
	return nil, nil
}

// Count returns the number of loaded mappings.
func (r *StaticResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exact) + len(r.prefixes)
}

var _ detection.LocationResolver = (*StaticResolver)(nil)
