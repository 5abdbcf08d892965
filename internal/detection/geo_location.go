// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// GeoLocationConfig configures the geo-location detector.
type GeoLocationConfig struct {
	// MinDataPoints is the minimum number of resolved historical events a
	// user needs before their country profile is usable.
	MinDataPoints int `json:"min_data_points"`

	// DominantCountryRatio escalates the new-country check when the user's
	// top country accounts for more than this fraction of all accesses.
	DominantCountryRatio float64 `json:"dominant_country_ratio"`

	// MaxSpeedKmH is the maximum plausible travel speed.
	MaxSpeedKmH float64 `json:"max_speed_kmh"`

	// MinDistanceKm is the minimum distance before implied speed is
	// considered, to avoid false positives for nearby locations.
	MinDistanceKm float64 `json:"min_distance_km"`

	// MaxTravelWindow bounds the time delta considered for impossible
	// travel; older prior locations are ignored.
	MaxTravelWindow time.Duration `json:"max_travel_window"`
}

// DefaultGeoLocationConfig returns the stock thresholds.
func DefaultGeoLocationConfig() GeoLocationConfig {
	return GeoLocationConfig{
		MinDataPoints:        10,
		DominantCountryRatio: 0.9,
		MaxSpeedKmH:          800,
		MinDistanceKm:        100,
		MaxTravelWindow:      24 * time.Hour,
	}
}

// lastLocation is the most recent geolocated access on record for a user.
type lastLocation struct {
	Timestamp time.Time `json:"timestamp"`
	Country   string    `json:"country"`
	City      string    `json:"city,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// GeoLocationDetector profiles per-user country frequency and last-known
// location, flagging new countries and geometrically impossible travel.
//
// The last-known location is updated unconditionally after evaluation,
// even when a check fires. An attacker's own anomalous access therefore
// resets the travel baseline; this mirrors the reference behavior and is
// deliberately not "fixed" because changing it alters detection semantics.
type GeoLocationDetector struct {
	resolver LocationResolver

	mu        sync.RWMutex
	userLocks *keyedMutex
	config    GeoLocationConfig
	countries map[string]map[string]int64

	// seenMu guards the lastSeen map itself; the per-user lock serializes
	// the read-evaluate-update window so same-user events cannot interleave.
	seenMu   sync.Mutex
	lastSeen map[string]lastLocation

	enabled     bool
	baseline    bool
	lastTrained time.Time
}

// NewGeoLocationDetector creates a geo-location detector backed by the
// given resolver.
func NewGeoLocationDetector(resolver LocationResolver) *GeoLocationDetector {
	return &GeoLocationDetector{
		resolver:  resolver,
		userLocks: newKeyedMutex(),
		config:    DefaultGeoLocationConfig(),
		countries: make(map[string]map[string]int64),
		lastSeen:  make(map[string]lastLocation),
		enabled:   true,
	}
}

// Name returns the detector name.
func (d *GeoLocationDetector) Name() string { return "geo_location" }

// Type returns the anomaly type.
func (d *GeoLocationDetector) Type() AnomalyType { return AnomalyTypeGeoLocation }

// Train rebuilds the per-user country histograms from historical events.
// Events whose IP cannot be resolved are skipped; users with fewer than
// MinDataPoints resolved events are dropped.
func (d *GeoLocationDetector) Train(ctx context.Context, events []AccessEvent) (bool, error) {
	counts := make(map[string]map[string]int64)
	for i := range events {
		ev := &events[i]
		if ev.UserID == "" || ev.IPAddress == "" {
			continue
		}
		loc, err := d.resolver.Resolve(ctx, ev.IPAddress)
		if err != nil {
			return false, fmt.Errorf("resolve %s: %w", ev.IPAddress, err)
		}
		if loc == nil || loc.CountryCode == "" {
			continue
		}
		byCountry, ok := counts[ev.UserID]
		if !ok {
			byCountry = make(map[string]int64)
			counts[ev.UserID] = byCountry
		}
		byCountry[loc.CountryCode]++
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	profiles := make(map[string]map[string]int64, len(counts))
	for user, byCountry := range counts {
		var total int64
		for _, n := range byCountry {
			total += n
		}
		if total >= int64(d.config.MinDataPoints) {
			profiles[user] = byCountry
		}
	}
	d.countries = profiles
	d.baseline = len(profiles) > 0
	if d.baseline {
		d.lastTrained = time.Now()
	}
	return d.baseline, nil
}

// Detect runs the new-country and impossible-travel checks and merges the
// findings into a single anomaly. The new-country check is evaluated
// first; the anomaly carries the most severe finding's rank and the union
// of details and actions.
func (d *GeoLocationDetector) Detect(ctx context.Context, event *AccessEvent) (*Anomaly, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.enabled || event.UserID == "" || event.IPAddress == "" || event.Timestamp.IsZero() {
		return nil, nil
	}

	loc, err := d.resolver.Resolve(ctx, event.IPAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", event.IPAddress, err)
	}
	if loc == nil {
		return nil, nil
	}

	unlock := d.userLocks.Lock(event.UserID)
	defer unlock()

	severity := Severity("")
	details := map[string]any{}
	actions := newActionSet()

	d.checkNewCountry(event, loc, &severity, details, actions)
	d.checkImpossibleTravel(event, loc, &severity, details, actions)

	// Update the travel baseline regardless of findings.
	if HasValidCoordinates(loc.Latitude, loc.Longitude) {
		d.seenMu.Lock()
		d.lastSeen[event.UserID] = lastLocation{
			Timestamp: event.Timestamp,
			Country:   loc.CountryCode,
			City:      loc.City,
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
		}
		d.seenMu.Unlock()
	}

	if severity == "" {
		return nil, nil
	}
	details["country"] = loc.CountryCode
	if loc.City != "" {
		details["city"] = loc.City
	}
	return &Anomaly{
		Timestamp:       event.Timestamp,
		Type:            AnomalyTypeGeoLocation,
		Severity:        severity,
		SourceIP:        event.IPAddress,
		UserID:          event.UserID,
		Endpoint:        event.Endpoint,
		Details:         details,
		ResponseActions: actions.ordered(),
		Status:          StatusNew,
	}, nil
}

// checkNewCountry flags access from a country with zero history for the
// user. When the user's dominant country exceeds DominantCountryRatio the
// finding escalates to high and recommends MFA.
func (d *GeoLocationDetector) checkNewCountry(event *AccessEvent, loc *Location, severity *Severity, details map[string]any, actions *actionSet) {
	byCountry, ok := d.countries[event.UserID]
	if !ok || loc.CountryCode == "" {
		return
	}
	if byCountry[loc.CountryCode] > 0 {
		return
	}

	var total, dominant int64
	dominantCountry := ""
	for country, n := range byCountry {
		total += n
		if n > dominant {
			dominant = n
			dominantCountry = country
		}
	}
	if total < int64(d.config.MinDataPoints) {
		return
	}

	sev := SeverityMedium
	actions.add(ActionLogOnly, ActionNotifyAdmin)
	if float64(dominant) > d.config.DominantCountryRatio*float64(total) {
		sev = SeverityHigh
		actions.add(ActionRequireMFA)
		details["dominant_country"] = dominantCountry
		details["dominant_ratio"] = roundTo2Decimals(float64(dominant) / float64(total))
	}
	details["new_country"] = true
	raiseSeverity(severity, sev)
}

// checkImpossibleTravel compares the event against the user's prior
// location and flags implied travel speed beyond MaxSpeedKmH. Distance is
// great-circle via the haversine formula.
func (d *GeoLocationDetector) checkImpossibleTravel(event *AccessEvent, loc *Location, severity *Severity, details map[string]any, actions *actionSet) {
	if !HasValidCoordinates(loc.Latitude, loc.Longitude) {
		return
	}
	d.seenMu.Lock()
	prior, ok := d.lastSeen[event.UserID]
	d.seenMu.Unlock()
	if !ok || !HasValidCoordinates(prior.Latitude, prior.Longitude) {
		return
	}

	delta := event.Timestamp.Sub(prior.Timestamp)
	if delta <= 0 || delta >= d.config.MaxTravelWindow {
		return
	}

	distanceKm := haversineDistance(prior.Latitude, prior.Longitude, loc.Latitude, loc.Longitude)
	if distanceKm <= d.config.MinDistanceKm {
		return
	}

	speedKmH := distanceKm / delta.Hours()
	if speedKmH <= d.config.MaxSpeedKmH {
		return
	}

	details["impossible_travel"] = true
	details["prior_country"] = prior.Country
	details["prior_city"] = prior.City
	details["distance_km"] = roundTo2Decimals(distanceKm)
	details["time_delta_hours"] = roundTo2Decimals(delta.Hours())
	details["implied_speed_kmh"] = roundTo2Decimals(speedKmH)
	actions.add(ActionLogOnly, ActionNotifyAdmin, ActionRequireMFA, ActionRevokeSession)
	raiseSeverity(severity, SeverityCritical)
}

// SaveModel writes country histograms and last-known locations to dir.
func (d *GeoLocationDetector) SaveModel(ctx context.Context, dir string) error {
	d.mu.RLock()
	state := geoLocationModel{
		Countries: d.countries,
		LastSeen:  make(map[string]lastLocation),
		Baseline:  d.baseline,
	}
	trained := d.lastTrained
	d.seenMu.Lock()
	for user, loc := range d.lastSeen {
		state.LastSeen[user] = loc
	}
	d.seenMu.Unlock()
	d.mu.RUnlock()

	return saveModelFile(ctx, dir, d.Name(), trained, state)
}

// LoadModel restores state written by SaveModel.
func (d *GeoLocationDetector) LoadModel(ctx context.Context, dir string) error {
	var state geoLocationModel
	trained, err := loadModelFile(ctx, dir, d.Name(), &state)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.countries = state.Countries
	if d.countries == nil {
		d.countries = make(map[string]map[string]int64)
	}
	d.lastSeen = state.LastSeen
	if d.lastSeen == nil {
		d.lastSeen = make(map[string]lastLocation)
	}
	d.baseline = state.Baseline
	d.lastTrained = trained
	return nil
}

// geoLocationModel is the serialized profile state.
type geoLocationModel struct {
	Countries map[string]map[string]int64 `json:"countries"`
	LastSeen  map[string]lastLocation     `json:"last_seen"`
	Baseline  bool                        `json:"baseline"`
}

// SetConfig replaces the detector's thresholds.
func (d *GeoLocationDetector) SetConfig(config GeoLocationConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = config
}

// Enabled reports whether the detector receives events.
func (d *GeoLocationDetector) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables the detector.
func (d *GeoLocationDetector) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// BaselineEstablished reports whether training produced usable profiles.
func (d *GeoLocationDetector) BaselineEstablished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseline
}

// LastTrainedAt returns the last successful training time.
func (d *GeoLocationDetector) LastTrainedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastTrained
}

// haversineDistance calculates the great-circle distance between two
// points on Earth in kilometers.
func haversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// raiseSeverity lifts *current to candidate if candidate ranks higher.
func raiseSeverity(current *Severity, candidate Severity) {
	if current.Rank() < candidate.Rank() {
		*current = candidate
	}
}

// roundTo2Decimals rounds a float64 to 2 decimal places for stable detail
// payloads.
func roundTo2Decimals(f float64) float64 {
	return math.Round(f*100) / 100
}
