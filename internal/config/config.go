// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package config loads Vigil's layered configuration: built-in defaults,
// an optional YAML file, then environment variables, each layer overriding
// the last. The resulting Config is immutable and safe for concurrent
// reads.
package config

import "time"

// Config holds all Vigil configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Detection DetectionConfig `koanf:"detection"`
	Detectors DetectorsConfig `koanf:"detectors"`
	GeoIP     GeoIPConfig     `koanf:"geoip"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DatabasePath is the DuckDB file holding anomaly history. Empty means
	// anomalies are kept in memory only.
	DatabasePath string `koanf:"database_path"`

	// SuppressionPath is the BadgerDB directory for anomaly cooldown state.
	// Empty means cooldown state is kept in memory only.
	SuppressionPath string `koanf:"suppression_path"`

	// ModelDir is the directory where trained detector models are persisted.
	ModelDir string `koanf:"model_dir" validate:"required"`
}

// DetectionConfig holds engine-level settings.
type DetectionConfig struct {
	// Enabled controls whether the engine evaluates events at all.
	Enabled bool `koanf:"enabled"`

	// EnableResponses controls whether detector-recommended response
	// actions are attached to anomalies. When false every anomaly carries
	// log_only.
	EnableResponses bool `koanf:"enable_responses"`

	// Threshold is the minimum severity persisted: info, low, medium,
	// high, critical.
	Threshold string `koanf:"threshold" validate:"oneof=info low medium high critical"`

	// RetentionDays bounds stored anomaly age; older records are removed
	// by periodic cleanup.
	RetentionDays int `koanf:"retention_days" validate:"gte=1,lte=3650"`

	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gte=0"`

	// SuppressionCooldown is the window during which a repeated anomaly
	// with the same fingerprint is dropped. Zero disables suppression.
	SuppressionCooldown time.Duration `koanf:"suppression_cooldown" validate:"gte=0"`

	// MaxQueryLimit caps anomaly listing queries.
	MaxQueryLimit int `koanf:"max_query_limit" validate:"gte=1,lte=100000"`
}

// DetectorsConfig groups per-detector tunables.
type DetectorsConfig struct {
	AccessTime       AccessTimeConfig       `koanf:"access_time"`
	GeoLocation      GeoLocationConfig      `koanf:"geo_location"`
	RequestFrequency RequestFrequencyConfig `koanf:"request_frequency"`
	AuthFailure      AuthFailureConfig      `koanf:"auth_failure"`
}

// AccessTimeConfig tunes the access-time detector.
type AccessTimeConfig struct {
	Enabled          bool    `koanf:"enabled"`
	MinDataPoints    int     `koanf:"min_data_points" validate:"gte=1"`
	MinActiveHours   int     `koanf:"min_active_hours" validate:"gte=1,lte=24"`
	RareHourFraction float64 `koanf:"rare_hour_fraction" validate:"gt=0,lt=1"`
	NightStartHour   int     `koanf:"night_start_hour" validate:"gte=0,lte=23"`
	NightEndHour     int     `koanf:"night_end_hour" validate:"gte=0,lte=23"`
}

// GeoLocationConfig tunes the geo-location detector.
type GeoLocationConfig struct {
	Enabled              bool          `koanf:"enabled"`
	MinEventsPerUser     int           `koanf:"min_events_per_user" validate:"gte=1"`
	DominantCountryShare float64       `koanf:"dominant_country_share" validate:"gt=0,lte=1"`
	MaxSpeedKmh          float64       `koanf:"max_speed_kmh" validate:"gt=0"`
	MinDistanceKm        float64       `koanf:"min_distance_km" validate:"gte=0"`
	MaxTravelGap         time.Duration `koanf:"max_travel_gap" validate:"gt=0"`
}

// RequestFrequencyConfig tunes the request-frequency detector.
type RequestFrequencyConfig struct {
	Enabled         bool          `koanf:"enabled"`
	MinEvents       int           `koanf:"min_events" validate:"gte=1"`
	StdevMultiplier float64       `koanf:"stdev_multiplier" validate:"gt=0"`
	BucketGrain     time.Duration `koanf:"bucket_grain" validate:"gt=0"`
}

// AuthFailureConfig tunes the auth-failure detector.
type AuthFailureConfig struct {
	Enabled bool `koanf:"enabled"`
}

// GeoIPConfig holds IP-to-location resolution settings.
type GeoIPConfig struct {
	// DataFile is a JSON file of CIDR-to-location mappings loaded into the
	// static resolver. Empty means no geo resolution; the geo-location
	// detector then passes every event through.
	DataFile string `koanf:"data_file"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}
