// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"vigil.yaml",
	"vigil.yml",
	"/etc/vigil/vigil.yaml",
	"/etc/vigil/vigil.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "VIGIL_CONFIG"

// envPrefix namespaces Vigil's environment variables.
const envPrefix = "VIGIL_"

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DatabasePath:    "",
			SuppressionPath: "",
			ModelDir:        "/data/vigil/models",
		},
		Detection: DetectionConfig{
			Enabled:             true,
			EnableResponses:     true,
			Threshold:           "info",
			RetentionDays:       90,
			CleanupInterval:     time.Hour,
			SuppressionCooldown: 15 * time.Minute,
			MaxQueryLimit:       1000,
		},
		Detectors: DetectorsConfig{
			AccessTime: AccessTimeConfig{
				Enabled:          true,
				MinDataPoints:    20,
				MinActiveHours:   6,
				RareHourFraction: 0.1,
				NightStartHour:   23,
				NightEndHour:     5,
			},
			GeoLocation: GeoLocationConfig{
				Enabled:              true,
				MinEventsPerUser:     10,
				DominantCountryShare: 0.9,
				MaxSpeedKmh:          800,
				MinDistanceKm:        100,
				MaxTravelGap:         24 * time.Hour,
			},
			RequestFrequency: RequestFrequencyConfig{
				Enabled:         true,
				MinEvents:       1000,
				StdevMultiplier: 2,
				BucketGrain:     time.Second,
			},
			AuthFailure: AuthFailureConfig{
				Enabled: true,
			},
		},
		GeoIP: GeoIPConfig{
			DataFile: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//
//  1. Defaults from Default()
//  2. An optional YAML config file
//  3. VIGIL_-prefixed environment variables (highest priority)
//
// VIGIL_DETECTION_THRESHOLD=high maps to detection.threshold, and so on:
// the prefix is stripped and single underscores become dots between known
// section names.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first readable config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps a VIGIL_-prefixed environment variable to a koanf
// config path. Unknown variables map to "" and are skipped, so unrelated
// environment noise never pollutes the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		"database_path":    "storage.database_path",
		"suppression_path": "storage.suppression_path",
		"model_dir":        "storage.model_dir",

		"detection_enabled":          "detection.enabled",
		"detection_enable_responses": "detection.enable_responses",
		"detection_threshold":        "detection.threshold",
		"retention_days":             "detection.retention_days",
		"cleanup_interval":           "detection.cleanup_interval",
		"suppression_cooldown":       "detection.suppression_cooldown",
		"max_query_limit":            "detection.max_query_limit",

		"access_time_enabled":            "detectors.access_time.enabled",
		"access_time_min_data_points":    "detectors.access_time.min_data_points",
		"access_time_min_active_hours":   "detectors.access_time.min_active_hours",
		"access_time_rare_hour_fraction": "detectors.access_time.rare_hour_fraction",
		"access_time_night_start_hour":   "detectors.access_time.night_start_hour",
		"access_time_night_end_hour":     "detectors.access_time.night_end_hour",

		"geo_location_enabled":                "detectors.geo_location.enabled",
		"geo_location_min_events_per_user":    "detectors.geo_location.min_events_per_user",
		"geo_location_dominant_country_share": "detectors.geo_location.dominant_country_share",
		"geo_location_max_speed_kmh":          "detectors.geo_location.max_speed_kmh",
		"geo_location_min_distance_km":        "detectors.geo_location.min_distance_km",
		"geo_location_max_travel_gap":         "detectors.geo_location.max_travel_gap",

		"request_frequency_enabled":          "detectors.request_frequency.enabled",
		"request_frequency_min_events":       "detectors.request_frequency.min_events",
		"request_frequency_stdev_multiplier": "detectors.request_frequency.stdev_multiplier",
		"request_frequency_bucket_grain":     "detectors.request_frequency.bucket_grain",

		"auth_failure_enabled": "detectors.auth_failure.enabled",

		"geoip_data_file": "geoip.data_file",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
