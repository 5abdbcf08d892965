// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
	if cfg.Detection.Threshold != "info" {
		t.Errorf("Threshold = %q, want info", cfg.Detection.Threshold)
	}
	if cfg.Detection.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", cfg.Detection.RetentionDays)
	}
	if cfg.Detectors.GeoLocation.MaxSpeedKmh != 800 {
		t.Errorf("MaxSpeedKmh = %v, want 800", cfg.Detectors.GeoLocation.MaxSpeedKmh)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad threshold", func(c *Config) { c.Detection.Threshold = "urgent" }},
		{"zero retention", func(c *Config) { c.Detection.RetentionDays = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"rare hour fraction out of range", func(c *Config) { c.Detectors.AccessTime.RareHourFraction = 1.5 }},
		{"zero max speed", func(c *Config) { c.Detectors.GeoLocation.MaxSpeedKmh = 0 }},
		{"empty night window", func(c *Config) {
			c.Detectors.AccessTime.NightStartHour = 4
			c.Detectors.AccessTime.NightEndHour = 4
		}},
		{"empty model dir", func(c *Config) { c.Storage.ModelDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadAppliesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")
	content := []byte(`
detection:
  threshold: medium
  retention_days: 30
detectors:
  geo_location:
    max_speed_kmh: 900
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("VIGIL_RETENTION_DAYS", "45")
	t.Setenv("VIGIL_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// File overrides defaults.
	if cfg.Detection.Threshold != "medium" {
		t.Errorf("Threshold = %q, want medium", cfg.Detection.Threshold)
	}
	if cfg.Detectors.GeoLocation.MaxSpeedKmh != 900 {
		t.Errorf("MaxSpeedKmh = %v, want 900", cfg.Detectors.GeoLocation.MaxSpeedKmh)
	}

	// Env overrides file.
	if cfg.Detection.RetentionDays != 45 {
		t.Errorf("RetentionDays = %d, want 45", cfg.Detection.RetentionDays)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}

	// Untouched values keep defaults.
	if cfg.Detection.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want 1h", cfg.Detection.CleanupInterval)
	}
}

func TestEnvTransformSkipsUnknownKeys(t *testing.T) {
	if got := envTransformFunc("VIGIL_TOTALLY_UNKNOWN"); got != "" {
		t.Errorf("unknown key mapped to %q, want empty", got)
	}
	if got := envTransformFunc("VIGIL_DETECTION_THRESHOLD"); got != "detection.threshold" {
		t.Errorf("VIGIL_DETECTION_THRESHOLD mapped to %q", got)
	}
}
