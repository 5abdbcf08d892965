// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// modelFileVersion is the current on-disk schema version. Loads of a
// different version fail with ErrModelVersion instead of silently
// misinterpreting state.
const modelFileVersion = 1

// ErrModelVersion indicates a model file written by an incompatible
// schema version.
var ErrModelVersion = errors.New("unsupported model file version")

// ErrModelNotFound indicates no model file exists for the detector.
var ErrModelNotFound = errors.New("model file not found")

// modelEnvelope wraps detector state with enough metadata to validate a
// cross-version load.
type modelEnvelope struct {
	Version   int             `json:"version"`
	Detector  string          `json:"detector"`
	TrainedAt time.Time       `json:"trained_at"`
	State     json.RawMessage `json:"state"`
}

// modelPath returns the canonical file path for a detector's model.
func modelPath(dir, detector string) string {
	return filepath.Join(dir, detector+".json")
}

// saveModelFile serializes state into a versioned envelope and writes it
// atomically: the payload lands in a temp file first and is renamed over
// the destination, so a crash mid-write never leaves a partial model.
func saveModelFile(ctx context.Context, dir, detector string, trainedAt time.Time, state any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", detector, err)
	}
	data, err := json.MarshalIndent(modelEnvelope{
		Version:   modelFileVersion,
		Detector:  detector,
		TrainedAt: trainedAt,
		State:     raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", detector, err)
	}

	tmp, err := os.CreateTemp(dir, detector+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write model file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync model file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}

	if err := os.Rename(tmpName, modelPath(dir, detector)); err != nil {
		return fmt.Errorf("replace model file: %w", err)
	}
	return nil
}

// loadModelFile reads and validates a model envelope and unmarshals its
// state into out. It returns the recorded training time.
func loadModelFile(ctx context.Context, dir, detector string, out any) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	data, err := os.ReadFile(modelPath(dir, detector))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrModelNotFound, detector)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read model file: %w", err)
	}

	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return time.Time{}, fmt.Errorf("parse model file: %w", err)
	}
	if env.Version != modelFileVersion {
		return time.Time{}, fmt.Errorf("%w: got %d, want %d", ErrModelVersion, env.Version, modelFileVersion)
	}
	if env.Detector != detector {
		return time.Time{}, fmt.Errorf("model file belongs to detector %q, want %q", env.Detector, detector)
	}
	if err := json.Unmarshal(env.State, out); err != nil {
		return time.Time{}, fmt.Errorf("parse %s state: %w", detector, err)
	}
	return env.TrainedAt, nil
}
