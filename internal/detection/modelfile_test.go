// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type sampleModelState struct {
	Counter int               `json:"counter"`
	Names   map[string]string `json:"names"`
}

func TestModelFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	trainedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := sampleModelState{Counter: 7, Names: map[string]string{"a": "b"}}

	if err := saveModelFile(ctx, dir, "sample", trainedAt, in); err != nil {
		t.Fatalf("saveModelFile: %v", err)
	}

	var out sampleModelState
	got, err := loadModelFile(ctx, dir, "sample", &out)
	if err != nil {
		t.Fatalf("loadModelFile: %v", err)
	}
	if !got.Equal(trainedAt) {
		t.Errorf("trainedAt = %v, want %v", got, trainedAt)
	}
	if out.Counter != 7 || out.Names["a"] != "b" {
		t.Errorf("state = %+v", out)
	}
}

func TestModelFileNotFound(t *testing.T) {
	var out sampleModelState
	_, err := loadModelFile(context.Background(), t.TempDir(), "absent", &out)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestModelFileVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	data, err := json.Marshal(modelEnvelope{
		Version:  modelFileVersion + 1,
		Detector: "sample",
		State:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(modelPath(dir, "sample"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	var out sampleModelState
	_, err = loadModelFile(context.Background(), dir, "sample", &out)
	if !errors.Is(err, ErrModelVersion) {
		t.Errorf("err = %v, want ErrModelVersion", err)
	}
}

func TestModelFileDetectorMismatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if err := saveModelFile(ctx, dir, "sample", time.Time{}, sampleModelState{}); err != nil {
		t.Fatal(err)
	}
	// Pretend the file belongs to another detector.
	if err := os.Rename(modelPath(dir, "sample"), modelPath(dir, "other")); err != nil {
		t.Fatal(err)
	}

	var out sampleModelState
	if _, err := loadModelFile(ctx, dir, "other", &out); err == nil {
		t.Error("mismatched detector name accepted")
	}
}

func TestModelFileOverwriteIsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	if err := saveModelFile(ctx, dir, "sample", time.Time{}, sampleModelState{Counter: 1}); err != nil {
		t.Fatal(err)
	}
	if err := saveModelFile(ctx, dir, "sample", time.Time{}, sampleModelState{Counter: 2}); err != nil {
		t.Fatal(err)
	}

	var out sampleModelState
	if _, err := loadModelFile(ctx, dir, "sample", &out); err != nil {
		t.Fatalf("loadModelFile: %v", err)
	}
	if out.Counter != 2 {
		t.Errorf("counter = %d, want 2", out.Counter)
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}
