// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

// Package detection implements the behavioral anomaly-detection engine:
// a set of statistical detectors that consume normalized access and
// authentication events and emit scored anomalies, plus the Engine that
// registers detectors, fans events out, stores results, and manages
// anomaly lifecycle.
//
// Detectors are pure with respect to I/O: Detect reads and updates the
// detector's own in-memory profile state and never touches the network.
// Model persistence and anomaly storage happen outside the detection
// hot path.
package detection
