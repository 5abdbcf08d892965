// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics
var (
	// EventsProcessedTotal counts events dispatched to detectors.
	EventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_events_processed_total",
			Help: "Total number of events processed by the detection engine",
		},
	)

	// AnomaliesDetectedTotal counts emitted anomalies by type and severity.
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_anomalies_detected_total",
			Help: "Total number of anomalies emitted by detectors",
		},
		[]string{"type", "severity"},
	)

	// AnomaliesSuppressedTotal counts anomalies dropped by the cooldown
	// suppressor.
	AnomaliesSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_anomalies_suppressed_total",
			Help: "Total number of anomalies suppressed by the cooldown window",
		},
	)

	// DetectorErrorsTotal counts detector evaluation failures by detector.
	DetectorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_detector_errors_total",
			Help: "Total number of detector evaluation errors",
		},
		[]string{"detector"},
	)

	// AnomaliesCleanedUpTotal counts anomalies removed by retention cleanup.
	AnomaliesCleanedUpTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_anomalies_cleaned_up_total",
			Help: "Total number of anomalies removed by retention cleanup",
		},
	)
)
