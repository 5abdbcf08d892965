// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"math"
	"time"
)

// CoordinateEpsilon is the threshold for considering coordinates as
// effectively zero. A coordinate pair is treated as "unknown" (sentinel
// value 0,0) if both latitude and longitude are within this epsilon of
// zero. 1e-7 degrees is roughly 1.1cm at the equator, well below the
// accuracy of any IP geolocation source.
const CoordinateEpsilon = 1e-7

// HasValidCoordinates reports whether the coordinates carry real location
// data. Uses epsilon comparison instead of direct float equality.
func HasValidCoordinates(lat, lon float64) bool {
	return math.Abs(lat) >= CoordinateEpsilon || math.Abs(lon) >= CoordinateEpsilon
}

// AnomalyType identifies the class of behavior a detector watches for.
// The set is open: detectors register with exactly one type but may tag
// sub-reasons inside anomaly details.
type AnomalyType string

const (
	// AnomalyTypeAccessTime flags access outside a user's historical
	// hour-of-day pattern.
	AnomalyTypeAccessTime AnomalyType = "access_time"

	// AnomalyTypeGeoLocation flags new countries and impossible travel.
	AnomalyTypeGeoLocation AnomalyType = "geographic_location"

	// AnomalyTypeRequestFrequency flags request bursts per user or source IP.
	AnomalyTypeRequestFrequency AnomalyType = "request_frequency"

	// AnomalyTypeAuthFailure flags brute-force and password-spray patterns.
	AnomalyTypeAuthFailure AnomalyType = "authentication_failure"
)

// ResponseAction is a recommended mitigation attached to an anomaly for an
// external responder to execute. The engine stores and surfaces actions but
// never executes them.
type ResponseAction string

const (
	ActionLogOnly       ResponseAction = "log_only"
	ActionNotifyAdmin   ResponseAction = "notify_admin"
	ActionRateLimit     ResponseAction = "rate_limit"
	ActionRequireMFA    ResponseAction = "require_mfa"
	ActionLockAccount   ResponseAction = "lock_account"
	ActionRevokeSession ResponseAction = "revoke_session"
	ActionBlockIP       ResponseAction = "block_ip"
)

// AnomalyStatus is the review state of a stored anomaly.
type AnomalyStatus string

const (
	StatusNew           AnomalyStatus = "new"
	StatusUnderReview   AnomalyStatus = "under_review"
	StatusResolved      AnomalyStatus = "resolved"
	StatusFalsePositive AnomalyStatus = "false_positive"
)

// ValidStatus reports whether s is one of the four defined review states.
func ValidStatus(s AnomalyStatus) bool {
	switch s {
	case StatusNew, StatusUnderReview, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// Anomaly is the record emitted by a detector. It is created exclusively at
// detection time; after storage the only permitted mutation path is the
// Engine's status update.
type Anomaly struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      AnomalyType `json:"anomaly_type"`
	Severity  Severity    `json:"severity"`
	SourceIP  string      `json:"source_ip,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Endpoint  string      `json:"api_endpoint,omitempty"`

	// Details carries detector-specific findings. Keys are serialized in
	// sorted order so identical findings marshal byte-identically.
	Details map[string]any `json:"details,omitempty"`

	// ResponseActions is ordered and grows monotonically richer with
	// severity.
	ResponseActions []ResponseAction `json:"response_actions"`

	// Review fields, mutated only through Engine.UpdateAnomalyStatus.
	Status         AnomalyStatus `json:"status"`
	ReviewComments string        `json:"review_comments,omitempty"`
	ReviewerID     string        `json:"reviewer_id,omitempty"`
}

// AccessEvent is the normalized input record consumed from the web layer.
// All fields except Timestamp are optional; a detector that cannot find the
// fields it needs returns no anomaly rather than an error.
type AccessEvent struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`

	// AuthSuccess is set only on authentication-relevant events.
	AuthSuccess *bool `json:"authentication_success,omitempty"`
}

// AuthFailed reports whether the event is a failed authentication attempt.
func (e *AccessEvent) AuthFailed() bool {
	return e.AuthSuccess != nil && !*e.AuthSuccess
}

// Location is the result of resolving an IP address to a geographic
// position.
type Location struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// LocationResolver resolves an IP address to a location. Implementations
// must not perform network I/O on the detection hot path; a nil result with
// a nil error means the IP is unknown.
type LocationResolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// Detector is implemented by every concrete anomaly detector.
type Detector interface {
	// Name returns the unique detector name, used for registry lookups and
	// model file naming.
	Name() string

	// Type returns the anomaly type this detector emits.
	Type() AnomalyType

	// Train rebuilds the detector's baseline from historical events.
	// It returns whether a baseline was established. Too little data is a
	// normal outcome (false, nil), not an error.
	Train(ctx context.Context, events []AccessEvent) (bool, error)

	// Detect evaluates one live event against the current profile state.
	// It may update profile state but must never block on I/O. A nil
	// anomaly with nil error means the event is unremarkable or missing a
	// required field.
	Detect(ctx context.Context, event *AccessEvent) (*Anomaly, error)

	// SaveModel persists the learned profile state under dir.
	SaveModel(ctx context.Context, dir string) error

	// LoadModel restores profile state previously written by SaveModel.
	LoadModel(ctx context.Context, dir string) error

	// Enabled reports whether the engine should dispatch events to this
	// detector.
	Enabled() bool

	// SetEnabled enables or disables the detector.
	SetEnabled(enabled bool)

	// BaselineEstablished reports whether the detector has a usable
	// baseline. Detectors that need no training report true unconditionally.
	BaselineEstablished() bool

	// LastTrainedAt returns the time of the last successful training run,
	// or the zero time if the detector was never trained.
	LastTrainedAt() time.Time
}

// AnomalyFilter selects stored anomalies for query operations.
type AnomalyFilter struct {
	Types      []AnomalyType `json:"types,omitempty"`
	Severities []Severity    `json:"severities,omitempty"`
	Status     AnomalyStatus `json:"status,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	From       *time.Time    `json:"from,omitempty"`
	To         *time.Time    `json:"to,omitempty"`
	Limit      int           `json:"limit,omitempty"`
}

// AnomalyStore persists anomalies for the Engine.
type AnomalyStore interface {
	// SaveAnomaly persists a newly detected anomaly.
	SaveAnomaly(ctx context.Context, a *Anomaly) error

	// GetAnomaly retrieves one anomaly by id, or nil if absent.
	GetAnomaly(ctx context.Context, id string) (*Anomaly, error)

	// ListAnomalies retrieves anomalies matching the filter, newest first.
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error)

	// UpdateStatus mutates the review fields of one anomaly.
	UpdateStatus(ctx context.Context, id string, status AnomalyStatus, comments, reviewerID string) error

	// DeleteOlderThan removes anomalies with a timestamp before cutoff and
	// returns the removed count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// TrainResult reports the outcome of a training dispatch for one detector.
type TrainResult struct {
	Trained             bool   `json:"success"`
	BaselineEstablished bool   `json:"baseline_established"`
	Err                 string `json:"error,omitempty"`
}
