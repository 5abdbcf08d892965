// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrAnomalyNotFound indicates a status update against an unknown id.
var ErrAnomalyNotFound = errors.New("anomaly not found")

// DuckDBStore implements AnomalyStore on a DuckDB database.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore wraps an open DuckDB handle. The caller owns the handle's
// lifecycle except that Close closes it.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// InitSchema creates the anomaly table and indexes if they don't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			ts TIMESTAMP NOT NULL,
			anomaly_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			source_ip TEXT,
			user_id TEXT,
			api_endpoint TEXT,
			details JSON,
			response_actions JSON,
			status TEXT NOT NULL DEFAULT 'new',
			review_comments TEXT,
			reviewer_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_ts ON anomalies(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_type ON anomalies(anomaly_type)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_user ON anomalies(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("anomaly schema: %w", err)
		}
	}
	return nil
}

// SaveAnomaly persists a newly detected anomaly.
func (s *DuckDBStore) SaveAnomaly(ctx context.Context, a *Anomaly) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	actions, err := json.Marshal(a.ResponseActions)
	if err != nil {
		return fmt.Errorf("marshal response actions: %w", err)
	}

	query := `INSERT INTO anomalies
		(id, ts, anomaly_type, severity, source_ip, user_id, api_endpoint, details, response_actions, status, review_comments, reviewer_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.Timestamp,
		string(a.Type),
		string(a.Severity),
		a.SourceIP,
		a.UserID,
		a.Endpoint,
		details,
		actions,
		string(a.Status),
		a.ReviewComments,
		a.ReviewerID,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

const anomalySelectColumns = `id, ts, anomaly_type, severity, source_ip, user_id, api_endpoint,
	details, response_actions, status, review_comments, reviewer_id`

// scanAnomalyRow scans one row with nullable-field handling. DuckDB hands
// JSON columns back as generic values, so details and actions take a
// re-marshal round trip.
func scanAnomalyRow(scanner interface{ Scan(dest ...any) error }, a *Anomaly) error {
	var sourceIP, userID, endpoint, comments, reviewer sql.NullString
	var details, actions any

	if err := scanner.Scan(
		&a.ID,
		&a.Timestamp,
		(*string)(&a.Type),
		(*string)(&a.Severity),
		&sourceIP,
		&userID,
		&endpoint,
		&details,
		&actions,
		(*string)(&a.Status),
		&comments,
		&reviewer,
	); err != nil {
		return err
	}

	a.SourceIP = sourceIP.String
	a.UserID = userID.String
	a.Endpoint = endpoint.String
	a.ReviewComments = comments.String
	a.ReviewerID = reviewer.String

	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			_ = json.Unmarshal(raw, &a.Details)
		}
	}
	if actions != nil {
		if raw, err := json.Marshal(actions); err == nil {
			_ = json.Unmarshal(raw, &a.ResponseActions)
		}
	}
	return nil
}

// GetAnomaly retrieves one anomaly by id, or nil if absent.
func (s *DuckDBStore) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	query := fmt.Sprintf(`SELECT %s FROM anomalies WHERE id = ?`, anomalySelectColumns)

	a := &Anomaly{}
	err := scanAnomalyRow(s.db.QueryRowContext(ctx, query, id), a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly: %w", err)
	}
	return a, nil
}

// ListAnomalies retrieves anomalies matching the filter, newest first.
// All user values are bound through parameter placeholders.
func (s *DuckDBStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error) {
	query := fmt.Sprintf(`SELECT %s FROM anomalies WHERE 1=1`, anomalySelectColumns)
	args := make([]any, 0)

	if len(filter.Types) > 0 {
		query += fmt.Sprintf(" AND anomaly_type IN (%s)", placeholders(len(filter.Types)))
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.Severities) > 0 {
		query += fmt.Sprintf(" AND severity IN (%s)", placeholders(len(filter.Severities)))
		for _, sev := range filter.Severities {
			args = append(args, string(sev))
		}
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.From != nil {
		query += " AND ts >= ?"
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += " AND ts <= ?"
		args = append(args, *filter.To)
	}

	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		if err := scanAnomalyRow(rows, &a); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// placeholders builds a comma-separated list of n parameter markers.
func placeholders(n int) string {
	p := "?"
	for i := 1; i < n; i++ {
		p += ", ?"
	}
	return p
}

// UpdateStatus mutates the review fields of one anomaly.
func (s *DuckDBStore) UpdateStatus(ctx context.Context, id string, status AnomalyStatus, comments, reviewerID string) error {
	query := `UPDATE anomalies SET status = ?, review_comments = ?, reviewer_id = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, string(status), comments, reviewerID, id)
	if err != nil {
		return fmt.Errorf("update anomaly status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAnomalyNotFound, id)
	}
	return nil
}

// DeleteOlderThan removes anomalies older than cutoff and returns the
// removed count.
func (s *DuckDBStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM anomalies WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old anomalies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database handle.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

var _ AnomalyStore = (*DuckDBStore)(nil)
