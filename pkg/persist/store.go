// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist stores threats, security events, and lockouts in SQLite so
// a restart does not forget active threats, the recent audit trail, or which
// principals are still locked out. The store is an
// optional port: the governor runs fully in memory when no database path is
// configured.
package persist

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/types"
)

// eventRetention bounds the persisted audit trail.
const eventRetention = 10000

const schema = `
CREATE TABLE IF NOT EXISTS threats (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	status      TEXT NOT NULL,
	source      TEXT,
	principal   TEXT,
	description TEXT,
	detected_at TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	context     TEXT
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	timestamp   TIMESTAMP NOT NULL,
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	principal   TEXT,
	description TEXT,
	details     TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);

CREATE TABLE IF NOT EXISTS lockouts (
	principal    TEXT PRIMARY KEY,
	locked_until TIMESTAMP NOT NULL,
	failures     TEXT
);
`

// Store is the SQLite-backed persistence port.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, govErrors.NewPersistError("persist", "OPEN_FAILED", "open "+path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, govErrors.NewPersistError("persist", "SCHEMA_FAILED", "create schema", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveThreat inserts or updates a threat.
func (s *Store) SaveThreat(t types.Threat) error {
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return govErrors.NewPersistError("persist", "MARSHAL_FAILED", "marshal threat context", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO threats (id, type, severity, confidence, status, source, principal, description, detected_at, updated_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			confidence = excluded.confidence,
			status = excluded.status,
			description = excluded.description,
			updated_at = excluded.updated_at,
			context = excluded.context`,
		t.ID, string(t.Type), string(t.Severity), t.Confidence, string(t.Status),
		t.Source, t.Principal, t.Description, t.DetectedAt, t.UpdatedAt, string(ctxJSON))
	if err != nil {
		return govErrors.NewPersistError("persist", "WRITE_FAILED", "save threat "+t.ID, err)
	}
	return nil
}

// DeleteThreat removes a threat, called when it resolves.
func (s *Store) DeleteThreat(id string) error {
	if _, err := s.db.Exec(`DELETE FROM threats WHERE id = ?`, id); err != nil {
		return govErrors.NewPersistError("persist", "DELETE_FAILED", "delete threat "+id, err)
	}
	return nil
}

// LoadActiveThreats returns all persisted unresolved threats, used to rebuild
// the registry on startup.
func (s *Store) LoadActiveThreats() ([]types.Threat, error) {
	rows, err := s.db.Query(`
		SELECT id, type, severity, confidence, status, source, principal, description, detected_at, updated_at, context
		FROM threats
		WHERE status NOT IN ('resolved', 'false_positive')
		ORDER BY detected_at`)
	if err != nil {
		return nil, govErrors.NewPersistError("persist", "READ_FAILED", "load threats", err)
	}
	defer rows.Close()

	var out []types.Threat
	for rows.Next() {
		var t types.Threat
		var typ, sev, status, ctxJSON string
		if err := rows.Scan(&t.ID, &typ, &sev, &t.Confidence, &status,
			&t.Source, &t.Principal, &t.Description, &t.DetectedAt, &t.UpdatedAt, &ctxJSON); err != nil {
			return nil, govErrors.NewPersistError("persist", "SCAN_FAILED", "scan threat row", err)
		}
		t.Type = types.ThreatType(typ)
		t.Severity = types.Severity(sev)
		t.Status = types.ThreatStatus(status)
		if ctxJSON != "" {
			_ = json.Unmarshal([]byte(ctxJSON), &t.Context)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveLockout records an active lockout so it survives a restart.
func (s *Store) SaveLockout(rec types.LockoutRecord) error {
	failuresJSON, err := json.Marshal(rec.Failures)
	if err != nil {
		return govErrors.NewPersistError("persist", "MARSHAL_FAILED", "marshal lockout failures", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO lockouts (principal, locked_until, failures)
		VALUES (?, ?, ?)
		ON CONFLICT(principal) DO UPDATE SET
			locked_until = excluded.locked_until,
			failures = excluded.failures`,
		rec.PrincipalID, rec.LockedUntil, string(failuresJSON))
	if err != nil {
		return govErrors.NewPersistError("persist", "WRITE_FAILED", "save lockout "+rec.PrincipalID, err)
	}
	return nil
}

// DeleteLockout removes a persisted lockout, called on unlock or a successful
// authentication.
func (s *Store) DeleteLockout(principalID string) error {
	if _, err := s.db.Exec(`DELETE FROM lockouts WHERE principal = ?`, principalID); err != nil {
		return govErrors.NewPersistError("persist", "DELETE_FAILED", "delete lockout "+principalID, err)
	}
	return nil
}

// LoadLockouts returns lockouts still in force at the given time, used to
// rebuild the tracker on startup. Expired rows are dropped.
func (s *Store) LoadLockouts(now time.Time) ([]types.LockoutRecord, error) {
	if _, err := s.db.Exec(`DELETE FROM lockouts WHERE locked_until < ?`, now); err != nil {
		return nil, govErrors.NewPersistError("persist", "DELETE_FAILED", "prune expired lockouts", err)
	}
	rows, err := s.db.Query(`SELECT principal, locked_until, failures FROM lockouts`)
	if err != nil {
		return nil, govErrors.NewPersistError("persist", "READ_FAILED", "load lockouts", err)
	}
	defer rows.Close()

	var out []types.LockoutRecord
	for rows.Next() {
		var rec types.LockoutRecord
		var failuresJSON string
		if err := rows.Scan(&rec.PrincipalID, &rec.LockedUntil, &failuresJSON); err != nil {
			return nil, govErrors.NewPersistError("persist", "SCAN_FAILED", "scan lockout row", err)
		}
		if failuresJSON != "" {
			_ = json.Unmarshal([]byte(failuresJSON), &rec.Failures)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent persists a security event. It implements audit.Sink: delivery
// is best effort, failures are logged and swallowed.
func (s *Store) AppendEvent(ev types.SecurityEvent) {
	detailsJSON, err := json.Marshal(ev.Details)
	if err != nil {
		detailsJSON = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO events (id, timestamp, type, severity, principal, description, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp, string(ev.Type), string(ev.Severity),
		ev.PrincipalID, ev.Description, string(detailsJSON))
	if err != nil {
		logger.Warn("failed to persist security event", logger.Fields{
			Component: "persist",
			EventType: string(ev.Type),
			Error:     err,
		})
		return
	}
	s.pruneEvents()
}

// pruneEvents drops the oldest events beyond the retention bound.
func (s *Store) pruneEvents() {
	_, err := s.db.Exec(`
		DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY timestamp DESC LIMIT -1 OFFSET ?
		)`, eventRetention)
	if err != nil {
		logger.Warn("failed to prune persisted events", logger.Fields{
			Component: "persist",
			Error:     err,
		})
	}
}

// Events returns the most recent persisted events, newest last.
func (s *Store) Events(since time.Time, limit int) ([]types.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, type, severity, principal, description, details
		FROM (
			SELECT * FROM events WHERE timestamp >= ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp`,
		since, limit)
	if err != nil {
		return nil, govErrors.NewPersistError("persist", "READ_FAILED", "load events", err)
	}
	defer rows.Close()

	var out []types.SecurityEvent
	for rows.Next() {
		var ev types.SecurityEvent
		var typ, sev, detailsJSON string
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &sev,
			&ev.PrincipalID, &ev.Description, &detailsJSON); err != nil {
			return nil, govErrors.NewPersistError("persist", "SCAN_FAILED", "scan event row", err)
		}
		ev.Type = types.EventType(typ)
		ev.Severity = types.Severity(sev)
		if detailsJSON != "" {
			_ = json.Unmarshal([]byte(detailsJSON), &ev.Details)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
