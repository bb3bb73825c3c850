package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anvilworks/anvil/pkg/models"
)

// RecordSession inserts (or refreshes) a session row. Called when a
// request is accepted.
func (db *DB) RecordSession(summary models.SessionSummary) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, name, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status
	`, summary.ID, summary.Name, string(summary.Status), formatTime(summary.StartedAt))
	if err != nil {
		return fmt.Errorf("record session %s: %w", summary.ID, err)
	}
	return nil
}

// FinishSession records a session's terminal status and finish time.
func (db *DB) FinishSession(id string, status models.SessionStatus, finishedAt time.Time) error {
	result, err := db.Exec(`
		UPDATE sessions SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("finish session %s: not found", id)
	}
	return nil
}

// SnapshotContext stores the shared-context entries observed when the
// session finished. Values are stored as JSON; entries that cannot be
// marshaled fall back to their Go string form.
func (db *DB) SnapshotContext(sessionID string, entries []models.ContextEntry) error {
	now := formatTime(time.Now())
	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM context_snapshots WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("clear snapshot %s: %w", sessionID, err)
		}
		for _, e := range entries {
			value, err := json.Marshal(e.Value)
			if err != nil {
				value = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", e.Value)))
			}
			_, err = tx.Exec(`
				INSERT INTO context_snapshots (session_id, key, version, last_writer, value, taken_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, sessionID, e.Key, e.Version, e.LastWriter, string(value), now)
			if err != nil {
				return fmt.Errorf("snapshot %s key %s: %w", sessionID, e.Key, err)
			}
		}
		return nil
	})
}

// GetSession loads one session summary by ID.
func (db *DB) GetSession(id string) (*models.SessionSummary, error) {
	row := db.QueryRow(`
		SELECT id, name, status, started_at, finished_at FROM sessions WHERE id = ?
	`, id)
	summary, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return summary, nil
}

// ListSessions returns all recorded sessions, most recent first.
func (db *DB) ListSessions() ([]models.SessionSummary, error) {
	rows, err := db.Query(`
		SELECT id, name, status, started_at, finished_at
		FROM sessions ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionSummary
	for rows.Next() {
		summary, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *summary)
	}
	return sessions, rows.Err()
}

// SnapshotEntry is one persisted shared-context entry.
type SnapshotEntry struct {
	Key        string
	Version    uint64
	LastWriter string
	// Value is the JSON-encoded entry value.
	Value string
}

// GetContextSnapshot returns the persisted shared-context entries for a
// session, sorted by key.
func (db *DB) GetContextSnapshot(sessionID string) ([]SnapshotEntry, error) {
	rows, err := db.Query(`
		SELECT key, version, last_writer, value
		FROM context_snapshots WHERE session_id = ? ORDER BY key
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}
	defer rows.Close()

	var entries []SnapshotEntry
	for rows.Next() {
		var e SnapshotEntry
		if err := rows.Scan(&e.Key, &e.Version, &e.LastWriter, &e.Value); err != nil {
			return nil, fmt.Errorf("scan snapshot entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*models.SessionSummary, error) {
	var summary models.SessionSummary
	var status, startedAt string
	var finishedAt sql.NullString
	if err := s.Scan(&summary.ID, &summary.Name, &status, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	summary.Status = models.SessionStatus(status)
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	summary.StartedAt = t
	summary.FinishedAt = parseNullableTime(finishedAt)
	return &summary, nil
}
