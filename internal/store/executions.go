package store

import (
	"database/sql"
	"fmt"
	"time"
)

// maxPerSession bounds the retained history per session, mirroring
// internal/supervisor's own in-memory cap so the two stay consistent.
const maxPerSession = 50

// ExecutionRecord is one archived execution row.
type ExecutionRecord struct {
	ID        string
	SessionID string
	Command   string
	State     string
	ExitCode  int
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// RecordExecution inserts or updates one execution's row (Run inserts
// it pending; finish() updates it in place) and trims the session's
// history back to maxPerSession.
func (s *Store) RecordExecution(r ExecutionRecord) error {
	var endedAt *string
	if r.EndedAt != nil {
		formatted := r.EndedAt.UTC().Format(timeFmt)
		endedAt = &formatted
	}
	_, err := s.db.Exec(`INSERT INTO executions (id, session_id, command, state, exit_code, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state=excluded.state, exit_code=excluded.exit_code,
			error=excluded.error, ended_at=excluded.ended_at`,
		r.ID, r.SessionID, r.Command, r.State, r.ExitCode, nullableString(r.Error), r.StartedAt.UTC().Format(timeFmt), endedAt)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return s.trim(r.SessionID)
}

func (s *Store) trim(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM executions WHERE session_id = ? AND id NOT IN (
		SELECT id FROM executions WHERE session_id = ? ORDER BY started_at DESC LIMIT ?)`,
		sessionID, sessionID, maxPerSession)
	if err != nil {
		return fmt.Errorf("trim execution history: %w", err)
	}
	return nil
}

// ListExecutions returns sessionID's archived executions, most recent
// first, bounded by limit (0 means no additional bound beyond
// maxPerSession).
func (s *Store) ListExecutions(sessionID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 || limit > maxPerSession {
		limit = maxPerSession
	}
	rows, err := s.db.Query(`SELECT id, session_id, command, state, exit_code, error, started_at, ended_at
		FROM executions WHERE session_id = ? ORDER BY started_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var r ExecutionRecord
		var errStr sql.NullString
		var startedAt string
		var endedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Command, &r.State, &r.ExitCode, &errStr, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		r.Error = errStr.String
		r.StartedAt, err = time.Parse(timeFmt, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if endedAt.Valid {
			t, err := time.Parse(timeFmt, endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse ended_at: %w", err)
			}
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveSession drops every archived execution for sessionID, called
// on session teardown or Host-ID-rotation cascade.
func (s *Store) RemoveSession(sessionID string) error {
	if _, err := s.db.Exec("DELETE FROM executions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("remove session executions: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
