// Package store persists trainer accounts, session records, and closed-turn
// snapshots in Postgres. Live turn state stays in memory; only what must
// survive a restart or a reload lands here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

// ErrDuplicateEmail is returned when registering an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

const uniqueViolation = "23505"

// Trainer is a registered reviewer account.
type Trainer struct {
	ID           string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// CreateTrainer inserts a trainer account.
func (s *Store) CreateTrainer(ctx context.Context, email, passwordHash string, isAdmin bool) (Trainer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Trainer{}, fmt.Errorf("email required")
	}
	id := uuid.NewString()
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO trainers (id, email, password_hash, is_admin)
VALUES ($1,$2,$3,$4)
RETURNING created_at
`, id, email, passwordHash, isAdmin)

	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return Trainer{}, ErrDuplicateEmail
		}
		return Trainer{}, fmt.Errorf("insert trainer: %w", err)
	}
	return Trainer{ID: id, Email: email, PasswordHash: passwordHash, IsAdmin: isAdmin, CreatedAt: createdAt}, nil
}

// GetTrainerByEmail looks a trainer up for login.
func (s *Store) GetTrainerByEmail(ctx context.Context, email string) (Trainer, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, is_admin, created_at
FROM trainers
WHERE email=$1
`, email)
	var t Trainer
	if err := row.Scan(&t.ID, &t.Email, &t.PasswordHash, &t.IsAdmin, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trainer{}, false, nil
		}
		return Trainer{}, false, fmt.Errorf("get trainer: %w", err)
	}
	return t, true, nil
}

// GetTrainerByID resolves the authenticated principal.
func (s *Store) GetTrainerByID(ctx context.Context, id string) (Trainer, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, email, password_hash, is_admin, created_at
FROM trainers
WHERE id=$1
`, id)
	var t Trainer
	if err := row.Scan(&t.ID, &t.Email, &t.PasswordHash, &t.IsAdmin, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trainer{}, false, nil
		}
		return Trainer{}, false, fmt.Errorf("get trainer: %w", err)
	}
	return t, true, nil
}

// SessionRecord is the durable shell of a session. The live turn state is
// rebuilt from the execution service on restore; this row is what lets a
// reloaded client find its session again.
type SessionRecord struct {
	ID         string
	TrainerID  string
	NotebookID string
	Turn       int
	Criteria   json.RawMessage
	CreatedAt  time.Time
	LastSeen   time.Time
}

// CreateSession inserts the session shell.
func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) error {
	criteria := rec.Criteria
	if len(criteria) == 0 {
		criteria = json.RawMessage("[]")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, trainer_id, notebook_id, turn, criteria)
VALUES ($1,$2,$3,$4,$5)
`, rec.ID, rec.TrainerID, rec.NotebookID, rec.Turn, []byte(criteria))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session shell for restore.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, trainer_id, notebook_id, turn, criteria, created_at, last_seen
FROM sessions
WHERE id=$1
`, id)
	var rec SessionRecord
	var criteria []byte
	if err := row.Scan(&rec.ID, &rec.TrainerID, &rec.NotebookID, &rec.Turn, &criteria, &rec.CreatedAt, &rec.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, fmt.Errorf("get session: %w", err)
	}
	rec.Criteria = criteria
	return rec, true, nil
}

// TouchSession refreshes the activity timestamp for expiry bookkeeping.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET last_seen = NOW() WHERE id=$1
`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SetSessionTurn persists the turn number after an advance.
func (s *Store) SetSessionTurn(ctx context.Context, id string, turn int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET turn=$2, last_seen = NOW() WHERE id=$1
`, id, turn)
	if err != nil {
		return fmt.Errorf("set session turn: %w", err)
	}
	return nil
}

// DeleteSession removes a session shell and, via cascade, its snapshots.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListExpiredSessions returns ids idle since before the cutoff.
func (s *Store) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id FROM sessions WHERE last_seen < $1
`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TurnSnapshot is the immutable archive of one closed turn.
type TurnSnapshot struct {
	SessionID string
	Turn      int
	Config    json.RawMessage
	Results   json.RawMessage
	Reviews   json.RawMessage
	ClosedAt  time.Time
}

// SaveTurnSnapshot archives a closed turn. Re-saving the same turn overwrites,
// which only happens when a retried advance replays the same close.
func (s *Store) SaveTurnSnapshot(ctx context.Context, snap TurnSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO turn_snapshots (session_id, turn, config, results, reviews, closed_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (session_id, turn) DO UPDATE SET
  config = EXCLUDED.config,
  results = EXCLUDED.results,
  reviews = EXCLUDED.reviews,
  closed_at = EXCLUDED.closed_at
`, snap.SessionID, snap.Turn, []byte(snap.Config), []byte(snap.Results), []byte(snap.Reviews), snap.ClosedAt)
	if err != nil {
		return fmt.Errorf("save turn snapshot: %w", err)
	}
	return nil
}

// ListTurnSnapshots returns a session's closed turns in order.
func (s *Store) ListTurnSnapshots(ctx context.Context, sessionID string) ([]TurnSnapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, turn, config, results, reviews, closed_at
FROM turn_snapshots
WHERE session_id=$1
ORDER BY turn ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turn snapshots: %w", err)
	}
	defer rows.Close()
	var snaps []TurnSnapshot
	for rows.Next() {
		var snap TurnSnapshot
		var cfg, results, reviews []byte
		if err := rows.Scan(&snap.SessionID, &snap.Turn, &cfg, &results, &reviews, &snap.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan turn snapshot: %w", err)
		}
		snap.Config = cfg
		snap.Results = results
		snap.Reviews = reviews
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// RecordExport logs an export for audit. Exports are rare enough that a plain
// append table is sufficient.
func (s *Store) RecordExport(ctx context.Context, sessionID string, turn int, includeReasoning bool, sizeBytes int64) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO exports (session_id, turn, include_reasoning, size_bytes)
VALUES ($1,$2,$3,$4)
`, sessionID, turn, includeReasoning, sizeBytes)
	if err != nil {
		return fmt.Errorf("record export: %w", err)
	}
	return nil
}
