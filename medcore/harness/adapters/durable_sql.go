package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/jmoiron/sqlx"
)

// SQLDurableTier persists sessions in the tables created by medcore/db
// migrations. It works against libsql and Postgres; queries are written with
// '?' placeholders and rebound for the driver. Timestamps are unix millis.
type SQLDurableTier struct {
	db *sqlx.DB
}

// NewSQLDurableTier wraps an open, migrated database.
func NewSQLDurableTier(db *sqlx.DB) *SQLDurableTier {
	return &SQLDurableTier{db: db}
}

type sessionRow struct {
	SessionID      string `db:"session_id"`
	SubjectID      string `db:"subject_id"`
	CreatedAt      int64  `db:"created_at"`
	LastAccessedAt int64  `db:"last_accessed_at"`
}

type turnRow struct {
	TurnData string `db:"turn_data"`
}

func (s *SQLDurableTier) LoadSession(ctx context.Context, sessionID string) (*ports.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT session_id, subject_id, created_at, last_accessed_at FROM sessions WHERE session_id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ports.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var rows []turnRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT turn_data FROM session_turns WHERE session_id = ? ORDER BY seq ASC`), sessionID); err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}

	sess := &ports.Session{
		ID:             row.SessionID,
		SubjectID:      row.SubjectID,
		CreatedAt:      time.UnixMilli(row.CreatedAt).UTC(),
		LastAccessedAt: time.UnixMilli(row.LastAccessedAt).UTC(),
		Turns:          make([]ports.Turn, 0, len(rows)),
	}
	for _, r := range rows {
		var t ports.Turn
		if err := json.Unmarshal([]byte(r.TurnData), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}
		sess.Turns = append(sess.Turns, t)
	}
	return sess, nil
}

// CreateSession inserts the session row; an existing row is left untouched.
func (s *SQLDurableTier) CreateSession(ctx context.Context, sess *ports.Session) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO sessions (session_id, subject_id, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO NOTHING`),
		sess.ID, sess.SubjectID, sess.CreatedAt.UnixMilli(), sess.LastAccessedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLDurableTier) AppendTurn(ctx context.Context, sessionID string, turn ports.Turn) (bool, error) {
	data, err := json.Marshal(turn)
	if err != nil {
		return false, fmt.Errorf("failed to marshal turn: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at := turn.Timestamp.UnixMilli()
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE sessions SET last_accessed_at = ? WHERE session_id = ?`), at, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to bump session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ports.ErrSessionNotFound
	}

	res, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO session_turns (turn_id, session_id, seq, turn_data, created_at)
		 SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, CAST(? AS BIGINT)
		 FROM session_turns WHERE session_id = ?
		 ON CONFLICT (session_id, turn_id) DO NOTHING`),
		turn.ID, sessionID, string(data), at, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to append turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit turn: %w", err)
	}
	return n > 0, nil
}

func (s *SQLDurableTier) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET last_accessed_at = ? WHERE session_id = ?`), at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrSessionNotFound
	}
	return nil
}

func (s *SQLDurableTier) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM session_turns WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLDurableTier) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM session_turns WHERE session_id IN
		 (SELECT session_id FROM sessions WHERE last_accessed_at < ?)`), c); err != nil {
		return 0, fmt.Errorf("failed to expire turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE last_accessed_at < ?`), c)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry: %w", err)
	}
	return int(n), nil
}

var _ ports.DurableTier = (*SQLDurableTier)(nil)
