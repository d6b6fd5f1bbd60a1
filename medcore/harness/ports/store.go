package harnessports

import (
	"context"
	"time"
)

// FastTier holds hot sessions with a per-key TTL.
type FastTier interface {
	Load(ctx context.Context, sessionID string) (*Session, error) // ErrSessionNotFound on miss
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Touch(ctx context.Context, sessionID string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// DurableTier is the source of truth for session context.
type DurableTier interface {
	LoadSession(ctx context.Context, sessionID string) (*Session, error) // ErrSessionNotFound on miss
	CreateSession(ctx context.Context, s *Session) error
	// AppendTurn is idempotent on Turn.ID; appended is false when the turn already existed.
	AppendTurn(ctx context.Context, sessionID string, turn Turn) (appended bool, err error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	DeleteSession(ctx context.Context, sessionID string) error
	// ExpireIdle deletes sessions last accessed before cutoff.
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}
