// Package memory implements the two-tier session memory store: a fast tier
// for active sessions in front of a durable source of truth.
package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes a Store.
type Options struct {
	IdleTTL     time.Duration
	LockStripes int
	Now         func() time.Time
}

// Store is safe for concurrent use by multiple turns. Appends to the same
// session are serialized through a striped lock.
type Store struct {
	fast    ports.FastTier
	durable ports.DurableTier
	idleTTL time.Duration
	now     func() time.Time
	stripes []sync.Mutex
	logger  zerolog.Logger
}

// NewStore builds a store over the given tiers.
func NewStore(fast ports.FastTier, durable ports.DurableTier, opts Options, logger zerolog.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = 64
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	return &Store{
		fast:    fast,
		durable: durable,
		idleTTL: opts.IdleTTL,
		now:     opts.Now,
		stripes: make([]sync.Mutex, opts.LockStripes),
		logger:  logger.With().Str("component", "session_store").Logger(),
	}
}

// IdleTTL is the inactivity window after which a session expires.
func (s *Store) IdleTTL() time.Duration { return s.idleTTL }

func (s *Store) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	m := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	m.Lock()
	return m.Unlock
}

func unavailable(sessionID, turnID string, err error) error {
	return &ports.OrchestrationError{
		Kind:      ports.SessionStoreUnavailable,
		SessionID: sessionID,
		TurnID:    turnID,
		Err:       err,
	}
}

// GetContext returns the session, reading the durable tier on a fast-tier
// miss. Sessions idle longer than the TTL are reported as not found.
func (s *Store) GetContext(ctx context.Context, sessionID string) (*ports.Session, error) {
	sess, err := s.fast.Load(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ports.ErrSessionNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("fast tier load failed; reading durable tier")
	}
	return s.loadDurable(ctx, sessionID)
}

func (s *Store) loadDurable(ctx context.Context, sessionID string) (*ports.Session, error) {
	sess, err := s.durable.LoadSession(ctx, sessionID)
	if errors.Is(err, ports.ErrSessionNotFound) {
		return nil, ports.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(sessionID, "", err)
	}

	idle := s.now().Sub(sess.LastAccessedAt)
	if idle > s.idleTTL {
		return nil, ports.ErrSessionNotFound
	}
	s.warm(ctx, sess, s.idleTTL-idle)
	return sess, nil
}

// warm writes sess to the fast tier, invalidating the entry on failure.
func (s *Store) warm(ctx context.Context, sess *ports.Session, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := s.fast.Save(ctx, sess, ttl); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("fast tier save failed; invalidating")
		s.invalidate(ctx, sess.ID)
	}
}

func (s *Store) invalidate(ctx context.Context, sessionID string) {
	if err := s.fast.Delete(ctx, sessionID); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("fast tier invalidate failed")
	}
}

// Open returns the live session for sessionID or starts a new one. An empty
// sessionID allocates a fresh id.
func (s *Store) Open(ctx context.Context, sessionID, subjectID string) (*ports.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else {
		sess, err := s.GetContext(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ports.ErrSessionNotFound) {
			return nil, err
		}
	}

	unlock := s.lock(sessionID)
	defer unlock()

	// a concurrent Open may have created the session since the unlocked read
	existing, err := s.durable.LoadSession(ctx, sessionID)
	switch {
	case err == nil:
		idle := s.now().Sub(existing.LastAccessedAt)
		if idle <= s.idleTTL {
			s.warm(ctx, existing, s.idleTTL-idle)
			return existing, nil
		}
		// idle-expired row still waiting for the sweeper
		if err := s.durable.DeleteSession(ctx, sessionID); err != nil {
			return nil, unavailable(sessionID, "", err)
		}
	case !errors.Is(err, ports.ErrSessionNotFound):
		return nil, unavailable(sessionID, "", err)
	}

	now := s.now()
	sess := &ports.Session{ID: sessionID, SubjectID: subjectID, CreatedAt: now, LastAccessedAt: now}
	if err := s.durable.CreateSession(ctx, sess); err != nil {
		return nil, unavailable(sessionID, "", err)
	}
	s.warm(ctx, sess, s.idleTTL)
	s.logger.Debug().Str("session_id", sessionID).Msg("session opened")
	return sess.Clone(), nil
}

// AppendTurn writes turn through both tiers. A durable failure fails the
// call; a fast-tier failure only invalidates the cached copy. Appending a
// turn id that is already stored is a no-op.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn ports.Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}

	unlock := s.lock(sessionID)
	defer unlock()

	appended, err := s.durable.AppendTurn(ctx, sessionID, turn)
	if errors.Is(err, ports.ErrSessionNotFound) {
		return ports.ErrSessionNotFound
	}
	if err != nil {
		return unavailable(sessionID, turn.ID, err)
	}

	// the cached copy is only extended with a turn the durable tier took;
	// otherwise it is rebuilt from what the durable tier actually holds
	var sess *ports.Session
	if appended {
		if cached, err := s.fast.Load(ctx, sessionID); err == nil {
			sess = cached
			if !sess.HasTurn(turn.ID) {
				sess.Turns = append(sess.Turns, turn)
			}
		}
	} else {
		s.logger.Debug().Str("session_id", sessionID).Str("turn_id", turn.ID).Msg("turn already stored")
	}
	if sess == nil {
		sess, err = s.durable.LoadSession(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("reload after append failed; invalidating fast tier")
			s.invalidate(ctx, sessionID)
			return nil
		}
	}
	if turn.Timestamp.After(sess.LastAccessedAt) {
		sess.LastAccessedAt = turn.Timestamp
	}
	s.warm(ctx, sess, s.idleTTL)
	return nil
}

// Touch marks the session as active now, extending the fast-tier TTL and the
// durable last-access time without rewriting content.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	now := s.now()

	fastErr := s.fast.Touch(ctx, sessionID, s.idleTTL)
	if fastErr == nil {
		if err := s.durable.TouchSession(ctx, sessionID, now); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("durable touch failed")
		}
		return nil
	}
	if !errors.Is(fastErr, ports.ErrSessionNotFound) {
		s.logger.Warn().Err(fastErr).Str("session_id", sessionID).Msg("fast tier touch failed")
	}

	sess, err := s.loadDurable(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.durable.TouchSession(ctx, sessionID, now); err != nil {
		if errors.Is(err, ports.ErrSessionNotFound) {
			return ports.ErrSessionNotFound
		}
		return unavailable(sessionID, "", err)
	}
	sess.LastAccessedAt = now
	s.warm(ctx, sess, s.idleTTL)
	return nil
}

// Close removes the session from both tiers.
func (s *Store) Close(ctx context.Context, sessionID string) error {
	unlock := s.lock(sessionID)
	defer unlock()

	s.invalidate(ctx, sessionID)
	if err := s.durable.DeleteSession(ctx, sessionID); err != nil {
		return unavailable(sessionID, "", err)
	}
	return nil
}

// ExpireIdle deletes durable sessions idle longer than the TTL.
func (s *Store) ExpireIdle(ctx context.Context) (int, error) {
	n, err := s.durable.ExpireIdle(ctx, s.now().Add(-s.idleTTL))
	if err != nil {
		return 0, unavailable("", "", err)
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expired idle sessions")
	}
	return n, nil
}
