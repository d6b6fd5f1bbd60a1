package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Galdaer/portfolio-sub000/medcore/config"
	"github.com/Galdaer/portfolio-sub000/medcore/db"
	"github.com/Galdaer/portfolio-sub000/medcore/harness/adapters"
	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = epoch.Add(offset)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// stubDurable is an in-memory DurableTier with failure injection.
type stubDurable struct {
	mu       sync.Mutex
	sessions map[string]*ports.Session
	fail     error
	appends  int
}

func newStubDurable() *stubDurable {
	return &stubDurable{sessions: make(map[string]*ports.Session)}
}

func (d *stubDurable) LoadSession(ctx context.Context, id string) (*ports.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	s, ok := d.sessions[id]
	if !ok {
		return nil, ports.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (d *stubDurable) CreateSession(ctx context.Context, s *ports.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	if _, ok := d.sessions[s.ID]; !ok {
		d.sessions[s.ID] = s.Clone()
	}
	return nil
}

func (d *stubDurable) AppendTurn(ctx context.Context, id string, t ports.Turn) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return false, d.fail
	}
	s, ok := d.sessions[id]
	if !ok {
		return false, ports.ErrSessionNotFound
	}
	s.LastAccessedAt = t.Timestamp
	if s.HasTurn(t.ID) {
		return false, nil
	}
	d.appends++
	s.Turns = append(s.Turns, t)
	return true, nil
}

func (d *stubDurable) TouchSession(ctx context.Context, id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	s, ok := d.sessions[id]
	if !ok {
		return ports.ErrSessionNotFound
	}
	s.LastAccessedAt = at
	return nil
}

func (d *stubDurable) DeleteSession(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	delete(d.sessions, id)
	return nil
}

func (d *stubDurable) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, s := range d.sessions {
		if s.LastAccessedAt.Before(cutoff) {
			delete(d.sessions, id)
			n++
		}
	}
	return n, nil
}

// brokenFast fails every call.
type brokenFast struct{}

var errFastDown = errors.New("fast tier down")

func (brokenFast) Load(context.Context, string) (*ports.Session, error) { return nil, errFastDown }
func (brokenFast) Save(context.Context, *ports.Session, time.Duration) error {
	return errFastDown
}
func (brokenFast) Touch(context.Context, string, time.Duration) error { return errFastDown }
func (brokenFast) Delete(context.Context, string) error               { return errFastDown }

func newTestStore(fast ports.FastTier, durable ports.DurableTier, clock *fakeClock) *Store {
	return NewStore(fast, durable, Options{IdleTTL: time.Hour, Now: clock.Now}, zerolog.Nop())
}

func TestTouchExtendsIdleWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), newStubDurable(), clock)

	_, err := s.Open(ctx, "s1", "p-1")
	require.NoError(t, err)

	clock.Set(3000 * time.Second)
	require.NoError(t, s.Touch(ctx, "s1"))

	clock.Set(6000 * time.Second)
	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.SubjectID)

	clock.Set(7200 * time.Second)
	_, err = s.GetContext(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrSessionNotFound)
	assert.ErrorIs(t, s.Touch(ctx, "s1"), ports.ErrSessionNotFound)
}

func TestTouchExtendsIdleWindowWithoutFastTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	s := newTestStore(brokenFast{}, newStubDurable(), clock)

	_, err := s.Open(ctx, "s1", "p-1")
	require.NoError(t, err)

	clock.Set(3000 * time.Second)
	require.NoError(t, s.Touch(ctx, "s1"))

	clock.Set(6000 * time.Second)
	_, err = s.GetContext(ctx, "s1")
	require.NoError(t, err)

	clock.Set(7200 * time.Second)
	_, err = s.GetContext(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrSessionNotFound)
}

func TestAppendTurnIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := newStubDurable()
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)

	turn := ports.Turn{ID: "t1", Input: ports.Query{Text: "q"}}
	require.NoError(t, s.AppendTurn(ctx, "s1", turn))
	require.NoError(t, s.AppendTurn(ctx, "s1", turn))

	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Turns, 1)
	assert.Equal(t, 1, durable.appends)
}

func TestAppendTurnFailsWhenDurableTierFails(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := newStubDurable()
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)

	durable.fail = errors.New("disk full")
	err = s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"})
	require.ErrorIs(t, err, ports.ErrSessionStoreUnavailable)

	var oe *ports.OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "t1", oe.TurnID)
	assert.True(t, oe.Retryable())

	// the fast tier never saw the failed write
	durable.fail = nil
	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Turns)
}

func TestAppendTurnSucceedsWhenFastTierFails(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := newStubDurable()
	s := newTestStore(brokenFast{}, durable, clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))

	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "t1", got.Turns[0].ID)
}

func TestAppendTurnToUnknownSession(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), newStubDurable(), clock)
	err := s.AppendTurn(context.Background(), "ghost", ports.Turn{ID: "t1"})
	assert.ErrorIs(t, err, ports.ErrSessionNotFound)
}

func TestConcurrentAppendsKeepEveryTurn(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), newStubDurable(), clock)
	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: id}))
			// retry of the same write
			assert.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: id}))
		}(i)
	}
	wg.Wait()

	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Turns, 20)
}

func TestOpenReplacesExpiredSession(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), newStubDurable(), clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))

	clock.Set(2 * time.Hour)
	sess, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)
	assert.Empty(t, sess.Turns)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
}

// gatedDurable parks the first LoadSession after it has read its result,
// so a second caller can run to completion in between.
type gatedDurable struct {
	*stubDurable
	gated   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (d *gatedDurable) LoadSession(ctx context.Context, id string) (*ports.Session, error) {
	sess, err := d.stubDurable.LoadSession(ctx, id)
	if d.gated.CompareAndSwap(false, true) {
		close(d.parked)
		<-d.release
	}
	return sess, err
}

func TestOpenRacingOpenKeepsAcknowledgedTurn(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := &gatedDurable{stubDurable: newStubDurable(), parked: make(chan struct{}), release: make(chan struct{})}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	type result struct {
		sess *ports.Session
		err  error
	}
	late := make(chan result, 1)
	go func() {
		sess, err := s.Open(ctx, "s1", "p-1")
		late <- result{sess, err}
	}()
	<-durable.parked

	_, err := s.Open(ctx, "s1", "p-1")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))

	close(durable.release)
	r := <-late
	require.NoError(t, r.err)
	require.Len(t, r.sess.Turns, 1)
	assert.Equal(t, "t1", r.sess.Turns[0].ID)

	got, err := durable.stubDurable.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Turns, 1)
}

func TestConcurrentOpenCreatesOneSession(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := newStubDurable()
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t0"}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Open(ctx, "s1", "")
			assert.NoError(t, err)
			assert.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: string(rune('a' + i))}))
		}(i)
	}
	wg.Wait()

	got, err := durable.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Turns, 17)
}

// refusingDurable reports every append as already stored without storing it.
type refusingDurable struct {
	*stubDurable
}

func (d refusingDurable) AppendTurn(ctx context.Context, id string, t ports.Turn) (bool, error) {
	if _, err := d.stubDurable.LoadSession(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func TestAppendTurnNotStoredDurablyStaysOutOfFastTier(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := refusingDurable{newStubDurable()}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err := s.Open(ctx, "s1", "")
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))

	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Turns)
}

func TestOpenAllocatesID(t *testing.T) {
	clock := &fakeClock{now: epoch}
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), newStubDurable(), clock)
	sess, err := s.Open(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestCloseAndExpireIdle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: epoch}
	durable := newStubDurable()
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err := s.Open(ctx, "a", "")
	require.NoError(t, err)
	_, err = s.Open(ctx, "b", "")
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx, "a"))
	_, err = s.GetContext(ctx, "a")
	assert.ErrorIs(t, err, ports.ErrSessionNotFound)

	clock.Set(2 * time.Hour)
	n, err := s.ExpireIdle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreOverLibSQL(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, config.DatabaseConfig{
		Type:        db.DialectLibSQL,
		DSN:         filepath.Join(t.TempDir(), "sessions.db"),
		AutoMigrate: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	clock := &fakeClock{now: epoch}
	durable := adapters.NewSQLDurableTier(conn)
	s := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)

	_, err = s.Open(ctx, "s1", "p-9")
	require.NoError(t, err)
	clock.Set(time.Minute)
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))
	require.NoError(t, s.AppendTurn(ctx, "s1", ports.Turn{ID: "t1"}))

	// a restarted process only has the durable tier
	fresh := newTestStore(adapters.NewMemoryFastTier(clock.Now), durable, clock)
	got, err := fresh.GetContext(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p-9", got.SubjectID)
	assert.Len(t, got.Turns, 1)
}
