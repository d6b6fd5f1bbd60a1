package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTLCachePutGetExpire(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(0, clock.Now)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		ttl := time.Duration(i+1) * time.Second
		require.NoError(t, c.Put(ctx, key, []byte(key), ttl))
	}

	clock.Advance(10 * time.Second)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k%d", i)
		v, ok := c.Get(ctx, key)
		if i+1 >= 10 {
			require.True(t, ok, key)
			assert.Equal(t, key, string(v))
		} else {
			assert.False(t, ok, key)
		}
	}
}

func TestTTLCacheExactBoundaryIsStillFresh(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(0, clock.Now)
	require.NoError(t, c.Put(ctx, "k", []byte("v"), time.Minute))

	clock.Advance(time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Nanosecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is evicted on read")
}

func TestTTLCacheEvictsLeastRecentlyInserted(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache(2, nil)

	require.NoError(t, c.Put(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Put(ctx, "b", []byte("2"), time.Hour))
	// reading does not refresh insertion order
	_, _ = c.Get(ctx, "a")
	require.NoError(t, c.Put(ctx, "c", []byte("3"), time.Hour))

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)

	// a re-put counts as a new insertion
	require.NoError(t, c.Put(ctx, "b", []byte("2b"), time.Hour))
	require.NoError(t, c.Put(ctx, "d", []byte("4"), time.Hour))
	_, ok = c.Get(ctx, "c")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, "2b", string(v))
}

func TestTTLCacheSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewTTLCache(0, clock.Now)
	require.NoError(t, c.Put(ctx, "short", []byte("x"), time.Second))
	require.NoError(t, c.Put(ctx, "long", []byte("y"), time.Hour))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestTTLCacheConcurrentPutsLeaveOneValue(t *testing.T) {
	ctx := context.Background()
	c := NewTTLCache(0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = c.Put(ctx, "k", []byte(fmt.Sprintf("v%02d", i)), time.Hour)
			_, _ = c.Get(ctx, "k")
		}(i)
	}
	wg.Wait()

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Len(t, v, 3)
	assert.Equal(t, 1, c.Len())
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tb := NewTokenBucket(2, time.Second, clock.Now)

	for i := 0; i < 2; i++ {
		release, err := tb.Acquire(ctx, "billing")
		require.NoError(t, err)
		release()
	}
	_, err := tb.Acquire(ctx, "billing")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// other keys have their own bucket
	_, err = tb.Acquire(ctx, "research")
	assert.NoError(t, err)

	clock.Advance(time.Second)
	_, err = tb.Acquire(ctx, "billing")
	assert.NoError(t, err)
}

func TestStaticKnowledgeSourceRanksByOverlap(t *testing.T) {
	src := NewStaticKnowledgeSource("literature", []ports.KnowledgeRecord{
		{ID: "a", Title: "Sepsis bundles", Terms: []string{"sepsis"}, Score: 1},
		{ID: "b", Title: "Sepsis and lactate", Terms: []string{"sepsis", "lactate"}, Score: 0.9},
		{ID: "c", Title: "Unrelated", Score: 1},
	})

	recs, err := src.Query(context.Background(), ports.KnowledgeQuery{Domain: "literature", Terms: []string{"Sepsis", "lactate"}})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.InDelta(t, 0.9, recs[0].Score, 1e-9)
	assert.InDelta(t, 0.5, recs[1].Score, 1e-9)

	recs, err = src.Query(context.Background(), ports.KnowledgeQuery{Domain: "coverage", Terms: []string{"sepsis"}})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoadKnowledgeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	body := `
sources:
  coverage:
    - id: cov-99213
      title: "99213 office visit"
      terms: ["99213"]
      score: 0.9
      attributes:
        covered: "true"
        denial_rate: "0.1"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	sources, err := LoadKnowledgeFile(path)
	require.NoError(t, err)
	require.Contains(t, sources, "coverage")

	recs, err := sources["coverage"].Query(context.Background(), ports.KnowledgeQuery{Terms: []string{"99213"}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0.1", recs[0].Attributes["denial_rate"])
}

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Query(ctx context.Context, q ports.KnowledgeQuery) ([]ports.KnowledgeRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, &ports.UpstreamError{Source: s.Name(), Err: s.err}
	}
	return []ports.KnowledgeRecord{{ID: "r1", Score: 0.5}}, nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (brokenCache) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Delete(context.Context, string) error { return errors.New("cache down") }

func TestCachedKnowledgeSourceMemoizes(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{}
	cached := NewCachedKnowledgeSource(inner, NewTTLCache(10, nil), time.Minute, zerolog.Nop())

	q := ports.KnowledgeQuery{Domain: "literature", Terms: []string{"b", "a"}}
	for i := 0; i < 3; i++ {
		recs, err := cached.Query(ctx, q)
		require.NoError(t, err)
		require.Len(t, recs, 1)
	}
	assert.Equal(t, 1, inner.calls)

	// term order and case do not change the key
	_, err := cached.Query(ctx, ports.KnowledgeQuery{Domain: "literature", Terms: []string{"A", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedKnowledgeSourceSurvivesBrokenCache(t *testing.T) {
	inner := &countingSource{}
	cached := NewCachedKnowledgeSource(inner, brokenCache{}, time.Minute, zerolog.Nop())

	recs, err := cached.Query(context.Background(), ports.KnowledgeQuery{Terms: []string{"x"}})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCachedKnowledgeSourcePassesUpstreamErrors(t *testing.T) {
	inner := &countingSource{err: errors.New("503")}
	cached := NewCachedKnowledgeSource(inner, NewTTLCache(10, nil), time.Minute, zerolog.Nop())

	_, err := cached.Query(context.Background(), ports.KnowledgeQuery{Terms: []string{"x"}})
	var ue *ports.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "counting", ue.Source)
}

func TestMemoryFastTierTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	ft := NewMemoryFastTier(clock.Now)

	require.NoError(t, ft.Save(ctx, &ports.Session{ID: "s1"}, time.Hour))
	clock.Advance(50 * time.Minute)
	require.NoError(t, ft.Touch(ctx, "s1", time.Hour))
	clock.Advance(50 * time.Minute)

	s, err := ft.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	clock.Advance(11 * time.Minute)
	_, err = ft.Load(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrSessionNotFound)
	assert.ErrorIs(t, ft.Touch(ctx, "s1", time.Hour), ports.ErrSessionNotFound)
}

func TestZerologTracerSpan(t *testing.T) {
	var buf bytes.Buffer
	tr := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))
	ctx, finish := tr.StartSpan(context.Background(), "turn", map[string]any{"session_id": "s1"})
	tr.Event(ctx, "dispatched", map[string]any{"agents": 3})
	finish(nil)
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"event":"span_start"`)
	assert.Contains(t, out, `"event":"dispatched"`)
	assert.Contains(t, out, `"agents":3`)
	assert.Contains(t, out, `"error":"boom"`)
	// events inherit the span fields
	assert.Equal(t, 4, strings.Count(out, `"span":"turn"`))
}

func TestZerologTracerEventWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	tr := NewZerologTracer(zerolog.New(&buf))
	tr.Event(context.Background(), "orphan", nil)
	assert.Contains(t, buf.String(), `"event":"orphan"`)
	assert.NotContains(t, buf.String(), `"span"`)
}
