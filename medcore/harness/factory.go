package harness

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Galdaer/portfolio-sub000/medcore/agents"
	"github.com/Galdaer/portfolio-sub000/medcore/config"
	"github.com/Galdaer/portfolio-sub000/medcore/harness/adapters"
	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/Galdaer/portfolio-sub000/medcore/memory"
	"github.com/Galdaer/portfolio-sub000/medcore/reasoning"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Knowledge domains queried by the built-in agents.
const (
	DomainLiterature  = "literature"
	DomainTerminology = "terminology"
	DomainCoverage    = "coverage"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg    *config.Config
	db     *sqlx.DB              // durable session tier
	redis  redis.UniversalClient // optional, for the redis cache and fast tier
	logger zerolog.Logger
	now    func() time.Time
}

// NewFactory creates a new harness factory. rdb may be nil when neither the
// cache nor the fast tier uses Redis.
func NewFactory(cfg *config.Config, db *sqlx.DB, rdb redis.UniversalClient, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, redis: rdb, logger: logger, now: time.Now}
}

// WithClock replaces the clock used by TTL-based components.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// Runtime is a fully wired orchestrator plus the pieces callers manage
// directly.
type Runtime struct {
	Orchestrator *Orchestrator
	Pool         *agents.Pool
	Store        *memory.Store
	Cache        ports.Cache
}

// Close waits for in-flight agent tasks.
func (r *Runtime) Close() {
	r.Pool.Close()
}

// CreateRuntime wires the orchestrator. ctx bounds background work such as
// the cache sweeper.
func (f *Factory) CreateRuntime(ctx context.Context) (*Runtime, error) {
	store, err := f.CreateStore()
	if err != nil {
		return nil, err
	}
	cache := f.CreateCache(ctx)
	sources, err := f.CreateKnowledgeSources(cache)
	if err != nil {
		return nil, err
	}
	agentList, err := f.CreateAgents(sources)
	if err != nil {
		return nil, err
	}
	limiter, err := f.CreateRateLimiter()
	if err != nil {
		return nil, err
	}
	pool, err := agents.NewPool(agentList, limiter, f.logger)
	if err != nil {
		return nil, err
	}

	o := f.cfg.Orchestrator
	strategy, err := ports.ParseStrategy(o.ReasoningStrategy)
	if err != nil {
		return nil, err
	}
	weights := f.weights()

	orch := NewOrchestrator(Deps{
		Router: NewQueryRouter(RouterOptions{
			Strategy:           strategy,
			MaxResearchSources: f.cfg.Agents.MaxResearchSources,
			RequiredDocFields:  f.cfg.Agents.RequiredDocFields,
		}, pool.Has),
		Pool:  pool,
		Chain: reasoning.NewChainProcessor(reasoning.ChainConfig{HighRiskThreshold: f.cfg.Reasoning.HighRiskThreshold}),
		Tree: reasoning.NewTreePlanner(reasoning.TreeConfig{
			Depth:             o.TreeDepth,
			Branching:         o.TreeBranching,
			BeamWidth:         f.cfg.Reasoning.BeamWidth,
			MinViability:      f.cfg.Reasoning.MinViability,
			HighRiskThreshold: f.cfg.Reasoning.HighRiskThreshold,
			Weights:           weights,
		}),
		Synthesizer: &Synthesizer{ReviewThreshold: o.ReviewThreshold, FailurePenalty: o.FailurePenalty, Weights: weights},
		Store:       store,
		Tracer:      f.CreateTracer(),
		Now:         f.now,
	}, f.CreatePolicy(), f.logger)

	return &Runtime{Orchestrator: orch, Pool: pool, Store: store, Cache: cache}, nil
}

func (f *Factory) weights() reasoning.Weights {
	r := f.cfg.Reasoning
	return reasoning.Weights{Confidence: r.ConfidenceWeight, Evidence: r.EvidenceWeight, Risk: r.RiskWeight}
}

// CreatePolicy derives turn timing from config.
func (f *Factory) CreatePolicy() Policy {
	o := f.cfg.Orchestrator
	return Policy{
		GlobalDeadline:  o.GlobalDeadline(),
		PerAgentTimeout: o.PerAgentTimeout(),
		ReservePct:      o.DeadlineReservePct,
		PersistTimeout:  o.PersistTimeout(),
	}
}

// CreateCache creates the knowledge cache from config.
func (f *Factory) CreateCache(ctx context.Context) ports.Cache {
	switch f.cfg.Cache.Backend {
	case "none":
		return &noOpCache{}
	case "redis":
		if f.redis != nil {
			return adapters.NewRedisCache(f.redis, f.cfg.Redis.Prefix, f.logger)
		}
		f.logger.Warn().Msg("cache.backend is redis but no redis client is configured, using memory")
	}
	c := adapters.NewTTLCache(f.cfg.Cache.Capacity, f.now)
	c.StartSweeper(ctx, time.Duration(f.cfg.Cache.SweepIntervalS)*time.Second, f.logger)
	return c
}

// CreateRateLimiter creates the per-agent limiter from config.
func (f *Factory) CreateRateLimiter() (ports.RateLimiter, error) {
	a := f.cfg.Agents
	if !a.RateLimitEnabled {
		return &noOpRateLimiter{}, nil
	}
	refill, err := time.ParseDuration(a.RateLimitRefillRate)
	if err != nil {
		return nil, fmt.Errorf("agents.rate_limit_refill_rate: %w", err)
	}
	return adapters.NewTokenBucket(a.RateLimitCapacity, refill, f.now), nil
}

// CreateTracer creates the span tracer.
func (f *Factory) CreateTracer() ports.Tracer {
	return adapters.NewZerologTracer(f.logger)
}

// CreateStore creates the two-tier session store. The durable tier is
// mandatory.
func (f *Factory) CreateStore() (*memory.Store, error) {
	if f.db == nil {
		return nil, errors.New("session store requires a database")
	}
	var fast ports.FastTier
	switch f.cfg.Session.FastBackend {
	case "redis":
		if f.redis == nil {
			return nil, errors.New("session.fast_backend is redis but no redis client is configured")
		}
		fast = adapters.NewRedisFastTier(f.redis, f.cfg.Redis.Prefix)
	default:
		fast = adapters.NewMemoryFastTier(f.now)
	}
	return memory.NewStore(fast, adapters.NewSQLDurableTier(f.db), memory.Options{
		IdleTTL:     f.cfg.Orchestrator.SessionIdleTTL(),
		LockStripes: f.cfg.Session.LockStripes,
		Now:         f.now,
	}, f.logger), nil
}

// CreateKnowledgeSources loads the knowledge file and wraps every domain in
// the cache. A missing file yields empty sources.
func (f *Factory) CreateKnowledgeSources(cache ports.Cache) (map[string]ports.KnowledgeSource, error) {
	loaded := map[string]*adapters.StaticKnowledgeSource{}
	if path := f.cfg.Agents.KnowledgeFile; path != "" {
		switch _, err := os.Stat(path); {
		case err == nil:
			loaded, err = adapters.LoadKnowledgeFile(path)
			if err != nil {
				return nil, err
			}
		case errors.Is(err, fs.ErrNotExist):
			f.logger.Warn().Str("path", path).Msg("knowledge file not found, agents start with empty sources")
		default:
			return nil, fmt.Errorf("knowledge file: %w", err)
		}
	}

	ttl := f.cfg.Orchestrator.CacheTTL()
	out := make(map[string]ports.KnowledgeSource)
	for _, domain := range []string{DomainLiterature, DomainTerminology, DomainCoverage} {
		src, ok := loaded[domain]
		if !ok {
			src = adapters.NewStaticKnowledgeSource(domain, nil)
		}
		out[domain] = adapters.NewCachedKnowledgeSource(src, cache, ttl, f.logger)
	}
	return out, nil
}

// CreateAgents builds the enabled agents.
func (f *Factory) CreateAgents(sources map[string]ports.KnowledgeSource) ([]ports.Agent, error) {
	a := f.cfg.Agents
	out := make([]ports.Agent, 0, len(a.Enabled))
	for _, name := range a.Enabled {
		switch ports.AgentName(name) {
		case ports.ResearchAgentName:
			out = append(out, agents.NewResearchAgent(sources[DomainLiterature], a.MaxResearchSources))
		case ports.DocumentAgentName:
			out = append(out, agents.NewDocumentAgent(a.RequiredDocFields))
		case ports.TranscriptionAgentName:
			out = append(out, agents.NewTranscriptionAgent(sources[DomainTerminology]))
		case ports.BillingAgentName:
			out = append(out, agents.NewBillingReasoningAgent(sources[DomainCoverage]))
		default:
			return nil, fmt.Errorf("agents.enabled: unknown agent %q", name)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("agents.enabled is empty")
	}
	return out, nil
}

// noOpCache implements Cache with no-op behavior for a disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

var (
	_ ports.Cache       = (*noOpCache)(nil)
	_ ports.RateLimiter = (*noOpRateLimiter)(nil)
	_ ports.Tracer      = (*noOpTracer)(nil)
	_ Dispatcher        = (*agents.Pool)(nil)
	_ SessionStore      = (*memory.Store)(nil)
)
