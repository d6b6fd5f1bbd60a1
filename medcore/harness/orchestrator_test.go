package harness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Galdaer/portfolio-sub000/medcore/agents"
	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/Galdaer/portfolio-sub000/medcore/reasoning"
	"github.com/Galdaer/portfolio-sub000/medcore/signals"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/capitan"
	capitantesting "github.com/zoobzio/capitan/testing"
)

// stubAgent implements ports.Agent with a closure and counts calls.
type stubAgent struct {
	name  ports.AgentName
	calls atomic.Int32
	run   func(ctx context.Context, in ports.Payload) (ports.AgentResult, error)
}

func (a *stubAgent) Name() ports.AgentName { return a.name }
func (a *stubAgent) InputSchema() []byte   { return []byte(`{"type": "object"}`) }
func (a *stubAgent) Run(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
	a.calls.Add(1)
	return a.run(ctx, in)
}

func billingAgent() *stubAgent {
	return &stubAgent{name: ports.BillingAgentName, run: func(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
		return ports.AgentResult{
			Output: ports.BillingOutput{Options: []ports.BillingOption{
				{Code: "99213", Description: "office visit, low complexity", Covered: true, DenialRisk: 0.1, Confidence: 0.9, Evidence: []string{"cov-1", "cov-2"}},
				{Code: "99214", Description: "office visit, moderate complexity", Covered: true, DenialRisk: 0.3, Confidence: 0.7, Evidence: []string{"cov-3"}},
			}},
			Confidence: 0.85,
			Evidence:   []string{"cov-1", "cov-2", "cov-3"},
		}, nil
	}}
}

func researchAgent() *stubAgent {
	return &stubAgent{name: ports.ResearchAgentName, run: func(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
		return ports.AgentResult{
			Output: ports.ResearchOutput{Sources: []ports.ResearchSource{
				{ID: "lit-1", Title: "Follow-up visit coding guideline", Summary: "established patients", Relevance: 0.9},
				{ID: "lit-2", Title: "E/M documentation", Summary: "medical decision making", Relevance: 0.85},
			}},
			Confidence: 0.875,
			Evidence:   []string{"lit-1", "lit-2"},
		}, nil
	}}
}

func slowAgent(name ports.AgentName) *stubAgent {
	return &stubAgent{name: name, run: func(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
		<-ctx.Done()
		return ports.AgentResult{}, ctx.Err()
	}}
}

func failingAgent(name ports.AgentName, err error) *stubAgent {
	return &stubAgent{name: name, run: func(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
		return ports.AgentResult{}, err
	}}
}

// stubStore implements SessionStore in memory.
type stubStore struct {
	mu        sync.Mutex
	sessions  map[string]*ports.Session
	openErr   error
	appendErr error
	appends   int
}

func newStubStore() *stubStore {
	return &stubStore{sessions: make(map[string]*ports.Session)}
}

func (s *stubStore) Open(ctx context.Context, sessionID, subjectID string) (*ports.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if sessionID == "" {
		sessionID = "generated"
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &ports.Session{ID: sessionID, SubjectID: subjectID, CreatedAt: time.Now(), LastAccessedAt: time.Now()}
		s.sessions[sessionID] = sess
	}
	return sess.Clone(), nil
}

func (s *stubStore) AppendTurn(ctx context.Context, sessionID string, turn ports.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ports.ErrSessionNotFound
	}
	if !sess.HasTurn(turn.ID) {
		sess.Turns = append(sess.Turns, turn)
		s.appends++
	}
	return nil
}

type testOption func(*reasoning.TreeConfig, *Policy)

func newTestOrchestrator(t *testing.T, store SessionStore, list []ports.Agent, opts ...testOption) *Orchestrator {
	t.Helper()
	tree := reasoning.TreeConfig{Depth: 3, Branching: 3, BeamWidth: 3, MinViability: 0.35, Weights: reasoning.DefaultWeights}
	policy := Policy{GlobalDeadline: 2 * time.Second, PerAgentTimeout: 150 * time.Millisecond, ReservePct: 0.1, PersistTimeout: time.Second}
	for _, o := range opts {
		o(&tree, &policy)
	}

	pool, err := agents.NewPool(list, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewOrchestrator(Deps{
		Router:      NewQueryRouter(RouterOptions{Strategy: ports.StrategyAuto}, pool.Has),
		Pool:        pool,
		Chain:       reasoning.NewChainProcessor(reasoning.ChainConfig{}),
		Tree:        reasoning.NewTreePlanner(tree),
		Synthesizer: &Synthesizer{ReviewThreshold: 0.6, FailurePenalty: 0.3, Weights: reasoning.DefaultWeights},
		Store:       store,
	}, policy, zerolog.Nop())
}

func multiOptionQuery() ports.Query {
	return ports.Query{
		Text:           "which code should we bill for the follow-up visit",
		Transcript:     "patient reports recurring headaches",
		ProcedureCodes: []string{"99213", "99214"},
	}
}

func TestSubmitQueryToleratesTimedOutAgent(t *testing.T) {
	store := newStubStore()
	orch := newTestOrchestrator(t, store, []ports.Agent{billingAgent(), slowAgent(ports.TranscriptionAgentName), researchAgent()})

	resp, err := orch.SubmitQuery(context.Background(), "s1", multiOptionQuery())
	require.NoError(t, err)

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, ports.ClassMultiOption, resp.Trail.Class)
	assert.Equal(t, ports.StrategyTree, resp.Trail.Chain.Strategy)

	assert.Len(t, resp.Trail.AgentResults, 2)
	assert.Contains(t, resp.Trail.AgentResults, ports.BillingAgentName)
	assert.Contains(t, resp.Trail.AgentResults, ports.ResearchAgentName)
	require.Contains(t, resp.Trail.AgentErrors, ports.TranscriptionAgentName)
	assert.ErrorIs(t, resp.Trail.AgentErrors[ports.TranscriptionAgentName], ports.ErrAgentTimeout)

	require.Len(t, resp.Tasks, 3)
	for _, task := range resp.Tasks {
		if task.Agent == ports.TranscriptionAgentName {
			assert.Equal(t, ports.TaskTimedOut, task.Status)
		} else {
			assert.Equal(t, ports.TaskSucceeded, task.Status)
		}
	}

	// chain confidence 0.9, one of three agents lost at penalty 0.3
	assert.InDelta(t, 0.9, resp.Trail.Chain.Confidence, 1e-9)
	assert.InDelta(t, 0.81, resp.Confidence, 1e-9)
	assert.False(t, resp.RequiresReview)
	assert.Contains(t, resp.Answer.Text, "99213")
	require.NoError(t, resp.Trail.Chain.Validate())

	assert.Equal(t, 1, store.appends)
	snap := orch.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.AgentStats[ports.TranscriptionAgentName].TimedOut)
	assert.Equal(t, int64(1), snap.StrategyCounts[ports.StrategyTree])
}

func TestSubmitQueryAllAgentsFail(t *testing.T) {
	store := newStubStore()
	orch := newTestOrchestrator(t, store, []ports.Agent{
		failingAgent(ports.ResearchAgentName, &ports.UpstreamError{Source: "literature", Err: errors.New("connection refused")}),
		failingAgent(ports.BillingAgentName, errors.New("boom")),
		slowAgent(ports.TranscriptionAgentName),
	})

	_, err := orch.SubmitQuery(context.Background(), "s1", multiOptionQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrAllAgentsUnavailable)

	var oe *ports.OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.True(t, oe.Retryable())
	assert.Contains(t, oe.Error(), "research=upstream_unavailable")
	assert.Zero(t, store.appends)
	assert.Equal(t, int64(1), orch.Metrics().Snapshot().TurnErrors[ports.AllAgentsUnavailable])
}

func TestSubmitQueryStoreFailureIsFatal(t *testing.T) {
	store := newStubStore()
	store.appendErr = errors.New("disk full")
	orch := newTestOrchestrator(t, store, []ports.Agent{billingAgent(), researchAgent()})

	_, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{Text: "coverage for the follow-up visit", ProcedureCodes: []string{"99213"}, TurnID: "t-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrSessionStoreUnavailable)

	var oe *ports.OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "t-1", oe.TurnID)
	assert.True(t, oe.Retryable())
}

func TestSubmitQueryOpenFailureKeepsStoreError(t *testing.T) {
	store := newStubStore()
	store.openErr = &ports.OrchestrationError{Kind: ports.SessionStoreUnavailable, SessionID: "s1", Err: errors.New("redis down")}
	orch := newTestOrchestrator(t, store, []ports.Agent{billingAgent()})

	_, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{Text: "coverage", ProcedureCodes: []string{"99213"}})
	assert.ErrorIs(t, err, ports.ErrSessionStoreUnavailable)
}

func TestSimpleQueryUsesChain(t *testing.T) {
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent(), researchAgent()})

	resp, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{Text: "coverage policy for the office visit", ProcedureCodes: []string{"99213"}})
	require.NoError(t, err)

	assert.Equal(t, ports.ClassSimple, resp.Trail.Class)
	assert.Equal(t, ports.StrategyChain, resp.Trail.Chain.Strategy)
	assert.Len(t, resp.Trail.Chain.Steps, len(reasoning.Template))
	assert.Contains(t, resp.Answer.Text, "Recommended: 99213")
	assert.NotEmpty(t, resp.Answer.Sources)
	assert.NotEmpty(t, resp.Answer.Ranked)
}

func TestExplicitStrategyOverridesRouting(t *testing.T) {
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent(), researchAgent()})

	resp, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{
		Text:           "coverage policy for the office visit",
		ProcedureCodes: []string{"99213"},
		Strategy:       ports.StrategyTree,
	})
	require.NoError(t, err)
	assert.Equal(t, ports.ClassSimple, resp.Trail.Class)
	assert.Equal(t, ports.StrategyTree, resp.Trail.Chain.Strategy)
}

func TestTreeWithoutViablePathFallsBackToChain(t *testing.T) {
	strict := func(tc *reasoning.TreeConfig, _ *Policy) { tc.MinViability = 0.99 }
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent(), researchAgent()}, strict)

	resp, err := orch.SubmitQuery(context.Background(), "s1", multiOptionQuery())
	require.NoError(t, err)

	assert.Equal(t, ports.StrategyChain, resp.Trail.Chain.Strategy)
	assert.Equal(t, ports.ChainComplete, resp.Trail.Chain.Status)
	assert.Equal(t, int64(1), orch.Metrics().Snapshot().Fallbacks["tree_to_chain"])
}

func TestIncompleteChainFallsBackToDirectAnswer(t *testing.T) {
	empty := &stubAgent{name: ports.ResearchAgentName, run: func(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
		return ports.AgentResult{Output: ports.ResearchOutput{}, Confidence: 0.5}, nil
	}}
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{empty})

	resp, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{Text: "coverage for physical therapy sessions"})
	require.NoError(t, err)

	assert.Equal(t, ports.ChainIncomplete, resp.Trail.Chain.Status)
	assert.True(t, resp.Answer.Fallback)
	assert.True(t, resp.RequiresReview)
	assert.Zero(t, resp.Confidence)
	assert.Equal(t, int64(1), orch.Metrics().Snapshot().Fallbacks["chain_to_direct"])
}

func TestRetryWithSameTurnIDIsIdempotent(t *testing.T) {
	store := newStubStore()
	billing := billingAgent()
	orch := newTestOrchestrator(t, store, []ports.Agent{billing, researchAgent()})

	q := ports.Query{Text: "coverage policy for the office visit", ProcedureCodes: []string{"99213"}, TurnID: "turn-1"}
	first, err := orch.SubmitQuery(context.Background(), "s1", q)
	require.NoError(t, err)
	second, err := orch.SubmitQuery(context.Background(), "s1", q)
	require.NoError(t, err)

	assert.Equal(t, first.TurnID, second.TurnID)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, int32(1), billing.calls.Load())
	assert.Len(t, store.sessions["s1"].Turns, 1)
}

func TestCancelledCallerGetsDeadlineExceeded(t *testing.T) {
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.SubmitQuery(ctx, "s1", ports.Query{Text: "coverage", ProcedureCodes: []string{"99213"}})
	assert.ErrorIs(t, err, ports.ErrDeadlineExceeded)
}

func TestEmptyQueryIsInvalid(t *testing.T) {
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent()})

	_, err := orch.SubmitQuery(context.Background(), "s1", ports.Query{Text: "   "})
	require.ErrorIs(t, err, ports.ErrInvalidQuery)

	var oe *ports.OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.False(t, oe.Retryable())
}

func TestEmptySessionIDOpensNewSession(t *testing.T) {
	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent()})

	resp, err := orch.SubmitQuery(context.Background(), "", ports.Query{Text: "coverage", ProcedureCodes: []string{"99213"}})
	require.NoError(t, err)
	assert.Equal(t, "generated", resp.SessionID)
	assert.NotEmpty(t, resp.TurnID)
}

func TestTaskDeadlineIsSubBudgeted(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewOrchestrator(Deps{}, Policy{GlobalDeadline: 10 * time.Second, PerAgentTimeout: 8 * time.Second, ReservePct: 0.3}, zerolog.Nop())
	assert.Equal(t, start.Add(7*time.Second), o.taskDeadline(context.Background(), start))

	o = NewOrchestrator(Deps{}, Policy{GlobalDeadline: 10 * time.Second, PerAgentTimeout: 2 * time.Second, ReservePct: 0.3}, zerolog.Nop())
	assert.Equal(t, start.Add(2*time.Second), o.taskDeadline(context.Background(), start))

	ctx, cancel := context.WithDeadline(context.Background(), start.Add(4*time.Second))
	defer cancel()
	o = NewOrchestrator(Deps{}, Policy{GlobalDeadline: 10 * time.Second, PerAgentTimeout: 8 * time.Second, ReservePct: 0.25}, zerolog.Nop())
	assert.Equal(t, start.Add(3*time.Second), o.taskDeadline(ctx, start))
}

func TestTurnCompletedSignal(t *testing.T) {
	capture := capitantesting.NewEventCapture()
	listener := capitan.Hook(signals.TurnCompleted, capture.Handler())
	defer listener.Close()

	orch := newTestOrchestrator(t, newStubStore(), []ports.Agent{billingAgent()})
	_, err := orch.SubmitQuery(context.Background(), "signal-session", ports.Query{Text: "coverage", ProcedureCodes: []string{"99213"}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, ev := range capture.Events() {
			for _, f := range ev.Fields {
				if f.Key().Name() == signals.FieldSessionID.Name() && f.Value() == "signal-session" {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
