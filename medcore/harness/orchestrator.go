// Package harness coordinates a turn: routing, agent fan-out, reasoning,
// synthesis and persistence.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Galdaer/portfolio-sub000/medcore/agents"
	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/Galdaer/portfolio-sub000/medcore/reasoning"
	"github.com/Galdaer/portfolio-sub000/medcore/signals"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/capitan"
)

// Dispatcher starts one task per payload. *agents.Pool implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, inputs map[ports.AgentName]ports.Payload, deadline time.Time) map[ports.AgentName]*agents.Task
}

// SessionStore is the part of the session memory a turn needs.
// *memory.Store implements it.
type SessionStore interface {
	Open(ctx context.Context, sessionID, subjectID string) (*ports.Session, error)
	AppendTurn(ctx context.Context, sessionID string, turn ports.Turn) error
}

// Policy bounds a turn in time.
type Policy struct {
	GlobalDeadline  time.Duration // whole turn
	PerAgentTimeout time.Duration // cap for each task inside the global budget
	ReservePct      float64       // share of the global budget kept for reasoning and persistence
	PersistTimeout  time.Duration
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		GlobalDeadline:  8 * time.Second,
		PerAgentTimeout: 5 * time.Second,
		ReservePct:      0.1,
		PersistTimeout:  2 * time.Second,
	}
}

// Response is the caller-facing result of one turn. Trail is the persisted
// turn with every agent result, agent error and reasoning step.
type Response struct {
	SessionID      string            `json:"session_id"`
	TurnID         string            `json:"turn_id"`
	Answer         ports.Answer      `json:"answer"`
	Confidence     float64           `json:"confidence"`
	RequiresReview bool              `json:"requires_review"`
	Trail          ports.Turn        `json:"trail"`
	Tasks          []ports.AgentTask `json:"tasks,omitempty"`
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	router  *QueryRouter
	pool    Dispatcher
	chain   *reasoning.ChainProcessor
	tree    *reasoning.TreePlanner
	synth   *Synthesizer
	store   SessionStore
	tracer  ports.Tracer
	metrics *MetricsCollector
	policy  Policy
	logger  zerolog.Logger
	now     func() time.Time
}

// Deps groups the orchestrator's collaborators.
type Deps struct {
	Router      *QueryRouter
	Pool        Dispatcher
	Chain       *reasoning.ChainProcessor
	Tree        *reasoning.TreePlanner
	Synthesizer *Synthesizer
	Store       SessionStore
	Tracer      ports.Tracer      // optional
	Metrics     *MetricsCollector // optional
	Now         func() time.Time  // optional
}

// NewOrchestrator creates an orchestrator with dependencies.
func NewOrchestrator(deps Deps, policy Policy, logger zerolog.Logger) *Orchestrator {
	if deps.Tracer == nil {
		deps.Tracer = &noOpTracer{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if policy.GlobalDeadline <= 0 {
		policy.GlobalDeadline = DefaultPolicy().GlobalDeadline
	}
	if policy.PerAgentTimeout <= 0 || policy.PerAgentTimeout > policy.GlobalDeadline {
		policy.PerAgentTimeout = policy.GlobalDeadline
	}
	if policy.PersistTimeout <= 0 {
		policy.PersistTimeout = DefaultPolicy().PersistTimeout
	}
	return &Orchestrator{
		router:  deps.Router,
		pool:    deps.Pool,
		chain:   deps.Chain,
		tree:    deps.Tree,
		synth:   deps.Synthesizer,
		store:   deps.Store,
		tracer:  deps.Tracer,
		metrics: deps.Metrics,
		policy:  policy,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		now:     deps.Now,
	}
}

// Metrics exposes the collector.
func (o *Orchestrator) Metrics() *MetricsCollector { return o.metrics }

// SubmitQuery runs one turn for sessionID, opening the session when needed.
// Errors are always *ports.OrchestrationError.
func (o *Orchestrator) SubmitQuery(ctx context.Context, sessionID string, q ports.Query) (resp *Response, err error) {
	start := o.now()
	turnID := q.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	var route Route

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{"session_id": sessionID, "turn_id": turnID})
	defer func() {
		finish(err)
		o.recordTurn(ctx, start, sessionID, turnID, route, resp, err)
	}()

	if ctx.Err() != nil {
		return nil, o.fail(ports.DeadlineExceeded, sessionID, turnID, ctx.Err())
	}

	route, err = o.router.Route(q)
	if err != nil {
		return nil, o.fail(ports.InvalidQuery, sessionID, turnID, err)
	}

	turnCtx, cancel := context.WithTimeout(ctx, o.policy.GlobalDeadline)
	defer cancel()

	sess, err := o.store.Open(turnCtx, sessionID, q.SubjectID)
	if err != nil {
		return nil, o.storeFailure(ctx, sessionID, turnID, err)
	}
	sessionID = sess.ID
	for _, t := range sess.Turns {
		if t.ID == turnID {
			o.logger.Debug().Str("session_id", sessionID).Str("turn_id", turnID).Msg("turn already recorded, replaying")
			return responseFor(sessionID, t, nil), nil
		}
	}

	capitan.Emit(context.WithoutCancel(turnCtx), signals.TurnStarted,
		signals.FieldSessionID.Field(sessionID),
		signals.FieldTurnID.Field(turnID),
		signals.FieldClass.Field(string(route.Class)),
		signals.FieldStrategy.Field(string(route.Strategy)),
		signals.FieldAgentCount.Field(len(route.Payloads)),
	)

	taskDeadline := o.taskDeadline(turnCtx, start)
	o.tracer.Event(turnCtx, "dispatch", map[string]any{"agents": len(route.Payloads), "deadline": taskDeadline})
	tasks := o.pool.Dispatch(turnCtx, route.Payloads, taskDeadline)
	o.await(turnCtx, tasks, taskDeadline, start)

	if ctx.Err() != nil {
		return nil, o.fail(ports.DeadlineExceeded, sessionID, turnID, ctx.Err())
	}

	results := make(map[ports.AgentName]ports.AgentResult, len(tasks))
	failures := make(map[ports.AgentName]*ports.AgentError)
	snapshots := make([]ports.AgentTask, 0, len(tasks))
	for name, t := range tasks {
		snapshots = append(snapshots, t.Snapshot())
		res, aerr := t.Outcome()
		switch {
		case res != nil:
			results[name] = *res
		case aerr != nil:
			failures[name] = aerr
		}
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Agent < snapshots[j].Agent })

	if len(results) == 0 {
		return nil, o.fail(ports.AllAgentsUnavailable, sessionID, turnID,
			fmt.Errorf("all %d agents failed: %s", len(tasks), describeFailures(failures)))
	}

	in := reasoning.Input{Query: q, Results: results}
	chain, answer := o.reason(turnCtx, route.Strategy, in, len(tasks), len(failures))

	turn := ports.Turn{
		ID:           turnID,
		Input:        q,
		Class:        route.Class,
		AgentResults: results,
		AgentErrors:  failures,
		Chain:        chain,
		Answer:       answer,
		Timestamp:    o.now(),
	}

	if ctx.Err() != nil {
		return nil, o.fail(ports.DeadlineExceeded, sessionID, turnID, ctx.Err())
	}
	// the turn is complete; a caller hanging up now must not lose it
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), o.policy.PersistTimeout)
	defer cancelPersist()
	if err := o.store.AppendTurn(persistCtx, sessionID, turn); err != nil {
		return nil, o.storeFailure(ctx, sessionID, turnID, err)
	}

	return responseFor(sessionID, turn, snapshots), nil
}

// taskDeadline sub-budgets the per-agent timeout from the global deadline,
// keeping the reserve for reasoning and persistence.
func (o *Orchestrator) taskDeadline(ctx context.Context, start time.Time) time.Time {
	global := start.Add(o.policy.GlobalDeadline)
	if dl, ok := ctx.Deadline(); ok && dl.Before(global) {
		global = dl
	}
	reserve := time.Duration(float64(global.Sub(start)) * o.policy.ReservePct)
	deadline := global.Add(-reserve)
	if perAgent := start.Add(o.policy.PerAgentTimeout); perAgent.Before(deadline) {
		deadline = perAgent
	}
	return deadline
}

// await collects task completions until every task is terminal, the task
// deadline passes or ctx ends. Stragglers are expired as timed out.
func (o *Orchestrator) await(ctx context.Context, tasks map[ports.AgentName]*agents.Task, deadline, start time.Time) {
	done := make(chan *agents.Task, len(tasks))
	for _, t := range tasks {
		go func() {
			<-t.Done()
			done <- t
		}()
	}

	timer := time.NewTimer(deadline.Sub(o.now()))
	defer timer.Stop()

	seen := make(map[ports.AgentName]bool, len(tasks))
	for len(seen) < len(tasks) {
		select {
		case t := <-done:
			seen[t.Agent()] = true
			o.metrics.RecordTask(t.Agent(), t.Status(), o.now().Sub(start))
		case <-timer.C:
			o.expire(tasks, seen, start)
			return
		case <-ctx.Done():
			o.expire(tasks, seen, start)
			return
		}
	}
}

func (o *Orchestrator) expire(tasks map[ports.AgentName]*agents.Task, seen map[ports.AgentName]bool, start time.Time) {
	for name, t := range tasks {
		if seen[name] {
			continue
		}
		if t.Expire() {
			o.logger.Warn().Str("agent", string(name)).Str("task_id", t.ID()).Msg("agent task expired at deadline")
		}
		o.metrics.RecordTask(name, t.Status(), o.now().Sub(start))
	}
}

// reason runs the selected processor with its fallbacks: a tree without a
// viable path falls back to the chain, an incomplete chain to a direct answer.
func (o *Orchestrator) reason(ctx context.Context, strategy ports.Strategy, in reasoning.Input, dispatched, failed int) (ports.ReasoningChain, ports.Answer) {
	ctx, finish := o.tracer.StartSpan(ctx, "reasoning", map[string]any{"strategy": string(strategy), "results": len(in.Results)})

	var (
		chain ports.ReasoningChain
		err   error
	)
	if strategy == ports.StrategyTree {
		chain, err = o.tree.Plan(in)
		if errors.Is(err, ports.ErrNoViablePath) {
			o.fallback(ctx, "tree_to_chain", err)
			chain, err = o.chain.Process(in)
		}
	} else {
		chain, err = o.chain.Process(in)
	}
	finish(err)

	capitan.Emit(context.WithoutCancel(ctx), signals.ReasoningCompleted,
		signals.FieldStrategy.Field(string(chain.Strategy)),
		signals.FieldStatus.Field(string(chain.Status)),
		signals.FieldStepCount.Field(len(chain.Steps)),
		signals.FieldConfidence.Field(float32(chain.Confidence)),
	)

	if chain.Status == ports.ChainIncomplete {
		o.fallback(ctx, "chain_to_direct", err)
		return chain, o.synth.Direct(in, chain, dispatched, failed)
	}
	return chain, o.synth.Synthesize(chain, dispatched, failed)
}

func (o *Orchestrator) fallback(ctx context.Context, kind string, cause error) {
	o.metrics.RecordFallback(kind)
	o.logger.Info().Err(cause).Str("fallback", kind).Msg("reasoning degraded")
	ctx = context.WithoutCancel(ctx)
	if cause == nil {
		capitan.Emit(ctx, signals.ReasoningFallback, signals.FieldStrategy.Field(kind))
		return
	}
	capitan.Emit(ctx, signals.ReasoningFallback,
		signals.FieldStrategy.Field(kind),
		signals.FieldError.Field(cause),
	)
}

func (o *Orchestrator) fail(kind ports.OrchestrationErrorKind, sessionID, turnID string, err error) error {
	return &ports.OrchestrationError{Kind: kind, SessionID: sessionID, TurnID: turnID, Err: err}
}

// storeFailure keeps an OrchestrationError from the store and reports
// anything else as the store being unavailable. A caller whose context ended
// gets DeadlineExceeded.
func (o *Orchestrator) storeFailure(ctx context.Context, sessionID, turnID string, err error) error {
	if ctx.Err() != nil {
		return o.fail(ports.DeadlineExceeded, sessionID, turnID, err)
	}
	var oe *ports.OrchestrationError
	if errors.As(err, &oe) {
		cp := *oe
		cp.TurnID = turnID
		if cp.SessionID == "" {
			cp.SessionID = sessionID
		}
		return &cp
	}
	return o.fail(ports.SessionStoreUnavailable, sessionID, turnID, err)
}

func (o *Orchestrator) recordTurn(ctx context.Context, start time.Time, sessionID, turnID string, route Route, resp *Response, err error) {
	ctx = context.WithoutCancel(ctx)
	elapsed := o.now().Sub(start)
	if err != nil {
		var oe *ports.OrchestrationError
		kind := ports.OrchestrationErrorKind("unknown")
		if errors.As(err, &oe) {
			kind = oe.Kind
		}
		o.metrics.RecordTurn(elapsed, route.Class, route.Strategy, false, kind)
		o.logger.Error().Err(err).Str("session_id", sessionID).Str("turn_id", turnID).Msg("turn failed")
		capitan.Error(ctx, signals.TurnFailed,
			signals.FieldSessionID.Field(sessionID),
			signals.FieldTurnID.Field(turnID),
			signals.FieldErrorKind.Field(string(kind)),
			signals.FieldDuration.Field(elapsed),
			signals.FieldError.Field(err),
		)
		return
	}

	o.metrics.RecordTurn(elapsed, route.Class, route.Strategy, resp.RequiresReview, "")
	o.logger.Info().
		Str("session_id", resp.SessionID).
		Str("turn_id", resp.TurnID).
		Str("class", string(resp.Trail.Class)).
		Str("strategy", string(resp.Trail.Chain.Strategy)).
		Float64("confidence", resp.Confidence).
		Bool("requires_review", resp.RequiresReview).
		Dur("elapsed", elapsed).
		Msg("turn completed")
	capitan.Emit(ctx, signals.TurnCompleted,
		signals.FieldSessionID.Field(resp.SessionID),
		signals.FieldTurnID.Field(resp.TurnID),
		signals.FieldStrategy.Field(string(resp.Trail.Chain.Strategy)),
		signals.FieldFailedCount.Field(len(resp.Trail.AgentErrors)),
		signals.FieldConfidence.Field(float32(resp.Confidence)),
		signals.FieldDuration.Field(elapsed),
	)
}

func responseFor(sessionID string, turn ports.Turn, tasks []ports.AgentTask) *Response {
	return &Response{
		SessionID:      sessionID,
		TurnID:         turn.ID,
		Answer:         turn.Answer,
		Confidence:     turn.Answer.Confidence,
		RequiresReview: turn.Answer.RequiresReview,
		Trail:          turn,
		Tasks:          tasks,
	}
}

func describeFailures(failures map[ports.AgentName]*ports.AgentError) string {
	parts := make([]string, 0, len(failures))
	for name, ae := range failures {
		parts = append(parts, fmt.Sprintf("%s=%s", name, ae.Kind))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
