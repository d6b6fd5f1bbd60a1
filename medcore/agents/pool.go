// Package agents holds the agent registry, the dispatch pool and the
// specialized agents.
package agents

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/Galdaer/portfolio-sub000/medcore/signals"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/zoobzio/capitan"
)

var (
	errDeadline     = errors.New("deadline exceeded before the agent returned")
	errPoolClosed   = errors.New("agent pool is closed")
	errUnknownAgent = errors.New("no agent registered under this name")
)

type registered struct {
	agent  ports.Agent
	schema *Schema
}

// Pool is a fixed registry of named agents. Every dispatched task runs on its
// own goroutine.
type Pool struct {
	agents  map[ports.AgentName]registered
	limiter ports.RateLimiter
	logger  zerolog.Logger

	mu       sync.Mutex
	closed   bool
	inflight conc.WaitGroup
}

// NewPool registers agents and compiles their input schemas. Duplicate names
// and invalid schemas are rejected. limiter may be nil.
func NewPool(agents []ports.Agent, limiter ports.RateLimiter, logger zerolog.Logger) (*Pool, error) {
	p := &Pool{
		agents:  make(map[ports.AgentName]registered, len(agents)),
		limiter: limiter,
		logger:  logger.With().Str("component", "agent_pool").Logger(),
	}
	for _, a := range agents {
		name := a.Name()
		if _, dup := p.agents[name]; dup {
			return nil, fmt.Errorf("agent %q registered twice", name)
		}
		schema, err := CompileSchema(a.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}
		p.agents[name] = registered{agent: a, schema: schema}
	}
	return p, nil
}

// Names lists the registered agents.
func (p *Pool) Names() []ports.AgentName {
	out := make([]ports.AgentName, 0, len(p.agents))
	for n := range p.agents {
		out = append(out, n)
	}
	return out
}

// Has reports whether name is registered.
func (p *Pool) Has(name ports.AgentName) bool {
	_, ok := p.agents[name]
	return ok
}

// Dispatch validates each payload and starts one task per entry. Invalid
// entries come back already failed; they never reach the agent.
func (p *Pool) Dispatch(ctx context.Context, inputs map[ports.AgentName]ports.Payload, deadline time.Time) map[ports.AgentName]*Task {
	tasks := make(map[ports.AgentName]*Task, len(inputs))

	p.mu.Lock()
	defer p.mu.Unlock()

	for name, in := range inputs {
		t := newTask(uuid.NewString(), name, in, deadline)
		tasks[name] = t

		if p.closed {
			t.fail(ports.NewAgentError(name, ports.AgentUpstreamUnavailable, errPoolClosed))
			continue
		}
		reg, ok := p.agents[name]
		if !ok {
			t.fail(ports.NewAgentError(name, ports.AgentInvalidInput, errUnknownAgent))
			continue
		}
		if isNilPayload(in) || in.Target() != name {
			t.fail(ports.NewAgentError(name, ports.AgentInvalidInput, fmt.Errorf("payload %T does not target agent %s", in, name)))
			continue
		}
		if err := reg.schema.Validate(in); err != nil {
			t.fail(ports.NewAgentError(name, ports.AgentInvalidInput, err))
			continue
		}

		p.inflight.Go(func() { p.run(ctx, t, reg.agent) })
	}
	return tasks
}

func (p *Pool) run(ctx context.Context, t *Task, agent ports.Agent) {
	if !t.start() {
		return
	}
	taskCtx, cancel := context.WithDeadline(ctx, t.deadline)
	defer cancel()
	// signals outlive the task context; a cancelled context drops them
	sigCtx := context.WithoutCancel(ctx)

	start := time.Now()
	capitan.Emit(sigCtx, signals.TaskStarted,
		signals.FieldAgent.Field(string(t.agent)),
		signals.FieldTaskID.Field(t.id),
	)

	if p.limiter != nil {
		release, err := p.limiter.Acquire(taskCtx, string(t.agent))
		if err != nil {
			p.finishFailed(sigCtx, t, ports.NewAgentError(t.agent, ports.AgentUpstreamUnavailable, fmt.Errorf("rate limited: %w", err)), start)
			return
		}
		defer release()
	}

	var (
		res ports.AgentResult
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { res, err = agent.Run(taskCtx, t.input) })
	if r := pc.Recovered(); r != nil {
		p.logger.Error().Str("agent", string(t.agent)).Str("panic", fmt.Sprint(r.Value)).Msg("agent panicked")
		p.finishFailed(sigCtx, t, ports.NewAgentError(t.agent, ports.AgentInternal, r.AsError()), start)
		return
	}
	if err != nil {
		p.finishFailed(sigCtx, t, classify(taskCtx, t.agent, err), start)
		return
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		p.finishFailed(sigCtx, t, ports.NewAgentError(t.agent, ports.AgentInternal, fmt.Errorf("confidence %.3f outside [0,1]", res.Confidence)), start)
		return
	}

	res.TaskID = t.id
	res.Agent = t.agent
	if t.succeed(res) {
		capitan.Emit(sigCtx, signals.TaskSucceeded,
			signals.FieldAgent.Field(string(t.agent)),
			signals.FieldTaskID.Field(t.id),
			signals.FieldConfidence.Field(float32(res.Confidence)),
			signals.FieldDuration.Field(time.Since(start)),
		)
	}
}

func (p *Pool) finishFailed(ctx context.Context, t *Task, ae *ports.AgentError, start time.Time) {
	if !t.fail(ae) {
		return
	}
	p.logger.Debug().Err(ae).Str("agent", string(t.agent)).Str("kind", string(ae.Kind)).Msg("agent task failed")
	capitan.Error(ctx, signals.TaskFailed,
		signals.FieldAgent.Field(string(t.agent)),
		signals.FieldTaskID.Field(t.id),
		signals.FieldErrorKind.Field(string(ae.Kind)),
		signals.FieldDuration.Field(time.Since(start)),
		signals.FieldError.Field(ae),
	)
}

// isNilPayload catches typed nil pointers as well as a nil interface.
func isNilPayload(in ports.Payload) bool {
	if in == nil {
		return true
	}
	v := reflect.ValueOf(in)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// classify maps whatever an agent returned onto the AgentError taxonomy.
func classify(ctx context.Context, name ports.AgentName, err error) *ports.AgentError {
	var ae *ports.AgentError
	if errors.As(err, &ae) {
		if ae.Agent == "" {
			ae.Agent = name
		}
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return ports.NewAgentError(name, ports.AgentTimeout, err)
	}
	var ue *ports.UpstreamError
	if errors.As(err, &ue) {
		return ports.NewAgentError(name, ports.AgentUpstreamUnavailable, err)
	}
	return ports.NewAgentError(name, ports.AgentInternal, err)
}

// Close stops accepting dispatches and waits for running tasks to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.inflight.Wait()
}
