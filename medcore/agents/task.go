package agents

import (
	"sync"
	"time"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

// Task tracks one dispatched agent invocation. The first terminal transition
// wins; later ones are ignored.
type Task struct {
	id       string
	agent    ports.AgentName
	input    ports.Payload
	deadline time.Time

	mu     sync.Mutex
	status ports.TaskStatus
	result *ports.AgentResult
	err    *ports.AgentError
	done   chan struct{}
}

func newTask(id string, agent ports.AgentName, input ports.Payload, deadline time.Time) *Task {
	return &Task{
		id:       id,
		agent:    agent,
		input:    input,
		deadline: deadline,
		status:   ports.TaskPending,
		done:     make(chan struct{}),
	}
}

func (t *Task) ID() string             { return t.id }
func (t *Task) Agent() ports.AgentName { return t.agent }
func (t *Task) Deadline() time.Time    { return t.deadline }
func (t *Task) Done() <-chan struct{}  { return t.done }

// Status returns the current lifecycle state.
func (t *Task) Status() ports.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns a point-in-time copy of the task record.
func (t *Task) Snapshot() ports.AgentTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ports.AgentTask{
		ID:       t.id,
		Agent:    t.agent,
		Input:    t.input,
		Deadline: t.deadline,
		Status:   t.status,
	}
}

// Outcome returns exactly one of result or error once the task is terminal.
func (t *Task) Outcome() (*ports.AgentResult, *ports.AgentError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Expire marks a still-running task as timed out. It reports whether this
// call performed the transition.
func (t *Task) Expire() bool {
	return t.fail(ports.NewAgentError(t.agent, ports.AgentTimeout, errDeadline))
}

func (t *Task) start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != ports.TaskPending {
		return false
	}
	t.status = ports.TaskRunning
	return true
}

func (t *Task) succeed(res ports.AgentResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = ports.TaskSucceeded
	t.result = &res
	close(t.done)
	return true
}

func (t *Task) fail(err *ports.AgentError) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = ports.TaskFailed
	if err.Kind == ports.AgentTimeout {
		t.status = ports.TaskTimedOut
	}
	t.err = err
	close(t.done)
	return true
}
