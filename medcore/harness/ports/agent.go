package harnessports

import (
	"context"
	"time"
)

// AgentName identifies a registered agent.
type AgentName string

const (
	ResearchAgentName      AgentName = "research"
	DocumentAgentName      AgentName = "document"
	TranscriptionAgentName AgentName = "transcription"
	BillingAgentName       AgentName = "billing"
)

// Payload is a typed agent input. Target names the only agent allowed to run it.
type Payload interface {
	Target() AgentName
}

// Output is a typed agent output. Findings projects it into the uniform shape
// the reasoning layer consumes.
type Output interface {
	Kind() string
	Findings() []Finding
}

// Finding is one statement an agent stands behind.
type Finding struct {
	Statement  string    `json:"statement"`
	Option     string    `json:"option,omitempty"` // candidate course of action; empty for context-only findings
	Confidence float64   `json:"confidence"`
	Risk       float64   `json:"risk"` // estimated administrative risk in [0,1]
	Evidence   []string  `json:"evidence,omitempty"`
	Source     AgentName `json:"source"`
}

// AgentResult is the successful outcome of one AgentTask.
type AgentResult struct {
	TaskID     string    `json:"task_id"`
	Agent      AgentName `json:"agent"`
	Output     Output    `json:"-"`
	Confidence float64   `json:"confidence"`
	Evidence   []string  `json:"evidence,omitempty"`
}

// Findings returns the output findings stamped with the producing agent.
func (r AgentResult) Findings() []Finding {
	if r.Output == nil {
		return nil
	}
	fs := r.Output.Findings()
	out := make([]Finding, len(fs))
	for i, f := range fs {
		f.Source = r.Agent
		out[i] = f
	}
	return out
}

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

// AgentTask is a point-in-time view of a dispatched task.
type AgentTask struct {
	ID       string     `json:"task_id"`
	Agent    AgentName  `json:"agent"`
	Input    Payload    `json:"-"`
	Deadline time.Time  `json:"deadline"`
	Status   TaskStatus `json:"status"`
}

// Agent is the single capability every specialized worker implements.
// Run must observe ctx and return a Timeout AgentError once it expires.
type Agent interface {
	Name() AgentName
	InputSchema() []byte
	Run(ctx context.Context, in Payload) (AgentResult, error)
}
