package harnessports

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when a session is missing or idle-expired.
var ErrSessionNotFound = errors.New("session not found")

// AgentErrorKind classifies agent failures.
type AgentErrorKind string

const (
	AgentTimeout             AgentErrorKind = "timeout"
	AgentInvalidInput        AgentErrorKind = "invalid_input"
	AgentUpstreamUnavailable AgentErrorKind = "upstream_unavailable"
	AgentInternal            AgentErrorKind = "internal"
)

// AgentError is the only failure an agent task reports.
type AgentError struct {
	Kind    AgentErrorKind `json:"kind"`
	Agent   AgentName      `json:"agent"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Kind, e.Err)
	}
	return fmt.Sprintf("agent %s: %s: %s", e.Agent, e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Is matches another *AgentError by Kind, ignoring Agent and Message.
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	return ok && t.Kind == e.Kind && t.Agent == ""
}

// NewAgentError builds an AgentError whose Message is taken from err.
func NewAgentError(agent AgentName, kind AgentErrorKind, err error) *AgentError {
	ae := &AgentError{Kind: kind, Agent: agent, Err: err}
	if err != nil {
		ae.Message = err.Error()
	}
	return ae
}

var (
	ErrAgentTimeout             = &AgentError{Kind: AgentTimeout}
	ErrAgentInvalidInput        = &AgentError{Kind: AgentInvalidInput}
	ErrAgentUpstreamUnavailable = &AgentError{Kind: AgentUpstreamUnavailable}
	ErrAgentInternal            = &AgentError{Kind: AgentInternal}
)

// ReasoningErrorKind classifies reasoning failures.
type ReasoningErrorKind string

const (
	IncompleteChain ReasoningErrorKind = "incomplete_chain"
	NoViablePath    ReasoningErrorKind = "no_viable_path"
	LowConfidence   ReasoningErrorKind = "low_confidence"
)

// ReasoningError downgrades a response; it never aborts a turn.
type ReasoningError struct {
	Kind    ReasoningErrorKind
	Step    StepType
	Message string
}

func (e *ReasoningError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("reasoning %s at %s: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("reasoning %s: %s", e.Kind, e.Message)
}

func (e *ReasoningError) Is(target error) bool {
	t, ok := target.(*ReasoningError)
	return ok && t.Kind == e.Kind
}

var (
	ErrIncompleteChain = &ReasoningError{Kind: IncompleteChain}
	ErrNoViablePath    = &ReasoningError{Kind: NoViablePath}
	ErrLowConfidence   = &ReasoningError{Kind: LowConfidence}
)

// OrchestrationErrorKind classifies request-fatal failures.
type OrchestrationErrorKind string

const (
	AllAgentsUnavailable    OrchestrationErrorKind = "all_agents_unavailable"
	SessionStoreUnavailable OrchestrationErrorKind = "session_store_unavailable"
	DeadlineExceeded        OrchestrationErrorKind = "deadline_exceeded"
	InvalidQuery            OrchestrationErrorKind = "invalid_query"
)

// OrchestrationError is fatal for the request and surfaced to the caller.
type OrchestrationError struct {
	Kind      OrchestrationErrorKind
	SessionID string
	TurnID    string
	Message   string
	Err       error
}

func (e *OrchestrationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("orchestration %s (session=%s turn=%s): %s", e.Kind, e.SessionID, e.TurnID, msg)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether resubmitting the same query may succeed.
func (e *OrchestrationError) Retryable() bool {
	switch e.Kind {
	case SessionStoreUnavailable, DeadlineExceeded, AllAgentsUnavailable:
		return true
	}
	return false
}

var (
	ErrAllAgentsUnavailable    = &OrchestrationError{Kind: AllAgentsUnavailable}
	ErrSessionStoreUnavailable = &OrchestrationError{Kind: SessionStoreUnavailable}
	ErrDeadlineExceeded        = &OrchestrationError{Kind: DeadlineExceeded}
	ErrInvalidQuery            = &OrchestrationError{Kind: InvalidQuery}
)
