package harnessports

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session is the per-subject conversation context.
type Session struct {
	ID             string    `json:"session_id"`
	SubjectID      string    `json:"subject_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Turns          []Turn    `json:"turns"`
}

// HasTurn reports whether a turn with id is already recorded.
func (s *Session) HasTurn(id string) bool {
	for _, t := range s.Turns {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand out while the original keeps changing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	return &c
}

// Query is the caller's request for one turn.
type Query struct {
	Text           string      `json:"text"`
	SubjectID      string      `json:"subject_id,omitempty"`
	TurnID         string      `json:"turn_id,omitempty"` // optional; reuse on retry for idempotency
	Document       string      `json:"document,omitempty"`
	DocumentID     string      `json:"document_id,omitempty"`
	Transcript     string      `json:"transcript,omitempty"`
	ProcedureCodes []string    `json:"procedure_codes,omitempty"`
	DiagnosisCodes []string    `json:"diagnosis_codes,omitempty"`
	PayerID        string      `json:"payer_id,omitempty"`
	Agents         []AgentName `json:"agents,omitempty"` // explicit agent selection overrides routing
	Strategy       Strategy    `json:"strategy,omitempty"`
}

// Answer is the synthesized result of one turn.
type Answer struct {
	Text           string   `json:"text"`
	Confidence     float64  `json:"confidence"`
	RequiresReview bool     `json:"requires_review"`
	ReviewReasons  []string `json:"review_reasons,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	Ranked         []Ranked `json:"ranked,omitempty"`
	Fallback       bool     `json:"fallback,omitempty"`
}

// Ranked is one scored alternative in an answer.
type Ranked struct {
	Option    string  `json:"option"`
	Viability float64 `json:"viability"`
}

// Turn is one immutable request/response cycle.
type Turn struct {
	ID           string                    `json:"turn_id"`
	Input        Query                     `json:"input"`
	Class        QueryClass                `json:"class"`
	AgentResults map[AgentName]AgentResult `json:"agent_results"`
	AgentErrors  map[AgentName]*AgentError `json:"agent_errors,omitempty"`
	Chain        ReasoningChain            `json:"reasoning_chain"`
	Answer       Answer                    `json:"final_answer"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// QueryClass is the router's complexity classification.
type QueryClass string

const (
	ClassSimple      QueryClass = "simple"
	ClassMultiOption QueryClass = "multi_option"
	ClassAmbiguous   QueryClass = "ambiguous"
)

// Strategy selects the reasoning processor.
type Strategy string

const (
	StrategyChain Strategy = "chain"
	StrategyTree  Strategy = "tree"
	StrategyAuto  Strategy = "auto"
)

// ParseStrategy accepts chain, tree, auto or empty (auto).
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyAuto:
		return StrategyAuto, nil
	case StrategyChain, StrategyTree:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown reasoning strategy %q", s)
}

type agentResultJSON struct {
	TaskID     string          `json:"task_id"`
	Agent      AgentName       `json:"agent"`
	Output     json.RawMessage `json:"output,omitempty"`
	Confidence float64         `json:"confidence"`
	Evidence   []string        `json:"evidence,omitempty"`
}

// MarshalJSON stores Output as a tagged envelope.
func (r AgentResult) MarshalJSON() ([]byte, error) {
	var out json.RawMessage
	if r.Output != nil {
		b, err := EncodeOutput(r.Output)
		if err != nil {
			return nil, err
		}
		out = b
	}
	return json.Marshal(agentResultJSON{
		TaskID:     r.TaskID,
		Agent:      r.Agent,
		Output:     out,
		Confidence: r.Confidence,
		Evidence:   r.Evidence,
	})
}

// UnmarshalJSON decodes the tagged Output envelope through the kind registry.
func (r *AgentResult) UnmarshalJSON(b []byte) error {
	var raw agentResultJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.TaskID = raw.TaskID
	r.Agent = raw.Agent
	r.Confidence = raw.Confidence
	r.Evidence = raw.Evidence
	r.Output = nil
	if len(raw.Output) > 0 && string(raw.Output) != "null" {
		out, err := DecodeOutput(raw.Output)
		if err != nil {
			return err
		}
		r.Output = out
	}
	return nil
}
