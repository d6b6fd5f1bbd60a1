package harnessports

import (
	"fmt"
	"math"
)

// StepType names a reasoning step template slot.
type StepType string

const (
	StepContextOrganization  StepType = "context_organization"
	StepOptionGeneration     StepType = "option_generation"
	StepRuleApplication      StepType = "rule_application"
	StepEvidenceConsultation StepType = "evidence_consultation"
	StepConclusion           StepType = "conclusion"
	StepBranch               StepType = "branch"
)

// Option is a candidate course of action carried through reasoning.
type Option struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Risk       float64  `json:"risk"`
	Evidence   []string `json:"evidence,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

// ReasoningState is the data passed from one step to the next.
type ReasoningState struct {
	Context  []string `json:"context,omitempty"`
	Options  []Option `json:"options,omitempty"`
	Selected string   `json:"selected,omitempty"`
	Notes    []string `json:"notes,omitempty"`
}

// ReasoningStep is never mutated after creation.
type ReasoningStep struct {
	ID           string         `json:"step_id"`
	Type         StepType       `json:"step_type"`
	Index        int            `json:"index"`
	ParentID     string         `json:"parent_id,omitempty"`
	Depth        int            `json:"depth,omitempty"`
	InputState   ReasoningState `json:"input_state"`
	OutputState  ReasoningState `json:"output_state"`
	Confidence   float64        `json:"confidence"`
	Viability    float64        `json:"viability,omitempty"`
	Rationale    string         `json:"rationale"`
	EvidenceRefs []string       `json:"evidence_refs,omitempty"`
	Pruned       bool           `json:"pruned,omitempty"`
}

// ChainStatus is the terminal state of a reasoning run.
type ChainStatus string

const (
	ChainComplete      ChainStatus = "complete"
	ChainLowConfidence ChainStatus = "low_confidence"
	ChainIncomplete    ChainStatus = "incomplete"
)

// ReasoningChain is the persisted reasoning trail of a turn.
type ReasoningChain struct {
	ID                  string          `json:"chain_id"`
	Strategy            Strategy        `json:"strategy"`
	Steps               []ReasoningStep `json:"steps"`
	SelectedPath        []string        `json:"selected_path"`
	Conclusion          string          `json:"final_conclusion"`
	Confidence          float64         `json:"confidence_score"`
	CumulativeViability float64         `json:"cumulative_viability,omitempty"`
	Status              ChainStatus     `json:"status"`
	RequiresReview      bool            `json:"requires_review"`
	ReviewReasons       []string        `json:"review_reasons,omitempty"`
}

// Step returns the step with id.
func (c *ReasoningChain) Step(id string) (ReasoningStep, bool) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return ReasoningStep{}, false
}

// Path resolves SelectedPath into steps, in order.
func (c *ReasoningChain) Path() []ReasoningStep {
	out := make([]ReasoningStep, 0, len(c.SelectedPath))
	for _, id := range c.SelectedPath {
		if s, ok := c.Step(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// PathConfidence is the minimum step confidence over the selected path, or 0
// for an empty path.
func (c *ReasoningChain) PathConfidence() float64 {
	path := c.Path()
	if len(path) == 0 {
		return 0
	}
	m := path[0].Confidence
	for _, s := range path[1:] {
		m = math.Min(m, s.Confidence)
	}
	return m
}

// Validate checks the structural invariants of the chain.
func (c *ReasoningChain) Validate() error {
	seen := make(map[string]struct{}, len(c.Steps))
	for _, s := range c.Steps {
		seen[s.ID] = struct{}{}
	}
	for _, id := range c.SelectedPath {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("selected path references unknown step %q", id)
		}
	}
	if want := c.PathConfidence(); math.Abs(c.Confidence-want) > 1e-9 {
		return fmt.Errorf("chain confidence %.4f does not match path minimum %.4f", c.Confidence, want)
	}
	return nil
}
