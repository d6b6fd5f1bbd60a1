package reasoning

import (
	"fmt"
	"sort"
	"strings"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Template is the fixed step order of a chain.
var Template = []ports.StepType{
	ports.StepContextOrganization,
	ports.StepOptionGeneration,
	ports.StepRuleApplication,
	ports.StepEvidenceConsultation,
	ports.StepConclusion,
}

// Rule inspects one option and returns a flag plus the share of confidence
// it removes. An empty flag means the rule does not apply.
type Rule struct {
	Name  string
	Check func(opt ports.Option, in Input) (flag string, penalty float64)
}

// ChainConfig tunes a ChainProcessor.
type ChainConfig struct {
	HighRiskThreshold float64
	Rules             []Rule // nil means DefaultRules(HighRiskThreshold)
}

// DefaultRules returns the built-in administrative checks.
func DefaultRules(highRisk float64) []Rule {
	return []Rule{
		{Name: "evidence_required", Check: func(opt ports.Option, _ Input) (string, float64) {
			if len(opt.Evidence) == 0 {
				return "unsupported", 0.5
			}
			return "", 0
		}},
		{Name: "high_risk", Check: func(opt ports.Option, _ Input) (string, float64) {
			if opt.Risk > highRisk {
				return "high_risk", 0.3
			}
			return "", 0
		}},
		{Name: "documentation_complete", Check: func(_ ports.Option, in Input) (string, float64) {
			res, ok := in.Results[ports.DocumentAgentName]
			if !ok {
				return "", 0
			}
			if doc, ok := res.Output.(ports.DocumentOutput); ok && len(doc.MissingFields) > 0 {
				return "documentation_incomplete", 0.2
			}
			return "", 0
		}},
	}
}

// ChainProcessor runs the sequential template. Each step consumes only the
// previous step's output state plus the original results.
type ChainProcessor struct {
	cfg ChainConfig
}

func NewChainProcessor(cfg ChainConfig) *ChainProcessor {
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = 0.7
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules(cfg.HighRiskThreshold)
	}
	return &ChainProcessor{cfg: cfg}
}

type stepFunc func(prev ports.ReasoningState, in Input) (out ports.ReasoningState, conf float64, rationale string, refs []string, err error)

// Process always returns a chain. The error is a *ports.ReasoningError when
// the chain is incomplete or its conclusion lacks evidence.
func (p *ChainProcessor) Process(in Input) (ports.ReasoningChain, error) {
	chain := ports.ReasoningChain{ID: uuid.NewString(), Strategy: ports.StrategyChain}

	steps := map[ports.StepType]stepFunc{
		ports.StepContextOrganization:  p.organizeContext,
		ports.StepOptionGeneration:     p.generateOptions,
		ports.StepRuleApplication:      p.applyRules,
		ports.StepEvidenceConsultation: p.consultEvidence,
		ports.StepConclusion:           p.conclude,
	}

	var state ports.ReasoningState
	var parent string
	for i, typ := range Template {
		out, conf, rationale, refs, err := steps[typ](state, in)
		if err != nil {
			finalize(&chain)
			chain.Status = ports.ChainIncomplete
			chain.RequiresReview = true
			chain.ReviewReasons = append(chain.ReviewReasons, fmt.Sprintf("chain halted at %s: %v", typ, err))
			return chain, &ports.ReasoningError{Kind: ports.IncompleteChain, Step: typ, Message: err.Error()}
		}
		step := ports.ReasoningStep{
			ID:           uuid.NewString(),
			Type:         typ,
			Index:        i,
			ParentID:     parent,
			InputState:   state,
			OutputState:  out,
			Confidence:   clamp01(conf),
			Rationale:    rationale,
			EvidenceRefs: refs,
		}
		chain.Steps = append(chain.Steps, step)
		chain.SelectedPath = append(chain.SelectedPath, step.ID)
		state, parent = out, step.ID
	}

	finalize(&chain)
	last := chain.Steps[len(chain.Steps)-1]
	chain.Conclusion = last.Rationale
	chain.Status = ports.ChainComplete

	if top, ok := topOption(state); ok {
		for _, f := range top.Flags {
			if f == "high_risk" || f == "documentation_incomplete" {
				chain.RequiresReview = true
				chain.ReviewReasons = append(chain.ReviewReasons, fmt.Sprintf("%s flagged %s", top.Name, f))
			}
		}
	}
	if len(last.EvidenceRefs) == 0 {
		chain.Status = ports.ChainLowConfidence
		chain.RequiresReview = true
		chain.ReviewReasons = append(chain.ReviewReasons, "conclusion cites no evidence")
		return chain, &ports.ReasoningError{Kind: ports.LowConfidence, Step: ports.StepConclusion, Message: "conclusion cites no evidence"}
	}
	return chain, nil
}

// finalize sets the chain confidence to the minimum over the selected path.
func finalize(c *ports.ReasoningChain) {
	path := c.Path()
	if len(path) == 0 {
		c.Confidence = 0
		return
	}
	confs := make([]float64, len(path))
	for i, s := range path {
		confs[i] = s.Confidence
	}
	c.Confidence = floats.Min(confs)
}

func topOption(s ports.ReasoningState) (ports.Option, bool) {
	for _, o := range s.Options {
		if o.Name == s.Selected {
			return o, true
		}
	}
	if len(s.Options) > 0 {
		return s.Options[0], true
	}
	return ports.Option{}, false
}

func (p *ChainProcessor) organizeContext(_ ports.ReasoningState, in Input) (ports.ReasoningState, float64, string, []string, error) {
	if len(in.Results) == 0 {
		return ports.ReasoningState{}, 0, "", nil, fmt.Errorf("no agent results")
	}
	names := make([]string, 0, len(in.Results))
	confs := make([]float64, 0, len(in.Results))
	var refs []string
	for n, r := range in.Results {
		names = append(names, string(n))
		confs = append(confs, r.Confidence)
	}
	sort.Strings(names)
	for _, n := range names {
		refs = unionRefs(refs, in.Results[ports.AgentName(n)].Evidence)
	}

	var out ports.ReasoningState
	for _, f := range in.findings() {
		out.Context = append(out.Context, fmt.Sprintf("[%s] %s", f.Source, f.Statement))
	}
	rationale := fmt.Sprintf("organized %d findings from %s", len(out.Context), strings.Join(names, ", "))
	return out, stat.Mean(confs, nil), rationale, refs, nil
}

func (p *ChainProcessor) generateOptions(prev ports.ReasoningState, in Input) (ports.ReasoningState, float64, string, []string, error) {
	opts := generateOptions(in.findings())
	if len(opts) == 0 {
		return ports.ReasoningState{}, 0, "", nil, fmt.Errorf("agent results contain no findings")
	}
	out := ports.ReasoningState{Context: prev.Context, Options: opts}
	return out, opts[0].Confidence, fmt.Sprintf("generated %d candidate options", len(opts)), nil, nil
}

func (p *ChainProcessor) applyRules(prev ports.ReasoningState, in Input) (ports.ReasoningState, float64, string, []string, error) {
	if len(prev.Options) == 0 {
		return ports.ReasoningState{}, 0, "", nil, fmt.Errorf("no options to evaluate")
	}
	opts := make([]ports.Option, len(prev.Options))
	flagged := 0
	for i, o := range prev.Options {
		o.Flags = nil
		for _, r := range p.cfg.Rules {
			if flag, penalty := r.Check(o, in); flag != "" {
				o.Flags = append(o.Flags, flag)
				o.Confidence *= 1 - clamp01(penalty)
			}
		}
		if len(o.Flags) > 0 {
			flagged++
		}
		opts[i] = o
	}
	sortOptions(opts)

	out := ports.ReasoningState{Context: prev.Context, Options: opts, Selected: opts[0].Name}
	return out, opts[0].Confidence, fmt.Sprintf("applied %d rules, %d options flagged", len(p.cfg.Rules), flagged), nil, nil
}

func (p *ChainProcessor) consultEvidence(prev ports.ReasoningState, _ Input) (ports.ReasoningState, float64, string, []string, error) {
	top, ok := topOption(prev)
	if !ok {
		return ports.ReasoningState{}, 0, "", nil, fmt.Errorf("no selected option")
	}
	conf := top.Confidence
	rationale := fmt.Sprintf("%s is supported by %d references", top.Name, len(top.Evidence))
	if len(top.Evidence) == 0 {
		conf *= 0.5
		rationale = fmt.Sprintf("%s has no supporting references", top.Name)
	}
	out := prev
	out.Notes = append(append([]string(nil), prev.Notes...), rationale)
	return out, conf, rationale, top.Evidence, nil
}

func (p *ChainProcessor) conclude(prev ports.ReasoningState, _ Input) (ports.ReasoningState, float64, string, []string, error) {
	top, ok := topOption(prev)
	if !ok {
		return ports.ReasoningState{}, 0, "", nil, fmt.Errorf("no selected option")
	}
	rationale := fmt.Sprintf("Recommended: %s", top.Name)
	if len(top.Flags) > 0 {
		rationale += fmt.Sprintf(" (flags: %s)", strings.Join(top.Flags, ", "))
	}
	return prev, top.Confidence, rationale, top.Evidence, nil
}
