package reasoning

import (
	"fmt"
	"sort"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
)

// supportGain is the share of remaining doubt a fully confident supporting
// finding removes from a branch.
const supportGain = 0.3

// TreeConfig tunes a TreePlanner.
type TreeConfig struct {
	Depth             int
	Branching         int
	BeamWidth         int
	MinViability      float64
	HighRiskThreshold float64
	Weights           Weights
}

// TreePlanner explores candidate options level by level, keeping a beam of
// the best cumulative paths.
type TreePlanner struct {
	cfg TreeConfig
}

func NewTreePlanner(cfg TreeConfig) *TreePlanner {
	if cfg.Depth < 1 {
		cfg.Depth = 1
	}
	if cfg.Branching < 1 {
		cfg.Branching = 1
	}
	if cfg.BeamWidth < 1 || cfg.BeamWidth > cfg.Branching {
		cfg.BeamWidth = cfg.Branching
	}
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = 0.7
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	return &TreePlanner{cfg: cfg}
}

// Config returns the effective configuration after defaults.
func (p *TreePlanner) Config() TreeConfig { return p.cfg }

type node struct {
	step       ports.ReasoningStep
	option     ports.Option
	used       map[int]struct{}
	path       []string
	confs      []float64
	cumulative float64
}

// Plan returns the chain for the best root-to-leaf path. It fails with
// NoViablePath when no first-level candidate reaches the threshold.
func (p *TreePlanner) Plan(in Input) (ports.ReasoningChain, error) {
	chain := ports.ReasoningChain{ID: uuid.NewString(), Strategy: ports.StrategyTree}
	fs := in.findings()

	roots := p.roots(fs)
	frontier := p.admit(roots)
	chain.Steps = appendSteps(chain.Steps, roots)
	if len(frontier) == 0 {
		chain.Status = ports.ChainIncomplete
		chain.RequiresReview = true
		chain.ReviewReasons = append(chain.ReviewReasons, "no candidate reached minimum viability")
		return chain, &ports.ReasoningError{Kind: ports.NoViablePath, Step: ports.StepBranch,
			Message: fmt.Sprintf("%d candidates scored below %.2f", len(roots), p.cfg.MinViability)}
	}

	for level := 2; level <= p.cfg.Depth; level++ {
		var candidates []*node
		for _, parent := range frontier {
			candidates = append(candidates, p.expand(parent, fs, level)...)
		}
		if len(candidates) == 0 {
			break
		}
		next := p.admit(candidates)
		chain.Steps = appendSteps(chain.Steps, candidates)
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	best := frontier[0]
	for _, n := range frontier[1:] {
		if n.cumulative > best.cumulative {
			best = n
		}
	}

	chain.SelectedPath = append([]string(nil), best.path...)
	chain.Confidence = floats.Min(best.confs)
	chain.CumulativeViability = best.cumulative
	chain.Conclusion = fmt.Sprintf("Recommended: %s", best.option.Name)
	chain.Status = ports.ChainComplete

	if best.option.Risk > p.cfg.HighRiskThreshold {
		chain.RequiresReview = true
		chain.ReviewReasons = append(chain.ReviewReasons, fmt.Sprintf("%s flagged high_risk", best.option.Name))
	}
	if len(best.option.Evidence) == 0 {
		chain.Status = ports.ChainLowConfidence
		chain.RequiresReview = true
		chain.ReviewReasons = append(chain.ReviewReasons, "selected path cites no evidence")
		return chain, &ports.ReasoningError{Kind: ports.LowConfidence, Step: ports.StepBranch, Message: "selected path cites no evidence"}
	}
	return chain, nil
}

func (p *TreePlanner) roots(fs []ports.Finding) []*node {
	opts := generateOptions(fs)
	if len(opts) > p.cfg.Branching {
		opts = opts[:p.cfg.Branching]
	}
	explicit := false
	for _, f := range fs {
		if f.Option != "" {
			explicit = true
			break
		}
	}

	out := make([]*node, 0, len(opts))
	for i, opt := range opts {
		used := make(map[int]struct{})
		for j, f := range fs {
			if (explicit && f.Option == opt.Name) || (!explicit && f.Statement == opt.Name) {
				used[j] = struct{}{}
			}
		}
		n := p.score(nil, opt, used, i, 1, fmt.Sprintf("option %s from %d findings", opt.Name, len(used)))
		out = append(out, n)
	}
	return out
}

// expand derives up to Branching children from parent, each folding in one
// unused supporting finding.
func (p *TreePlanner) expand(parent *node, fs []ports.Finding, depth int) []*node {
	var pool []int
	for i, f := range fs {
		if _, ok := parent.used[i]; ok || f.Option != "" {
			continue
		}
		pool = append(pool, i)
	}
	sort.SliceStable(pool, func(a, b int) bool { return fs[pool[a]].Confidence > fs[pool[b]].Confidence })
	if len(pool) > p.cfg.Branching {
		pool = pool[:p.cfg.Branching]
	}

	out := make([]*node, 0, len(pool))
	for i, idx := range pool {
		f := fs[idx]
		opt := parent.option
		opt.Evidence = unionRefs(append([]string(nil), opt.Evidence...), f.Evidence)
		rationale := fmt.Sprintf("%s supported by [%s] %s", opt.Name, f.Source, f.Statement)
		if f.Risk > 0 {
			if f.Risk > opt.Risk {
				opt.Risk = f.Risk
			}
			rationale = fmt.Sprintf("%s weighed against [%s] %s", opt.Name, f.Source, f.Statement)
		} else {
			opt.Confidence = clamp01(opt.Confidence + (1-opt.Confidence)*supportGain*f.Confidence)
		}

		used := make(map[int]struct{}, len(parent.used)+1)
		for k := range parent.used {
			used[k] = struct{}{}
		}
		used[idx] = struct{}{}
		out = append(out, p.score(parent, opt, used, i, depth, rationale))
	}
	return out
}

func (p *TreePlanner) score(parent *node, opt ports.Option, used map[int]struct{}, index, depth int, rationale string) *node {
	v := Viability(p.cfg.Weights, opt.Confidence, len(opt.Evidence), opt.Risk)
	n := &node{option: opt, used: used}
	n.step = ports.ReasoningStep{
		ID:           uuid.NewString(),
		Type:         ports.StepBranch,
		Index:        index,
		Depth:        depth,
		OutputState:  ports.ReasoningState{Options: []ports.Option{opt}, Selected: opt.Name},
		Confidence:   opt.Confidence,
		Viability:    v,
		Rationale:    rationale,
		EvidenceRefs: opt.Evidence,
	}
	n.cumulative = v
	if parent != nil {
		n.step.ParentID = parent.step.ID
		n.step.InputState = parent.step.OutputState
		n.path = append(n.path, parent.path...)
		n.confs = append(n.confs, parent.confs...)
		n.cumulative += parent.cumulative
	}
	n.path = append(n.path, n.step.ID)
	n.confs = append(n.confs, opt.Confidence)
	return n
}

// admit marks candidates at or below the threshold or outside the beam as pruned
// and returns the survivors ordered by cumulative viability.
func (p *TreePlanner) admit(candidates []*node) []*node {
	var viable []*node
	for _, n := range candidates {
		if n.step.Viability <= p.cfg.MinViability {
			n.step.Pruned = true
			continue
		}
		viable = append(viable, n)
	}
	sort.SliceStable(viable, func(i, j int) bool { return viable[i].cumulative > viable[j].cumulative })
	if len(viable) > p.cfg.BeamWidth {
		for _, n := range viable[p.cfg.BeamWidth:] {
			n.step.Pruned = true
		}
		viable = viable[:p.cfg.BeamWidth]
	}
	return viable
}

func appendSteps(dst []ports.ReasoningStep, nodes []*node) []ports.ReasoningStep {
	for _, n := range nodes {
		dst = append(dst, n.step)
	}
	return dst
}
