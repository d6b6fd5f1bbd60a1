// Package reasoning turns collected agent results into a reasoning chain.
// Both processors are pure computation: they never call agents and never
// block.
package reasoning

import (
	"sort"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

// Input is everything a processor may look at.
type Input struct {
	Query   ports.Query
	Results map[ports.AgentName]ports.AgentResult
}

// findings flattens results in agent-name order so output is deterministic.
func (in Input) findings() []ports.Finding {
	names := make([]string, 0, len(in.Results))
	for n := range in.Results {
		names = append(names, string(n))
	}
	sort.Strings(names)

	var out []ports.Finding
	for _, n := range names {
		out = append(out, in.Results[ports.AgentName(n)].Findings()...)
	}
	return out
}

// generateOptions merges findings into candidate options. Findings that name
// an option take precedence; without any, every finding is a candidate.
// Duplicate names merge with mean confidence, max risk and unioned evidence.
func generateOptions(fs []ports.Finding) []ports.Option {
	var explicit []ports.Finding
	for _, f := range fs {
		if f.Option != "" {
			explicit = append(explicit, f)
		}
	}
	src := explicit
	useStatement := false
	if len(src) == 0 {
		src = fs
		useStatement = true
	}

	type acc struct {
		opt   ports.Option
		confs []float64
	}
	byName := make(map[string]*acc)
	var order []string
	for _, f := range src {
		name := f.Option
		if useStatement {
			name = f.Statement
		}
		a, ok := byName[name]
		if !ok {
			a = &acc{opt: ports.Option{Name: name}}
			byName[name] = a
			order = append(order, name)
		}
		a.confs = append(a.confs, f.Confidence)
		if f.Risk > a.opt.Risk {
			a.opt.Risk = f.Risk
		}
		a.opt.Evidence = unionRefs(a.opt.Evidence, f.Evidence)
	}

	out := make([]ports.Option, 0, len(order))
	for _, name := range order {
		a := byName[name]
		sum := 0.0
		for _, c := range a.confs {
			sum += c
		}
		a.opt.Confidence = sum / float64(len(a.confs))
		out = append(out, a.opt)
	}
	sortOptions(out)
	return out
}

// sortOptions orders by confidence desc, then risk asc, then name.
func sortOptions(opts []ports.Option) {
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].Confidence != opts[j].Confidence {
			return opts[i].Confidence > opts[j].Confidence
		}
		if opts[i].Risk != opts[j].Risk {
			return opts[i].Risk < opts[j].Risk
		}
		return opts[i].Name < opts[j].Name
	})
}

func unionRefs(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
