package harness

import (
	"fmt"
	"sort"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/Galdaer/portfolio-sub000/medcore/reasoning"
)

// directAnswerDiscount scales the confidence of an answer produced without a
// complete reasoning chain.
const directAnswerDiscount = 0.5

// Synthesizer turns a reasoning chain into the caller-facing answer.
type Synthesizer struct {
	ReviewThreshold float64
	FailurePenalty  float64
	Weights         reasoning.Weights
}

// Synthesize builds the answer for a completed chain. dispatched and failed
// count agent tasks; every failure lowers confidence proportionally.
func (s *Synthesizer) Synthesize(chain ports.ReasoningChain, dispatched, failed int) ports.Answer {
	ans := ports.Answer{
		Text:           chain.Conclusion,
		Confidence:     s.penalize(chain.Confidence, dispatched, failed),
		RequiresReview: chain.RequiresReview || chain.Status != ports.ChainComplete,
		ReviewReasons:  append([]string(nil), chain.ReviewReasons...),
		Ranked:         s.rank(chain),
	}
	for _, st := range chain.Path() {
		for _, ref := range st.EvidenceRefs {
			ans.Sources = appendUnique(ans.Sources, ref)
		}
	}
	s.checkThreshold(&ans)
	return ans
}

// Direct answers from the single most confident finding when reasoning could
// not finish. It is always flagged for review.
func (s *Synthesizer) Direct(in reasoning.Input, chain ports.ReasoningChain, dispatched, failed int) ports.Answer {
	ans := ports.Answer{
		Text:           "No conclusive answer; agent results are attached for review",
		RequiresReview: true,
		ReviewReasons:  append([]string(nil), chain.ReviewReasons...),
		Fallback:       true,
	}

	var best *ports.Finding
	for _, r := range in.Results {
		for _, f := range r.Findings() {
			if best == nil || f.Confidence > best.Confidence ||
				(f.Confidence == best.Confidence && f.Statement < best.Statement) {
				best = &f
			}
		}
	}
	if best != nil {
		ans.Text = fmt.Sprintf("Direct answer from %s: %s", best.Source, best.Statement)
		ans.Confidence = s.penalize(best.Confidence*directAnswerDiscount, dispatched, failed)
		ans.Sources = append(ans.Sources, best.Evidence...)
	}
	ans.ReviewReasons = append(ans.ReviewReasons, "answered without a complete reasoning chain")
	return ans
}

func (s *Synthesizer) penalize(conf float64, dispatched, failed int) float64 {
	if dispatched <= 0 || failed <= 0 {
		return conf
	}
	share := float64(failed) / float64(dispatched)
	return conf * (1 - s.FailurePenalty*share)
}

func (s *Synthesizer) checkThreshold(ans *ports.Answer) {
	if ans.Confidence < s.ReviewThreshold {
		ans.RequiresReview = true
		ans.ReviewReasons = append(ans.ReviewReasons,
			fmt.Sprintf("confidence %.2f below review threshold %.2f", ans.Confidence, s.ReviewThreshold))
	}
}

// rank scores every option the chain considered and keeps each option's best
// viability.
func (s *Synthesizer) rank(chain ports.ReasoningChain) []ports.Ranked {
	best := make(map[string]float64)
	for _, st := range chain.Steps {
		for _, o := range st.OutputState.Options {
			v := reasoning.Viability(s.Weights, o.Confidence, len(o.Evidence), o.Risk)
			if cur, ok := best[o.Name]; !ok || v > cur {
				best[o.Name] = v
			}
		}
	}
	out := make([]ports.Ranked, 0, len(best))
	for name, v := range best {
		out = append(out, ports.Ranked{Option: name, Viability: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Viability != out[j].Viability {
			return out[i].Viability > out[j].Viability
		}
		return out[i].Option < out[j].Option
	})
	return out
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
