package reasoning

import "math"

// Weights parameterize Viability.
type Weights struct {
	Confidence float64
	Evidence   float64
	Risk       float64
}

// DefaultWeights favors confidence, rewards corroboration and penalizes risk.
var DefaultWeights = Weights{Confidence: 0.5, Evidence: 0.3, Risk: 0.2}

// Viability scores a candidate step:
//
//	v = clamp01(wc*confidence + we*(1 - e^(-n/2)) - wr*risk)
//
// where n is the number of distinct evidence references. The evidence term
// saturates so a long citation list cannot outweigh confidence.
func Viability(w Weights, confidence float64, evidenceCount int, risk float64) float64 {
	support := 1 - math.Exp(-float64(evidenceCount)/2)
	return clamp01(w.Confidence*confidence + w.Evidence*support - w.Risk*risk)
}
