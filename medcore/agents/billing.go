package agents

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"gonum.org/v1/gonum/stat"
)

// BillingSchema defines the JSON schema for billing agent input.
const BillingSchema = `{
  "type": "object",
  "properties": {
    "question": {"type": "string"},
    "procedure_codes": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "pattern": "^[A-Z0-9]{4,7}$"}
    },
    "diagnosis_codes": {"type": "array", "items": {"type": "string"}},
    "payer_id": {"type": "string"}
  },
  "required": ["procedure_codes"]
}`

const (
	unknownPolicyConfidence = 0.2
	unknownPolicyRisk       = 0.5
	uncoveredRiskFloor      = 0.9
	priorAuthRiskPenalty    = 0.2
)

// BillingReasoningAgent assesses coding options against payer coverage
// policies. Each procedure code becomes one option.
type BillingReasoningAgent struct {
	source ports.KnowledgeSource
}

func NewBillingReasoningAgent(source ports.KnowledgeSource) *BillingReasoningAgent {
	return &BillingReasoningAgent{source: source}
}

func (a *BillingReasoningAgent) Name() ports.AgentName { return ports.BillingAgentName }
func (a *BillingReasoningAgent) InputSchema() []byte   { return []byte(BillingSchema) }

func (a *BillingReasoningAgent) Run(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
	req, ok := in.(ports.BillingInput)
	if !ok {
		return ports.AgentResult{}, ports.NewAgentError(a.Name(), ports.AgentInvalidInput, errPayloadType(in))
	}

	out := ports.BillingOutput{PayerID: req.PayerID}
	var evidence []string
	for _, code := range req.ProcedureCodes {
		recs, err := a.source.Query(ctx, ports.KnowledgeQuery{Domain: "coverage", Terms: []string{code}, Limit: 10})
		if err != nil {
			return ports.AgentResult{}, classify(ctx, a.Name(), err)
		}
		opt := assessOption(code, req.PayerID, recs)
		out.Options = append(out.Options, opt)
		evidence = append(evidence, opt.Evidence...)
	}

	sort.SliceStable(out.Options, func(i, j int) bool {
		return out.Options[i].Confidence > out.Options[j].Confidence
	})

	confs := make([]float64, len(out.Options))
	for i, o := range out.Options {
		confs[i] = o.Confidence
	}
	return ports.AgentResult{Output: out, Confidence: stat.Mean(confs, nil), Evidence: evidence}, nil
}

// assessOption picks the policy for code, preferring one written for payer
// over a generic one, and derives risk from its denial rate, coverage and prior-auth flags.
func assessOption(code, payer string, recs []ports.KnowledgeRecord) ports.BillingOption {
	var policy *ports.KnowledgeRecord
	for i := range recs {
		r := &recs[i]
		if !mentionsCode(r, code) {
			continue
		}
		p := r.Attributes["payer"]
		if p != "" && !strings.EqualFold(p, payer) {
			continue
		}
		// a payer-specific policy beats a generic one
		if policy == nil || (p != "" && policy.Attributes["payer"] == "") {
			policy = r
		}
	}

	if policy == nil {
		return ports.BillingOption{
			Code:       code,
			Confidence: unknownPolicyConfidence,
			DenialRisk: unknownPolicyRisk,
			Rationale:  "no coverage policy found",
		}
	}

	covered := attrBool(policy.Attributes, "covered")
	priorAuth := attrBool(policy.Attributes, "prior_auth")
	risk, _ := strconv.ParseFloat(policy.Attributes["denial_rate"], 64)
	if !covered && risk < uncoveredRiskFloor {
		risk = uncoveredRiskFloor
	}
	if priorAuth {
		risk += priorAuthRiskPenalty
	}

	rationale := "covered"
	if !covered {
		rationale = "not covered"
	}
	if priorAuth {
		rationale += ", prior authorization required"
	}
	if payer != "" {
		rationale = fmt.Sprintf("%s by %s", rationale, payer)
	}

	return ports.BillingOption{
		Code:        code,
		Description: policy.Title,
		Covered:     covered,
		PriorAuth:   priorAuth,
		DenialRisk:  clamp01(risk),
		Confidence:  clamp01(policy.Score),
		Rationale:   rationale,
		Evidence:    []string{policy.ID},
	}
}

func mentionsCode(r *ports.KnowledgeRecord, code string) bool {
	for _, t := range r.Terms {
		if strings.EqualFold(t, code) {
			return true
		}
	}
	return false
}

func attrBool(attrs map[string]string, key string) bool {
	b, _ := strconv.ParseBool(attrs[key])
	return b
}
