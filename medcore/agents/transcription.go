package agents

import (
	"context"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"gonum.org/v1/gonum/stat"
)

// TranscriptionSchema defines the JSON schema for transcription agent input.
const TranscriptionSchema = `{
  "type": "object",
  "properties": {
    "transcript": {"type": "string", "minLength": 1},
    "speaker": {"type": "string"}
  },
  "required": ["transcript"]
}`

// TranscriptionAgent recognizes clinical entities in a visit transcript by
// looking its terms up in a terminology source.
type TranscriptionAgent struct {
	source ports.KnowledgeSource
	limit  int
}

func NewTranscriptionAgent(source ports.KnowledgeSource) *TranscriptionAgent {
	return &TranscriptionAgent{source: source, limit: 20}
}

func (a *TranscriptionAgent) Name() ports.AgentName { return ports.TranscriptionAgentName }
func (a *TranscriptionAgent) InputSchema() []byte   { return []byte(TranscriptionSchema) }

func (a *TranscriptionAgent) Run(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
	req, ok := in.(ports.TranscriptionInput)
	if !ok {
		return ports.AgentResult{}, ports.NewAgentError(a.Name(), ports.AgentInvalidInput, errPayloadType(in))
	}

	recs, err := a.source.Query(ctx, ports.KnowledgeQuery{
		Domain: "terminology",
		Terms:  extractTerms(req.Transcript),
		Limit:  a.limit,
	})
	if err != nil {
		return ports.AgentResult{}, classify(ctx, a.Name(), err)
	}

	out := ports.TranscriptionOutput{Entities: make([]ports.ClinicalEntity, 0, len(recs))}
	scores := make([]float64, 0, len(recs))
	evidence := make([]string, 0, len(recs))
	for _, r := range recs {
		score := clamp01(r.Score)
		out.Entities = append(out.Entities, ports.ClinicalEntity{
			Text:     r.Title,
			Category: r.Attributes["category"],
			Code:     r.Attributes["code"],
			Score:    score,
			SourceID: r.ID,
		})
		scores = append(scores, score)
		evidence = append(evidence, r.ID)
	}

	var conf float64
	if len(scores) > 0 {
		conf = stat.Mean(scores, nil)
	}
	return ports.AgentResult{Output: out, Confidence: conf, Evidence: evidence}, nil
}
