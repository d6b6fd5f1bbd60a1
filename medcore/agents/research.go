package agents

import (
	"context"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"gonum.org/v1/gonum/stat"
)

// ResearchSchema defines the JSON schema for research agent input.
const ResearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "topics": {"type": "array", "items": {"type": "string"}},
    "max_sources": {"type": "integer", "minimum": 0, "maximum": 50}
  },
  "required": ["query"]
}`

// ResearchAgent consults a literature/guideline source.
type ResearchAgent struct {
	source     ports.KnowledgeSource
	maxSources int
}

func NewResearchAgent(source ports.KnowledgeSource, maxSources int) *ResearchAgent {
	if maxSources <= 0 {
		maxSources = 5
	}
	return &ResearchAgent{source: source, maxSources: maxSources}
}

func (a *ResearchAgent) Name() ports.AgentName { return ports.ResearchAgentName }
func (a *ResearchAgent) InputSchema() []byte   { return []byte(ResearchSchema) }

// Run returns the matching sources; confidence is their mean relevance.
func (a *ResearchAgent) Run(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
	req, ok := in.(ports.ResearchInput)
	if !ok {
		return ports.AgentResult{}, ports.NewAgentError(a.Name(), ports.AgentInvalidInput, errPayloadType(in))
	}
	limit := a.maxSources
	if req.MaxSources > 0 && req.MaxSources < limit {
		limit = req.MaxSources
	}

	terms := append(extractTerms(req.Query), req.Topics...)
	recs, err := a.source.Query(ctx, ports.KnowledgeQuery{Domain: "literature", Terms: terms, Limit: limit})
	if err != nil {
		return ports.AgentResult{}, classify(ctx, a.Name(), err)
	}

	out := ports.ResearchOutput{Sources: make([]ports.ResearchSource, 0, len(recs))}
	scores := make([]float64, 0, len(recs))
	evidence := make([]string, 0, len(recs))
	for _, r := range recs {
		rel := clamp01(r.Score)
		out.Sources = append(out.Sources, ports.ResearchSource{ID: r.ID, Title: r.Title, Summary: r.Body, Relevance: rel})
		scores = append(scores, rel)
		evidence = append(evidence, r.ID)
	}

	var conf float64
	if len(scores) > 0 {
		conf = stat.Mean(scores, nil)
	}
	return ports.AgentResult{Output: out, Confidence: conf, Evidence: evidence}, nil
}
