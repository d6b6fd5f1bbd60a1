package agents

import (
	"context"
	"fmt"
	"strings"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

// DocumentSchema defines the JSON schema for document agent input.
const DocumentSchema = `{
  "type": "object",
  "properties": {
    "document_id": {"type": "string", "minLength": 1},
    "text": {"type": "string", "minLength": 1},
    "required_fields": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["document_id", "text"]
}`

// DocumentAgent extracts "Key: Value" fields from administrative documents
// and checks them against a required-field list.
type DocumentAgent struct {
	required []string
}

func NewDocumentAgent(required []string) *DocumentAgent {
	return &DocumentAgent{required: required}
}

func (a *DocumentAgent) Name() ports.AgentName { return ports.DocumentAgentName }
func (a *DocumentAgent) InputSchema() []byte   { return []byte(DocumentSchema) }

// Run parses the document. Confidence is the share of required fields found.
func (a *DocumentAgent) Run(ctx context.Context, in ports.Payload) (ports.AgentResult, error) {
	req, ok := in.(ports.DocumentInput)
	if !ok {
		return ports.AgentResult{}, ports.NewAgentError(a.Name(), ports.AgentInvalidInput, errPayloadType(in))
	}
	if err := ctx.Err(); err != nil {
		return ports.AgentResult{}, classify(ctx, a.Name(), err)
	}

	fields := parseFields(req.Text)
	required := req.RequiredFields
	if len(required) == 0 {
		required = a.required
	}

	out := ports.DocumentOutput{DocumentID: req.DocumentID, Fields: fields}
	found := 0
	for _, f := range required {
		if _, ok := fields[normalizeKey(f)]; ok {
			found++
		} else {
			out.MissingFields = append(out.MissingFields, normalizeKey(f))
		}
	}

	conf := 0.0
	switch {
	case len(required) > 0:
		conf = float64(found) / float64(len(required))
	case len(fields) > 0:
		conf = 1
	}

	evidence := make([]string, 0, len(fields))
	for k := range fields {
		evidence = append(evidence, fmt.Sprintf("doc:%s#%s", req.DocumentID, k))
	}
	return ports.AgentResult{Output: out, Confidence: conf, Evidence: sortedCopy(evidence)}, nil
}

func parseFields(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = normalizeKey(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		if _, dup := out[k]; !dup {
			out[k] = v
		}
	}
	return out
}

func normalizeKey(k string) string {
	return strings.Join(strings.Fields(strings.ToLower(k)), "_")
}
