package harnessports

import (
	"fmt"
	"sort"
	"strings"
)

// ResearchInput asks the research agent for literature/guideline support.
type ResearchInput struct {
	Query      string   `json:"query"`
	Topics     []string `json:"topics,omitempty"`
	MaxSources int      `json:"max_sources,omitempty"`
}

func (ResearchInput) Target() AgentName { return ResearchAgentName }

// ResearchSource is one consulted reference.
type ResearchSource struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Summary   string  `json:"summary"`
	Relevance float64 `json:"relevance"`
}

// ResearchOutput lists consulted sources by descending relevance.
type ResearchOutput struct {
	Sources []ResearchSource `json:"sources"`
}

func (ResearchOutput) Kind() string { return "research" }

func (o ResearchOutput) Findings() []Finding {
	out := make([]Finding, 0, len(o.Sources))
	for _, s := range o.Sources {
		out = append(out, Finding{
			Statement:  fmt.Sprintf("%s: %s", s.Title, s.Summary),
			Confidence: s.Relevance,
			Evidence:   []string{s.ID},
		})
	}
	return out
}

// DocumentInput carries a clinical/administrative document to analyze.
type DocumentInput struct {
	DocumentID     string   `json:"document_id"`
	Text           string   `json:"text"`
	RequiredFields []string `json:"required_fields,omitempty"`
}

func (DocumentInput) Target() AgentName { return DocumentAgentName }

// DocumentOutput holds extracted fields and the required fields not found.
type DocumentOutput struct {
	DocumentID    string            `json:"document_id"`
	Fields        map[string]string `json:"fields"`
	MissingFields []string          `json:"missing_fields,omitempty"`
}

func (DocumentOutput) Kind() string { return "document" }

func (o DocumentOutput) Findings() []Finding {
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Finding, 0, len(keys)+len(o.MissingFields))
	for _, k := range keys {
		out = append(out, Finding{
			Statement:  fmt.Sprintf("document %s states %s = %s", o.DocumentID, k, o.Fields[k]),
			Confidence: 0.9,
			Evidence:   []string{fmt.Sprintf("doc:%s#%s", o.DocumentID, k)},
		})
	}
	for _, k := range o.MissingFields {
		out = append(out, Finding{
			Statement:  fmt.Sprintf("document %s is missing required field %s", o.DocumentID, k),
			Confidence: 0.9,
			Risk:       0.6,
		})
	}
	return out
}

// TranscriptionInput is a visit transcript to mine for clinical entities.
type TranscriptionInput struct {
	Transcript string `json:"transcript"`
	Speaker    string `json:"speaker,omitempty"`
}

func (TranscriptionInput) Target() AgentName { return TranscriptionAgentName }

// ClinicalEntity is a term recognized in a transcript.
type ClinicalEntity struct {
	Text     string  `json:"text"`
	Category string  `json:"category"`
	Code     string  `json:"code,omitempty"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id,omitempty"`
}

// TranscriptionOutput lists recognized entities.
type TranscriptionOutput struct {
	Entities []ClinicalEntity `json:"entities"`
}

func (TranscriptionOutput) Kind() string { return "transcription" }

func (o TranscriptionOutput) Findings() []Finding {
	out := make([]Finding, 0, len(o.Entities))
	for _, e := range o.Entities {
		f := Finding{
			Statement:  fmt.Sprintf("transcript mentions %s (%s)", e.Text, e.Category),
			Confidence: e.Score,
		}
		if e.SourceID != "" {
			f.Evidence = []string{e.SourceID}
		}
		out = append(out, f)
	}
	return out
}

// BillingInput asks for coding/coverage reasoning on a set of codes.
type BillingInput struct {
	Question       string   `json:"question"`
	ProcedureCodes []string `json:"procedure_codes"`
	DiagnosisCodes []string `json:"diagnosis_codes,omitempty"`
	PayerID        string   `json:"payer_id,omitempty"`
}

func (BillingInput) Target() AgentName { return BillingAgentName }

// BillingOption is one assessed coding/submission option.
type BillingOption struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Covered     bool     `json:"covered"`
	PriorAuth   bool     `json:"prior_auth"`
	DenialRisk  float64  `json:"denial_risk"`
	Confidence  float64  `json:"confidence"`
	Rationale   string   `json:"rationale"`
	Evidence    []string `json:"evidence,omitempty"`
}

// BillingOutput lists options by descending confidence.
type BillingOutput struct {
	PayerID string          `json:"payer_id,omitempty"`
	Options []BillingOption `json:"options"`
}

func (BillingOutput) Kind() string { return "billing" }

func (o BillingOutput) Findings() []Finding {
	out := make([]Finding, 0, len(o.Options))
	for _, opt := range o.Options {
		var b strings.Builder
		fmt.Fprintf(&b, "submit %s", opt.Code)
		if opt.Description != "" {
			fmt.Fprintf(&b, " (%s)", opt.Description)
		}
		if opt.Rationale != "" {
			fmt.Fprintf(&b, ": %s", opt.Rationale)
		}
		out = append(out, Finding{
			Statement:  b.String(),
			Option:     opt.Code,
			Confidence: opt.Confidence,
			Risk:       opt.DenialRisk,
			Evidence:   opt.Evidence,
		})
	}
	return out
}
