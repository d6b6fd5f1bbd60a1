package harnessports

import (
	"context"
	"fmt"
)

// KnowledgeQuery is the uniform request agents send to a knowledge backend.
type KnowledgeQuery struct {
	Domain string   `json:"domain"` // literature | terminology | coverage
	Terms  []string `json:"terms"`
	Limit  int      `json:"limit,omitempty"`
}

// KnowledgeRecord is one raw result from a knowledge backend.
type KnowledgeRecord struct {
	ID         string            `json:"id" mapstructure:"id"`
	Title      string            `json:"title" mapstructure:"title"`
	Body       string            `json:"body" mapstructure:"body"`
	Terms      []string          `json:"terms" mapstructure:"terms"`
	Score      float64           `json:"score" mapstructure:"score"`
	Attributes map[string]string `json:"attributes,omitempty" mapstructure:"attributes"`
}

// KnowledgeSource abstracts literature, terminology and coverage backends.
type KnowledgeSource interface {
	Name() string
	Query(ctx context.Context, q KnowledgeQuery) ([]KnowledgeRecord, error)
}

// UpstreamError reports a knowledge backend failure.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("knowledge source %s: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
