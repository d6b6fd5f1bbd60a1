package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
	"github.com/spf13/viper"
)

// StaticKnowledgeSource answers queries from a fixed record set. It stands in
// for literature, terminology and coverage backends in tests and offline runs.
type StaticKnowledgeSource struct {
	name    string
	records []ports.KnowledgeRecord
}

// NewStaticKnowledgeSource serves records under name.
func NewStaticKnowledgeSource(name string, records []ports.KnowledgeRecord) *StaticKnowledgeSource {
	return &StaticKnowledgeSource{name: name, records: records}
}

// LoadKnowledgeFile reads a YAML/JSON/TOML file with a top-level "sources"
// map of domain name to record list.
func LoadKnowledgeFile(path string) (map[string]*StaticKnowledgeSource, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var raw map[string][]ports.KnowledgeRecord
	if err := v.UnmarshalKey("sources", &raw); err != nil {
		return nil, fmt.Errorf("decode knowledge file: %w", err)
	}
	out := make(map[string]*StaticKnowledgeSource, len(raw))
	for name, recs := range raw {
		out[name] = NewStaticKnowledgeSource(name, recs)
	}
	return out, nil
}

func (s *StaticKnowledgeSource) Name() string { return s.name }

// Query scores each record by its base score times the share of query terms it
// mentions, drops non-matches and returns the best q.Limit records.
func (s *StaticKnowledgeSource) Query(ctx context.Context, q ports.KnowledgeQuery) ([]ports.KnowledgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ports.UpstreamError{Source: s.name, Err: err}
	}
	if q.Domain != "" && q.Domain != s.name {
		return nil, nil
	}
	terms := normalizeTerms(q.Terms)
	if len(terms) == 0 {
		return nil, nil
	}

	var out []ports.KnowledgeRecord
	for _, r := range s.records {
		matched := 0
		for _, t := range terms {
			if recordMentions(r, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hit := r
		hit.Score = r.Score * float64(matched) / float64(len(terms))
		out = append(out, hit)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func recordMentions(r ports.KnowledgeRecord, term string) bool {
	for _, rt := range r.Terms {
		if strings.EqualFold(rt, term) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(r.Title), term) ||
		strings.Contains(strings.ToLower(r.Body), term)
}

func normalizeTerms(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var _ ports.KnowledgeSource = (*StaticKnowledgeSource)(nil)
