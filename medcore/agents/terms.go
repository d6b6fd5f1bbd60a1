package agents

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	ports "github.com/Galdaer/portfolio-sub000/medcore/harness/ports"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {}, "from": {},
	"what": {}, "which": {}, "should": {}, "would": {}, "could": {}, "does": {},
	"have": {}, "has": {}, "are": {}, "was": {}, "were": {}, "will": {}, "into": {},
	"about": {}, "patient": {}, "please": {}, "there": {}, "their": {}, "when": {},
}

// extractTerms lowercases text and keeps distinct words of at least three
// characters that are not stopwords, in first-seen order.
func extractTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
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

func errPayloadType(in ports.Payload) error {
	return fmt.Errorf("unexpected payload type %T", in)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
