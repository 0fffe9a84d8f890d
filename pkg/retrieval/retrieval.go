// Package retrieval fetches knowledge passages used to ground specialist
// answers and to check them afterwards.
package retrieval

import (
	"context"
	"regexp"
	"strings"

	"support-router/pkg/models"
)

// Retriever returns passages for query, most relevant first.
type Retriever interface {
	RetrieveContext(ctx context.Context, topic, query string) ([]models.Passage, error)
}

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "been": {}, "before": {},
	"being": {}, "could": {}, "does": {}, "each": {}, "from": {}, "have": {},
	"here": {}, "into": {}, "just": {}, "keep": {}, "keeps": {}, "more": {},
	"most": {}, "much": {}, "only": {}, "other": {}, "over": {}, "please": {},
	"same": {}, "should": {}, "some": {}, "such": {}, "than": {}, "that": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "those": {}, "through": {}, "under": {}, "until": {}, "very": {},
	"want": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "will": {}, "with": {}, "within": {}, "would": {}, "your": {},
	"yours": {},
}

// Terms returns the significant words of text: lowercase, at least four
// characters, stopwords removed.
func Terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// Overlap is the share of want's terms that also occur in have.
func Overlap(want, have map[string]struct{}) float64 {
	if len(want) == 0 {
		return 0
	}
	n := 0
	for t := range want {
		if _, ok := have[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(want))
}
