package retrieval

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"support-router/pkg/models"
)

//go:embed default_knowledge.yaml
var defaultKnowledgeYAML []byte

const defaultTopK = 3

type knowledgeFile struct {
	Articles []models.Passage `yaml:"articles"`
}

type article struct {
	passage models.Passage
	terms   map[string]struct{}
}

// StaticRetriever ranks a fixed article set by term overlap with the query.
type StaticRetriever struct {
	articles []article
	topK     int
}

func NewStaticRetriever(passages []models.Passage) *StaticRetriever {
	r := &StaticRetriever{topK: defaultTopK}
	for _, p := range passages {
		p.Topic = strings.ToLower(strings.TrimSpace(p.Topic))
		r.articles = append(r.articles, article{
			passage: p,
			terms:   Terms(p.Title + " " + p.Content),
		})
	}
	return r
}

func ParseKnowledge(data []byte) (*StaticRetriever, error) {
	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	return NewStaticRetriever(f.Articles), nil
}

// LoadKnowledge reads articles from path, or the embedded set when path is empty.
func LoadKnowledge(path string) (*StaticRetriever, error) {
	if path == "" {
		return ParseKnowledge(defaultKnowledgeYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge base %s: %w", path, err)
	}
	return ParseKnowledge(data)
}

// RetrieveContext returns up to topK articles sharing at least one term with
// query. Articles of other topics are skipped unless topic is empty or general.
func (r *StaticRetriever) RetrieveContext(ctx context.Context, topic, query string) ([]models.Passage, error) {
	queryTerms := Terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}
	topic = strings.ToLower(topic)
	anyTopic := topic == "" || topic == models.TopicGeneral

	var hits []models.Passage
	for _, a := range r.articles {
		if !anyTopic && a.passage.Topic != topic {
			continue
		}
		score := Overlap(queryTerms, a.terms)
		if score == 0 {
			continue
		}
		p := a.passage
		p.Score = score
		hits = append(hits, p)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > r.topK {
		hits = hits[:r.topK]
	}
	return hits, nil
}

func (r *StaticRetriever) Len() int {
	return len(r.articles)
}
