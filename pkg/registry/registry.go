// Package registry holds the topic → specialist mapping. A Registry is loaded
// once and never mutated; Holder lets a reload swap the whole registry atomically.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"support-router/pkg/models"
)

//go:embed default_registry.yaml
var defaultRegistryYAML []byte

// Entry describes one specialist. Keywords drive the classifier fallback and
// Handler names the SpecialistHandler bound at startup.
type Entry struct {
	Topic       string   `yaml:"topic" json:"topic"`
	DisplayName string   `yaml:"display_name" json:"displayName"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	ToolNames   []string `yaml:"tools" json:"toolNames"`
	Handler     string   `yaml:"handler" json:"handler"`
}

type file struct {
	Registry []Entry `yaml:"registry"`
}

// Registry keeps entries in declaration order; that order breaks keyword ties.
type Registry struct {
	entries  []Entry
	byTopic  map[string]int
	keywords [][]keywordPattern // parallel to entries
}

type keywordPattern struct {
	word string
	re   *regexp.Regexp
}

func New(entries []Entry) (*Registry, error) {
	r := &Registry{byTopic: make(map[string]int, len(entries))}

	for i, e := range entries {
		e.Topic = strings.ToLower(strings.TrimSpace(e.Topic))
		if e.Topic == "" {
			return nil, fmt.Errorf("registry entry %d: topic is required", i)
		}
		if _, dup := r.byTopic[e.Topic]; dup {
			return nil, fmt.Errorf("registry entry %d: duplicate topic %q", i, e.Topic)
		}
		if e.DisplayName == "" {
			e.DisplayName = e.Topic
		}
		keywords := make([]string, 0, len(e.Keywords))
		patterns := make([]keywordPattern, 0, len(e.Keywords))
		for _, k := range e.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				keywords = append(keywords, k)
				patterns = append(patterns, keywordPattern{
					word: k,
					re:   regexp.MustCompile(`\b` + regexp.QuoteMeta(k) + `\b`),
				})
			}
		}
		e.Keywords = keywords

		r.byTopic[e.Topic] = len(r.entries)
		r.entries = append(r.entries, e)
		r.keywords = append(r.keywords, patterns)
	}

	general, ok := r.Lookup(models.TopicGeneral)
	if !ok || !general.Enabled {
		return nil, fmt.Errorf("registry must contain an enabled %q entry", models.TopicGeneral)
	}

	return r, nil
}

func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	return New(f.Registry)
}

// Load reads the registry from path, or the embedded default when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}
	return Parse(data)
}

func Default() (*Registry, error) {
	return Parse(defaultRegistryYAML)
}

// Entries returns a copy of all entries in declaration order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Lookup(topic string) (Entry, bool) {
	i, ok := r.byTopic[strings.ToLower(topic)]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// MatchedKeywords returns the keywords of topic that occur in text as whole
// words, in declaration order. text must already be lower-cased.
func (r *Registry) MatchedKeywords(topic, text string) []string {
	i, ok := r.byTopic[strings.ToLower(topic)]
	if !ok {
		return nil
	}
	var matched []string
	for _, p := range r.keywords[i] {
		if strings.Contains(text, p.word) && p.re.MatchString(text) {
			matched = append(matched, p.word)
		}
	}
	return matched
}

// Enabled returns the entry for topic only if it exists and is enabled.
func (r *Registry) Enabled(topic string) (Entry, bool) {
	e, ok := r.Lookup(topic)
	if !ok || !e.Enabled {
		return Entry{}, false
	}
	return e, true
}

// Holder publishes the current registry to concurrent readers.
type Holder struct {
	current atomic.Pointer[Registry]
}

func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)
	return h
}

func (h *Holder) Current() *Registry {
	return h.current.Load()
}

// Replace swaps in a new registry; in-flight requests keep the one they read.
func (h *Holder) Replace(r *Registry) {
	h.current.Store(r)
}
