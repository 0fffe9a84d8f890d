// Package answers implements the fast-path override: curated replies that
// bypass classification, routing and verification entirely.
package answers

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_answers.yaml
var defaultAnswersYAML []byte

// Patterns of this many words or fewer must match on word boundaries, so
// "cost" does not fire inside "forecast".
const shortPatternWords = 3

// Rule maps patterns to a canned answer. A rule fires when any pattern occurs
// in the message, or when every keyword occurs as a whole word.
type Rule struct {
	ID       string   `yaml:"id"`
	Topic    string   `yaml:"topic"`
	Patterns []string `yaml:"patterns"`
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
	Enabled  *bool    `yaml:"enabled"`
}

// Template is the canned answer returned on a match.
type Template struct {
	ID     string
	Topic  string
	Answer string
}

type compiledRule struct {
	template Template
	patterns []pattern
	keywords []*regexp.Regexp
}

type pattern struct {
	text     string
	boundary *regexp.Regexp // nil for long patterns, which match as substrings
}

type file struct {
	CustomAnswers []Rule `yaml:"custom_answers"`
}

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	rules []compiledRule
}

var whitespace = regexp.MustCompile(`\s+`)

func normalise(s string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func wordRegexp(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

func NewMatcher(rules []Rule) (*Matcher, error) {
	m := &Matcher{}
	for i, r := range rules {
		if r.Enabled != nil && !*r.Enabled {
			continue
		}
		if r.ID == "" {
			return nil, fmt.Errorf("custom answer %d: id is required", i)
		}
		answer := strings.TrimSpace(r.Answer)
		if answer == "" {
			return nil, fmt.Errorf("custom answer %q: answer is required", r.ID)
		}

		cr := compiledRule{template: Template{ID: r.ID, Topic: strings.ToLower(r.Topic), Answer: answer}}
		for _, p := range r.Patterns {
			p = normalise(p)
			if p == "" {
				continue
			}
			pt := pattern{text: p}
			if len(strings.Fields(p)) <= shortPatternWords {
				pt.boundary = wordRegexp(p)
			}
			cr.patterns = append(cr.patterns, pt)
		}
		for _, k := range r.Keywords {
			if k = normalise(k); k != "" {
				cr.keywords = append(cr.keywords, wordRegexp(k))
			}
		}
		if len(cr.patterns) == 0 && len(cr.keywords) == 0 {
			return nil, fmt.Errorf("custom answer %q: needs patterns or keywords", r.ID)
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

func Parse(data []byte) (*Matcher, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse custom answers: %w", err)
	}
	return NewMatcher(f.CustomAnswers)
}

// Load reads rules from path, or the embedded defaults when path is empty.
func Load(path string) (*Matcher, error) {
	if path == "" {
		return Parse(defaultAnswersYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read custom answers %s: %w", path, err)
	}
	return Parse(data)
}

// Match returns the first enabled rule that matches text.
func (m *Matcher) Match(text string) (Template, bool) {
	msg := normalise(text)
	if msg == "" {
		return Template{}, false
	}
	for _, r := range m.rules {
		if r.matches(msg) {
			return r.template, true
		}
	}
	return Template{}, false
}

// Len is the number of enabled rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}

func (r compiledRule) matches(msg string) bool {
	for _, p := range r.patterns {
		if p.boundary != nil {
			if p.boundary.MatchString(msg) {
				return true
			}
			continue
		}
		if strings.Contains(msg, p.text) {
			return true
		}
	}
	if len(r.keywords) == 0 {
		return false
	}
	for _, k := range r.keywords {
		if !k.MatchString(msg) {
			return false
		}
	}
	return true
}
