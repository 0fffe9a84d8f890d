package classifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
	"support-router/pkg/models"
	"support-router/pkg/registry"
)

const (
	SourceModel   = "model"
	SourceKeyword = "keyword"
)

// Collaborator is the external text classifier, typically a language model.
type Collaborator interface {
	Classify(ctx context.Context, text string, history []models.Message) (topic string, confidence float64, err error)
}

var errNoTopic = errors.New("collaborator returned no usable topic")

type Classifier struct {
	collaborator Collaborator
	registry     *registry.Holder
	timeout      time.Duration
	logger       *logrus.Logger
}

// New builds a classifier. collaborator may be nil, in which case every
// message is classified by keywords.
func New(collaborator Collaborator, reg *registry.Holder, timeout time.Duration, logger *logrus.Logger) *Classifier {
	return &Classifier{
		collaborator: collaborator,
		registry:     reg,
		timeout:      timeout,
		logger:       logger,
	}
}

// Classify never fails: collaborator errors, timeouts and empty answers fall
// back to keyword matching. Fallback reports whether that happened because
// the collaborator failed, as opposed to being absent.
func (c *Classifier) Classify(ctx context.Context, message string, history []models.Message) (result models.ClassificationResult, fallback bool) {
	reg := c.registry.Current()

	if c.collaborator == nil {
		return KeywordClassify(reg, message), false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	topic, confidence, err := c.collaborator.Classify(callCtx, message, history)
	if err == nil {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if _, ok := reg.Lookup(topic); !ok {
			err = errNoTopic
		}
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"stage":   "classify",
			"timeout": c.timeout,
		}).Warn("Classifier unavailable, falling back to keyword matching")
		return KeywordClassify(reg, message), true
	}

	return models.ClassificationResult{
		Topic:      topic,
		Confidence: clamp(confidence),
		Source:     SourceModel,
	}, false
}

// KeywordClassify picks the enabled topic with the most whole-word keyword
// hits. Ties go to the topic declared first; no hits means general.
func KeywordClassify(reg *registry.Registry, message string) models.ClassificationResult {
	text := strings.ToLower(message)

	best := models.ClassificationResult{
		Topic:      models.TopicGeneral,
		Confidence: constants.KeywordFallbackConfidence,
		Source:     SourceKeyword,
	}
	bestCount := 0

	for _, entry := range reg.Entries() {
		if !entry.Enabled {
			continue
		}
		matched := reg.MatchedKeywords(entry.Topic, text)
		if len(matched) > bestCount {
			bestCount = len(matched)
			best.Topic = entry.Topic
			best.MatchedKeywords = matched
		}
	}

	return best
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
