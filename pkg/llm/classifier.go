package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"support-router/pkg/models"
	"support-router/pkg/registry"
)

var primaryLine = regexp.MustCompile(`(?im)^\s*PRIMARY:\s*([a-z0-9_\-]+)\s*(?:\(\s*([0-9]*\.?[0-9]+)\s*\))?`)

// Confidence assumed when the model names a topic without a score.
const unscoredConfidence = 0.5

type Classifier struct {
	client   *openai.Client
	model    string
	registry *registry.Holder
}

func NewClassifier(opts Options, reg *registry.Holder) *Classifier {
	return &Classifier{client: newClient(opts), model: opts.Model, registry: reg}
}

func (c *Classifier) Classify(ctx context.Context, text string, history []models.Message) (string, float64, error) {
	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: classifierPrompt(c.registry.Current()),
	}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: "Customer query: " + text,
	})

	content, err := complete(ctx, c.client, c.model, messages)
	if err != nil {
		return "", 0, err
	}
	return ParseClassification(content)
}

func classifierPrompt(reg *registry.Registry) string {
	var topics strings.Builder
	for _, e := range reg.Entries() {
		if !e.Enabled {
			continue
		}
		fmt.Fprintf(&topics, "- %s: %s", e.Topic, e.Description)
		if len(e.Keywords) > 0 {
			fmt.Fprintf(&topics, " (keywords: %s)", strings.Join(e.Keywords, ", "))
		}
		topics.WriteString("\n")
	}

	return "You are a topic classifier for a customer support system.\n" +
		"Classify the customer query into exactly one of these topics:\n\n" +
		topics.String() +
		"\nAnswer with a single line in this format:\n" +
		"PRIMARY: topic_name (confidence between 0.0 and 1.0)\n\n" +
		"If no topic matches well, answer:\nPRIMARY: general (0.5)"
}

// ParseClassification extracts the topic and confidence from a
// "PRIMARY: topic (0.83)" line.
func ParseClassification(content string) (string, float64, error) {
	m := primaryLine.FindStringSubmatch(content)
	if m == nil {
		return "", 0, fmt.Errorf("no PRIMARY line in classifier output %q", content)
	}
	topic := strings.ToLower(m[1])
	conf := unscoredConfidence
	if m[2] != "" {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid classifier confidence %q: %w", m[2], err)
		}
		conf = v
	}
	return topic, conf, nil
}
