package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"support-router/pkg/models"
	"support-router/pkg/registry"
	"support-router/pkg/retrieval"
)

var confidenceLine = regexp.MustCompile(`(?i)CONFIDENCE:\s*([0-9]*\.?[0-9]+)`)

// Generator writes specialist answers, grounded on retrieved articles when a
// retriever is configured.
type Generator struct {
	client    *openai.Client
	model     string
	registry  *registry.Holder
	retriever retrieval.Retriever
	logger    *logrus.Logger
}

func NewGenerator(opts Options, reg *registry.Holder, retriever retrieval.Retriever, logger *logrus.Logger) *Generator {
	return &Generator{
		client:    newClient(opts),
		model:     opts.Model,
		registry:  reg,
		retriever: retriever,
		logger:    logger,
	}
}

func (g *Generator) GenerateSpecialistAnswer(ctx context.Context, topic, message string, conv *models.Conversation, allowedTools []string) (string, *float64, error) {
	var passages []models.Passage
	if g.retriever != nil {
		var err error
		passages, err = g.retriever.RetrieveContext(ctx, topic, message)
		if err != nil {
			g.logger.WithError(err).WithField("topic", topic).Warn("Context retrieval failed, answering without sources")
		}
	}

	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.specialistPrompt(topic, allowedTools, passages),
	}}
	if conv != nil {
		history := conv.Turns
		// the current message is sent separately below
		if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Text == message {
			history = history[:n-1]
		}
		messages = append(messages, historyMessages(history)...)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	content, err := complete(ctx, g.client, g.model, messages)
	if err != nil {
		return "", nil, err
	}
	text, conf := ParseAnswer(content)
	return text, conf, nil
}

func (g *Generator) specialistPrompt(topic string, tools []string, passages []models.Passage) string {
	name := topic
	if e, ok := g.registry.Current().Lookup(topic); ok {
		name = e.DisplayName
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s for a customer support team. Answer the customer's latest message.\n", name)
	if len(tools) > 0 {
		fmt.Fprintf(&b, "You may only refer to these tools: %s.\n", strings.Join(tools, ", "))
	}
	if len(passages) > 0 {
		b.WriteString("\nUse only the following help articles:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[Source %d] %s: %s\n", i+1, p.Title, p.Content)
		}
	} else {
		b.WriteString("\nNo help articles were found; say so if you are unsure.\n")
	}
	b.WriteString("\nEnd your answer with a final line of the form CONFIDENCE: 0.XX\n")
	return b.String()
}

// ParseAnswer splits a trailing "CONFIDENCE: 0.xx" marker from the answer
// text. The confidence is nil when the marker is missing.
func ParseAnswer(content string) (string, *float64) {
	locs := confidenceLine.FindAllStringSubmatchIndex(content, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(content), nil
	}
	last := locs[len(locs)-1]
	v, err := strconv.ParseFloat(content[last[2]:last[3]], 64)
	text := strings.TrimSpace(content[:last[0]])
	if err != nil {
		return text, nil
	}
	return text, &v
}
