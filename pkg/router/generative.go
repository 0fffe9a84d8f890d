package router

import (
	"context"
	"fmt"
	"strings"

	"support-router/pkg/models"
	"support-router/pkg/retrieval"
)

// HandlerGenerative is the handler name the default registry binds every
// topic to.
const HandlerGenerative = "generative"

// Generator produces a specialist answer. A nil confidence means the
// generator did not report one.
type Generator interface {
	GenerateSpecialistAnswer(ctx context.Context, topic, message string, conv *models.Conversation, allowedTools []string) (text string, confidence *float64, err error)
}

// GenerativeHandler delegates every request to a Generator.
type GenerativeHandler struct {
	gen Generator
}

func NewGenerativeHandler(gen Generator) *GenerativeHandler {
	return &GenerativeHandler{gen: gen}
}

func (h *GenerativeHandler) Handle(ctx context.Context, req Request) (Answer, error) {
	text, conf, err := h.gen.GenerateSpecialistAnswer(ctx, req.Topic, req.Message, req.Conversation, req.AllowedTools)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, SelfConfidence: conf}, nil
}

// Confidence reported when the knowledge base has nothing relevant.
const noKnowledgeConfidence = 0.2

const noKnowledgeText = "I couldn't find anything in our help articles about that yet."

// KnowledgeGenerator answers from knowledge articles alone. Its confidence is
// how well the best article covers the question.
type KnowledgeGenerator struct {
	retriever retrieval.Retriever
}

func NewKnowledgeGenerator(r retrieval.Retriever) *KnowledgeGenerator {
	return &KnowledgeGenerator{retriever: r}
}

func (g *KnowledgeGenerator) GenerateSpecialistAnswer(ctx context.Context, topic, message string, conv *models.Conversation, allowedTools []string) (string, *float64, error) {
	passages, err := g.retriever.RetrieveContext(ctx, topic, message)
	if err != nil {
		return "", nil, fmt.Errorf("knowledge lookup failed: %w", err)
	}
	if len(passages) == 0 {
		conf := noKnowledgeConfidence
		return noKnowledgeText, &conf, nil
	}

	best := passages[0]
	var b strings.Builder
	if best.Title != "" {
		fmt.Fprintf(&b, "%s: ", best.Title)
	}
	b.WriteString(strings.TrimSpace(best.Content))

	conf := best.Score
	return b.String(), &conf, nil
}
