package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-router/pkg/logger"
	"support-router/pkg/models"
	"support-router/pkg/registry"
	"support-router/pkg/retrieval"
)

func holder(t *testing.T, entries []registry.Entry) *registry.Holder {
	t.Helper()
	r, err := registry.New(entries)
	require.NoError(t, err)
	return registry.NewHolder(r)
}

func testEntries() []registry.Entry {
	return []registry.Entry{
		{Topic: "billing", Enabled: true, Handler: "billing", ToolNames: []string{"get_invoice", "create_refund"}},
		{Topic: "returns", Enabled: false, Handler: "returns"},
		{Topic: "general", Enabled: true, Handler: "general"},
	}
}

func echo(name string) SpecialistHandler {
	return HandlerFunc(func(ctx context.Context, req Request) (Answer, error) {
		c := 0.9
		return Answer{Text: name + ": " + req.Message, SelfConfidence: &c}, nil
	})
}

func TestNew_FailsFastOnUnknownHandler(t *testing.T) {
	_, err := New(holder(t, testEntries()), map[string]SpecialistHandler{"general": echo("general")}, time.Second, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown handler "billing"`)
}

func TestNew_DisabledEntriesNeedNoHandler(t *testing.T) {
	_, err := New(holder(t, testEntries()), map[string]SpecialistHandler{
		"billing": echo("billing"),
		"general": echo("general"),
	}, time.Second, logger.Discard())
	assert.NoError(t, err)
}

func TestRoute_DispatchesWithAllowedTools(t *testing.T) {
	var got Request
	r, err := New(holder(t, testEntries()), map[string]SpecialistHandler{
		"billing": HandlerFunc(func(ctx context.Context, req Request) (Answer, error) {
			got = req
			return Answer{Text: "refund issued"}, nil
		}),
		"general": echo("general"),
	}, time.Second, logger.Discard())
	require.NoError(t, err)

	conv := models.NewConversation("c1", "u1", time.Now(), time.Hour)
	raw := r.Route(context.Background(), "billing", "charged twice", conv)

	assert.Equal(t, "billing", raw.Topic)
	assert.Equal(t, "refund issued", raw.Text)
	assert.Nil(t, raw.SelfConfidence)
	assert.False(t, raw.Failed)
	assert.Equal(t, []string{"get_invoice", "create_refund"}, got.AllowedTools)
	assert.Equal(t, conv, got.Conversation)
}

func TestRoute_DisabledOrUnknownTopicGoesToGeneral(t *testing.T) {
	r, err := New(holder(t, testEntries()), map[string]SpecialistHandler{
		"billing": echo("billing"),
		"general": echo("general"),
	}, time.Second, logger.Discard())
	require.NoError(t, err)

	for _, topic := range []string{"returns", "astrology", ""} {
		raw := r.Route(context.Background(), topic, "hello", nil)
		assert.Equal(t, "general", raw.Topic, topic)
		assert.Equal(t, "general: hello", raw.Text)
	}
}

func TestRoute_FailuresDegradeToApology(t *testing.T) {
	cases := map[string]SpecialistHandler{
		"error": HandlerFunc(func(ctx context.Context, req Request) (Answer, error) {
			return Answer{}, errors.New("stripe: 500")
		}),
		"panic": HandlerFunc(func(ctx context.Context, req Request) (Answer, error) {
			panic("nil map")
		}),
		"timeout": HandlerFunc(func(ctx context.Context, req Request) (Answer, error) {
			time.Sleep(500 * time.Millisecond)
			return Answer{Text: "too late"}, nil
		}),
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := New(holder(t, testEntries()), map[string]SpecialistHandler{
				"billing": h,
				"general": echo("general"),
			}, 30*time.Millisecond, logger.Discard())
			require.NoError(t, err)

			start := time.Now()
			raw := r.Route(context.Background(), "billing", "charged twice", nil)
			assert.Less(t, time.Since(start), 400*time.Millisecond)

			assert.True(t, raw.Failed)
			assert.Equal(t, ApologyText, raw.Text)
			require.NotNil(t, raw.SelfConfidence)
			assert.Equal(t, 0.0, *raw.SelfConfidence)
			assert.Equal(t, "billing", raw.Topic)
		})
	}
}

func TestRoute_MissingHandlerAfterRegistrySwap(t *testing.T) {
	h := holder(t, testEntries())
	r, err := New(h, map[string]SpecialistHandler{
		"billing": echo("billing"),
		"general": echo("general"),
	}, time.Second, logger.Discard())
	require.NoError(t, err)

	swapped, err := registry.New([]registry.Entry{
		{Topic: "billing", Enabled: true, Handler: "ledger"},
		{Topic: "general", Enabled: true, Handler: "general"},
	})
	require.NoError(t, err)
	assert.Error(t, r.Validate(swapped))

	h.Replace(swapped)
	raw := r.Route(context.Background(), "billing", "x", nil)
	assert.True(t, raw.Failed)
}

type stubGenerator struct {
	text  string
	conf  *float64
	err   error
	tools []string
}

func (s *stubGenerator) GenerateSpecialistAnswer(ctx context.Context, topic, message string, conv *models.Conversation, allowedTools []string) (string, *float64, error) {
	s.tools = allowedTools
	return s.text, s.conf, s.err
}

func TestGenerativeHandler(t *testing.T) {
	c := 0.85
	gen := &stubGenerator{text: "We refunded the duplicate.", conf: &c}
	h := NewGenerativeHandler(gen)

	a, err := h.Handle(context.Background(), Request{Topic: "billing", Message: "x", AllowedTools: []string{"create_refund"}})
	require.NoError(t, err)
	assert.Equal(t, "We refunded the duplicate.", a.Text)
	assert.Equal(t, 0.85, *a.SelfConfidence)
	assert.Equal(t, []string{"create_refund"}, gen.tools)

	gen.err = errors.New("rate limited")
	_, err = h.Handle(context.Background(), Request{})
	assert.Error(t, err)
}

func TestKnowledgeGenerator(t *testing.T) {
	kb, err := retrieval.LoadKnowledge("")
	require.NoError(t, err)
	g := NewKnowledgeGenerator(kb)

	text, conf, err := g.GenerateSpecialistAnswer(context.Background(), "billing", "I was charged twice this month", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, text, "Duplicate or unexpected charges")
	require.NotNil(t, conf)
	assert.Equal(t, 1.0, *conf)

	text, conf, err = g.GenerateSpecialistAnswer(context.Background(), "general", "asdkj qweoiu", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, noKnowledgeText, text)
	assert.Equal(t, noKnowledgeConfidence, *conf)
}
