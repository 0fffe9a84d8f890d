// Package router dispatches a classified message to the specialist bound to
// its topic.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/models"
	"support-router/pkg/registry"
)

// ApologyText is sent whenever a specialist cannot produce an answer.
const ApologyText = "I'm sorry, I wasn't able to look into that just now. " +
	"I'm passing your conversation to a member of our support team, who will follow up shortly."

// Request is what a specialist receives. AllowedTools lists the only external
// tools the specialist may call.
type Request struct {
	Topic        string
	Message      string
	Conversation *models.Conversation
	AllowedTools []string
}

// Answer is a specialist's output. A nil SelfConfidence means the specialist
// had no opinion.
type Answer struct {
	Text           string
	SelfConfidence *float64
	Sources        []models.Passage
}

type SpecialistHandler interface {
	Handle(ctx context.Context, req Request) (Answer, error)
}

// HandlerFunc adapts a function to SpecialistHandler.
type HandlerFunc func(ctx context.Context, req Request) (Answer, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (Answer, error) {
	return f(ctx, req)
}

type Router struct {
	registry *registry.Holder
	handlers map[string]SpecialistHandler
	timeout  time.Duration
	logger   *logrus.Logger
}

// New binds handlers by name and fails if the current registry refers to a
// handler that is not registered.
func New(reg *registry.Holder, handlers map[string]SpecialistHandler, timeout time.Duration, logger *logrus.Logger) (*Router, error) {
	r := &Router{
		registry: reg,
		handlers: make(map[string]SpecialistHandler, len(handlers)),
		timeout:  timeout,
		logger:   logger,
	}
	for name, h := range handlers {
		r.handlers[name] = h
	}
	if err := r.Validate(reg.Current()); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that every enabled entry of reg names a bound handler. Call
// it before swapping a reloaded registry in.
func (r *Router) Validate(reg *registry.Registry) error {
	if _, ok := reg.Enabled(models.TopicGeneral); !ok {
		return fmt.Errorf("registry has no enabled %q specialist", models.TopicGeneral)
	}
	for _, e := range reg.Entries() {
		if !e.Enabled {
			continue
		}
		if _, ok := r.handlers[e.Handler]; !ok {
			return fmt.Errorf("topic %q refers to unknown handler %q", e.Topic, e.Handler)
		}
	}
	return nil
}

// Route never returns an error: a failing, panicking or slow specialist
// yields the apology answer marked Failed.
func (r *Router) Route(ctx context.Context, topic, message string, conv *models.Conversation) models.RawAnswer {
	reg := r.registry.Current()

	entry, ok := reg.Enabled(topic)
	if !ok {
		entry, _ = reg.Enabled(models.TopicGeneral)
	}

	raw := models.RawAnswer{Topic: entry.Topic, Handler: entry.Handler}
	log := r.logger.WithFields(logrus.Fields{
		"stage":   "route",
		"topic":   entry.Topic,
		"handler": entry.Handler,
	})
	if conv != nil {
		log = log.WithField("conversation_id", conv.ID)
	}

	handler, ok := r.handlers[entry.Handler]
	if !ok {
		log.Error("No handler bound for topic")
		return failed(raw)
	}

	answer, err := r.call(ctx, handler, Request{
		Topic:        entry.Topic,
		Message:      message,
		Conversation: conv,
		AllowedTools: append([]string(nil), entry.ToolNames...),
	})
	if err != nil {
		log.WithError(err).Warn("Specialist failed, answering with apology")
		return failed(raw)
	}

	raw.Text = answer.Text
	raw.SelfConfidence = answer.SelfConfidence
	raw.Sources = answer.Sources
	return raw
}

type outcome struct {
	answer Answer
	err    error
}

func (r *Router) call(ctx context.Context, h SpecialistHandler, req Request) (Answer, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("specialist panicked: %v", p)}
			}
		}()
		a, err := h.Handle(callCtx, req)
		done <- outcome{answer: a, err: err}
	}()

	select {
	case o := <-done:
		return o.answer, o.err
	case <-callCtx.Done():
		return Answer{}, fmt.Errorf("specialist timed out: %w", callCtx.Err())
	}
}

func failed(raw models.RawAnswer) models.RawAnswer {
	zero := 0.0
	raw.Text = ApologyText
	raw.SelfConfidence = &zero
	raw.Failed = true
	return raw
}
