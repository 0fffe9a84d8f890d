// Package orchestrator runs one inbound message through the decision pipeline
// as a single transaction: dedupe, lock, load, decide, persist, notify.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"support-router/pkg/answers"
	"support-router/pkg/apperrors"
	"support-router/pkg/constants"
	"support-router/pkg/locks"
	"support-router/pkg/metrics"
	"support-router/pkg/models"
	"support-router/pkg/notify"
	"support-router/pkg/store"
)

const (
	// HandoffText replaces the specialist answer when a turn is escalated.
	HandoffText = "I want to make sure you get the right answer, so I've passed your " +
		"conversation to a member of our support team. They'll reply here shortly."

	// ClosureText acknowledges a confirmed resolution.
	ClosureText = "Glad that's sorted! Reply here any time if you need anything else."
)

type AnswerMatcher interface {
	Match(text string) (answers.Template, bool)
}

// Classifier never fails; fallback reports a collaborator failure it absorbed.
type Classifier interface {
	Classify(ctx context.Context, message string, history []models.Message) (result models.ClassificationResult, fallback bool)
}

type Router interface {
	Route(ctx context.Context, topic, message string, conv *models.Conversation) models.RawAnswer
}

type Verifier interface {
	Verify(ctx context.Context, answer models.RawAnswer, conv *models.Conversation, topic string) (models.VerificationResult, bool)
}

type Escalator interface {
	Escalate(conv *models.Conversation, vr models.VerificationResult, now time.Time) models.EscalationRecord
}

type ConversationStore interface {
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Put(ctx context.Context, conv *models.Conversation) error
}

type DeliveryLog interface {
	Lookup(ctx context.Context, key string) (*models.TurnResult, bool, error)
	Remember(ctx context.Context, key string, result *models.TurnResult) error
}

type Dependencies struct {
	Answers       AnswerMatcher
	Classifier    Classifier
	Router        Router
	Verifier      Verifier
	Escalator     Escalator
	Conversations ConversationStore
	Deliveries    DeliveryLog
	Locker        locks.Locker
	Notifier      notify.Notifier
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
	Retention     time.Duration

	// Optional; default to time.Now and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

type Orchestrator struct {
	Dependencies
}

func New(deps Dependencies) *Orchestrator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.New().String() }
	}
	if deps.Retention <= 0 {
		deps.Retention = constants.HoursToDuration(constants.DefaultRetentionHours)
	}
	return &Orchestrator{Dependencies: deps}
}

type StartRequest struct {
	UserID         string
	Message        string
	IdempotencyKey string
}

type ReplyRequest struct {
	ConversationID string
	Message        string
	IdempotencyKey string
}

// Delivery is a message from the webhook channel, where the platform owns the
// conversation id. EventID doubles as the idempotency key.
type Delivery struct {
	ConversationID string
	UserID         string
	Message        string
	EventID        string
}

// Start opens a new conversation. The bool result reports an idempotent replay.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*models.TurnResult, bool, error) {
	const op = "Orchestrator.Start"

	message := strings.TrimSpace(req.Message)
	userID := strings.TrimSpace(req.UserID)
	if message == "" || userID == "" {
		return nil, false, apperrors.E(apperrors.CodeInvalidArgument, op, "message and userId are required", nil)
	}

	return o.idempotent(ctx, op, scopedKey(req.IdempotencyKey, "start", userID), func() (*turnOutcome, error) {
		id := o.NewID()
		return o.turn(ctx, op, id, message, func(ctx context.Context) (*models.Conversation, error) {
			return models.NewConversation(id, userID, o.Now(), o.Retention), nil
		})
	})
}

// Reply appends a follow-up to an existing conversation.
func (o *Orchestrator) Reply(ctx context.Context, req ReplyRequest) (*models.TurnResult, bool, error) {
	const op = "Orchestrator.Reply"

	message := strings.TrimSpace(req.Message)
	id := strings.TrimSpace(req.ConversationID)
	if id == "" || message == "" {
		return nil, false, apperrors.E(apperrors.CodeInvalidArgument, op, "conversation id and message are required", nil)
	}

	return o.idempotent(ctx, op, scopedKey(req.IdempotencyKey, "reply", id), func() (*turnOutcome, error) {
		return o.turn(ctx, op, id, message, func(ctx context.Context) (*models.Conversation, error) {
			return o.load(ctx, op, id)
		})
	})
}

// Deliver replies on the conversation if it exists and opens it under the
// platform's id otherwise.
func (o *Orchestrator) Deliver(ctx context.Context, d Delivery) (*models.TurnResult, bool, error) {
	const op = "Orchestrator.Deliver"

	message := strings.TrimSpace(d.Message)
	id := strings.TrimSpace(d.ConversationID)
	if id == "" || message == "" {
		return nil, false, apperrors.E(apperrors.CodeInvalidArgument, op, "conversation id and message are required", nil)
	}

	return o.idempotent(ctx, op, d.EventID, func() (*turnOutcome, error) {
		return o.turn(ctx, op, id, message, func(ctx context.Context) (*models.Conversation, error) {
			conv, err := o.load(ctx, op, id)
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				return models.NewConversation(id, d.UserID, o.Now(), o.Retention), nil
			}
			return conv, err
		})
	})
}

// Get returns the stored conversation, or NotFound once it has expired.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Conversation, error) {
	const op = "Orchestrator.Get"

	if strings.TrimSpace(id) == "" {
		return nil, apperrors.E(apperrors.CodeInvalidArgument, op, "conversation id is required", nil)
	}
	return o.load(ctx, op, id)
}

func (o *Orchestrator) load(ctx context.Context, op, id string) (*models.Conversation, error) {
	conv, err := o.Conversations.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.E(apperrors.CodeNotFound, op, "conversation not found", err)
	}
	if err != nil {
		return nil, apperrors.E(apperrors.CodeUnavailable, op, "conversation store unavailable", err)
	}
	return conv, nil
}

type turnOutcome struct {
	result *models.TurnResult
	notice *models.EscalationNotice
}

// idempotent runs fn at most once per key. Concurrent copies of one delivery
// queue on the delivery lock and the later ones get the remembered result.
// scopedKey namespaces a caller-chosen key so the same key sent to another
// operation, user or conversation is a different delivery. Webhook event ids
// are unique platform-wide and stay unscoped.
func scopedKey(key string, scope ...string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return strings.Join(append(scope, key), ":")
}

func (o *Orchestrator) idempotent(ctx context.Context, op, key string, fn func() (*turnOutcome, error)) (*models.TurnResult, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		out, err := fn()
		if err != nil {
			return nil, false, err
		}
		o.notify(ctx, out)
		return out.result, false, nil
	}

	release, err := o.Locker.Acquire(ctx, constants.DeliveryKeyPrefix+key)
	if err != nil {
		return nil, false, lockError(op, err)
	}
	defer release()

	cached, ok, err := o.Deliveries.Lookup(ctx, key)
	if err != nil {
		return nil, false, apperrors.E(apperrors.CodeUnavailable, op, "idempotency log unavailable", err)
	}
	if ok {
		o.Metrics.DuplicateDeliveries.Inc()
		o.Logger.WithFields(logrus.Fields{
			"idempotency_key": key,
			"conversation_id": cached.ConversationID,
		}).Info("Duplicate delivery, replaying stored result")
		return cached, true, nil
	}

	out, err := fn()
	if err != nil {
		return nil, false, err
	}
	if err := o.Deliveries.Remember(ctx, key, out.result); err != nil {
		o.Logger.WithError(err).WithFields(logrus.Fields{
			"idempotency_key": key,
			"conversation_id": out.result.ConversationID,
		}).Error("Failed to remember delivery; a redelivery would run again")
	}
	o.notify(ctx, out)
	return out.result, false, nil
}

// turn holds the conversation lock across load, decide and persist.
func (o *Orchestrator) turn(ctx context.Context, op, id, message string, load func(context.Context) (*models.Conversation, error)) (*turnOutcome, error) {
	release, err := o.Locker.Acquire(ctx, constants.ConversationKeyPrefix+id)
	if err != nil {
		return nil, lockError(op, err)
	}
	defer release()

	conv, err := load(ctx)
	if err != nil {
		return nil, err
	}

	out := o.decide(ctx, conv, message)

	start := time.Now()
	err = o.Conversations.Put(ctx, conv)
	o.observe("persist", start)
	if err != nil {
		o.Metrics.TurnsProcessed.WithLabelValues("persist_error").Inc()
		return nil, apperrors.E(apperrors.CodeUnavailable, op, "failed to persist conversation", err)
	}
	return out, nil
}

func (o *Orchestrator) notify(ctx context.Context, out *turnOutcome) {
	if out.notice == nil || o.Notifier == nil {
		return
	}
	if err := o.Notifier.Escalate(ctx, *out.notice); err != nil {
		o.Logger.WithError(err).WithFields(logrus.Fields{
			"stage":           "notify",
			"conversation_id": out.notice.ConversationID,
		}).Error("Failed to notify human agents of escalation")
		o.Metrics.CollaboratorFailures.WithLabelValues("notify").Inc()
	}
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	o.Metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func lockError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.E(apperrors.CodeTimeout, op, "timed out waiting for conversation lock", err)
	}
	return apperrors.E(apperrors.CodeUnavailable, op, "lock service unavailable", err)
}
