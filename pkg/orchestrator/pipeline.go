package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
	"support-router/pkg/models"
	"support-router/pkg/resolution"
)

// decide applies one inbound message to conv in place and returns what the
// caller should see. It never fails: every collaborator has a fallback.
func (o *Orchestrator) decide(ctx context.Context, conv *models.Conversation, message string) *turnOutcome {
	now := o.Now()
	firstTurn := len(conv.Turns) == 0
	conv.Append(models.RoleUser, message, now)

	log := o.Logger.WithField("conversation_id", conv.ID)
	result := &models.TurnResult{ConversationID: conv.ID}
	out := &turnOutcome{result: result}

	var response, outcome string

	switch tmpl, matched := o.Answers.Match(message); {
	case resolution.ShouldConfirm(conv.ResolutionState, firstTurn, message):
		conv.ResolutionState = models.StateResolvedConfirmed
		response = ClosureText
		outcome = "confirmed"

	case matched:
		if tmpl.Topic != "" {
			conv.Topic = tmpl.Topic
		}
		conv.Confidence = constants.FastPathConfidence
		response = tmpl.Answer
		result.CustomAnswerID = tmpl.ID
		outcome = "custom_answer"

	default:
		vr, raw := o.pipeline(ctx, conv, message, log)
		conv.Confidence = vr.Score
		conv.ResolutionState = resolution.AfterVerification(vr.Passed)

		if vr.Passed {
			response = raw.Text
			outcome = "resolved"
			break
		}

		response = HandoffText
		outcome = "escalated"
		record := o.Escalator.Escalate(conv, vr, now)
		conv.Escalation = &record
		out.notice = &models.EscalationNotice{ConversationID: conv.ID, UserID: conv.UserID, Record: record}
		o.Metrics.EscalationsTotal.WithLabelValues(record.Topic, record.Priority).Inc()
		log.WithFields(logrus.Fields{
			"topic":    record.Topic,
			"priority": record.Priority,
			"score":    vr.Score,
			"reasons":  vr.Reasons,
		}).Info("Escalating conversation")
	}

	conv.Append(models.RoleAgent, response, now)

	result.Topic = conv.Topic
	result.Confidence = conv.Confidence
	result.ResolutionState = conv.ResolutionState
	result.Response = response
	if out.notice != nil {
		result.Escalation = conv.Escalation
	}

	o.Metrics.TurnsProcessed.WithLabelValues(outcome).Inc()
	log.WithFields(logrus.Fields{
		"outcome":          outcome,
		"topic":            conv.Topic,
		"confidence":       conv.Confidence,
		"resolution_state": conv.ResolutionState,
	}).Info("Processed turn")
	return out
}

// pipeline runs classify, route and verify for the message just appended.
func (o *Orchestrator) pipeline(ctx context.Context, conv *models.Conversation, message string, log *logrus.Entry) (models.VerificationResult, models.RawAnswer) {
	history := conv.Turns[:len(conv.Turns)-1]

	start := time.Now()
	cls, fallback := o.Classifier.Classify(ctx, message, history)
	o.observe("classify", start)
	if fallback {
		o.Metrics.CollaboratorFailures.WithLabelValues("classify").Inc()
	}
	log.WithFields(logrus.Fields{
		"topic":            cls.Topic,
		"confidence":       cls.Confidence,
		"source":           cls.Source,
		"matched_keywords": cls.MatchedKeywords,
	}).Debug("Classified message")

	start = time.Now()
	raw := o.Router.Route(ctx, cls.Topic, message, conv)
	o.observe("route", start)
	if raw.Failed {
		o.Metrics.CollaboratorFailures.WithLabelValues("route").Inc()
	}
	// the router may have fallen back to general
	conv.Topic = raw.Topic

	start = time.Now()
	vr, retrievalFailed := o.Verifier.Verify(ctx, raw, conv, raw.Topic)
	o.observe("verify", start)
	if retrievalFailed {
		o.Metrics.CollaboratorFailures.WithLabelValues("verify").Inc()
	}
	return vr, raw
}
