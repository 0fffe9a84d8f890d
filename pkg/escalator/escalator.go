// Package escalator builds the handoff package for a human agent. It is pure:
// persisting the record and notifying anyone is up to the caller.
package escalator

import (
	"fmt"
	"strings"
	"time"

	"support-router/pkg/constants"
	"support-router/pkg/models"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityNormal = "normal"
)

// More reasons than this raise the priority to high regardless of score.
const maxReasonsBeforeHigh = 3

const summaryRule = "=================================================="

type Escalator struct {
	recentTurns int
}

func New() *Escalator {
	return &Escalator{recentTurns: constants.EscalationRecentTurns}
}

// Escalate returns the record for conv, which must already contain the turn
// that triggered the escalation.
func (e *Escalator) Escalate(conv *models.Conversation, vr models.VerificationResult, now time.Time) models.EscalationRecord {
	topic := conv.Topic
	if topic == "" {
		topic = models.TopicGeneral
	}
	priority := Priority(vr)

	return models.EscalationRecord{
		Summary:        e.summary(conv, topic, vr),
		Topic:          topic,
		LastConfidence: vr.Score,
		TriggeredAt:    now,
		Priority:       priority,
		Tags:           tags(topic, vr, priority),
		Reasons:        append([]string(nil), vr.Reasons...),
	}
}

func Priority(vr models.VerificationResult) string {
	switch {
	case vr.Score < constants.HighPriorityBelow || len(vr.Reasons) > maxReasonsBeforeHigh:
		return PriorityHigh
	case vr.Score < constants.MediumPriorityBelow:
		return PriorityMedium
	default:
		return PriorityNormal
	}
}

func (e *Escalator) summary(conv *models.Conversation, topic string, vr models.VerificationResult) string {
	var b strings.Builder

	b.WriteString(summaryRule + "\nESCALATION SUMMARY\n" + summaryRule + "\n")
	fmt.Fprintf(&b, "Conversation ID: %s\n", conv.ID)
	fmt.Fprintf(&b, "User ID: %s\n", conv.UserID)
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	fmt.Fprintf(&b, "Confidence: %.2f\n\n", vr.Score)

	fmt.Fprintf(&b, "Original message:\n%s\n\n", conv.FirstUserMessage())
	if latest := conv.LatestUserMessage(); latest != conv.FirstUserMessage() {
		fmt.Fprintf(&b, "Latest message:\n%s\n\n", latest)
	}

	if len(vr.Reasons) > 0 {
		b.WriteString("Verification notes:\n")
		for _, r := range vr.Reasons {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
		b.WriteString("\n")
	}

	recent := conv.RecentTurns(e.recentTurns)
	if len(recent) > 0 {
		fmt.Fprintf(&b, "Recent turns (last %d):\n", len(recent))
		for _, m := range recent {
			fmt.Fprintf(&b, "  [%s] %s\n", m.Role, m.Text)
		}
		b.WriteString("\n")
	}

	b.WriteString(summaryRule + "\nACTION REQUIRED: Please review and respond to customer\n" + summaryRule)
	return b.String()
}

func tags(topic string, vr models.VerificationResult, priority string) []string {
	out := []string{"escalated", "needs_review", "attempted_" + topic}
	if !vr.GroundingChecked {
		out = append(out, "ungrounded")
	}
	if priority != PriorityNormal {
		out = append(out, "priority_"+priority)
	}
	return out
}
