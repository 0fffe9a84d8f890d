package models

import "time"

// Built-in topics. Further topics may be declared in the agent registry.
const (
	TopicBilling = "billing"
	TopicTech    = "tech"
	TopicReturns = "returns"
	TopicGeneral = "general"
)

// ResolutionState is the lifecycle marker of a conversation
type ResolutionState string

const (
	StateInProgress        ResolutionState = "in_progress"
	StateResolvedAssumed   ResolutionState = "resolved_assumed"
	StateResolvedConfirmed ResolutionState = "resolved_confirmed"
	StateEscalated         ResolutionState = "escalated"
)

// Role identifies the author of a turn
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is one turn of a conversation
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the unit persisted across turns
type Conversation struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	Topic           string            `json:"topic,omitempty"`
	Confidence      float64           `json:"confidence"`
	ResolutionState ResolutionState   `json:"resolutionState"`
	Turns           []Message         `json:"turns"`
	Escalation      *EscalationRecord `json:"escalation,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
}

// NewConversation starts an empty conversation whose expiry is fixed at creation.
func NewConversation(id, userID string, now time.Time, retention time.Duration) *Conversation {
	return &Conversation{
		ID:              id,
		UserID:          userID,
		ResolutionState: StateInProgress,
		Turns:           []Message{},
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(retention),
	}
}

// Append records a turn and bumps UpdatedAt.
func (c *Conversation) Append(role Role, text string, at time.Time) {
	c.Turns = append(c.Turns, Message{Role: role, Text: text, Timestamp: at})
	c.UpdatedAt = at
}

// Expired reports whether the conversation must no longer be observable at now.
func (c *Conversation) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// FirstUserMessage returns the opening user message, if any.
func (c *Conversation) FirstUserMessage() string {
	for _, m := range c.Turns {
		if m.Role == RoleUser {
			return m.Text
		}
	}
	return ""
}

// RecentTurns returns at most n trailing turns.
func (c *Conversation) RecentTurns(n int) []Message {
	if n <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// ClassificationResult is transient; it is never persisted
type ClassificationResult struct {
	Topic           string   `json:"topic"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matchedKeywords,omitempty"`
	Source          string   `json:"source"` // "model" | "keyword"
}

// VerificationResult is transient; Reasons explain each deduction in order
type VerificationResult struct {
	Score            float64  `json:"score"`
	Passed           bool     `json:"passed"`
	Reasons          []string `json:"reasons,omitempty"`
	GroundingChecked bool     `json:"groundingChecked"`
}

// EscalationRecord is the human handoff package stored with the conversation
type EscalationRecord struct {
	Summary        string    `json:"summary"`
	Topic          string    `json:"topic"`
	LastConfidence float64   `json:"lastConfidence"`
	TriggeredAt    time.Time `json:"triggeredAt"`
	Priority       string    `json:"priority"`
	Tags           []string  `json:"tags,omitempty"`
	Reasons        []string  `json:"reasons,omitempty"`
}

// EscalationNotice is what gets handed to the human-agent system
type EscalationNotice struct {
	ConversationID string           `json:"conversationId"`
	UserID         string           `json:"userId"`
	Record         EscalationRecord `json:"record"`
}

// TurnResult is returned for every processed turn and cached for replays
type TurnResult struct {
	ConversationID  string            `json:"conversationId"`
	Topic           string            `json:"topic"`
	Confidence      float64           `json:"confidence"`
	ResolutionState ResolutionState   `json:"resolutionState"`
	Response        string            `json:"response"`
	CustomAnswerID  string            `json:"customAnswerId,omitempty"`
	Escalation      *EscalationRecord `json:"escalation,omitempty"`
}

// Passage is one retrieved knowledge snippet
type Passage struct {
	Title   string  `json:"title" yaml:"title"`
	Content string  `json:"content" yaml:"content"`
	Topic   string  `json:"topic,omitempty" yaml:"topic"`
	Score   float64 `json:"score,omitempty" yaml:"-"`
}

// RawAnswer is a specialist's unverified output
type RawAnswer struct {
	Topic          string    `json:"topic"`
	Handler        string    `json:"handler"`
	Text           string    `json:"text"`
	SelfConfidence *float64  `json:"selfConfidence,omitempty"`
	Failed         bool      `json:"failed"`
	Sources        []Passage `json:"sources,omitempty"`
}

// LatestUserMessage returns the most recent user message, if any.
func (c *Conversation) LatestUserMessage() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i].Text
		}
	}
	return ""
}
