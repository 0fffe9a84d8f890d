// Package webhook authenticates and decodes inbound chat-platform events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
)

const (
	TopicUserCreated = "conversation.user.created"
	TopicUserReplied = "conversation.user.replied"

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrNoSecret         = errors.New("webhook secret not configured")
)

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against an HMAC-SHA256 of the raw body. The
// "sha256=" prefix is optional.
func Verify(secret string, body []byte, signature string) error {
	if secret == "" {
		return ErrNoSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Event is the subset of the platform's notification payload we use.
type Event struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
	Data  struct {
		Item struct {
			ID   string `json:"id"`
			User struct {
				ID string `json:"id"`
			} `json:"user"`
			Source struct {
				Body string `json:"body"`
			} `json:"source"`
			ConversationParts struct {
				Parts []struct {
					Body string `json:"body"`
				} `json:"conversation_parts"`
			} `json:"conversation_parts"`
			ConversationMessage struct {
				Body string `json:"body"`
			} `json:"conversation_message"`
		} `json:"item"`
	} `json:"data"`
}

// Message is a decoded inbound user message.
type Message struct {
	EventID        string
	Topic          string
	ConversationID string
	UserID         string
	Text           string
}

// Handled reports whether the event carries a user message we act on.
func (m Message) Handled() bool {
	return m.Topic == TopicUserCreated || m.Topic == TopicUserReplied
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Parse decodes body. Events with other topics decode without error;
// check Handled before acting on them.
func Parse(body []byte) (Message, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Message{}, fmt.Errorf("invalid webhook payload: %w", err)
	}

	item := ev.Data.Item
	msg := Message{
		EventID:        ev.ID,
		Topic:          ev.Topic,
		ConversationID: item.ID,
		UserID:         item.User.ID,
	}
	if !msg.Handled() {
		return msg, nil
	}

	text := item.ConversationMessage.Body
	if parts := item.ConversationParts.Parts; ev.Topic == TopicUserReplied && len(parts) > 0 {
		text = parts[len(parts)-1].Body
	}
	if text == "" {
		text = item.Source.Body
	}
	msg.Text = plainText(text)

	if msg.ConversationID == "" {
		return msg, errors.New("webhook payload has no conversation id")
	}
	if msg.Text == "" {
		return msg, errors.New("webhook payload has no message body")
	}
	return msg, nil
}

// plainText strips the HTML the platform wraps message bodies in.
func plainText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}
