package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"support-router/pkg/models"
)

// WebhookNotifier posts the notice as JSON to a fixed URL.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{client: client, url: url}
}

func (n *WebhookNotifier) Escalate(ctx context.Context, notice models.EscalationNotice) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(notice).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("escalation webhook failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("escalation webhook returned %d", resp.StatusCode())
	}
	return nil
}
