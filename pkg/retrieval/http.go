package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"support-router/pkg/models"
)

type searchRequest struct {
	Query string `json:"query"`
	Topic string `json:"topic,omitempty"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []models.Passage `json:"results"`
}

// HTTPRetriever queries an external search service at POST {baseURL}/search.
type HTTPRetriever struct {
	client *resty.Client
	topK   int
}

func NewHTTPRetriever(baseURL string, timeout time.Duration) *HTTPRetriever {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPRetriever{client: client, topK: defaultTopK}
}

func (r *HTTPRetriever) RetrieveContext(ctx context.Context, topic, query string) ([]models.Passage, error) {
	var out searchResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(searchRequest{Query: query, Topic: topic, TopK: r.topK}).
		SetResult(&out).
		Post("/search")
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("search service returned %d", resp.StatusCode())
	}
	return out.Results, nil
}
