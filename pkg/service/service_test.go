package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-router/pkg/config"
	"support-router/pkg/constants"
	"support-router/pkg/logger"
	"support-router/pkg/metrics"
	"support-router/pkg/models"
	"support-router/pkg/orchestrator"
	"support-router/pkg/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		PodID:                 "pod-test",
		StoreBackend:          constants.BackendMemory,
		RetentionHours:        constants.DefaultRetentionHours,
		CollaboratorTimeoutMS: 2000,
		LockTTLMS:             constants.DefaultLockTTLMS,
		SweepIntervalMS:       50,
		NotifyMode:            constants.NotifyLog,
		ConsumerGroupName:     "escalation-notifiers",
		WebhookSecret:         "hook-secret",
	}
}

func newService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := New(cfg, logger.Discard(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func turn(t *testing.T, rec *httptest.ResponseRecorder) models.TurnResult {
	t.Helper()
	var res models.TurnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func TestService_KnowledgeOnlyPipeline(t *testing.T) {
	s := newService(t, testConfig())
	h := s.Handler()

	rec := post(t, h, "/conversations", `{"message":"I was charged twice this month","userId":"u-1"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))

	res := turn(t, rec)
	assert.Equal(t, models.TopicBilling, res.Topic)
	assert.Equal(t, models.StateResolvedAssumed, res.ResolutionState)

	rec = post(t, h, "/conversations/"+res.ConversationID+"/messages", `{"message":"Thanks, all sorted now"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateResolvedConfirmed, turn(t, rec).ResolutionState)

	rec = post(t, h, "/conversations", `{"message":"asdkj qweoiu","userId":"u-2"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	res = turn(t, rec)
	assert.Equal(t, models.StateEscalated, res.ResolutionState)
	assert.Equal(t, orchestrator.HandoffText, res.Response)
	require.NotNil(t, res.Escalation)

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/conversations/"+res.ConversationID, nil))
	assert.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"escalation"`)
}

func TestService_RequestIDIsEchoed(t *testing.T) {
	h := newService(t, testConfig()).Handler()

	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/conversations", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/conversations/abc", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set(constants.HeaderRequestID, "req-123")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "req-123", rec.Header().Get(constants.HeaderRequestID))

			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))
		})
	}
}

func TestService_APIKey(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "k3y"
	h := newService(t, cfg).Handler()

	body := `{"message":"The app keeps crashing","userId":"u"}`
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/conversations", body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "/conversations", body, map[string]string{constants.HeaderAPIKey: "nope"}).Code)
	assert.Equal(t, http.StatusCreated, post(t, h, "/conversations", body, map[string]string{constants.HeaderAPIKey: "k3y"}).Code)
	assert.Equal(t, http.StatusCreated, post(t, h, "/conversations", body, map[string]string{"Authorization": "Bearer k3y"}).Code)

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestService_WebhookRedeliveryIsIdempotent(t *testing.T) {
	s := newService(t, testConfig())
	h := s.Handler()

	body := `{"id":"notif_9","topic":"conversation.user.created","data":{"item":{"id":"ic-9","user":{"id":"u"},"source":{"body":"<p>The app keeps crashing</p>"}}}}`
	headers := map[string]string{constants.HeaderHubSignature: webhook.Sign("hook-secret", []byte(body))}

	first := post(t, h, "/webhook", body, headers)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := post(t, h, "/webhook", body, headers)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Empty(t, first.Header().Get(constants.HeaderReplay))
	assert.Equal(t, "true", second.Header().Get(constants.HeaderReplay))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	conv, err := s.Orchestrator().Get(context.Background(), "ic-9")
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)
}

func TestService_BoltBackendPersistsAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = constants.BackendBolt
	cfg.BoltPath = filepath.Join(t.TempDir(), "state", "support.bolt")

	s := newService(t, cfg)
	res, _, err := s.Orchestrator().Start(context.Background(), orchestrator.StartRequest{UserID: "u", Message: "The app keeps crashing"})
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))

	s = newService(t, cfg)
	defer s.Stop(context.Background())
	conv, err := s.Orchestrator().Get(context.Background(), res.ConversationID)
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 2)
}

func TestService_RedisBackendAndEscalationStream(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.StoreBackend = constants.BackendRedis
	cfg.NotifyMode = constants.NotifyStream
	cfg.RedisURL = "redis://" + mr.Addr()

	s := newService(t, cfg)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	res, _, err := s.Orchestrator().Start(context.Background(), orchestrator.StartRequest{UserID: "u", Message: "asdkj qweoiu"})
	require.NoError(t, err)
	require.Equal(t, models.StateEscalated, res.ResolutionState)

	assert.True(t, mr.Exists(constants.ConversationKeyPrefix+res.ConversationID))
	assert.Eventually(t, func() bool {
		entries, err := mr.Stream(constants.EscalationStream)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "cassandra"
	_, err := New(cfg, logger.Discard(), metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.NotifyMode = constants.NotifyWebhook
	_, err = New(cfg, logger.Discard(), metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}
