package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"support-router/pkg/apperrors"
	"support-router/pkg/constants"
	"support-router/pkg/metrics"
	"support-router/pkg/models"
	"support-router/pkg/orchestrator"
	"support-router/pkg/webhook"
)

const maxBodyBytes = 1 << 20

// Conversations is the orchestrator surface the HTTP layer drives.
type Conversations interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*models.TurnResult, bool, error)
	Reply(ctx context.Context, req orchestrator.ReplyRequest) (*models.TurnResult, bool, error)
	Deliver(ctx context.Context, d orchestrator.Delivery) (*models.TurnResult, bool, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
}

type Handler struct {
	conversations Conversations
	webhookSecret string
	logger        *logrus.Logger
	metrics       *metrics.Metrics
}

func NewHandler(conversations Conversations, webhookSecret string, logger *logrus.Logger, metrics *metrics.Metrics) *Handler {
	return &Handler{
		conversations: conversations,
		webhookSecret: webhookSecret,
		logger:        logger,
		metrics:       metrics,
	}
}

type requestIDKey struct{}

// WithRequestID stores the request id for handlers and log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type errorBody struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	result, replayed, err := h.conversations.Start(r.Context(), orchestrator.StartRequest{
		UserID:         request.UserID,
		Message:        request.Message,
		IdempotencyKey: r.Header.Get(constants.HeaderIdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeTurn(w, http.StatusCreated, result, replayed)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	var request struct {
		Message string `json:"message"`
	}
	if !h.decode(w, r, &request) {
		return
	}

	result, replayed, err := h.conversations.Reply(r.Context(), orchestrator.ReplyRequest{
		ConversationID: conversationID,
		Message:        request.Message,
		IdempotencyKey: r.Header.Get(constants.HeaderIdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeTurn(w, http.StatusOK, result, replayed)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Webhook accepts signed events from the chat platform. Events for topics we
// do not act on are acknowledged so the platform stops retrying them.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperrors.E(apperrors.CodeInvalidArgument, "Handler.Webhook", "unreadable body", err))
		return
	}

	signature := r.Header.Get(constants.HeaderHubSignature)
	if signature == "" {
		signature = r.Header.Get(constants.HeaderIntercomSigning)
	}
	if err := webhook.Verify(h.webhookSecret, body, signature); err != nil {
		h.metrics.WebhookRejections.Inc()
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id":     RequestID(r.Context()),
			"remote":         r.RemoteAddr,
			"security_event": true,
		}).Warn("Rejected webhook delivery")
		h.writeError(w, r, apperrors.E(apperrors.CodeUnauthorized, "Handler.Webhook", "invalid webhook signature", err))
		return
	}

	msg, err := webhook.Parse(body)
	if err != nil {
		h.writeError(w, r, apperrors.E(apperrors.CodeInvalidArgument, "Handler.Webhook", err.Error(), err))
		return
	}
	if !msg.Handled() {
		h.logger.WithFields(logrus.Fields{
			"request_id": RequestID(r.Context()),
			"topic":      msg.Topic,
		}).Debug("Ignoring webhook topic")
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ignored", "topic": msg.Topic})
		return
	}

	eventID := msg.EventID
	if eventID == "" {
		eventID = r.Header.Get(constants.HeaderDeliveryID)
	}

	result, replayed, err := h.conversations.Deliver(r.Context(), orchestrator.Delivery{
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Message:        msg.Text,
		EventID:        eventID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeTurn(w, http.StatusOK, result, replayed)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.writeError(w, r, apperrors.E(apperrors.CodeInvalidArgument, "Handler.decode", "invalid request body", err))
		return false
	}
	return true
}

func (h *Handler) writeTurn(w http.ResponseWriter, status int, result *models.TurnResult, replayed bool) {
	if replayed {
		w.Header().Set(constants.HeaderReplay, "true")
	}
	writeJSON(w, status, result)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)

	body := errorBody{Code: apperrors.CodeInternal, Message: "internal server error"}
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		body.Code = ae.Code
		if ae.Message != "" {
			body.Message = ae.Message
		}
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": RequestID(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// BearerOrHeaderKey extracts an API key from X-API-Key or an Authorization
// bearer token.
func BearerOrHeaderKey(r *http.Request) string {
	if key := r.Header.Get(constants.HeaderAPIKey); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
