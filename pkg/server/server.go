package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"support-router/pkg/config"
	"support-router/pkg/constants"
	"support-router/pkg/handlers"
)

func NewHTTPServer(config *config.Config, handler *handlers.Handler, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      NewRouter(handler, config.APIKey, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*config.CollaboratorTimeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewRouter wires the routes. When apiKey is set the conversation API requires
// it; the webhook authenticates by signature instead. Request ids and access
// logs wrap the whole router so unmatched routes get them too.
func NewRouter(handler *handlers.Handler, apiKey string, logger *logrus.Logger) http.Handler {
	router := mux.NewRouter()

	// API routes
	api := router.NewRoute().Subrouter()
	api.HandleFunc("/conversations", handler.StartConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/messages", handler.PostMessage).Methods("POST")
	api.HandleFunc("/conversations/{id}", handler.GetConversation).Methods("GET")
	if apiKey != "" {
		api.Use(apiKeyMiddleware(apiKey, logger))
	}

	router.HandleFunc("/webhook", handler.Webhook).Methods("POST")
	router.HandleFunc("/health", handler.Health).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return requestIDMiddleware(loggingMiddleware(logger)(router))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(constants.HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(constants.HeaderRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), reqID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := logger.WithFields(logrus.Fields{
				"request_id": handlers.RequestID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"latency_ms": time.Since(start).Milliseconds(),
				"remote":     r.RemoteAddr,
			})
			switch {
			case rec.status >= 500:
				entry.Error("HTTP request processed")
			case rec.status >= 400:
				entry.Warn("HTTP request processed")
			default:
				entry.Debug("HTTP request processed")
			}
		})
	}
}

func apiKeyMiddleware(apiKey string, logger *logrus.Logger) mux.MiddlewareFunc {
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(handlers.BearerOrHeaderKey(r))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				logger.WithFields(logrus.Fields{
					"request_id":     handlers.RequestID(r.Context()),
					"path":           r.URL.Path,
					"remote":         r.RemoteAddr,
					"security_event": true,
				}).Warn("Rejected request without a valid API key")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"code":"UNAUTHORIZED","message":"missing or invalid API key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
