package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/answers"
	"support-router/pkg/cache"
	"support-router/pkg/classifier"
	"support-router/pkg/config"
	"support-router/pkg/constants"
	"support-router/pkg/escalator"
	"support-router/pkg/handlers"
	"support-router/pkg/llm"
	"support-router/pkg/locks"
	"support-router/pkg/metrics"
	"support-router/pkg/notify"
	"support-router/pkg/orchestrator"
	redisClient "support-router/pkg/redis"
	"support-router/pkg/registry"
	"support-router/pkg/retrieval"
	"support-router/pkg/router"
	"support-router/pkg/server"
	"support-router/pkg/store"
	"support-router/pkg/verifier"
)

type Service struct {
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	orchestrator *orchestrator.Orchestrator
	handler      *handlers.Handler
	server       *http.Server

	redis        *redisClient.Client
	bolt         *cache.BoltCache
	sweeper      cache.Sweeper
	sweepBackend string
	producer     *notify.StreamProducer
	consumer     *notify.StreamConsumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the pipeline from config. Nothing runs until Start.
func New(config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) (*Service, error) {
	s := &Service{config: config, logger: logger, metrics: metrics}
	if err := s.build(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	cfg := s.config
	timeout := cfg.CollaboratorTimeout()

	if cfg.UsesRedis() {
		client, err := redisClient.Connect(redisClient.DefaultConnectionConfig(cfg.RedisURL), s.logger)
		if err != nil {
			return err
		}
		s.redis = client
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return err
	}
	holder := registry.NewHolder(reg)

	matcher, err := answers.Load(cfg.CustomAnswersPath)
	if err != nil {
		return err
	}

	retriever, err := s.buildRetriever()
	if err != nil {
		return err
	}

	var collaborator classifier.Collaborator
	var generator router.Generator = router.NewKnowledgeGenerator(retriever)
	if cfg.OpenAIAPIKey != "" {
		opts := llm.Options{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}
		collaborator = llm.NewClassifier(opts, holder)
		generator = llm.NewGenerator(opts, holder, retriever, s.logger)
	}

	rt, err := router.New(holder, map[string]router.SpecialistHandler{
		router.HandlerGenerative: router.NewGenerativeHandler(generator),
	}, timeout, s.logger)
	if err != nil {
		return err
	}

	backing, err := s.buildCache()
	if err != nil {
		return err
	}

	var locker locks.Locker = locks.NewLocalLocker()
	if s.redis != nil && cfg.StoreBackend == constants.BackendRedis {
		locker = locks.NewRedisLocker(s.redis.Redis(), cfg.LockTTL(), s.logger)
	}

	notifier, err := s.buildNotifier(timeout)
	if err != nil {
		return err
	}

	s.orchestrator = orchestrator.New(orchestrator.Dependencies{
		Answers:       matcher,
		Classifier:    classifier.New(collaborator, holder, timeout, s.logger),
		Router:        rt,
		Verifier:      verifier.New(retriever, timeout, s.logger),
		Escalator:     escalator.New(),
		Conversations: store.NewConversations(backing, nil),
		Deliveries:    store.NewDeliveries(backing, cfg.Retention()),
		Locker:        locker,
		Notifier:      notifier,
		Logger:        s.logger,
		Metrics:       s.metrics,
		Retention:     cfg.Retention(),
	})
	s.handler = handlers.NewHandler(s.orchestrator, cfg.WebhookSecret, s.logger, s.metrics)

	s.logger.WithFields(logrus.Fields{
		"store_backend":  cfg.StoreBackend,
		"notify_mode":    cfg.NotifyMode,
		"llm":            cfg.OpenAIAPIKey != "",
		"topics":         len(reg.Entries()),
		"custom_answers": matcher.Len(),
	}).Info("Support pipeline assembled")
	return nil
}

func (s *Service) buildRetriever() (retrieval.Retriever, error) {
	if s.config.RetrievalURL != "" {
		return retrieval.NewHTTPRetriever(s.config.RetrievalURL, s.config.CollaboratorTimeout()), nil
	}
	return retrieval.LoadKnowledge(s.config.KnowledgePath)
}

func (s *Service) buildCache() (cache.Cache, error) {
	switch s.config.StoreBackend {
	case constants.BackendMemory, "":
		mem := cache.NewMemoryCache()
		s.sweeper, s.sweepBackend = mem, constants.BackendMemory
		return cache.WithMetrics(mem, constants.BackendMemory, s.metrics, s.logger), nil

	case constants.BackendRedis:
		return cache.WithMetrics(cache.NewRedisCache(s.redis.Redis()), constants.BackendRedis, s.metrics, s.logger), nil

	case constants.BackendBolt:
		if dir := filepath.Dir(s.config.BoltPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create bolt directory: %w", err)
			}
		}
		bolt, err := cache.OpenBoltCache(s.config.BoltPath)
		if err != nil {
			return nil, err
		}
		s.bolt = bolt
		s.sweeper, s.sweepBackend = bolt, constants.BackendBolt
		return cache.WithMetrics(bolt, constants.BackendBolt, s.metrics, s.logger), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", s.config.StoreBackend)
	}
}

// buildNotifier returns what the orchestrator calls on escalation. In stream
// mode that is the producer; the consumer forwards to the webhook if one is
// configured and to the log otherwise.
func (s *Service) buildNotifier(timeout time.Duration) (notify.Notifier, error) {
	cfg := s.config

	var direct notify.Notifier = notify.WithMetrics(notify.NewLogNotifier(s.logger), constants.NotifyLog, s.metrics)
	if cfg.NotifyWebhookURL != "" {
		direct = notify.WithMetrics(notify.NewWebhookNotifier(cfg.NotifyWebhookURL, timeout), constants.NotifyWebhook, s.metrics)
	}

	switch cfg.NotifyMode {
	case constants.NotifyLog, "":
		return notify.WithMetrics(notify.NewLogNotifier(s.logger), constants.NotifyLog, s.metrics), nil

	case constants.NotifyWebhook:
		if cfg.NotifyWebhookURL == "" {
			return nil, errors.New("NOTIFY_WEBHOOK_URL is required when NOTIFY_MODE=webhook")
		}
		return direct, nil

	case constants.NotifyStream:
		s.producer = notify.NewStreamProducer(s.redis.Redis(), cfg.ConsumerGroupName, s.logger)
		s.consumer = notify.NewStreamConsumer(s.redis.Redis(), cfg.ConsumerGroupName, cfg.PodID, direct, s.logger, s.metrics)
		return notify.WithMetrics(s.producer, constants.NotifyStream, s.metrics), nil

	default:
		return nil, fmt.Errorf("unknown notify mode %q", cfg.NotifyMode)
	}
}

// Orchestrator exposes the pipeline for in-process callers.
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Handler is the full HTTP surface without a listener.
func (s *Service) Handler() http.Handler {
	return server.NewRouter(s.handler, s.config.APIKey, s.logger)
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting support router")

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.sweeper != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			cache.RunJanitor(ctx, s.sweeper, s.sweepBackend, s.config.SweepInterval(), s.logger, s.metrics)
		}()
	}

	if s.producer != nil {
		if err := s.producer.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("failed to create escalation consumer group: %w", err)
		}
		s.consumer.Start(ctx)
	}

	s.server = server.NewHTTPServer(s.config, s.handler, s.logger)
	go func() {
		s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	s.logger.WithField("pod_id", s.config.PodID).Info("Support router started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping support router")

	var shutdownErr error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			shutdownErr = err
		}
	}

	if s.consumer != nil && s.cancel != nil {
		s.consumer.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.close()

	s.logger.Info("Support router stopped")
	return shutdownErr
}

func (s *Service) close() {
	if s.bolt != nil {
		if err := s.bolt.Close(); err != nil {
			s.logger.WithError(err).Warn("Error closing bolt store")
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
}
