package config

import (
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"support-router/pkg/constants"
)

type Config struct {
	Port     string
	LogLevel string
	PodID    string

	StoreBackend string
	RedisURL     string
	BoltPath     string

	RetentionHours        int
	CollaboratorTimeoutMS int64
	LockTTLMS             int64
	SweepIntervalMS       int64

	RegistryPath      string
	CustomAnswersPath string
	KnowledgePath     string
	RetrievalURL      string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	WebhookSecret string
	APIKey        string

	NotifyMode        string
	NotifyWebhookURL  string
	ConsumerGroupName string
}

func Load() *Config {
	config := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		PodID:    getEnv("POD_ID", generatePodID()),

		StoreBackend: getEnv("STORE_BACKEND", constants.BackendMemory),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		BoltPath:     getEnv("BOLT_PATH", "data/support.bolt"),

		RetentionHours:        getEnvInt("RETENTION_HOURS", constants.DefaultRetentionHours),
		CollaboratorTimeoutMS: getEnvInt64("COLLABORATOR_TIMEOUT_MS", constants.DefaultCollaboratorTimeoutMS),
		LockTTLMS:             getEnvInt64("LOCK_TTL_MS", constants.DefaultLockTTLMS),
		SweepIntervalMS:       getEnvInt64("SWEEP_INTERVAL_MS", constants.DefaultSweepIntervalMS),

		RegistryPath:      getEnv("REGISTRY_PATH", ""),
		CustomAnswersPath: getEnv("CUSTOM_ANSWERS_PATH", ""),
		KnowledgePath:     getEnv("KNOWLEDGE_PATH", ""),
		RetrievalURL:      getEnv("RETRIEVAL_URL", ""),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		APIKey:        getEnv("SUPPORT_API_KEY", ""),

		NotifyMode:        getEnv("NOTIFY_MODE", constants.NotifyLog),
		NotifyWebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),
		ConsumerGroupName: getEnv("CONSUMER_GROUP_NAME", "escalation-notifiers"),
	}

	return config
}

func (c *Config) Retention() time.Duration {
	return constants.HoursToDuration(c.RetentionHours)
}

func (c *Config) CollaboratorTimeout() time.Duration {
	return constants.MillisecondsToDuration(c.CollaboratorTimeoutMS)
}

func (c *Config) LockTTL() time.Duration {
	return constants.MillisecondsToDuration(c.LockTTLMS)
}

func (c *Config) SweepInterval() time.Duration {
	return constants.MillisecondsToDuration(c.SweepIntervalMS)
}

// UsesRedis reports whether any configured component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.StoreBackend == constants.BackendRedis || c.NotifyMode == constants.NotifyStream
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
