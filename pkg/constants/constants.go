package constants

import "time"

// Decision thresholds
const (
	// ConfidenceThreshold - Verifier pass mark; scores at or above it resolve the turn
	ConfidenceThreshold = 0.7

	// KeywordFallbackConfidence - Fixed confidence when classification falls back to keywords
	KeywordFallbackConfidence = 0.5

	// FastPathConfidence - Confidence reported for curated custom answers
	FastPathConfidence = 1.0

	// DefaultSelfConfidence - Base score when a specialist reports no confidence of its own
	DefaultSelfConfidence = 0.5

	// GroundingWeight - Share of the verification score contributed by the grounding check
	GroundingWeight = 0.3
)

// Escalation priorities are derived from the last verification score
const (
	HighPriorityBelow   = 0.3
	MediumPriorityBelow = 0.5

	// EscalationRecentTurns - Number of trailing turns copied into a handoff summary
	EscalationRecentTurns = 5
)

// Default configuration values
const (
	// DefaultRetentionHours - Conversations and delivery ids expire after 7 days
	DefaultRetentionHours = 7 * 24

	// DefaultCollaboratorTimeoutMS - Upper bound on any single external call
	DefaultCollaboratorTimeoutMS = 10000

	// DefaultLockTTLMS - Lease on a distributed conversation lock, renewed every third while held
	DefaultLockTTLMS = 60000

	// DefaultSweepIntervalMS - How often local backends purge expired entries
	DefaultSweepIntervalMS = 60000
)

// Storage key prefixes and stream names
const (
	ConversationKeyPrefix = "conversation:"
	DeliveryKeyPrefix     = "delivery:"
	LockKeyPrefix         = "lock:"
	EscalationStream      = "escalation_events"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Notification modes
const (
	NotifyLog     = "log"
	NotifyWebhook = "webhook"
	NotifyStream  = "stream"
)

// HTTP headers
const (
	HeaderRequestID       = "X-Request-Id"
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderDeliveryID      = "X-Delivery-Id"
	HeaderAPIKey          = "X-API-Key"
	HeaderReplay          = "X-Idempotent-Replay"
	HeaderHubSignature    = "X-Hub-Signature-256"
	HeaderIntercomSigning = "X-Intercom-Signature"
)

func HoursToDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}

func MillisecondsToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
