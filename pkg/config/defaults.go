package config

import "time"

// Default limit values.
const (
	DefaultMaxConcurrentSessions = 1
	DefaultMaxRetries            = 3
	DefaultMaxIterations         = 4
	DefaultMaxAttachments        = 10
	DefaultMaxAttachmentBytes    = 10 << 20 // 10 MiB
	DefaultQueueLimit            = 100
	DefaultDedupEntries          = 10000
)

// Default timing values.
const (
	DefaultNetworkTimeout    = 30 * time.Second
	DefaultStopGracePeriod   = 5 * time.Second
	DefaultShutdownGrace     = 30 * time.Second
	DefaultWebhookAckTimeout = 3 * time.Second
	DefaultDedupTTL          = 10 * time.Minute
	DefaultOAuthPendingTTL   = 5 * time.Minute
	DefaultOAuthStateTTL     = 10 * time.Minute
	DefaultApprovalTTL       = 30 * time.Minute
)

// Default streaming values.
const (
	DefaultEventBufferHighWatermark = 1024
	DefaultBatchWindow              = 750 * time.Millisecond
	DefaultCommentPostRetries       = 3
)

// DefaultPort is the ingress HTTP port when PORT is unset.
const DefaultPort = 8080

// Default returns a Config populated with every default. Env loading and
// repository files layer on top of this.
func Default() Config {
	return Config{
		Host: "127.0.0.1",
		Port: DefaultPort,
		Limits: Limits{
			MaxConcurrentSessions: DefaultMaxConcurrentSessions,
			MaxRetries:            DefaultMaxRetries,
			MaxIterations:         DefaultMaxIterations,
			MaxAttachments:        DefaultMaxAttachments,
			MaxAttachmentBytes:    DefaultMaxAttachmentBytes,
			QueueLimit:            DefaultQueueLimit,
			DedupEntries:          DefaultDedupEntries,
		},
		Timeouts: Timeouts{
			NetworkTimeout:    DefaultNetworkTimeout,
			StopGracePeriod:   DefaultStopGracePeriod,
			ShutdownGrace:     DefaultShutdownGrace,
			WebhookAckTimeout: DefaultWebhookAckTimeout,
			DedupTTL:          DefaultDedupTTL,
			OAuthPendingTTL:   DefaultOAuthPendingTTL,
			OAuthStateTTL:     DefaultOAuthStateTTL,
			ApprovalTTL:       DefaultApprovalTTL,
		},
		Streaming: Streaming{
			EventBufferHighWatermark: DefaultEventBufferHighWatermark,
			BatchWindow:              DefaultBatchWindow,
			CommentPostRetries:       DefaultCommentPostRetries,
		},
	}
}
