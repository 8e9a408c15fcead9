// Package config loads and validates the orchestration core's configuration:
// process-level settings from the environment, and per-repository settings
// (label routing, procedure overrides) from a YAML file.
package config

import "time"

// Config is the umbrella configuration passed by value into each
// constructor. No package-level state; secret rotation requires restart.
type Config struct {
	// Persisted state root. Sessions live under <HomeDir>/sessions/<scope>/,
	// attachments under <HomeDir>/attachments/<issueID>/.
	HomeDir string

	// HTTP ingress bind settings. HostExternal binds all interfaces
	// instead of loopback.
	Host         string
	Port         int
	HostExternal bool

	// OAuth brokering endpoint. Empty means direct-mode token exchange.
	ProxyURL string

	// Secrets, loaded once at startup.
	WebhookSecret     string
	OAuthClientID     string
	OAuthClientSecret string

	// Tracker identity the manager watches for assignments.
	TrackerMemberID string

	Limits    Limits
	Timeouts  Timeouts
	Streaming Streaming
}

// Limits bounds resource usage across the core.
type Limits struct {
	MaxConcurrentSessions int
	MaxRetries            int // agent-error restarts per session
	MaxIterations         int // validation loop iterations per subroutine
	MaxAttachments        int // per prompt
	MaxAttachmentBytes    int64
	QueueLimit            int // admission queue length
	DedupEntries          int // webhook dedup LRU size
}

// Timeouts groups the cancellation and grace windows.
type Timeouts struct {
	NetworkTimeout    time.Duration // default for all network calls
	StopGracePeriod   time.Duration // per-session stop grace
	ShutdownGrace     time.Duration // manager stop
	WebhookAckTimeout time.Duration // ingress dispatch budget
	DedupTTL          time.Duration // webhook dedup window
	OAuthPendingTTL   time.Duration // pending OAuth callbacks
	OAuthStateTTL     time.Duration // CSRF states
	ApprovalTTL       time.Duration // approval requests auto-reject
}

// Streaming groups the activity streaming knobs.
type Streaming struct {
	EventBufferHighWatermark int           // adapter buffer before overflow policy kicks in
	BatchWindow              time.Duration // tracker comment coalescing window
	CommentPostRetries       int           // tracker comment post retries before drop
}
