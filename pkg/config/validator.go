package config

import "fmt"

// Validate checks value ranges. Credential presence is checked separately by
// RequireCredentials so debug mode can run without secrets.
func (c Config) Validate() error {
	if c.HomeDir == "" {
		return newFieldError("HOME_DIR", "must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return newFieldError("PORT", fmt.Sprintf("out of range: %d", c.Port))
	}
	if c.Limits.MaxConcurrentSessions < 1 {
		return newFieldError("MAX_CONCURRENT_SESSIONS", "must be at least 1")
	}
	if c.Limits.MaxRetries < 0 {
		return newFieldError("MAX_RETRIES", "must not be negative")
	}
	if c.Limits.MaxIterations < 1 {
		return newFieldError("MAX_ITERATIONS", "must be at least 1")
	}
	if c.Limits.MaxAttachments < 0 {
		return newFieldError("MAX_ATTACHMENTS", "must not be negative")
	}
	if c.Limits.MaxAttachmentBytes <= 0 {
		return newFieldError("MAX_ATTACHMENT_BYTES", "must be positive")
	}
	if c.Limits.QueueLimit < 1 {
		return newFieldError("QUEUE_LIMIT", "must be at least 1")
	}
	if c.Timeouts.StopGracePeriod <= 0 {
		return newFieldError("STOP_GRACE_PERIOD", "must be positive")
	}
	if c.Timeouts.ShutdownGrace <= 0 {
		return newFieldError("SHUTDOWN_GRACE", "must be positive")
	}
	return nil
}

// RequireCredentials verifies the secrets needed for production mode.
func (c Config) RequireCredentials() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("%w: WEBHOOK_SECRET is not set", ErrMissingCredentials)
	}
	if c.OAuthClientID == "" || c.OAuthClientSecret == "" {
		return fmt.Errorf("%w: OAUTH_CLIENT_ID / OAUTH_CLIENT_SECRET are not set", ErrMissingCredentials)
	}
	return nil
}
