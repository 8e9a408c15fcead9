package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LoadFromEnv builds a Config from the process environment layered over
// Default(). The caller is responsible for having loaded any .env file
// (see cmd — godotenv) before this runs.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	cfg.HomeDir = getEnv("HOME_DIR", defaultHomeDir())
	cfg.Host = getEnv("HOST", cfg.Host)
	cfg.ProxyURL = os.Getenv("PROXY_URL")
	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.TrackerMemberID = os.Getenv("TRACKER_MEMBER_ID")

	var err error
	if cfg.Port, err = getEnvInt("PORT", cfg.Port); err != nil {
		return cfg, err
	}
	if cfg.HostExternal, err = getEnvBool("HOST_EXTERNAL", false); err != nil {
		return cfg, err
	}
	if cfg.HostExternal {
		cfg.Host = "0.0.0.0"
	}

	if cfg.Limits.MaxConcurrentSessions, err = getEnvInt("MAX_CONCURRENT_SESSIONS", cfg.Limits.MaxConcurrentSessions); err != nil {
		return cfg, err
	}
	if cfg.Limits.MaxRetries, err = getEnvInt("MAX_RETRIES", cfg.Limits.MaxRetries); err != nil {
		return cfg, err
	}
	if cfg.Limits.MaxIterations, err = getEnvInt("MAX_ITERATIONS", cfg.Limits.MaxIterations); err != nil {
		return cfg, err
	}
	if cfg.Limits.MaxAttachments, err = getEnvInt("MAX_ATTACHMENTS", cfg.Limits.MaxAttachments); err != nil {
		return cfg, err
	}
	if cfg.Limits.MaxAttachmentBytes, err = getEnvInt64("MAX_ATTACHMENT_BYTES", cfg.Limits.MaxAttachmentBytes); err != nil {
		return cfg, err
	}
	if cfg.Timeouts.ShutdownGrace, err = getEnvDuration("SHUTDOWN_GRACE", cfg.Timeouts.ShutdownGrace); err != nil {
		return cfg, err
	}
	if cfg.Timeouts.StopGracePeriod, err = getEnvDuration("STOP_GRACE_PERIOD", cfg.Timeouts.StopGracePeriod); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".issueflow"
	}
	return filepath.Join(home, ".issueflow")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, newFieldError(key, fmt.Sprintf("not an integer: %q", v))
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, newFieldError(key, fmt.Sprintf("not an integer: %q", v))
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, newFieldError(key, fmt.Sprintf("not a boolean: %q", v))
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, newFieldError(key, fmt.Sprintf("not a duration: %q", v))
	}
	return d, nil
}
