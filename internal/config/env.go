package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides overrides cfg fields from the environment. Durations
// named *_MS are integer milliseconds.
//
// Supported variables:
//   - DATABASE_URL, HOST, PORT, HEALTH_ADDR
//   - LOG_LEVEL, LOG_FILE, NOTIFY_LOCALE
//   - EXPO_PUSH_URL, EXPO_ACCESS_TOKEN, PROVIDER_QPS, PROVIDER_BURST, WORKER_SEND_TIMEOUT_MS
//   - NOTIFY_MAX_RETRIES, NOTIFY_BACKOFF_MIN_MS, NOTIFY_BACKOFF_MAX_MS
//   - WORKER_BATCH, WORKER_CONCURRENCY, WORKER_POLL_MS, WORKER_IDLE_MS,
//     WORKER_DB_BACKOFF_MIN_MS, WORKER_DB_BACKOFF_MAX_MS, WORKER_RETRY_MS,
//     WORKER_MAX_ATTEMPTS, WORKER_DISPATCH_TIMEOUT_MS
//   - SMTP_HOST, SMTP_PORT, SMTP_USER, SMTP_PASS, SMTP_FROM, SMTP_TO (comma separated)
func ApplyEnvOverrides(cfg *Config) error {
	applyBasicEnv(cfg)
	if err := applyExpoEnv(cfg); err != nil {
		return err
	}
	if err := applyDispatchEnv(cfg); err != nil {
		return err
	}
	if err := applyWorkerEnv(cfg); err != nil {
		return err
	}
	return applySMTPEnv(cfg)
}

func applyBasicEnv(cfg *Config) {
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("HOST", &cfg.Host)
	setString("PORT", &cfg.Port)
	setString("HEALTH_ADDR", &cfg.HealthAddr)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FILE", &cfg.LogFile)
	setString("NOTIFY_LOCALE", &cfg.Locale)
}

func applyExpoEnv(cfg *Config) error {
	setString("EXPO_PUSH_URL", &cfg.Expo.PushURL)
	setString("EXPO_ACCESS_TOKEN", &cfg.Expo.AccessToken)
	if err := setFloat("PROVIDER_QPS", &cfg.Expo.QPS); err != nil {
		return err
	}
	if err := setInt("PROVIDER_BURST", &cfg.Expo.Burst); err != nil {
		return err
	}
	return setMillis("WORKER_SEND_TIMEOUT_MS", &cfg.Expo.Timeout)
}

func applyDispatchEnv(cfg *Config) error {
	if err := setInt("NOTIFY_MAX_RETRIES", &cfg.Dispatch.MaxRetries); err != nil {
		return err
	}
	if err := setMillis("NOTIFY_BACKOFF_MIN_MS", &cfg.Dispatch.BackoffMin); err != nil {
		return err
	}
	return setMillis("NOTIFY_BACKOFF_MAX_MS", &cfg.Dispatch.BackoffMax)
}

func applyWorkerEnv(cfg *Config) error {
	w := &cfg.Worker
	for _, f := range []struct {
		env string
		dst *int
	}{
		{"WORKER_BATCH", &w.BatchSize},
		{"WORKER_CONCURRENCY", &w.Concurrency},
		{"WORKER_MAX_ATTEMPTS", &w.MaxAttempts},
	} {
		if err := setInt(f.env, f.dst); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		env string
		dst *time.Duration
	}{
		{"WORKER_POLL_MS", &w.PollInterval},
		{"WORKER_IDLE_MS", &w.IdleSleep},
		{"WORKER_DB_BACKOFF_MIN_MS", &w.DBBackoffMin},
		{"WORKER_DB_BACKOFF_MAX_MS", &w.DBBackoffMax},
		{"WORKER_RETRY_MS", &w.RetryIn},
		{"WORKER_DISPATCH_TIMEOUT_MS", &w.DispatchTimeout},
		{"WORKER_CLAIM_TIMEOUT_MS", &w.ClaimTimeout},
	} {
		if err := setMillis(f.env, f.dst); err != nil {
			return err
		}
	}
	return nil
}

func applySMTPEnv(cfg *Config) error {
	setString("SMTP_HOST", &cfg.SMTP.Host)
	setString("SMTP_USER", &cfg.SMTP.User)
	setString("SMTP_PASS", &cfg.SMTP.Pass)
	setString("SMTP_FROM", &cfg.SMTP.From)
	if err := setInt("SMTP_PORT", &cfg.SMTP.Port); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		parts := strings.Split(v, ",")
		to := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				to = append(to, p)
			}
		}
		cfg.SMTP.To = to
	}
	return nil
}

func setString(env string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(env string, dst *int) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = n
	}
	return nil
}

func setFloat(env string, dst *float64) error {
	if v := os.Getenv(env); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = f
	}
	return nil
}

func setMillis(env string, dst *time.Duration) error {
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = time.Duration(n) * time.Millisecond
	}
	return nil
}
