package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.yaml")
	data := `
locale: en
expo:
  access_token: secret
  qps: 50
dispatch:
  max_retries: 5
  backoff_min: 100ms
worker:
  concurrency: 4
smtp:
  host: smtp.example.com
  to: [reports@example.com]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "en", cfg.Locale)
	require.Equal(t, "secret", cfg.Expo.AccessToken)
	require.Equal(t, 50.0, cfg.Expo.QPS)
	require.Equal(t, 1000, cfg.Expo.Burst, "unset fields keep defaults")
	require.Equal(t, 5, cfg.Dispatch.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.Dispatch.BackoffMin)
	require.Equal(t, 4, cfg.Worker.Concurrency)
	require.Equal(t, 100, cfg.Worker.BatchSize)
	require.True(t, cfg.SMTP.MailEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = ""
	cfg.Worker.MaxAttempts = 0
	cfg.Dispatch.BackoffMax = time.Millisecond
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "database_url")
	require.Contains(t, err.Error(), "max_attempts")
	require.Contains(t, err.Error(), "backoff_max")
}

func TestValidateClaimTimeout(t *testing.T) {
	cfg := Default()
	cfg.Worker.ClaimTimeout = cfg.Worker.DispatchTimeout
	require.ErrorContains(t, cfg.Validate(), "claim_timeout")

	cfg.Worker.ClaimTimeout = 0
	require.NoError(t, cfg.Validate())
}
