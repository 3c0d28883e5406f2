package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "permissive", cfg.Security.Mode)
	assert.False(t, cfg.Security.AllowUnsignedLive)
	assert.Equal(t, "sqlite", cfg.IdempotencyBackend)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Window())
	assert.Equal(t, 30*time.Second, cfg.ConnectorTimeout())
	assert.Equal(t, filepath.Join("data", "tidemark.db"), cfg.StoreDBPath())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidemark.yaml")
	content := `
data_dir: /var/lib/tidemark
policy_path: /etc/tidemark/policy.json
log_level: DEBUG
security:
  mode: enforce
  max_skew_seconds: 120
  nonce_ttl_seconds: 600
  keys:
    agent-1: secret-one
breaker:
  failure_threshold: 5
  window_seconds: 30
  cooldown_seconds: 90
  stale_trial_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tidemark", cfg.DataDir)
	assert.Equal(t, "enforce", cfg.Security.Mode)
	assert.Equal(t, 2*time.Minute, cfg.MaxSkew())
	assert.Equal(t, 10*time.Minute, cfg.NonceTTL())
	assert.Equal(t, "secret-one", cfg.Security.Keys["agent-1"])
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.Breaker.Cooldown())
	assert.Equal(t, 2*time.Minute, cfg.Breaker.StaleTrial())
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "permissive", cfg.Security.Mode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TIDEMARK_SECURITY_MODE", "enforce")
	t.Setenv("TIDEMARK_DATA_DIR", "/tmp/td")
	t.Setenv("TIDEMARK_A2A_KEYS", "agent-1=s1, agent-2=s2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "enforce", cfg.Security.Mode)
	assert.Equal(t, "/tmp/td", cfg.DataDir)
	assert.Equal(t, "s1", cfg.Security.Keys["agent-1"])
	assert.Equal(t, "s2", cfg.Security.Keys["agent-2"])
}

func TestPostgresEnvSelectsBackend(t *testing.T) {
	t.Setenv("TIDEMARK_POSTGRES_DSN", "postgres://tidemark@localhost/tidemark")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.IdempotencyBackend)
}

func TestInvalidModeRejected(t *testing.T) {
	t.Setenv("TIDEMARK_SECURITY_MODE", "paranoid")
	_, err := Load("")
	assert.Error(t, err)
}

func TestTTLMustCoverSkew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidemark.yaml")
	content := `
security:
  mode: enforce
  max_skew_seconds: 600
  nonce_ttl_seconds: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestPostgresBackendNeedsDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidemark.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idempotency_backend: postgres\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
