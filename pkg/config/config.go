// Package config loads the application configuration: a YAML file loaded
// once per invocation, with environment overrides for deployment knobs.
// Key material arrives only through this file or the environment, never
// through intents or payloads.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Security tunes the execution-plane perimeter.
type Security struct {
	// Mode is one of disabled, permissive, enforce.
	Mode string `yaml:"mode"`
	// AllowUnsignedLive is the explicit unsigned-live override for
	// permissive mode. Defaults to false.
	AllowUnsignedLive bool `yaml:"allow_unsigned_live"`

	MaxSkewSeconds  int `yaml:"max_skew_seconds"`
	NonceTTLSeconds int `yaml:"nonce_ttl_seconds"`

	// Keys maps key ids to shared secrets for signature verification.
	Keys map[string]string `yaml:"keys"`

	// OperatorTokenSecret signs control-plane operator tokens. Empty
	// disables token issuance.
	OperatorTokenSecret string `yaml:"operator_token_secret"`
}

// Breaker tunes the circuit breaker.
type Breaker struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSeconds    int `yaml:"window_seconds"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	// StaleTrialSeconds bounds an unresolved half-open trial before it is
	// treated as a crashed holder. Zero defers to the cooldown.
	StaleTrialSeconds int `yaml:"stale_trial_seconds"`
}

// Window returns the rolling failure window as a duration.
func (b Breaker) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Cooldown returns the open-state cooldown as a duration.
func (b Breaker) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// StaleTrial returns the half-open stale-claim threshold as a duration.
func (b Breaker) StaleTrial() time.Duration {
	return time.Duration(b.StaleTrialSeconds) * time.Second
}

// Redis locates the optional nonce-store backend.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimit tunes the inbound execution-plane limiter.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config holds the full application configuration.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	PolicyPath       string `yaml:"policy_path"`
	AuditLogPath     string `yaml:"audit_log_path"`
	RouteOverlayPath string `yaml:"route_overlay_path"`
	LogLevel         string `yaml:"log_level"`

	// IdempotencyBackend is sqlite or postgres.
	IdempotencyBackend string `yaml:"idempotency_backend"`
	PostgresDSN        string `yaml:"postgres_dsn"`

	Security  Security  `yaml:"security"`
	Breaker   Breaker   `yaml:"breaker"`
	Redis     Redis     `yaml:"redis"`
	RateLimit RateLimit `yaml:"rate_limit"`

	ConnectorTimeoutSeconds int `yaml:"connector_timeout_seconds"`
	StalePendingSeconds     int `yaml:"stale_pending_seconds"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir:            "data",
		PolicyPath:         "policy.json",
		AuditLogPath:       filepath.Join("data", "audit.jsonl"),
		LogLevel:           "INFO",
		IdempotencyBackend: "sqlite",
		Security: Security{
			Mode:            "permissive",
			MaxSkewSeconds:  300,
			NonceTTLSeconds: 900,
		},
		Breaker: Breaker{
			FailureThreshold: 3,
			WindowSeconds:    60,
			CooldownSeconds:  60,
		},
		RateLimit:               RateLimit{RPS: 10, Burst: 20},
		ConnectorTimeoutSeconds: 30,
		StalePendingSeconds:     300,
	}
}

// Load reads the YAML file (if path is non-empty and the file exists) over
// the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TIDEMARK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TIDEMARK_POLICY"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("TIDEMARK_AUDIT_LOG"); v != "" {
		c.AuditLogPath = v
	}
	if v := os.Getenv("TIDEMARK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TIDEMARK_SECURITY_MODE"); v != "" {
		c.Security.Mode = v
	}
	if v := os.Getenv("TIDEMARK_ALLOW_UNSIGNED_LIVE"); v != "" {
		c.Security.AllowUnsignedLive = v == "true"
	}
	if v := os.Getenv("TIDEMARK_OPERATOR_TOKEN_SECRET"); v != "" {
		c.Security.OperatorTokenSecret = v
	}
	if v := os.Getenv("TIDEMARK_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TIDEMARK_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TIDEMARK_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
		c.IdempotencyBackend = "postgres"
	}
	// TIDEMARK_A2A_KEYS holds "id=secret" pairs separated by commas, for
	// deployments that cannot put secrets in the config file.
	if v := os.Getenv("TIDEMARK_A2A_KEYS"); v != "" {
		if c.Security.Keys == nil {
			c.Security.Keys = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			id, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && id != "" {
				c.Security.Keys[id] = secret
			}
		}
	}
	if v := os.Getenv("TIDEMARK_RATE_LIMIT_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RPS = rps
		}
	}
}

func (c *Config) validate() error {
	switch c.Security.Mode {
	case "disabled", "permissive", "enforce":
	default:
		return fmt.Errorf("config: security.mode must be disabled, permissive or enforce, got %q", c.Security.Mode)
	}
	switch c.IdempotencyBackend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: idempotency_backend must be sqlite or postgres, got %q", c.IdempotencyBackend)
	}
	if c.IdempotencyBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend requires postgres_dsn")
	}
	if c.Security.NonceTTLSeconds < c.Security.MaxSkewSeconds {
		return fmt.Errorf("config: nonce_ttl_seconds must be at least max_skew_seconds")
	}
	return nil
}

// StoreDBPath returns the sqlite database path under the data directory.
func (c *Config) StoreDBPath() string {
	return filepath.Join(c.DataDir, "tidemark.db")
}

// MaxSkew returns the perimeter skew window as a duration.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.Security.MaxSkewSeconds) * time.Second
}

// NonceTTL returns the replay window as a duration.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.Security.NonceTTLSeconds) * time.Second
}

// ConnectorTimeout returns the dispatch deadline as a duration.
func (c *Config) ConnectorTimeout() time.Duration {
	return time.Duration(c.ConnectorTimeoutSeconds) * time.Second
}

// StalePendingAfter returns the crash-recovery override as a duration.
func (c *Config) StalePendingAfter() time.Duration {
	return time.Duration(c.StalePendingSeconds) * time.Second
}
