// Package config loads the service configuration from YAML with
// AGENT_GUARD_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/agent_guard/internal/alert"
	"github.com/triage-ai/palisade/services/agent_guard/internal/auth"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine"
	"github.com/triage-ai/palisade/services/agent_guard/internal/engine/detectors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENT_GUARD_"

// Config is the full service configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Server      ServerConfig      `yaml:"server"`
	Policy      PolicyConfig      `yaml:"policy"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Baseline    BaselineConfig    `yaml:"baseline"`
	Isolation   IsolationConfig   `yaml:"isolation"`
	Store       StoreConfig       `yaml:"store"`
	Audit       AuditConfig       `yaml:"audit"`
	Auth        AuthConfig        `yaml:"auth"`
	Attestation AttestationConfig `yaml:"attestation"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Health      HealthConfig      `yaml:"health"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables the gRPC health server
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// PolicyConfig is the decision policy plus its reload switch.
type PolicyConfig struct {
	engine.Policy `yaml:",inline"`
	HotReload     bool `yaml:"hot_reload"`
}

type ScoringConfig struct {
	// Signals lists enabled signals by name; empty enables all.
	Signals         []string      `yaml:"signals"`
	Timeout         time.Duration `yaml:"timeout"`
	HistorySize     int           `yaml:"history_size"`
	TrendMinSamples int           `yaml:"trend_min_samples"`
}

type EmbeddingConfig struct {
	Backend   string        `yaml:"backend"` // hashing | onnx
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"` // 0 disables the cache
	ONNX      ONNXConfig    `yaml:"onnx"`
}

type ONNXConfig struct {
	ModelDir      string `yaml:"model_dir"`
	SharedLibrary string `yaml:"shared_library"`
	SeqLen        int    `yaml:"seq_len"`
	TokenTypeIDs  bool   `yaml:"token_type_ids"`
}

type BaselineConfig struct {
	Alpha        float64 `yaml:"alpha"`
	LearnOnAllow bool    `yaml:"learn_on_allow"`
}

type IsolationConfig struct {
	Backend        string        `yaml:"backend"` // memory | sql | redis
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	RedisURL       string        `yaml:"redis_url"`
	RedisPrefix    string        `yaml:"redis_prefix"`
}

type StoreConfig struct {
	// URL is a postgres:// URL or a SQLite path; empty disables the SQL store.
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type AuditConfig struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	CreateTable   bool   `yaml:"create_table"`
}

type AuthConfig struct {
	Keys     []KeyConfig   `yaml:"keys"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// UseStore also accepts keys from the api_keys table.
	UseStore bool          `yaml:"use_store"`
}

// KeyConfig declares a static API key by prefix and bcrypt hash.
type KeyConfig struct {
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
	Prefix string `yaml:"prefix"`
	Hash   string `yaml:"hash"`
}

type AttestationConfig struct {
	SigningKey string        `yaml:"signing_key"` // empty disables attestations
	Issuer     string        `yaml:"issuer"`
	TTL        time.Duration `yaml:"ttl"`
}

type AlertsConfig struct {
	Webhooks []alert.WebhookConfig `yaml:"webhooks"`
}

type HealthConfig struct {
	CheckTimeout time.Duration `yaml:"check_timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Policy: PolicyConfig{Policy: engine.DefaultPolicy()},
		Scoring: ScoringConfig{
			Timeout:         100 * time.Millisecond,
			HistorySize:     8,
			TrendMinSamples: 3,
		},
		Embedding: EmbeddingConfig{
			Backend:   "hashing",
			Dimension: 384,
			Timeout:   200 * time.Millisecond,
			CacheSize: 4096,
			ONNX:      ONNXConfig{SeqLen: 128},
		},
		Baseline: BaselineConfig{Alpha: 0.7},
		Isolation: IsolationConfig{
			Backend:        "memory",
			RetryBackoff:   50 * time.Millisecond,
			PersistTimeout: 2 * time.Second,
			SweepSchedule:  "@every 30s",
			RedisPrefix:    "agent_guard",
		},
		Store: StoreConfig{Migrate: true},
		Auth:  AuthConfig{CacheTTL: 30 * time.Second},
		Attestation: AttestationConfig{
			Issuer: "agent-guard",
			TTL:    5 * time.Minute,
		},
		Health: HealthConfig{CheckTimeout: 2 * time.Second, Interval: 10 * time.Second},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected; an empty
// document leaves cfg unchanged.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse: %w", err)
	}
	return nil
}

// ApplyEnv overrides individual keys from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	float("ESCALATE_THRESHOLD", &c.Policy.EscalateThreshold)
	float("FLAG_THRESHOLD", &c.Policy.FlagThreshold)
	boolean("AUTO_ISOLATE", &c.Policy.AutoIsolateOnEscalate)
	duration("ISOLATION_TTL", &c.Policy.IsolationTTL)
	if v, ok := lookup(EnvPrefix + "FAILURE_POLICY"); ok && v != "" {
		p, err := engine.ParseFailurePolicy(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Policy.FailurePolicy = p
		}
	}
	duration("SCORE_TIMEOUT", &c.Scoring.Timeout)
	str("EMBED_BACKEND", &c.Embedding.Backend)
	duration("EMBED_TIMEOUT", &c.Embedding.Timeout)
	str("ONNX_MODEL_DIR", &c.Embedding.ONNX.ModelDir)
	str("ISOLATION_BACKEND", &c.Isolation.Backend)
	str("REDIS_URL", &c.Isolation.RedisURL)
	str("STORE_URL", &c.Store.URL)
	str("CLICKHOUSE_DSN", &c.Audit.ClickHouseDSN)
	str("ATTESTATION_KEY", &c.Attestation.SigningKey)
	boolean("LEARN_BASELINE", &c.Baseline.LearnOnAllow)

	return errors.Join(errs...)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", c.LogLevel))
	}
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	for name, d := range map[string]time.Duration{
		"scoring.timeout":           c.Scoring.Timeout,
		"embedding.timeout":         c.Embedding.Timeout,
		"isolation.retry_backoff":   c.Isolation.RetryBackoff,
		"isolation.persist_timeout": c.Isolation.PersistTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if _, err := detectors.Build(c.Scoring.Signals, detectors.Options{}); err != nil {
		errs = append(errs, fmt.Errorf("scoring.signals: %w", err))
	}
	switch c.Embedding.Backend {
	case "hashing":
	case "onnx":
		if c.Embedding.ONNX.ModelDir == "" {
			errs = append(errs, errors.New("embedding.onnx.model_dir is required for the onnx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.backend: unknown backend %q", c.Embedding.Backend))
	}
	switch c.Isolation.Backend {
	case "memory":
	case "sql":
		if c.Store.URL == "" {
			errs = append(errs, errors.New("isolation.backend sql requires store.url"))
		}
	case "redis":
		if c.Isolation.RedisURL == "" {
			errs = append(errs, errors.New("isolation.backend redis requires isolation.redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("isolation.backend: unknown backend %q", c.Isolation.Backend))
	}
	if c.Auth.UseStore && c.Store.URL == "" {
		errs = append(errs, errors.New("auth.use_store requires store.url"))
	}
	if _, err := c.KeyRecords(); err != nil {
		errs = append(errs, err)
	}
	for i, w := range c.Alerts.Webhooks {
		if w.URL == "" {
			errs = append(errs, fmt.Errorf("alerts.webhooks[%d]: url is required", i))
		}
		if w.Format != "" && w.Format != "generic" && w.Format != "slack" {
			errs = append(errs, fmt.Errorf("alerts.webhooks[%d]: unknown format %q", i, w.Format))
		}
	}
	return errors.Join(errs...)
}

// KeyRecords converts the static key declarations for the authenticator.
func (c *Config) KeyRecords() ([]auth.KeyRecord, error) {
	out := make([]auth.KeyRecord, 0, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		role, err := auth.ParseRole(k.Role)
		if err != nil {
			return nil, fmt.Errorf("auth.keys[%d]: %w", i, err)
		}
		out = append(out, auth.KeyRecord{Name: k.Name, Role: role, Prefix: k.Prefix, Hash: k.Hash})
	}
	if _, err := auth.NewStaticKeys(out); err != nil {
		return nil, fmt.Errorf("auth.keys: %w", err)
	}
	return out, nil
}

// AuthEnabled reports whether any key source is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Auth.Keys) > 0 || c.Auth.UseStore
}
