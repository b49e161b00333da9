// Package config centralizes viper wiring for the mesh daemon and CLI.
// Values come from mesh.yaml, then environment variables with the
// AGENTMESH_ prefix (dots become underscores: AGENTMESH_TRUST_MIN_SCORE
// overrides trust.min_score), then the registered defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Server holds the HTTP control-plane settings.
type Server struct {
	Port          int
	CORSOrigins   []string
	IssuerURL     string
	DIDHeader     string
	StrictHeaders bool
	ExemptPaths   []string
}

// Trust holds scoring and credential settings.
type Trust struct {
	MinScore         float64
	CredentialTTL    time.Duration
	AdminAttestation string
}

// RateLimit holds the dual-bucket admission settings.
type RateLimit struct {
	AgentRPS              float64
	AgentBurst            int
	GlobalRPS             float64
	GlobalBurst           int
	BackpressureThreshold float64
}

// Audit holds journal sink settings. Empty DatabaseURL disables the
// Postgres sink; KVMirror mirrors entries into the configured KV store.
type Audit struct {
	DatabaseURL string
	KVMirror    bool
}

// Redis holds the optional KV backend settings. Empty Addr selects the
// in-memory store.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Email holds sponsor notification settings. Empty SMTPHost selects the
// noop sender.
type Email struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	FromAddress string
}

// Health holds the availability prober settings.
type Health struct {
	Enabled       bool
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Webhook is one configured event receiver. Topics use the bus glob
// syntax; empty hears everything.
type Webhook struct {
	Name   string   `mapstructure:"name"`
	URL    string   `mapstructure:"url"`
	Topics []string `mapstructure:"topics"`
	Secret string   `mapstructure:"secret"`
}

// Config is the full daemon configuration.
type Config struct {
	Server    Server
	Trust     Trust
	RateLimit RateLimit
	Audit     Audit
	Redis     Redis
	Email     Email
	Health    Health
	Webhooks  []Webhook
}

// Option adjusts how Load locates its sources.
type Option func(*viper.Viper)

// WithFile reads exactly the given config file instead of searching for
// mesh.yaml. A missing explicit file is an error.
func WithFile(path string) Option {
	return func(v *viper.Viper) { v.SetConfigFile(path) }
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.issuer_url", "")
	v.SetDefault("server.did_header", "X-Agent-DID")
	v.SetDefault("server.strict_headers", false)
	v.SetDefault("server.exempt_paths", []string{"/healthz", "/metrics", "/.well-known/jwks.json"})

	v.SetDefault("trust.min_score", 400)
	v.SetDefault("trust.credential_ttl_seconds", 900)
	v.SetDefault("trust.admin_attestation", "")

	v.SetDefault("ratelimit.agent_rps", 10)
	v.SetDefault("ratelimit.agent_burst", 20)
	v.SetDefault("ratelimit.global_rps", 100)
	v.SetDefault("ratelimit.global_burst", 200)
	v.SetDefault("ratelimit.backpressure_threshold", 0.8)

	v.SetDefault("audit.database_url", "")
	v.SetDefault("audit.kv_mirror", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("email.smtp_host", "")
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.smtp_username", "")
	v.SetDefault("email.smtp_password", "")
	v.SetDefault("email.from_address", "noreply@agentmesh.dev")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.probe_interval", "60s")
	v.SetDefault("health.probe_timeout", "5s")
}

// Load builds the configuration from mesh.yaml (searched in configs/ and
// the working directory), the environment, and the defaults. A missing
// config file is fine; a malformed one is not.
func Load(log *zap.Logger, opts ...Option) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := viper.New()
	v.SetConfigName("mesh")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for _, o := range opts {
		o(v)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn("no config file found, using defaults and env vars")
	} else {
		log.Info("config loaded", zap.String("file", v.ConfigFileUsed()))
	}

	cfg := &Config{
		Server: Server{
			Port:          v.GetInt("server.port"),
			CORSOrigins:   v.GetStringSlice("server.cors_origins"),
			IssuerURL:     v.GetString("server.issuer_url"),
			DIDHeader:     v.GetString("server.did_header"),
			StrictHeaders: v.GetBool("server.strict_headers"),
			ExemptPaths:   v.GetStringSlice("server.exempt_paths"),
		},
		Trust: Trust{
			MinScore:         v.GetFloat64("trust.min_score"),
			CredentialTTL:    time.Duration(v.GetInt("trust.credential_ttl_seconds")) * time.Second,
			AdminAttestation: v.GetString("trust.admin_attestation"),
		},
		RateLimit: RateLimit{
			AgentRPS:              v.GetFloat64("ratelimit.agent_rps"),
			AgentBurst:            v.GetInt("ratelimit.agent_burst"),
			GlobalRPS:             v.GetFloat64("ratelimit.global_rps"),
			GlobalBurst:           v.GetInt("ratelimit.global_burst"),
			BackpressureThreshold: v.GetFloat64("ratelimit.backpressure_threshold"),
		},
		Audit: Audit{
			DatabaseURL: v.GetString("audit.database_url"),
			KVMirror:    v.GetBool("audit.kv_mirror"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Email: Email{
			SMTPHost:    v.GetString("email.smtp_host"),
			SMTPPort:    v.GetInt("email.smtp_port"),
			Username:    v.GetString("email.smtp_username"),
			Password:    v.GetString("email.smtp_password"),
			FromAddress: v.GetString("email.from_address"),
		},
		Health: Health{
			Enabled:       v.GetBool("health.enabled"),
			ProbeInterval: v.GetDuration("health.probe_interval"),
			ProbeTimeout:  v.GetDuration("health.probe_timeout"),
		},
	}
	// Webhook receivers are a list of structs, beyond what Get* can read.
	if err := v.UnmarshalKey("webhooks", &cfg.Webhooks); err != nil {
		return nil, fmt.Errorf("config: webhooks: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Trust.MinScore < 0 || c.Trust.MinScore > 1000 {
		return fmt.Errorf("config: trust.min_score %.1f out of range [0,1000]", c.Trust.MinScore)
	}
	if c.Trust.CredentialTTL < 0 {
		return fmt.Errorf("config: trust.credential_ttl_seconds must not be negative")
	}
	if t := c.RateLimit.BackpressureThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: ratelimit.backpressure_threshold %.2f out of range (0,1]", t)
	}
	if c.RateLimit.AgentRPS < 0 || c.RateLimit.GlobalRPS < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.Email.SMTPHost != "" && (c.Email.SMTPPort < 1 || c.Email.SMTPPort > 65535) {
		return fmt.Errorf("config: email.smtp_port %d out of range", c.Email.SMTPPort)
	}
	if c.Health.Enabled && c.Health.ProbeInterval <= 0 {
		return fmt.Errorf("config: health.probe_interval must be positive")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config: webhooks[%d] has no url", i)
		}
	}
	return nil
}
