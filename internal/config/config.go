package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	CacheTTL             time.Duration `mapstructure:"CACHE_TTL"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	NotifyAsync          bool          `mapstructure:"NOTIFY_ASYNC"`
	NotifyTimeout        time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	NotifyStream         string        `mapstructure:"NOTIFY_STREAM"`
	PushGatewayURL       string        `mapstructure:"PUSH_GATEWAY_URL"`
	PushGatewaySecret    string        `mapstructure:"PUSH_GATEWAY_SECRET"`
	IncidentCodePrefix   string        `mapstructure:"INCIDENT_CODE_PREFIX"`
	PendingSweepSpec     string        `mapstructure:"PENDING_SWEEP_SPEC"`
	PendingEscalateAfter time.Duration `mapstructure:"PENDING_ESCALATE_AFTER"`
	AssignMaxAttempts    int           `mapstructure:"ASSIGN_MAX_ATTEMPTS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CACHE_TTL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "REQUEST_TIMEOUT",
	"NOTIFY_ASYNC", "NOTIFY_TIMEOUT", "NOTIFY_STREAM",
	"PUSH_GATEWAY_URL", "PUSH_GATEWAY_SECRET",
	"INCIDENT_CODE_PREFIX", "PENDING_SWEEP_SPEC", "PENDING_ESCALATE_AFTER",
	"ASSIGN_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CACHE_TTL", "2m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("NOTIFY_ASYNC", true)
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("NOTIFY_STREAM", "schoolhealth:notifications")
	v.SetDefault("INCIDENT_CODE_PREFIX", "HI")
	v.SetDefault("PENDING_SWEEP_SPEC", "@every 5m")
	v.SetDefault("PENDING_ESCALATE_AFTER", "15m")
	v.SetDefault("ASSIGN_MAX_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ENV=development, requests without a bearer token act as the dev supervisor.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier (issuer/JWKS or a signing key) must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only; use AUTH_JWKS_URL in production")
	}
	if c.PushGatewayURL != "" && c.PushGatewaySecret == "" {
		return fmt.Errorf("PUSH_GATEWAY_SECRET is required when PUSH_GATEWAY_URL is set")
	}
	if c.AssignMaxAttempts < 1 {
		return fmt.Errorf("ASSIGN_MAX_ATTEMPTS must be at least 1, got %d", c.AssignMaxAttempts)
	}
	if c.PendingEscalateAfter <= 0 {
		return fmt.Errorf("PENDING_ESCALATE_AFTER must be positive")
	}
	return nil
}
