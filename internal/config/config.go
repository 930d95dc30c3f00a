package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RecordStoreURL     string        `mapstructure:"RECORD_STORE_URL"`
	RecordStoreTimeout time.Duration `mapstructure:"RECORD_STORE_TIMEOUT"`
	BlobDir            string        `mapstructure:"BLOB_DIR"`
	MaxUploadBytes     int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	PageSize           int           `mapstructure:"PAGE_SIZE"`
	EmergencyGrantTTL  time.Duration `mapstructure:"EMERGENCY_GRANT_TTL"`
	EmergencyPerHour   int           `mapstructure:"EMERGENCY_PER_HOUR"`
	HTTPTimeout        time.Duration `mapstructure:"HTTP_TIMEOUT"`
	UploadTimeout      time.Duration `mapstructure:"UPLOAD_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"RECORD_STORE_URL", "RECORD_STORE_TIMEOUT", "BLOB_DIR", "MAX_UPLOAD_BYTES",
	"PAGE_SIZE", "EMERGENCY_GRANT_TTL", "EMERGENCY_PER_HOUR", "HTTP_TIMEOUT",
	"UPLOAD_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("RECORD_STORE_TIMEOUT", "10s")
	v.SetDefault("BLOB_DIR", "./data/blobs")
	v.SetDefault("MAX_UPLOAD_BYTES", 25<<20)
	v.SetDefault("PAGE_SIZE", 50)
	v.SetDefault("EMERGENCY_GRANT_TTL", "0s")
	v.SetDefault("EMERGENCY_PER_HOUR", 10)
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("UPLOAD_TIMEOUT", "5m")

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

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthMode reports how callers are identified:
//   - "development": X-Dev-Party-* headers, no token checks
//   - "jwks":        RS256/ES256 tokens verified against AUTH_JWKS_URL
//   - "hmac":        HS256 tokens signed with AUTH_SIGNING_KEY
func (c *Config) AuthMode() string {
	switch {
	case c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "":
		return "development"
	case c.AuthJWKSURL != "":
		return "jwks"
	default:
		return "hmac"
	}
}

// SigningKey decodes AUTH_SIGNING_KEY.
func (c *Config) SigningKey() ([]byte, error) {
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate refuses configurations that would run outside development
// without token verification, or with nonsensical limits.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" {
		key, err := c.SigningKey()
		if err != nil {
			return err
		}
		if len(key) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.EmergencyGrantTTL < 0 {
		return fmt.Errorf("EMERGENCY_GRANT_TTL must not be negative")
	}
	if c.HTTPTimeout <= 0 || c.RecordStoreTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT and RECORD_STORE_TIMEOUT must be positive")
	}
	if c.UploadTimeout < c.HTTPTimeout {
		return fmt.Errorf("UPLOAD_TIMEOUT (%s) must not be shorter than HTTP_TIMEOUT (%s)", c.UploadTimeout, c.HTTPTimeout)
	}
	if c.IsProduction() && c.RecordStoreURL == "" {
		return fmt.Errorf("RECORD_STORE_URL is required in production")
	}
	return nil
}
