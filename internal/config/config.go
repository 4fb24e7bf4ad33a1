package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// MinSecretBytes is the minimum length of the decoded VSDM secret.
const MinSecretBytes = 32

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	Port     string `mapstructure:"PORT"`

	// Outbound
	UserAgent          string        `mapstructure:"USER_AGENT"`
	RecordSystemURL    string        `mapstructure:"RECORD_SYSTEM_URL"`
	IDPURL             string        `mapstructure:"IDP_URL"`
	StepTimeout        time.Duration `mapstructure:"STEP_TIMEOUT"`
	HTTPRateLimitRPS   float64       `mapstructure:"HTTP_RATE_LIMIT_RPS"`
	HTTPRateLimitBurst int           `mapstructure:"HTTP_RATE_LIMIT_BURST"`
	RequireHCV         bool          `mapstructure:"REQUIRE_HCV"`

	// Simulator
	ClientID            string        `mapstructure:"CLIENT_ID"`
	RedirectURI         string        `mapstructure:"REDIRECT_URI"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	AuditEvidenceMaxAge time.Duration `mapstructure:"AUDIT_EVIDENCE_MAX_AGE"`

	// Checksum issuing and insurance data
	VSDMOperatorID    string `mapstructure:"VSDM_OPERATOR_ID"`
	VSDMKeyVersion    int    `mapstructure:"VSDM_KEY_VERSION"`
	VSDMSecret        string `mapstructure:"VSDM_SECRET"`
	InsuranceFixtures string `mapstructure:"INSURANCE_FIXTURES"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "PORT",
	"USER_AGENT", "RECORD_SYSTEM_URL", "IDP_URL", "STEP_TIMEOUT",
	"HTTP_RATE_LIMIT_RPS", "HTTP_RATE_LIMIT_BURST", "REQUIRE_HCV",
	"CLIENT_ID", "REDIRECT_URI", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "AUDIT_EVIDENCE_MAX_AGE",
	"VSDM_OPERATOR_ID", "VSDM_KEY_VERSION", "VSDM_SECRET", "INSURANCE_FIXTURES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("USER_AGENT", "PSSIM/1.0.0")
	v.SetDefault("STEP_TIMEOUT", "30s")
	v.SetDefault("HTTP_RATE_LIMIT_RPS", 0)
	v.SetDefault("HTTP_RATE_LIMIT_BURST", 10)
	v.SetDefault("REQUIRE_HCV", false)
	v.SetDefault("CLIENT_ID", "GEMBITMAePAe2zrxzLOR")
	v.SetDefault("REDIRECT_URI", "https://epa.simulator/epa/authz/v1/callback")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("AUDIT_EVIDENCE_MAX_AGE", "0s")
	v.SetDefault("VSDM_OPERATOR_ID", "A")
	v.SetDefault("VSDM_KEY_VERSION", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running against a real environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level returns the parsed LOG_LEVEL, defaulting to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Secret decodes VSDM_SECRET.
func (c *Config) Secret() ([]byte, error) {
	if c.VSDMSecret == "" {
		return nil, fmt.Errorf("VSDM_SECRET is required")
	}
	secret, err := hex.DecodeString(c.VSDMSecret)
	if err != nil {
		return nil, fmt.Errorf("VSDM_SECRET is not valid hex: %w", err)
	}
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("VSDM_SECRET must be at least %d bytes (%d hex chars), got %d bytes",
			MinSecretBytes, 2*MinSecretBytes, len(secret))
	}
	return secret, nil
}

// Validate checks the values that are set. VSDM_SECRET is only checked when
// present; commands that need it call Secret.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is invalid: %w", c.LogLevel, err)
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("STEP_TIMEOUT must be positive, got %s", c.StepTimeout)
	}
	if c.HTTPRateLimitRPS < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT_RPS must not be negative")
	}
	if c.HTTPRateLimitRPS > 0 && c.HTTPRateLimitBurst < 1 {
		return fmt.Errorf("HTTP_RATE_LIMIT_BURST must be at least 1 when HTTP_RATE_LIMIT_RPS is set")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}

	for name, raw := range map[string]string{"RECORD_SYSTEM_URL": c.RecordSystemURL, "IDP_URL": c.IDPURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if len(c.VSDMOperatorID) != 1 || c.VSDMOperatorID[0] < 'A' || c.VSDMOperatorID[0] > 'Z' {
		return fmt.Errorf("VSDM_OPERATOR_ID must be a single letter A-Z, got %q", c.VSDMOperatorID)
	}
	if c.VSDMKeyVersion < 0 || c.VSDMKeyVersion > 3 {
		return fmt.Errorf("VSDM_KEY_VERSION must be 0-3, got %d", c.VSDMKeyVersion)
	}
	if c.VSDMSecret != "" {
		if _, err := c.Secret(); err != nil {
			return err
		}
	}
	return nil
}
