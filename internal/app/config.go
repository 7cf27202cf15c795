package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/insights-cli/internal/credentials"
	"github.com/florianilch/insights-cli/internal/observability"
	"github.com/florianilch/insights-cli/internal/oauthflow"
	"github.com/florianilch/insights-cli/internal/tokensource"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Default configuration values
const (
	DefaultConfigLogFormat         = LogFormatText
	DefaultConfigTelemetryExporter = observability.ExporterNone
	DefaultConfigAuthDir           = ".insights"
	DefaultConfigAuthFileName      = "auth.enc"
	DefaultConfigCallbackPort      = 8085
	DefaultConfigCallbackTimeout   = oauthflow.DefaultCallbackTimeout
	DefaultConfigIssuer            = tokensource.GoogleIssuer
	DefaultConfigJWKSURL           = tokensource.GoogleJWKSURL
)

// TelemetryConfig controls optional OpenTelemetry log export.
type TelemetryConfig struct {
	Exporter observability.Exporter `json:"exporter" validate:"oneof=none stdout otlp-grpc otlp-http"`
	// Endpoint overrides the OTLP endpoint URL; the OTEL_EXPORTER_OTLP_* variables apply otherwise.
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
}

// PlatformConfig holds the analytics platform location and its non-federated credentials.
type PlatformConfig struct {
	BaseURL  string `json:"base_url" validate:"required,url"`
	APIKey   string `json:"api_key,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// AuthConfig describes the federated sign-in and where its result is stored.
type AuthConfig struct {
	ClientID string `json:"client_id,omitempty"`
	// ClientSecret enables silent refresh; without it expiry requires a new login.
	ClientSecret string `json:"client_secret,omitempty"`

	File            string        `json:"file,omitempty"`
	CallbackPort    uint16        `json:"callback_port" validate:"gte=1024"`
	CallbackTimeout time.Duration `json:"callback_timeout"`

	VerifyIDToken *bool  `json:"verify_id_token,omitempty"`
	Issuer        string `json:"issuer,omitempty" validate:"omitempty,url"`
	JWKSURL       string `json:"jwks_url,omitempty" validate:"omitempty,url"`

	OpenBrowser *bool `json:"open_browser,omitempty"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level      `json:"log_level"`
	LogFormat LogFormat       `json:"log_format" validate:"oneof=text json"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Platform  PlatformConfig  `json:"platform"`
	Auth      AuthConfig      `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults trims pasted credentials and fills unset config fields with
// sensible defaults.
func (c *Config) ApplyDefaults() error {
	c.Auth.ClientID = strings.TrimSpace(c.Auth.ClientID)
	c.Auth.ClientSecret = strings.TrimSpace(c.Auth.ClientSecret)
	c.Platform.APIKey = strings.TrimSpace(c.Platform.APIKey)

	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = DefaultConfigTelemetryExporter
	}
	if c.Auth.CallbackPort == 0 {
		c.Auth.CallbackPort = DefaultConfigCallbackPort
	}
	if c.Auth.CallbackTimeout == 0 {
		c.Auth.CallbackTimeout = DefaultConfigCallbackTimeout
	}
	if c.Auth.VerifyIDToken == nil {
		c.Auth.VerifyIDToken = ptr(true)
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultConfigIssuer
	}
	if c.Auth.JWKSURL == "" {
		c.Auth.JWKSURL = DefaultConfigJWKSURL
	}
	if c.Auth.OpenBrowser == nil {
		c.Auth.OpenBrowser = ptr(true)
	}

	if c.Auth.File == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
		}
		c.Auth.File = filepath.Join(homeDir, DefaultConfigAuthDir, DefaultConfigAuthFileName)
	}

	return nil
}

// Validate validates the configuration using struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Auth.File == "" {
		return errors.New("auth.file is required")
	}
	if c.Auth.CallbackTimeout < 0 {
		return errors.New("auth.callback_timeout must not be negative")
	}
	// a lone email or password resolves to no method and is almost certainly a mistake
	if (c.Platform.Email == "") != (c.Platform.Password == "") {
		return errors.New("platform.email and platform.password must be set together")
	}

	return nil
}

// CredentialInputs returns the configured credentials for method resolution.
func (c *Config) CredentialInputs() credentials.Inputs {
	return credentials.Inputs{
		APIKey:   c.Platform.APIKey,
		ClientID: c.Auth.ClientID,
		Email:    c.Platform.Email,
		Password: c.Platform.Password,
	}
}

func ptr[T any](v T) *T {
	return &v
}

func isTrue(b *bool) bool {
	return b != nil && *b
}
