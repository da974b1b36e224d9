// Package config provides configuration management for the Nexus services.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ControlConfig holds all configuration sections for the control plane.
type ControlConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Bus      BusConfig      `mapstructure:"bus"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Actions  ActionsConfig  `mapstructure:"actions"`
	Worker   WorkerEndpoint `mapstructure:"worker"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// URL selects the backend: postgres://… uses pgx, anything else is treated
// as a SQLite file path.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// BusConfig holds event bus configuration. An empty URL selects the
// in-process bus.
type BusConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds session token configuration.
type AuthConfig struct {
	SessionKey      string `mapstructure:"sessionKey"`
	AccessTokenTTL  int    `mapstructure:"accessTokenTtl"`  // in seconds
	RefreshTokenTTL int    `mapstructure:"refreshTokenTtl"` // in seconds
	LoginWindow     int    `mapstructure:"loginWindow"`     // limiter window, seconds
	LoginMaxTries   int    `mapstructure:"loginMaxTries"`   // attempts per window
}

// ActionsConfig holds the action token signing configuration shared between
// control and worker. The previous key is accepted during rotation.
type ActionsConfig struct {
	SigningKey         string `mapstructure:"signingKey"`
	SigningKeyPrevious string `mapstructure:"signingKeyPrevious"`
	TokenTTL           int    `mapstructure:"tokenTtl"` // in seconds, capped at 60
}

// WorkerEndpoint holds the control plane's view of the worker service.
type WorkerEndpoint struct {
	BaseURL        string `mapstructure:"baseUrl"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// StreamConfig holds stream gateway bounds.
type StreamConfig struct {
	ReplayDefault     int `mapstructure:"replayDefault"`
	ReplayMax         int `mapstructure:"replayMax"`
	PollLimitDefault  int `mapstructure:"pollLimitDefault"`
	PollLimitMax      int `mapstructure:"pollLimitMax"`
	KeepaliveInterval int `mapstructure:"keepaliveInterval"` // in seconds
	ClientBuffer      int `mapstructure:"clientBuffer"`
}

// SecretsConfig holds the optional at-rest cipher for sensitive config values.
type SecretsConfig struct {
	CipherKey string `mapstructure:"cipherKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MinKeyLength is the minimum accepted length for signing and cipher keys.
const MinKeyLength = 32

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AccessTokenDuration returns the access token lifetime as a time.Duration.
func (a *AuthConfig) AccessTokenDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// RefreshTokenDuration returns the refresh token lifetime as a time.Duration.
func (a *AuthConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// TokenDuration returns the action token lifetime as a time.Duration.
func (a *ActionsConfig) TokenDuration() time.Duration {
	return time.Duration(a.TokenTTL) * time.Second
}

// RequestTimeoutDuration returns the worker call timeout as a time.Duration.
func (w *WorkerEndpoint) RequestTimeoutDuration() time.Duration {
	return time.Duration(w.RequestTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("NEXUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setControlDefaults configures default values for the control plane.
func setControlDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - a SQLite file next to the process
	v.SetDefault("database.url", "./nexus.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Bus defaults - empty URL means use the in-process event bus
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "nexus-control")
	v.SetDefault("bus.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.sessionKey", "")
	v.SetDefault("auth.accessTokenTtl", 3600)     // 1 hour
	v.SetDefault("auth.refreshTokenTtl", 2592000) // 30 days
	v.SetDefault("auth.loginWindow", 60)
	v.SetDefault("auth.loginMaxTries", 10)

	// Action token defaults
	v.SetDefault("actions.signingKey", "")
	v.SetDefault("actions.signingKeyPrevious", "")
	v.SetDefault("actions.tokenTtl", 45)

	// Worker endpoint defaults
	v.SetDefault("worker.baseUrl", "")
	v.SetDefault("worker.requestTimeout", 120)

	// Stream gateway defaults
	v.SetDefault("stream.replayDefault", 80)
	v.SetDefault("stream.replayMax", 500)
	v.SetDefault("stream.pollLimitDefault", 50)
	v.SetDefault("stream.pollLimitMax", 200)
	v.SetDefault("stream.keepaliveInterval", 45)
	v.SetDefault("stream.clientBuffer", 256)

	// Secrets defaults - empty key disables at-rest encryption
	v.SetDefault("secrets.cipherKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// LoadControl reads the control plane configuration from environment
// variables, an optional control.yaml, and defaults. Environment variables
// use the prefix NEXUS_ with snake_case naming.
func LoadControl() (*ControlConfig, error) {
	return LoadControlWithPath("")
}

// LoadControlWithPath reads configuration from the specified path or default locations.
func LoadControlWithPath(configPath string) (*ControlConfig, error) {
	v := newViper("control", configPath, setControlDefaults)

	// Explicit bindings where the published env var name differs from the
	// dotted config key (AutomaticEnv does not fold camelCase keys).
	_ = v.BindEnv("auth.sessionKey", "NEXUS_SESSION_KEY")
	_ = v.BindEnv("auth.accessTokenTtl", "NEXUS_ACCESS_TOKEN_TTL")
	_ = v.BindEnv("auth.refreshTokenTtl", "NEXUS_REFRESH_TOKEN_TTL")
	_ = v.BindEnv("actions.signingKey", "NEXUS_ACTION_SIGNING_KEY")
	_ = v.BindEnv("actions.signingKeyPrevious", "NEXUS_ACTION_SIGNING_KEY_PREVIOUS")
	_ = v.BindEnv("actions.tokenTtl", "NEXUS_ACTION_TOKEN_TTL")
	_ = v.BindEnv("worker.baseUrl", "NEXUS_WORKER_URL")
	_ = v.BindEnv("secrets.cipherKey", "NEXUS_CONFIG_CIPHER_KEY")

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg ControlConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateControl(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// newViper builds a viper instance with defaults, env wiring, and file search
// paths shared by both services.
func newViper(name, configPath string, defaults func(*viper.Viper)) *viper.Viper {
	v := viper.New()

	defaults(v)

	v.SetEnvPrefix("NEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(name)
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nexus/")

	return v
}

// readInConfig reads the config file, tolerating a missing one.
func readInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// validateControl checks that all required control plane fields are set.
func validateControl(cfg *ControlConfig) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	if cfg.Auth.SessionKey == "" {
		errs = append(errs, "auth.sessionKey is required (NEXUS_SESSION_KEY)")
	} else if len(cfg.Auth.SessionKey) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("auth.sessionKey must be at least %d bytes", MinKeyLength))
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refreshTokenTtl must be positive")
	}

	if cfg.Actions.SigningKey == "" {
		errs = append(errs, "actions.signingKey is required (NEXUS_ACTION_SIGNING_KEY)")
	} else if len(cfg.Actions.SigningKey) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("actions.signingKey must be at least %d bytes", MinKeyLength))
	}
	if cfg.Actions.SigningKeyPrevious != "" && len(cfg.Actions.SigningKeyPrevious) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("actions.signingKeyPrevious must be at least %d bytes", MinKeyLength))
	}
	// Action tokens never outlive a minute.
	if cfg.Actions.TokenTTL <= 0 || cfg.Actions.TokenTTL > 60 {
		errs = append(errs, "actions.tokenTtl must be between 1 and 60 seconds")
	}

	if cfg.Worker.BaseURL == "" {
		errs = append(errs, "worker.baseUrl is required (NEXUS_WORKER_URL)")
	}

	if cfg.Secrets.CipherKey != "" && len(cfg.Secrets.CipherKey) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("secrets.cipherKey must be at least %d bytes", MinKeyLength))
	}

	if cfg.Stream.ReplayMax < cfg.Stream.ReplayDefault {
		errs = append(errs, "stream.replayMax must be >= stream.replayDefault")
	}
	if cfg.Stream.PollLimitMax < cfg.Stream.PollLimitDefault {
		errs = append(errs, "stream.pollLimitMax must be >= stream.pollLimitDefault")
	}
	if cfg.Stream.ClientBuffer <= 0 {
		errs = append(errs, "stream.clientBuffer must be positive")
	}

	if err := validateLogging(&cfg.Logging); err != "" {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// validateLogging returns a non-empty string describing the first logging
// config problem, or "" when valid.
func validateLogging(cfg *LoggingConfig) string {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Level)] {
		return "logging.level must be one of: debug, info, warn, error"
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Format)] {
		return "logging.format must be one of: json, text"
	}
	return ""
}
