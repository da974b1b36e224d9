package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig holds all configuration sections for the worker service.
type WorkerConfig struct {
	Server  ServerConfig        `mapstructure:"server"`
	Bus     BusConfig           `mapstructure:"bus"`
	Actions VerifyConfig        `mapstructure:"actions"`
	Docker  DockerConfig        `mapstructure:"docker"`
	Runtime RuntimeConfig       `mapstructure:"runtime"`
	Logging LoggingConfig       `mapstructure:"logging"`
	Monitor BridgeMonitorConfig `mapstructure:"monitor"`
}

// VerifyConfig holds the action token verification keys. The previous key is
// accepted during rotation.
type VerifyConfig struct {
	VerifyKey         string `mapstructure:"verifyKey"`
	VerifyKeyPrevious string `mapstructure:"verifyKeyPrevious"`
}

// DockerConfig holds container engine client configuration.
type DockerConfig struct {
	Host          string `mapstructure:"host"`
	APIVersion    string `mapstructure:"apiVersion"`
	TenantNetwork string `mapstructure:"tenantNetwork"`
}

// RuntimeConfig holds tenant runtime materialization settings.
type RuntimeConfig struct {
	TenantRoot        string `mapstructure:"tenantRoot"`
	Image             string `mapstructure:"image"`
	BridgePort        int    `mapstructure:"bridgePort"`
	StopTimeout       int    `mapstructure:"stopTimeout"`       // in seconds
	OpDeadline        int    `mapstructure:"opDeadline"`        // in seconds
	ProvisionDeadline int    `mapstructure:"provisionDeadline"` // in seconds; covers image pulls
	ReconcileInterval int    `mapstructure:"reconcileInterval"` // in seconds
}

// BridgeMonitorConfig holds bridge ingress reconnect tuning.
type BridgeMonitorConfig struct {
	BackoffMin int `mapstructure:"backoffMin"` // in seconds
	BackoffMax int `mapstructure:"backoffMax"` // in seconds
}

// StopTimeoutDuration returns the container stop grace period.
func (r *RuntimeConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(r.StopTimeout) * time.Second
}

// OpDeadlineDuration returns the outer deadline for ordinary driver calls.
func (r *RuntimeConfig) OpDeadlineDuration() time.Duration {
	return time.Duration(r.OpDeadline) * time.Second
}

// ProvisionDeadlineDuration returns the outer deadline for provision and
// pair_start, which may pull images.
func (r *RuntimeConfig) ProvisionDeadlineDuration() time.Duration {
	return time.Duration(r.ProvisionDeadline) * time.Second
}

// ReconcileIntervalDuration returns the periodic reconcile interval.
func (r *RuntimeConfig) ReconcileIntervalDuration() time.Duration {
	return time.Duration(r.ReconcileInterval) * time.Second
}

// setWorkerDefaults configures default values for the worker service.
func setWorkerDefaults(v *viper.Viper) {
	// Server defaults - private network listener
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 150)

	// Bus defaults
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.clientId", "nexus-worker")
	v.SetDefault("bus.maxReconnects", 10)

	// Verification defaults
	v.SetDefault("actions.verifyKey", "")
	v.SetDefault("actions.verifyKeyPrevious", "")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.tenantNetwork", "nexus-tenants")

	// Runtime defaults
	v.SetDefault("runtime.tenantRoot", "")
	v.SetDefault("runtime.image", "nexus/runtime:latest")
	v.SetDefault("runtime.bridgePort", 8765)
	v.SetDefault("runtime.stopTimeout", 10)
	v.SetDefault("runtime.opDeadline", 60)
	v.SetDefault("runtime.provisionDeadline", 120)
	v.SetDefault("runtime.reconcileInterval", 30)

	// Monitor defaults
	v.SetDefault("monitor.backoffMin", 1)
	v.SetDefault("monitor.backoffMax", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// LoadWorker reads the worker configuration from environment variables, an
// optional worker.yaml, and defaults.
func LoadWorker() (*WorkerConfig, error) {
	return LoadWorkerWithPath("")
}

// LoadWorkerWithPath reads configuration from the specified path or default locations.
func LoadWorkerWithPath(configPath string) (*WorkerConfig, error) {
	v := newViper("worker", configPath, setWorkerDefaults)

	_ = v.BindEnv("actions.verifyKey", "NEXUS_ACTION_VERIFY_KEY")
	_ = v.BindEnv("actions.verifyKeyPrevious", "NEXUS_ACTION_VERIFY_KEY_PREVIOUS")
	_ = v.BindEnv("docker.host", "NEXUS_DOCKER_HOST", "DOCKER_HOST")
	_ = v.BindEnv("docker.tenantNetwork", "NEXUS_TENANT_NETWORK")
	_ = v.BindEnv("runtime.tenantRoot", "NEXUS_TENANT_ROOT")
	_ = v.BindEnv("runtime.image", "NEXUS_RUNTIME_IMAGE")
	_ = v.BindEnv("runtime.bridgePort", "NEXUS_BRIDGE_PORT")

	if err := readInConfig(v); err != nil {
		return nil, err
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateWorker(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validateWorker checks that all required worker fields are set.
func validateWorker(cfg *WorkerConfig) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Bus.URL == "" {
		errs = append(errs, "bus.url is required (NEXUS_BUS_URL)")
	}

	if cfg.Actions.VerifyKey == "" {
		errs = append(errs, "actions.verifyKey is required (NEXUS_ACTION_VERIFY_KEY)")
	} else if len(cfg.Actions.VerifyKey) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("actions.verifyKey must be at least %d bytes", MinKeyLength))
	}
	if cfg.Actions.VerifyKeyPrevious != "" && len(cfg.Actions.VerifyKeyPrevious) < MinKeyLength {
		errs = append(errs, fmt.Sprintf("actions.verifyKeyPrevious must be at least %d bytes", MinKeyLength))
	}

	if cfg.Runtime.TenantRoot == "" {
		errs = append(errs, "runtime.tenantRoot is required (NEXUS_TENANT_ROOT)")
	}
	if cfg.Runtime.BridgePort <= 0 || cfg.Runtime.BridgePort > 65535 {
		errs = append(errs, "runtime.bridgePort must be between 1 and 65535")
	}
	if cfg.Runtime.OpDeadline <= 0 {
		errs = append(errs, "runtime.opDeadline must be positive")
	}
	if cfg.Runtime.ProvisionDeadline < cfg.Runtime.OpDeadline {
		errs = append(errs, "runtime.provisionDeadline must be >= runtime.opDeadline")
	}
	if cfg.Runtime.ReconcileInterval <= 0 {
		errs = append(errs, "runtime.reconcileInterval must be positive")
	}

	if cfg.Monitor.BackoffMin <= 0 || cfg.Monitor.BackoffMax < cfg.Monitor.BackoffMin {
		errs = append(errs, "monitor backoff bounds must satisfy 0 < backoffMin <= backoffMax")
	}

	if err := validateLogging(&cfg.Logging); err != "" {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
