// Package config loads and validates the agent configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fleetsim/fleetsim/pkg/telemetry"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultSocketPath   = "/tmp/fleetsim.sock"
	DefaultStorageDir   = "/var/lib/fleetsim"
	DefaultCloudURL     = "https://api.fleet.example.com"
	DefaultPollInterval = 30 * time.Second
	DefaultShipInterval = 60 * time.Second
)

// Config is the full agent configuration.
type Config struct {
	// Device identifies this device to the control plane.
	Device DeviceConfig `yaml:"device"`

	// Cloud configures the control-plane client.
	Cloud CloudConfig `yaml:"cloud"`

	// Agent configures local agent behavior.
	Agent AgentConfig `yaml:"agent"`

	// Logging configures structured logging.
	Logging telemetry.LoggingConfig `yaml:"logging"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	// ID is the device identifier. Empty means a generated one is
	// persisted on first login.
	ID string `yaml:"id"`

	// Secret authenticates the device to the control plane.
	Secret string `yaml:"secret"`
}

// CloudConfig configures the control-plane client.
type CloudConfig struct {
	// URL is the control-plane base URL.
	URL string `yaml:"url" validate:"required,url"`

	// ValidateOwnership enables the ownership check after login.
	ValidateOwnership bool `yaml:"validate_ownership"`
}

// AgentConfig configures local agent behavior.
type AgentConfig struct {
	// SocketPath is the unix control socket path.
	SocketPath string `yaml:"socket_path" validate:"required"`

	// StorageDir is the local state directory.
	StorageDir string `yaml:"storage_dir" validate:"required"`

	// PollInterval is the main-loop sleep between cloud passes.
	PollInterval time.Duration `yaml:"poll_interval" validate:"min=1s"`

	// ShipInterval is how often buffered logs are uploaded.
	ShipInterval time.Duration `yaml:"ship_interval" validate:"min=1s"`

	// OneShot makes the agent run a single pass and exit.
	OneShot bool `yaml:"one_shot"`

	// DecisionsFile, when set, is watched for dropped decision files as
	// an alternative to the interactive decision channel.
	DecisionsFile string `yaml:"decisions_file"`
}

var validate = validator.New()

// Default returns a configuration with all defaults applied.
func Default() Config {
	return Config{
		Cloud: CloudConfig{
			URL: DefaultCloudURL,
		},
		Agent: AgentConfig{
			SocketPath:   DefaultSocketPath,
			StorageDir:   DefaultStorageDir,
			PollInterval: DefaultPollInterval,
			ShipInterval: DefaultShipInterval,
		},
		Logging: telemetry.LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML configuration file, applies defaults for unset
// fields, and validates the result. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cloud.URL == "" {
		c.Cloud.URL = DefaultCloudURL
	}
	if c.Agent.SocketPath == "" {
		c.Agent.SocketPath = DefaultSocketPath
	}
	if c.Agent.StorageDir == "" {
		c.Agent.StorageDir = DefaultStorageDir
	}
	if c.Agent.PollInterval <= 0 {
		c.Agent.PollInterval = DefaultPollInterval
	}
	if c.Agent.ShipInterval <= 0 {
		c.Agent.ShipInterval = DefaultShipInterval
	}
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
