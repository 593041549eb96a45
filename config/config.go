// Package config provides configuration management for WARP Manager.
// It handles loading, saving, and managing application settings that
// describe the local installation: where the bundled binaries live and
// how long the orchestrator waits on them. Per-connection user choices
// (port, proxy mode, method) live in the settings store instead.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/warp-manager/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// WarpBinary is the path to the warp-plus executable.
	WarpBinary string `yaml:"warp_binary"`
	// SingBoxBinary is the path to the sing-box executable used for tun mode.
	SingBoxBinary string `yaml:"sing_box_binary"`
	// TunTemplate is the sing-box tun configuration template (JSON with comments allowed).
	TunTemplate string `yaml:"tun_template"`
	// WorkDir is the working directory for spawned processes.
	WorkDir string `yaml:"work_dir"`
	// TunElevation is the command used to gain privileges for sing-box ("pkexec", "sudo", or "").
	TunElevation string `yaml:"tun_elevation"`

	// ReadinessTimeout bounds the wait for the serving marker. Zero waits forever.
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	// NetworkTimeout bounds a single system proxy or tunnel enable/disable call.
	NetworkTimeout time.Duration `yaml:"network_timeout"`

	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// ShowProcessLogs echoes warp-plus output to the terminal.
	ShowProcessLogs bool `yaml:"show_process_logs"`

	// HealthCheck enables periodic probing of the local endpoint while connected.
	HealthCheck bool `yaml:"health_check"`
	// HealthInterval is how often the local endpoint is probed.
	HealthInterval time.Duration `yaml:"health_interval"`
	// AutoReconnect reconnects when the health check reports the endpoint unhealthy.
	AutoReconnect bool `yaml:"auto_reconnect"`
}

// DefaultConfig returns the default configuration.
// Binaries are expected in the application data directory.
func DefaultConfig() *Config {
	dataDir, err := common.GetDataDir()
	if err != nil {
		dataDir = "."
	}

	return &Config{
		WarpBinary:        filepath.Join(dataDir, "warp-plus"),
		SingBoxBinary:     filepath.Join(dataDir, "sing-box"),
		TunTemplate:       filepath.Join(dataDir, "sb-tun-default.json"),
		WorkDir:           dataDir,
		TunElevation:      "pkexec",
		ReadinessTimeout:  common.ReadinessTimeout,
		NetworkTimeout:    common.NetworkTimeout,
		ShowNotifications: true,
		ShowProcessLogs:   false,
		HealthCheck:       true,
		HealthInterval:    common.HealthInterval,
		AutoReconnect:     false,
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there
// when the file does not exist yet.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(configPath); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	// Start from defaults so omitted keys keep sensible values
	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies that configuration values are valid
func (c *Config) validate() error {
	if c.WarpBinary == "" {
		return fmt.Errorf("warp_binary is required")
	}
	if c.ReadinessTimeout < 0 {
		return fmt.Errorf("readiness_timeout must not be negative")
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = common.NetworkTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = common.HealthInterval
	}
	validElevation := []string{"", "pkexec", "sudo"}
	if !common.StringInSlice(c.TunElevation, validElevation) {
		c.TunElevation = "pkexec" // Fallback to default
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Dir(c.WarpBinary)
	}
	return nil
}

// SaveTo saves the configuration to path.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

func getConfigPath() (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, common.ConfigFileName), nil
}
