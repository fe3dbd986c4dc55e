// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Client configuration
	Client ClientConfig `mapstructure:"client"`

	// Service discovery configuration
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Logging configuration
	Log LogConfig `mapstructure:"log"`
}

// ServerConfig contains server-specific settings
type ServerConfig struct {
	// Port is the listening port. Zero means probe from 3000 upward.
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	Name        string `mapstructure:"name"`
	UIDir       string `mapstructure:"ui_dir"`
}

// ClientConfig contains client-specific settings
type ClientConfig struct {
	// ServerHost pins the client to one server instead of discovery.
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`
	Name       string `mapstructure:"name"`
}

// DiscoveryConfig controls mDNS advertisement and browsing
type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig controls the logging facade
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Server: ServerConfig{
			Port:        0,
			BindAddress: "0.0.0.0",
			Name:        getHostname(),
			UIDir:       "",
		},
		Client: ClientConfig{
			ServerHost: "",
			ServerPort: 3000,
			Name:       getHostname(),
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "INFO",
			File:  true,
		},
	}

	// Global config instance
	cfg *Config
)

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("konflikt")
	viper.SetConfigType("toml")

	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "konflikt"))
	}
	viper.AddConfigPath(".")

	viper.SetDefault("server", DefaultConfig.Server)
	viper.SetDefault("client", DefaultConfig.Client)
	viper.SetDefault("discovery", DefaultConfig.Discovery)
	viper.SetDefault("log", DefaultConfig.Log)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		return &DefaultConfig
	}
	return cfg
}

// Save saves the current configuration to file
func Save() error {
	configPath := GetConfigPath()

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetConfigPath returns the path to the config file
func GetConfigPath() string {
	if viper.ConfigFileUsed() != "" {
		return viper.ConfigFileUsed()
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "konflikt.toml"
	}
	return filepath.Join(home, ".config", "konflikt", "konflikt.toml")
}

// ConfigDir returns the directory holding the config, layout and identity
// files.
func ConfigDir() string {
	return filepath.Dir(GetConfigPath())
}

// Helper function to get hostname
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "konflikt"
	}
	return hostname
}
