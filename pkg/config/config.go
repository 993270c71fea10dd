package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the main configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	Log    LogConfig    `yaml:"log"`
}

// Duration wraps time.Duration so yaml values can be written as "3s" or
// "1m30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig represents the configuration for the relay daemon.
// It is immutable for the lifetime of a listener instance.
type ServerConfig struct {
	ListenAddr            string        `yaml:"listen_addr"`
	TLSCert               string        `yaml:"tls_cert"`
	TLSKey                string        `yaml:"tls_key"`
	CommandTimeout        Duration `yaml:"command_timeout"`
	BackendConnectTimeout Duration `yaml:"backend_connect_timeout"`
	// WorkerCount caps concurrent sessions; 0 means unlimited
	WorkerCount int `yaml:"worker_count"`
	// IdleShutdownTimeout retires a listener that never sees a session
	// within the window; 0 disables retirement
	IdleShutdownTimeout Duration `yaml:"idle_shutdown_timeout"`
	// Secret and Allow guard the operator STAT/INFO commands
	Secret string   `yaml:"secret"`
	Allow  []string `yaml:"allow"`
	// MetricsAddr enables the prometheus endpoint when non-empty
	MetricsAddr string `yaml:"metrics_addr"`
}

// BrokerConfig represents the configuration for the ticket broker client
type BrokerConfig struct {
	BaseURL            string   `yaml:"base_url"`
	Token              string   `yaml:"token"`
	Timeout            Duration `yaml:"timeout"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// LogConfig represents the logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Default command/request budgets, applied by Validate when unset
const (
	DefaultCommandTimeout        = Duration(3 * time.Second)
	DefaultBackendConnectTimeout = Duration(10 * time.Second)
	DefaultBrokerTimeout         = Duration(5 * time.Second)
)

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate fills defaults and rejects configurations the daemon cannot
// run with
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
		return fmt.Errorf("server.tls_cert and server.tls_key are required")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Server.CommandTimeout <= 0 {
		c.Server.CommandTimeout = DefaultCommandTimeout
	}
	if c.Server.BackendConnectTimeout <= 0 {
		c.Server.BackendConnectTimeout = DefaultBackendConnectTimeout
	}
	if c.Server.WorkerCount < 0 {
		return fmt.Errorf("server.worker_count must not be negative")
	}
	if c.Broker.Timeout <= 0 {
		c.Broker.Timeout = DefaultBrokerTimeout
	}
	return nil
}
