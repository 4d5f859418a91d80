// Package config loads deskmon.yml from the user's XDG config directory,
// applies DESKMON_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "deskmon"

// Config is the effective runtime configuration.
type Config struct {
	APIBaseURL  string `mapstructure:"api_base_url" yaml:"api_base_url"`
	DBPath      string `mapstructure:"db_path" yaml:"db_path"`
	ControlAddr string `mapstructure:"control_addr" yaml:"control_addr"`

	// Optional export sinks
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	WebhookURL  string `mapstructure:"webhook_url" yaml:"webhook_url"`

	LogoutOnExit bool `mapstructure:"logout_on_exit" yaml:"logout_on_exit"`

	PollInterval           time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	GraceDelay             time.Duration `mapstructure:"grace_delay" yaml:"grace_delay"`
	PingInterval           time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	TaskRefreshInterval    time.Duration `mapstructure:"task_refresh_interval" yaml:"task_refresh_interval"`
	ProductiveTimeInterval time.Duration `mapstructure:"productive_time_interval" yaml:"productive_time_interval"`
	UsageInterval          time.Duration `mapstructure:"usage_interval" yaml:"usage_interval"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	LoginTimeout           time.Duration `mapstructure:"login_timeout" yaml:"login_timeout"`

	// DefaultIdleThreshold is used until the user stores a threshold of their own.
	DefaultIdleThreshold time.Duration `mapstructure:"default_idle_threshold" yaml:"default_idle_threshold"`

	Debug   bool `mapstructure:"debug" yaml:"debug"`
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		APIBaseURL:             "https://deskmon.pranala-dt.co.id/api",
		DBPath:                 filepath.Join(dataHome(), appName, "deskmon.db"),
		ControlAddr:            "127.0.0.1:7725",
		LogoutOnExit:           true,
		PollInterval:           time.Second,
		GraceDelay:             2 * time.Second,
		PingInterval:           30 * time.Second,
		TaskRefreshInterval:    3 * time.Minute,
		ProductiveTimeInterval: 3 * time.Minute,
		UsageInterval:          5 * time.Minute,
		RequestTimeout:         30 * time.Second,
		LoginTimeout:           15 * time.Second,
		DefaultIdleThreshold:   180 * time.Second,
	}
}

// SetDefaults registers every default on v so env overrides and
// WriteConfigAs see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("api_base_url", d.APIBaseURL)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("control_addr", d.ControlAddr)
	v.SetDefault("postgres_dsn", d.PostgresDSN)
	v.SetDefault("webhook_url", d.WebhookURL)
	v.SetDefault("logout_on_exit", d.LogoutOnExit)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("grace_delay", d.GraceDelay)
	v.SetDefault("ping_interval", d.PingInterval)
	v.SetDefault("task_refresh_interval", d.TaskRefreshInterval)
	v.SetDefault("productive_time_interval", d.ProductiveTimeInterval)
	v.SetDefault("usage_interval", d.UsageInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("login_timeout", d.LoginTimeout)
	v.SetDefault("default_idle_threshold", d.DefaultIdleThreshold)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
}

// DefaultPath returns $XDG_CONFIG_HOME/deskmon/deskmon.yml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, appName, appName+".yml")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}

// Load reads the config file at path into v, creating it with default values
// when it does not exist yet. Environment variables prefixed with DESKMON_
// override file values.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.WriteConfigAs(path); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks critical configuration before starting.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url is required")
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api_base_url must start with http:// or https://, got %q", c.APIBaseURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("poll interval too short (minimum 50ms), got %v", c.PollInterval)
	}
	if c.GraceDelay < 0 {
		return fmt.Errorf("grace_delay must not be negative, got %v", c.GraceDelay)
	}
	checks := []struct {
		name string
		val  time.Duration
		min  time.Duration
	}{
		{"ping_interval", c.PingInterval, time.Second},
		{"task_refresh_interval", c.TaskRefreshInterval, 10 * time.Second},
		{"productive_time_interval", c.ProductiveTimeInterval, 10 * time.Second},
		{"usage_interval", c.UsageInterval, 10 * time.Second},
		{"request_timeout", c.RequestTimeout, time.Second},
		{"login_timeout", c.LoginTimeout, time.Second},
		{"default_idle_threshold", c.DefaultIdleThreshold, time.Second},
	}
	for _, ch := range checks {
		if ch.val < ch.min {
			return fmt.Errorf("%s must be at least %v, got %v", ch.name, ch.min, ch.val)
		}
	}
	if c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "http://") && !strings.HasPrefix(c.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must start with http:// or https://")
	}
	return nil
}

// YAML renders the configuration the way it would be written to disk.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
