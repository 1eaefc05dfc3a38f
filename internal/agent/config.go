package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cassiomorais/checkout/internal/terminal"
	"github.com/spf13/viper"
)

// ErrNotConfigured is returned by Validate when required settings are missing.
var ErrNotConfigured = errors.New("agent is not configured")

// Config is the agent's local settings file.
type Config struct {
	ServiceURL        string         `mapstructure:"service_url"`
	AgentToken        string         `mapstructure:"agent_token"`
	Terminal          TerminalConfig `mapstructure:"terminal"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	PollWait          time.Duration  `mapstructure:"poll_wait"`
	MaxBackoff        time.Duration  `mapstructure:"max_backoff"`
	LogLevel          string         `mapstructure:"log_level"`
	MetricsAddr       string         `mapstructure:"metrics_addr"`
}

type TerminalConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Password         string        `mapstructure:"password"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	// Simulate swaps the terminal for an in-process simulator.
	Simulate bool `mapstructure:"simulate"`
}

func (t TerminalConfig) Target() terminal.Target {
	return terminal.Target{Host: t.Host, Port: t.Port, Password: t.Password}
}

// DefaultConfigPath is agent.yaml in the user's config directory.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "checkout-agent", "agent.yaml")
}

// LoadConfig reads path, falling back to defaults for unset keys.
// CHECKOUT_AGENT_TERMINAL_HOST overrides terminal.host and so on.
// A missing file is not an error; Validate reports what is absent.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read agent config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to path, readable only by the current user since it
// holds the agent token and terminal password.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("service_url", cfg.ServiceURL)
	v.Set("agent_token", cfg.AgentToken)
	v.Set("terminal.host", cfg.Terminal.Host)
	v.Set("terminal.port", cfg.Terminal.Port)
	v.Set("terminal.password", cfg.Terminal.Password)
	v.Set("terminal.operation_timeout", cfg.Terminal.OperationTimeout.String())
	v.Set("terminal.simulate", cfg.Terminal.Simulate)
	v.Set("heartbeat_interval", cfg.HeartbeatInterval.String())
	v.Set("poll_wait", cfg.PollWait.String())
	v.Set("max_backoff", cfg.MaxBackoff.String())
	v.Set("log_level", cfg.LogLevel)
	v.Set("metrics_addr", cfg.MetricsAddr)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}
	return os.Chmod(path, 0o600)
}

// Validate checks what `agent run` needs. Missing credentials point the
// operator at `agent setup`.
func (c *Config) Validate() error {
	var missing []string
	if c.ServiceURL == "" {
		missing = append(missing, "service_url")
	}
	if c.AgentToken == "" {
		missing = append(missing, "agent_token")
	}
	if !c.Terminal.Simulate {
		if c.Terminal.Host == "" {
			missing = append(missing, "terminal.host")
		}
		if c.Terminal.Port == 0 {
			missing = append(missing, "terminal.port")
		}
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: missing %s; run `agent setup` to write the config file",
			ErrNotConfigured, strings.Join(missing, ", ")))
	}
	if c.Terminal.Port < 0 || c.Terminal.Port > 65535 {
		errs = append(errs, fmt.Errorf("terminal.port must be between 1 and 65535, got %d", c.Terminal.Port))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive"))
	}
	if c.PollWait <= 0 {
		errs = append(errs, fmt.Errorf("poll_wait must be positive"))
	}
	if c.Terminal.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("terminal.operation_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHECKOUT_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_url", "")
	v.SetDefault("agent_token", "")
	v.SetDefault("terminal.host", "")
	v.SetDefault("terminal.port", 20007)
	v.SetDefault("terminal.password", "000000")
	v.SetDefault("terminal.operation_timeout", "120s")
	v.SetDefault("terminal.simulate", false)
	v.SetDefault("heartbeat_interval", "10s")
	v.SetDefault("poll_wait", "25s")
	v.SetDefault("max_backoff", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
}
