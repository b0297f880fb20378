package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all panel configuration.
type Config struct {
	Server     ServerConfig
	Launch     LaunchConfig
	Console    ConsoleConfig
	Supervisor SupervisorConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port             string        `envconfig:"PORT" default:"3002"`
	Host             string        `envconfig:"HOST" default:"0.0.0.0"`
	ServersDir       string        `envconfig:"SERVERS_DIR" default:"./servers"`
	AllowedOrigins   []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
	ForceLogoutDelay time.Duration `envconfig:"FORCE_LOGOUT_DELAY" default:"3s"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// LaunchConfig describes how the game server is spawned. Every field can be
// overridden by a YAML profile.
type LaunchConfig struct {
	Executable  string            `envconfig:"JAVA_BIN" default:"java" yaml:"executable,omitempty"`
	Artifact    string            `envconfig:"SERVER_ARTIFACT" default:"server.jar" yaml:"artifact,omitempty"`
	MinMemory   string            `envconfig:"JAVA_XMS" default:"2G" yaml:"minMemory,omitempty"`
	MaxMemory   string            `envconfig:"JAVA_XMX" default:"4G" yaml:"maxMemory,omitempty"`
	ExtraArgs   []string          `envconfig:"JAVA_EXTRA_ARGS" yaml:"extraArgs,omitempty"`
	StopCommand string            `envconfig:"STOP_COMMAND" default:"stop" yaml:"stopCommand,omitempty"`
	Env         map[string]string `envconfig:"JAVA_ENV" yaml:"env,omitempty"`
}

// ConsoleConfig holds history retention settings.
type ConsoleConfig struct {
	HistorySize int `envconfig:"CONSOLE_HISTORY_SIZE" default:"1000"`
	ReplaySize  int `envconfig:"CONSOLE_REPLAY_SIZE" default:"50"`
}

// SupervisorConfig holds process supervision timings.
type SupervisorConfig struct {
	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"5s"`
	RestartGrace    time.Duration `envconfig:"RESTART_GRACE" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig bounds how fast console commands are accepted.
type RateLimitConfig struct {
	CommandsPerSecond float64 `envconfig:"COMMAND_RATE_RPS" default:"5"`
	Burst             int     `envconfig:"COMMAND_RATE_BURST" default:"10"`
	Enabled           bool    `envconfig:"COMMAND_RATE_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the panel cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Console.HistorySize <= 0 {
		errs = append(errs, errors.New("CONSOLE_HISTORY_SIZE must be positive"))
	}
	if c.Console.ReplaySize < 0 {
		errs = append(errs, errors.New("CONSOLE_REPLAY_SIZE must not be negative"))
	}
	if c.Supervisor.MonitorInterval <= 0 {
		errs = append(errs, errors.New("MONITOR_INTERVAL must be positive"))
	}
	if c.Supervisor.RestartGrace <= 0 {
		errs = append(errs, errors.New("RESTART_GRACE must be positive"))
	}
	if c.Launch.Artifact == "" {
		errs = append(errs, errors.New("SERVER_ARTIFACT must not be empty"))
	}
	return errors.Join(errs...)
}

// LoadProfile overlays a YAML launch profile onto base. Fields absent from
// the file keep their current value.
func LoadProfile(path string, base LaunchConfig) (LaunchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read profile: %w", err)
	}

	var p LaunchConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("parse profile %s: %w", path, err)
	}

	out := base
	if p.Executable != "" {
		out.Executable = p.Executable
	}
	if p.Artifact != "" {
		out.Artifact = p.Artifact
	}
	if p.MinMemory != "" {
		out.MinMemory = p.MinMemory
	}
	if p.MaxMemory != "" {
		out.MaxMemory = p.MaxMemory
	}
	if p.ExtraArgs != nil {
		out.ExtraArgs = p.ExtraArgs
	}
	if p.StopCommand != "" {
		out.StopCommand = p.StopCommand
	}
	if len(p.Env) > 0 {
		env := make(map[string]string, len(base.Env)+len(p.Env))
		for k, v := range base.Env {
			env[k] = v
		}
		for k, v := range p.Env {
			env[k] = v
		}
		out.Env = env
	}
	return out, nil
}
