// Package config loads and watches the placesadmin configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all placesadmin configuration.
type Config struct {
	Shell      ShellConfig      `yaml:"shell"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	HTTP       HTTPConfig       `yaml:"http"`
	Simulation SimulationConfig `yaml:"simulation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ShellConfig configures the remote command channel.
type ShellConfig struct {
	// Command and Args spawn the interactive shell process.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// ConnectCommand re-establishes the remote session after every process
	// (re)start. Empty means an ambient session is assumed.
	ConnectCommand string `yaml:"connect_command"`

	// EchoDirective prints its %s argument to stdout; used for framing.
	EchoDirective string `yaml:"echo_directive"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

// MirrorConfig configures the local mirror store.
type MirrorConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// HTTPConfig configures the admin console's HTTP listener.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SimulationConfig swaps the real shell for a scripted fake.
type SimulationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	FixturePath string `yaml:"fixture_path"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns a configuration that works on a machine with PowerShell
// available; everything else lands under the workspace directory.
func Default() Config {
	return Config{
		Shell: ShellConfig{
			Command:        "pwsh",
			Args:           []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-Command", "-"},
			EchoDirective:  `Write-Output "%s"`,
			CommandTimeout: 30 * time.Second,
			RestartBackoff: 5 * time.Second,
		},
		Mirror: MirrorConfig{
			DatabasePath: "data/mirror.db",
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults. A missing
// file is not an error: defaults apply. Environment variables are applied
// last, on top of whatever the file set.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides selected settings from the environment. The connect
// command typically embeds credentials, so it is the main reason to keep a
// value out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PLACESADMIN_CONNECT_COMMAND"); v != "" {
		c.Shell.ConnectCommand = v
	}
	if v := os.Getenv("PLACESADMIN_SHELL_COMMAND"); v != "" {
		c.Shell.Command = v
	}
	if v := os.Getenv("PLACESADMIN_DATABASE_PATH"); v != "" {
		c.Mirror.DatabasePath = v
	}
	if v := os.Getenv("PLACESADMIN_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
}

func (c Config) validate() error {
	if c.Shell.Command == "" && !c.Simulation.Enabled {
		return fmt.Errorf("shell.command is required unless simulation is enabled")
	}
	if c.Shell.CommandTimeout < 0 {
		return fmt.Errorf("shell.command_timeout must not be negative")
	}
	if c.Mirror.DatabasePath == "" {
		return fmt.Errorf("mirror.database_path is required")
	}
	return nil
}
