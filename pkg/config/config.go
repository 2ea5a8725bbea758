// Package config loads the hub configuration file and resolves it into a
// validated Config struct.
//
// The configuration file uses the hub's flat `key = value` syntax (see
// ParseFlatFile). Sources, in order of precedence:
//
//  1. SWHUB_* environment variables (highest)
//  2. The configuration file
//  3. Built-in defaults (lowest)
//
// File discovery when no path is given on the command line: $HOME/.swhubrc,
// then /etc/seawolf_hub.conf. If neither exists the hub runs with defaults
// and logs a warning.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/seawolf-auv/swhub/internal/logger"
)

// SystemConfigPath is the fallback configuration file consulted when the
// user has no ~/.swhubrc.
const SystemConfigPath = "/etc/seawolf_hub.conf"

// userConfigName is the per-user configuration file, relative to $HOME.
const userConfigName = ".swhubrc"

// Config is the fully resolved hub configuration handed to the server.
type Config struct {
	// BindAddress is the TCP listen address.
	BindAddress string `mapstructure:"bind_address" env:"SWHUB_BIND_ADDRESS" validate:"required"`

	// BindPort is the TCP listen port.
	BindPort int `mapstructure:"bind_port" env:"SWHUB_BIND_PORT" validate:"min=1,max=65535"`

	// Password is the shared secret checked by COMM.AUTH. An empty
	// password makes the hub refuse all authentication attempts.
	Password string `mapstructure:"password" env:"SWHUB_PASSWORD"`

	// VarDefs is the path to the variable definitions file.
	VarDefs string `mapstructure:"var_defs" env:"SWHUB_VAR_DEFS" validate:"required"`

	// VarDB is the path to the persistent-values database file.
	VarDB string `mapstructure:"var_db" env:"SWHUB_VAR_DB" validate:"required"`

	// LogFile is the optional log file path; empty logs to stdout only.
	LogFile string `mapstructure:"log_file" env:"SWHUB_LOG_FILE"`

	// LogLevel is the minimum severity recorded by the logger.
	LogLevel string `mapstructure:"log_level" env:"SWHUB_LOG_LEVEL" validate:"oneof=DEBUG INFO NORMAL WARNING ERROR CRITICAL"`

	// LogReplicateStdout also prints log lines to stdout when LogFile is
	// set.
	LogReplicateStdout bool `mapstructure:"log_replicate_stdout" env:"SWHUB_LOG_REPLICATE_STDOUT"`

	// MaxClients caps concurrent client connections and sizes the closed-
	// client queue. The protocol floor is 128.
	MaxClients int `mapstructure:"max_clients" env:"SWHUB_MAX_CLIENTS" validate:"min=128"`

	// MetricsPort serves Prometheus metrics over HTTP when non-zero.
	MetricsPort int `mapstructure:"metrics_port" env:"SWHUB_METRICS_PORT" validate:"min=0,max=65535"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BindAddress:        "127.0.0.1",
		BindPort:           31427,
		Password:           "",
		VarDefs:            "seawolf_var.defs",
		VarDB:              "seawolf_var.db",
		LogFile:            "",
		LogLevel:           "NORMAL",
		LogReplicateStdout: true,
		MaxClients:         512,
		MetricsPort:        0,
	}
}

// Load resolves the hub configuration. path is the file named on the
// command line; when empty the discovery order above applies. A missing
// discovered file is not an error, but a named file that cannot be read or
// parsed is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = discover()
	}

	if path == "" {
		logger.Warning("Could not find configuration file, continuing with default configuration")
	} else {
		entries, err := ParseFlatFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(entries); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// discover returns the first existing default config path, or "".
func discover() string {
	if home := os.Getenv("HOME"); home != "" {
		p := filepath.Join(home, userConfigName)
		if fileExists(p) {
			return p
		}
	}
	if fileExists(SystemConfigPath) {
		return SystemConfigPath
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// apply overlays parsed file entries onto the config. Unknown keys are
// logged as warnings and ignored; later occurrences of a key override
// earlier ones.
func (c *Config) apply(entries []Entry) error {
	known := knownKeys()
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		if !known[e.Key] {
			logger.Warning("Unknown configuration option", "option", e.Key, "line", e.Line)
			continue
		}
		values[e.Key] = e.Value
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(values); err != nil {
		return fmt.Errorf("invalid configuration value: %w", err)
	}
	return nil
}

// knownKeys lists the mapstructure tags of Config.
func knownKeys() map[string]bool {
	return map[string]bool{
		"bind_address":         true,
		"bind_port":            true,
		"password":             true,
		"var_defs":             true,
		"var_db":               true,
		"log_file":             true,
		"log_level":            true,
		"log_replicate_stdout": true,
		"max_clients":          true,
		"metrics_port":         true,
	}
}

// Validate checks the resolved configuration for production use.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoggerConfig derives the logger configuration.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:           c.LogLevel,
		File:            c.LogFile,
		ReplicateStdout: c.LogReplicateStdout,
	}
}
