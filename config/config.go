// Package config loads the runtime configuration: environment variables,
// then an optional TOML file, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"golang.org/x/text/encoding/htmlindex"
)

// FormatJSON is the log format workers use, so the master can relay their
// lines.
const FormatJSON = "json"

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds every setting of the master and its workers.
type Config struct {
	File string `env:"MYTHCORE_CONFIG" toml:"-"`

	SourceDir   string `env:"MYTHCORE_SOURCE_DIR" envDefault:"data/rules" toml:"source_dir"`
	CompiledDir string `env:"MYTHCORE_COMPILED_DIR" envDefault:"data/compiled" toml:"compiled_dir"`
	Encoding    string `env:"MYTHCORE_ENCODING" envDefault:"utf-8" toml:"encoding"`
	// Frequency is the turn cadence in seconds.
	Frequency int `env:"MYTHCORE_TURN_FREQUENCY" envDefault:"10" toml:"turn_frequency"`

	Store  string `env:"MYTHCORE_STORE" envDefault:"sqlite" toml:"store"`
	DBPath string `env:"MYTHCORE_DB_PATH" envDefault:"data/mythcore.db" toml:"db_path"`

	CallTimeout time.Duration `env:"MYTHCORE_CALL_TIMEOUT" envDefault:"30s" toml:"call_timeout"`
	RetryDelay  time.Duration `env:"MYTHCORE_RETRY_DELAY" envDefault:"10ms" toml:"retry_delay"`
	MaxTries    uint          `env:"MYTHCORE_MAX_TRIES" envDefault:"500" toml:"max_tries"`

	PlayerEmail string `env:"MYTHCORE_PLAYER_EMAIL" toml:"player_email"`

	LogLevel  string `env:"MYTHCORE_LOG_LEVEL" envDefault:"info" toml:"log_level"`
	LogFormat string `env:"MYTHCORE_LOG_FORMAT" envDefault:"console" toml:"log_format"`

	OTelEndpoint string `env:"MYTHCORE_OTEL_ENDPOINT" toml:"otel_endpoint"`
	OTelEnabled  bool   `env:"MYTHCORE_OTEL_ENABLED" envDefault:"true" toml:"otel_enabled"`
	ServiceName  string `env:"MYTHCORE_SERVICE_NAME" envDefault:"mythcore" toml:"service_name"`
}

// TurnFrequency returns the turn cadence.
func (c Config) TurnFrequency() time.Duration {
	return time.Duration(c.Frequency) * time.Second
}

// Load parses the environment, the file named by --config (or
// MYTHCORE_CONFIG) and the flags of fs, each overriding the previous.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if path := configFlag(args); path != "" {
		cfg.File = path
	}
	if cfg.File != "" {
		if _, err := toml.DecodeFile(cfg.File, &cfg); err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", cfg.File, err)
		}
	}

	Bind(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Env returns the settings as environment variables, so that a worker
// started with them loads the same configuration without reading a file.
func (c Config) Env() map[string]string {
	return map[string]string{
		"MYTHCORE_CONFIG":         "",
		"MYTHCORE_SOURCE_DIR":     c.SourceDir,
		"MYTHCORE_COMPILED_DIR":   c.CompiledDir,
		"MYTHCORE_ENCODING":       c.Encoding,
		"MYTHCORE_TURN_FREQUENCY": strconv.Itoa(c.Frequency),
		"MYTHCORE_STORE":          c.Store,
		"MYTHCORE_DB_PATH":        c.DBPath,
		"MYTHCORE_CALL_TIMEOUT":   c.CallTimeout.String(),
		"MYTHCORE_RETRY_DELAY":    c.RetryDelay.String(),
		"MYTHCORE_MAX_TRIES":      strconv.FormatUint(uint64(c.MaxTries), 10),
		"MYTHCORE_LOG_LEVEL":      c.LogLevel,
		"MYTHCORE_LOG_FORMAT":     FormatJSON,
		"MYTHCORE_OTEL_ENDPOINT":  c.OTelEndpoint,
		"MYTHCORE_OTEL_ENABLED":   strconv.FormatBool(c.OTelEnabled),
		"MYTHCORE_SERVICE_NAME":   c.ServiceName,
	}
}

// Bind registers a flag per setting on fs, defaulting to the current values.
func Bind(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.File, "config", cfg.File, "TOML configuration file")
	fs.StringVar(&cfg.SourceDir, "source-dir", cfg.SourceDir, "Directory of script sources")
	fs.StringVar(&cfg.CompiledDir, "compiled-dir", cfg.CompiledDir, "Directory of compiled scripts")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "Encoding of script sources")
	fs.IntVar(&cfg.Frequency, "frequency", cfg.Frequency, "Turn frequency in seconds")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Entity store: sqlite or memory")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.DurationVar(&cfg.CallTimeout, "call-timeout", cfg.CallTimeout, "Deadline of a call to a worker")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay before retrying a worker that is not ready")
	fs.UintVar(&cfg.MaxTries, "max-tries", cfg.MaxTries, "Attempts of a call to a worker that is not ready")
	fs.StringVar(&cfg.PlayerEmail, "email", cfg.PlayerEmail, "Email of the player the console acts as")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace endpoint")
	fs.BoolVar(&cfg.OTelEnabled, "otel", cfg.OTelEnabled, "Export traces when an endpoint is set")
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SourceDir) == "" {
		errs = append(errs, errors.New("source_dir is required"))
	}
	if strings.TrimSpace(c.CompiledDir) == "" {
		errs = append(errs, errors.New("compiled_dir is required"))
	}
	if c.Frequency <= 0 {
		errs = append(errs, fmt.Errorf("turn_frequency must be positive, got %d", c.Frequency))
	}
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for the sqlite store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if _, err := htmlindex.Get(c.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("unknown encoding %q", c.Encoding))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, errors.New("retry_delay must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// configFlag finds the value of --config in args without parsing the
// other flags.
func configFlag(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
