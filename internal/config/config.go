package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the call-forward service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir      string
	DBDriver     string // "sqlite" or "postgres"
	DBDSN        string // PostgreSQL connection string
	RegistryFile string // YAML catalog of extensions and contexts
	HTTPPort     int
	LogLevel     string
	LogFormat    string // log output format: "text" or "json"
	JWTSecret    string // hex-encoded 32-byte secret; empty disables API auth

	AGIAddr           string
	AGISecret         string // pre-shared digest secret, never logged
	AGISecretVariable string // dialplan variable holding the secret in Asterisk
	AGIIdleTimeout    time.Duration
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultDBDriver          = "sqlite"
	defaultRegistryFile      = "./registry.yaml"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultAGIAddr           = "0.0.0.0:4573"
	defaultAGISecretVariable = "CALLFWD_DIGEST_SECRET"
	defaultAGIIdleTimeout    = 10 * time.Second
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "CALLFWD_"

// Load parses configuration from os.Args and the environment.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args and the environment.
// Precedence: CLI flags > env vars > defaults.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callforward", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "rule store backend (sqlite, postgres)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "postgresql connection string, required for db-driver=postgres")
	fs.StringVar(&cfg.RegistryFile, "registry-file", defaultRegistryFile, "YAML file listing extensions and contexts")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "admin API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin API bearer tokens (auth disabled if empty)")
	fs.StringVar(&cfg.AGIAddr, "agi-addr", defaultAGIAddr, "FastAGI listen address")
	fs.StringVar(&cfg.AGISecret, "agi-secret", "", "pre-shared secret for the FastAGI digest challenge")
	fs.StringVar(&cfg.AGISecretVariable, "agi-secret-variable", defaultAGISecretVariable, "dialplan variable holding the digest secret in Asterisk")
	fs.DurationVar(&cfg.AGIIdleTimeout, "agi-idle-timeout", defaultAGIIdleTimeout, "drop FastAGI peers idle for this long")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its variable, e.g. agi-addr -> CALLFWD_AGI_ADDR.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, going through the flag's own parser.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	c.DBDriver = strings.ToLower(c.DBDriver)
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return errors.New("db-dsn is required when db-driver is postgres")
		}
	default:
		return fmt.Errorf("db-driver must be one of sqlite, postgres; got %q", c.DBDriver)
	}

	if c.RegistryFile == "" {
		return errors.New("registry-file is required")
	}

	if c.AGISecret == "" {
		return errors.New("agi-secret is required")
	}
	if c.AGISecretVariable == "" {
		return errors.New("agi-secret-variable must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.AGIAddr); err != nil {
		return fmt.Errorf("agi-addr must be host:port, got %q", c.AGIAddr)
	}
	if c.AGIIdleTimeout <= 0 {
		return fmt.Errorf("agi-idle-timeout must be positive, got %s", c.AGIIdleTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}

	return nil
}

// HTTPAddr returns the admin API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// JWTSecretBytes returns the decoded 32-byte admin token secret, or nil when
// API authentication is disabled.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
