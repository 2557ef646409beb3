// Package config loads the log-collectors server configuration.
//
// Values are layered: built-in defaults, then an optional config file, then
// the environment (including a .env file), then command-line flags, which the
// caller applies last.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = "127.0.0.1:3000"
	DefaultShutdownTimeout = 10 * time.Second
)

// Archive kinds.
const (
	ArchiveNone       = ""
	ArchiveFilesystem = "filesystem"
	ArchiveS3         = "s3"
)

// Config is the parsed server configuration.
type Config struct {
	// Addr is the listen address. Default: 127.0.0.1:3000.
	Addr string `yaml:"addr" toml:"addr" json:"addr"`

	// DatabaseURL selects the storage backend (required):
	// postgres://..., sqlite:<path> or memory:.
	DatabaseURL string `yaml:"database_url" toml:"database_url" json:"database_url"`

	// TempDir holds spooled upload parts. Default: the OS temp dir.
	TempDir string `yaml:"temp_dir" toml:"temp_dir" json:"temp_dir"`

	// MaxUploadBytes caps request bodies. Zero means unlimited.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" toml:"max_upload_bytes" json:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`

	// Archive keeps a copy of every uploaded CSV part. Optional.
	Archive Archive `yaml:"archive" toml:"archive" json:"archive"`

	// SentryDSN enables error reporting. Optional.
	SentryDSN string `yaml:"sentry_dsn" toml:"sentry_dsn" json:"sentry_dsn"`
}

// Archive configures where raw uploads are kept.
type Archive struct {
	Kind            string `yaml:"kind" toml:"kind" json:"kind"` // "", "filesystem" or "s3"
	Dir             string `yaml:"dir" toml:"dir" json:"dir"`
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load parses the first config file found in dir and returns it with the
// file name. A directory without a config file yields the defaults and an
// empty name. The result is not validated; call Validate after applying
// environment and flag overrides.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"logcollectors.yaml", parseYAML},
		{"logcollectors.yml", parseYAML},
		{"logcollectors.toml", parseTOML},
		{"logcollectors.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, c.name, fmt.Errorf("read %s: %w", c.name, err)
		}

		var cfg Config
		if err := c.parser(data, &cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		cfg.applyDefaults()
		return &cfg, c.name, nil
	}

	return Default(), "", nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	err := decoder.Decode(cfg)
	if errors.Is(err, io.EOF) {
		return nil // empty file
	}
	return err
}

func parseTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}

func parseJSON(data []byte, cfg *Config) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(cfg)
}

// LoadDotEnv loads dir/.env into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with
// lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string

	envStr(lookup, "LOGCOLLECTORS_ADDR", &c.Addr)
	envStr(lookup, "DATABASE_URL", &c.DatabaseURL)
	envStr(lookup, "LOGCOLLECTORS_TEMP_DIR", &c.TempDir)
	envInt64(lookup, "LOGCOLLECTORS_MAX_UPLOAD_BYTES", &c.MaxUploadBytes, &errs)
	envDuration(lookup, "LOGCOLLECTORS_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout, &errs)
	envStr(lookup, "LOGCOLLECTORS_LOG_LEVEL", &c.LogLevel)
	envStr(lookup, "SENTRY_DSN", &c.SentryDSN)

	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_KIND", &c.Archive.Kind)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_DIR", &c.Archive.Dir)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_BUCKET", &c.Archive.Bucket)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_REGION", &c.Archive.Region)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_PREFIX", &c.Archive.Prefix)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_ACCESS_KEY_ID", &c.Archive.AccessKeyID)
	envStr(lookup, "LOGCOLLECTORS_ARCHIVE_SECRET_ACCESS_KEY", &c.Archive.SecretAccessKey)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envStr(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = v
	}
}

func envInt64(lookup func(string) (string, bool), key string, dst *int64, errs *[]string) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func envDuration(lookup func(string) (string, bool), key string, dst *Duration, errs *[]string) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return
	}
	*dst = Duration(d)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (set DATABASE_URL)")
	}
	if c.MaxUploadBytes < 0 {
		return errors.New("max_upload_bytes must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Archive.Kind {
	case ArchiveNone:
	case ArchiveFilesystem:
		if c.Archive.Dir == "" {
			return errors.New("archive: dir is required for filesystem archive")
		}
	case ArchiveS3:
		if c.Archive.Bucket == "" {
			return errors.New("archive: bucket is required for s3 archive")
		}
		if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
			return errors.New("archive: access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("archive: unknown kind %q (want filesystem or s3)", c.Archive.Kind)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ParseLevel maps a log level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", s, err)
	}
	return level, nil
}
