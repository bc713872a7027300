// Package config loads customlambda settings.
//
// Sources, lowest precedence first: built-in defaults, an optional TOML
// file, a .env file in the working directory, and process environment
// variables (CUSTOMLAMBDA_*, plus FUNC_DELIMITER).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Defaults.
const (
	DefaultAPIAddr       = "127.0.0.1:9090"
	DefaultDelimiter     = "CUSTOMLAMBDA"
	DefaultLineLimit     = 10000
	DefaultMaxUploadSize = 5 * 1024 * 1024
	DefaultMaxStdout     = 100
	DefaultTimeLimit     = 300 * time.Second
	DefaultMemoryLimit   = 1 << 30
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultBcryptCost    = 10
)

// Duration is a time.Duration that reads from TOML and env as either a Go
// duration string ("300s", "1m30s") or a bare number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Config holds every runtime setting.
type Config struct {
	DataDir   string `toml:"data_dir"`
	Backend   string `toml:"backend"`   // "file" or "sqlite"
	Delimiter string `toml:"delimiter"` // marker delimiter token
	APIAddr   string `toml:"api_addr"`
	LogLevel  string `toml:"log_level"`

	LineLimit     int `toml:"line_limit"`      // lines per store file
	MaxUploadSize int `toml:"max_upload_size"` // bytes per uploaded function

	WorkDir      string   `toml:"work_dir"` // unit files (default: <data>/units)
	MaxStdout    int      `toml:"max_stdout"`
	TimeLimit    Duration `toml:"time_limit"`
	MemoryLimit  uint64   `toml:"memory_limit"` // bytes
	PollInterval Duration `toml:"poll_interval"`

	BcryptCost      int    `toml:"bcrypt_cost"`
	AdminIdentity   string `toml:"admin_identity"`    // empty disables the privileged listing
	AdminSecretHash string `toml:"admin_secret_hash"` // bcrypt hash

	RateLimit float64 `toml:"rate_limit"` // invocations per second over HTTP, 0 = unlimited
	RateBurst int     `toml:"rate_burst"`
	Audit     bool    `toml:"audit"` // persist the audit trail in <data>/audit.db
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".customlambda"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".customlambda")
	}
	return Config{
		DataDir:       dataDir,
		Backend:       BackendFile,
		Delimiter:     DefaultDelimiter,
		APIAddr:       DefaultAPIAddr,
		LogLevel:      "info",
		LineLimit:     DefaultLineLimit,
		MaxUploadSize: DefaultMaxUploadSize,
		MaxStdout:     DefaultMaxStdout,
		TimeLimit:     Duration{DefaultTimeLimit},
		MemoryLimit:   DefaultMemoryLimit,
		PollInterval:  Duration{DefaultPollInterval},
		BcryptCost:    DefaultBcryptCost,
		RateLimit:     10,
		RateBurst:     20,
		Audit:         true,
	}
}

// Load builds the configuration. path names a TOML file; when empty,
// CUSTOMLAMBDA_CONFIG is consulted, and then <data dir>/config.toml is
// used if it exists.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if v := os.Getenv("CUSTOMLAMBDA_DATA"); v != "" {
		cfg.DataDir = v
	}

	explicit := true
	if path == "" {
		path = os.Getenv("CUSTOMLAMBDA_CONFIG")
	}
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.toml")
		explicit = false
	}
	if err := loadToml(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(cfg.DataDir, "units")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"CUSTOMLAMBDA_DATA":              &cfg.DataDir,
		"CUSTOMLAMBDA_BACKEND":           &cfg.Backend,
		"FUNC_DELIMITER":                 &cfg.Delimiter,
		"CUSTOMLAMBDA_API_ADDR":          &cfg.APIAddr,
		"CUSTOMLAMBDA_LOG_LEVEL":         &cfg.LogLevel,
		"CUSTOMLAMBDA_WORK_DIR":          &cfg.WorkDir,
		"CUSTOMLAMBDA_ADMIN_IDENTITY":    &cfg.AdminIdentity,
		"CUSTOMLAMBDA_ADMIN_SECRET_HASH": &cfg.AdminSecretHash,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CUSTOMLAMBDA_LINE_LIMIT":      &cfg.LineLimit,
		"CUSTOMLAMBDA_MAX_UPLOAD_SIZE": &cfg.MaxUploadSize,
		"CUSTOMLAMBDA_MAX_STDOUT":      &cfg.MaxStdout,
		"CUSTOMLAMBDA_BCRYPT_COST":     &cfg.BcryptCost,
		"CUSTOMLAMBDA_RATE_BURST":      &cfg.RateBurst,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	durs := map[string]*Duration{
		"CUSTOMLAMBDA_TIME_LIMIT":    &cfg.TimeLimit,
		"CUSTOMLAMBDA_POLL_INTERVAL": &cfg.PollInterval,
	}
	for key, dst := range durs {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	if v := os.Getenv("CUSTOMLAMBDA_MEMORY_LIMIT"); v != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("CUSTOMLAMBDA_MEMORY_LIMIT: %w", err)
		}
		cfg.MemoryLimit = n
	}
	if v := os.Getenv("CUSTOMLAMBDA_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("CUSTOMLAMBDA_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = f
	}
	if v := os.Getenv("CUSTOMLAMBDA_AUDIT"); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CUSTOMLAMBDA_AUDIT: %w", err)
		}
		cfg.Audit = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataDir) == "":
		return fmt.Errorf("config missing data_dir")
	case c.Backend != BackendFile && c.Backend != BackendSQLite:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Backend)
	case strings.TrimSpace(c.Delimiter) == "":
		return fmt.Errorf("config missing delimiter")
	case strings.ContainsAny(c.Delimiter, ",\r\n"):
		return fmt.Errorf("delimiter %q must not contain commas or newlines", c.Delimiter)
	case c.LineLimit < 3:
		return fmt.Errorf("line_limit must be at least 3, got %d", c.LineLimit)
	case c.MaxUploadSize <= 0:
		return fmt.Errorf("max_upload_size must be positive")
	case c.MaxStdout <= 0:
		return fmt.Errorf("max_stdout must be positive")
	case c.TimeLimit.Duration <= 0:
		return fmt.Errorf("time_limit must be positive")
	case c.MemoryLimit == 0:
		return fmt.Errorf("memory_limit must be positive")
	case c.PollInterval.Duration <= 0:
		return fmt.Errorf("poll_interval must be positive")
	case c.BcryptCost < 4 || c.BcryptCost > 31:
		return fmt.Errorf("bcrypt_cost must be between 4 and 31, got %d", c.BcryptCost)
	case c.AdminIdentity != "" && c.AdminSecretHash == "":
		return fmt.Errorf("admin_identity requires admin_secret_hash")
	case c.RateLimit < 0:
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

// StoreDir is where the file backend keeps store files.
func (c Config) StoreDir() string { return filepath.Join(c.DataDir, "functions") }

// SQLitePath is the database file of the sqlite backend.
func (c Config) SQLitePath() string { return filepath.Join(c.DataDir, "functions.db") }

// AuditPath is the audit database used with the file backend.
func (c Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.db") }
