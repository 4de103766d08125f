// Package config handles runner configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Source kinds accepted by PHENOKIT_SOURCE.
const (
	SourceDuckDB = "duckdb"
	SourceSQLite = "sqlite"
	SourceCSV    = "csv"
)

// Output formats accepted by PHENOKIT_FORMAT.
const (
	FormatCSV   = "csv"
	FormatArrow = "arrow"
)

// Config holds the runner configuration. The environment provides
// defaults for unattended runs; command-line flags override them.
type Config struct {
	Source       string // connector kind: duckdb, sqlite or csv (default "duckdb")
	DSN          string // database path, or the data directory for the csv source
	TableMapping string // optional YAML file mapping domain names to table names
	OutDir       string // output directory for result artifacts (default "out")
	Format       string // artifact format: csv or arrow (default "csv")
	Workers      int    // parallel nodes per stage (0 = GOMAXPROCS)
	LogLevel     string // log level: debug, info, warn, error (default "info")

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks that the configuration is internally consistent. It runs
// after flags have been merged in, so missing values are errors here and
// not in LoadFromEnv.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceDuckDB, SourceSQLite, SourceCSV:
	default:
		return fmt.Errorf("source must be one of duckdb, sqlite or csv, got %q", c.Source)
	}
	switch c.Format {
	case FormatCSV, FormatArrow:
	default:
		return fmt.Errorf("format must be csv or arrow, got %q", c.Format)
	}
	if c.Source == SourceSQLite && c.DSN == "" {
		return fmt.Errorf("a database path is required for the sqlite source")
	}
	if c.Source == SourceCSV && c.DSN == "" {
		return fmt.Errorf("a data directory is required for the csv source")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	return nil
}

// LoadFromEnv loads configuration from PHENOKIT_* environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Source:       os.Getenv("PHENOKIT_SOURCE"),
		DSN:          os.Getenv("PHENOKIT_DSN"),
		TableMapping: os.Getenv("PHENOKIT_TABLE_MAPPING"),
		OutDir:       os.Getenv("PHENOKIT_OUT"),
		Format:       os.Getenv("PHENOKIT_FORMAT"),
		LogLevel:     os.Getenv("PHENOKIT_LOG_LEVEL"),
	}

	if v := os.Getenv("PHENOKIT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PHENOKIT_WORKERS must be an integer, got %q", v)
		}
		cfg.Workers = n
	}

	// Defaults
	if cfg.Source == "" {
		cfg.Source = SourceDuckDB
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "out"
	}
	if cfg.Format == "" {
		cfg.Format = FormatCSV
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Source == SourceDuckDB && cfg.DSN == "" {
		cfg.Warnings = append(cfg.Warnings, "PHENOKIT_DSN not set; an in-memory DuckDB has no domain tables")
	}

	return cfg, nil
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
