// Package config loads and validates the crawler's run configuration,
// adapted from the teacher's cmd/app/main.go environment-driven Config and
// internal/crawler.Config/DefaultConfig. Values come from the environment
// (via joho/godotenv when a .env file is present) and from the options an
// external CLI surface binds, per the core's documented option table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Source selects exactly one of the Loader's corpus sources.
type Source struct {
	InputFilePath  string
	RemoteTextURL  string
	CodeHostBlobURL string
}

// Range is the user-facing 1-based inclusive range selector, parsed from the
// CLI's range=start-end option before being turned into a pipeline.RangeSpec.
type Range struct {
	Start int
	End   int
	Set   bool
}

// Config is the fully-resolved, validated configuration for one run of the
// core. An external CLI is responsible for parsing flags/env into this
// struct; the core only consumes it.
type Config struct {
	Source Source
	Range  Range

	SkipProcessed      bool
	ResetTracking      bool
	PrefilterProcessed bool
	ForceReprocess     bool

	ChunkSize   int
	Concurrency int
	Headless    bool

	OutputDir string
	LogDir    string
	DataDir   string

	MaxPagesPerBrowser int
	ErrorThreshold     int

	PageAcquireTimeout time.Duration
	NavigationTimeout  time.Duration
	ProbeTimeout       time.Duration

	MaxRetries     int
	FetchTimeout   time.Duration
	UserAgent      string

	Env       string
	LogLevel  string
	SentryDSN string

	ObservabilityEnabled bool
	OTLPEndpoint         string
	MetricsAddress       string
}

// DefaultConfig mirrors the teacher's DefaultConfig: conservative defaults
// suitable for a single-operator batch run.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:          100,
		Concurrency:        10,
		Headless:           true,
		OutputDir:          "./data",
		LogDir:             "./logs",
		DataDir:            "./data",
		MaxPagesPerBrowser: 50,
		ErrorThreshold:     5,
		PageAcquireTimeout: 5 * time.Second,
		NavigationTimeout:  60 * time.Second,
		ProbeTimeout:       10 * time.Second,
		MaxRetries:         3,
		FetchTimeout:       30 * time.Second,
		UserAgent:          "PrebidWatch/1.0 (+https://prebidwatch.example/about)",
		Env:                "development",
		LogLevel:           "info",
	}
}

// LoadEnv loads a .env file if present, exactly like the teacher's main.go
// does at startup; a missing file is not an error.
func LoadEnv(path string) {
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

// ApplyEnvOverrides overlays CRAWLER_* environment variables onto cfg, for
// the handful of settings operators commonly override without touching CLI
// flags (mirrors the teacher's env-var precedence in cmd/app/main.go).
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRAWLER_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("CRAWLER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CRAWLER_SENTRY_DSN"); v != "" {
		cfg.SentryDSN = v
	}
	if v := os.Getenv("CRAWLER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("CRAWLER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
		cfg.ObservabilityEnabled = true
	}
}

// Validate checks the invariants the core depends on before it will start a
// run: exactly one source, positive sizing, and a writable-looking layout.
// It returns the first violation found, in the teacher's style of a single
// terse reason rather than an aggregate error list.
func (c *Config) Validate() error {
	sourceCount := 0
	if c.Source.InputFilePath != "" {
		sourceCount++
	}
	if c.Source.RemoteTextURL != "" {
		sourceCount++
	}
	if c.Source.CodeHostBlobURL != "" {
		sourceCount++
	}
	if sourceCount != 1 {
		return fmt.Errorf("config: exactly one source must be set, got %d", sourceCount)
	}

	if c.Range.Set && c.Range.Start > c.Range.End {
		return fmt.Errorf("config: range start %d is after end %d", c.Range.Start, c.Range.End)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxPagesPerBrowser <= 0 {
		return fmt.Errorf("config: maxPagesPerBrowser must be positive, got %d", c.MaxPagesPerBrowser)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("config: outputDir must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}

	return nil
}
