// Package config loads and validates the predictor's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvDBDSN is the environment variable that overrides storage.dsn when set.
const EnvDBDSN = "LCPREDICT_DB_DSN"

// ErrMissingDSN indicates no store DSN was provided by YAML or environment.
// Callers treat this as fatal at startup.
var ErrMissingDSN = errors.New("config: storage DSN is required (set storage.dsn or " + EnvDBDSN + ")")

// Config is the root configuration document.
//
// Two concerns mirror the deployment split: service wiring (server, logging)
// and store connection parameters. Contest reference tuples default to the
// hard-coded anchors but stay configurable.
type Config struct {
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Storage  Storage  `yaml:"storage"`
	Crawler  Crawler  `yaml:"crawler"`
	Rating   Rating   `yaml:"rating"`
	Contests Contests `yaml:"contests"`
}

// Server configures the read-only query API.
type Server struct {
	Addr             string   `yaml:"addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// Logging configures the zap service logger.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Sink is a file path, or empty for stderr.
	Sink string `yaml:"sink"`
	// JSON selects JSON encoding instead of console encoding.
	JSON bool `yaml:"json"`
}

// Storage configures the record store.
type Storage struct {
	// Driver selects the backend: "sqlite" or "mysql".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	// Overridden by the LCPREDICT_DB_DSN environment variable when set.
	DSN string `yaml:"dsn"`
}

// Crawler configures the HTTP fetcher.
type Crawler struct {
	ConcurrentNum int    `yaml:"concurrent_num"`
	RetryNum      int    `yaml:"retry_num"`
	UserAgent     string `yaml:"user_agent"`
}

// Rating selects the delta engine implementation.
type Rating struct {
	// Engine is "conv" (FFT convolution batch) or "iterative".
	Engine string `yaml:"engine"`
}

// ContestRef anchors contest-number arithmetic at a known contest.
type ContestRef struct {
	Number int       `yaml:"number"`
	Start  time.Time `yaml:"start"`
}

// Contests holds the weekly and biweekly reference tuples.
type Contests struct {
	WeeklyRef   ContestRef `yaml:"weekly_ref"`
	BiweeklyRef ContestRef `yaml:"biweekly_ref"`
}

// Default returns the built-in configuration.
//
// The reference tuples anchor at weekly-contest-294 (2022-05-22 02:30 UTC)
// and biweekly-contest-78 (2022-05-14 14:30 UTC).
func Default() Config {
	return Config{
		Server: Server{
			Addr:             ":8000",
			CORSAllowOrigins: []string{"*"},
		},
		Logging: Logging{Level: "info"},
		Storage: Storage{Driver: "sqlite"},
		Crawler: Crawler{
			ConcurrentNum: 5,
			RetryNum:      10,
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X x.y; rv:42.0) " +
				"Gecko/20100101 Firefox/42.0",
		},
		Rating: Rating{Engine: "conv"},
		Contests: Contests{
			WeeklyRef: ContestRef{
				Number: 294,
				Start:  time.Date(2022, 5, 22, 2, 30, 0, 0, time.UTC),
			},
			BiweeklyRef: ContestRef{
				Number: 78,
				Start:  time.Date(2022, 5, 14, 14, 30, 0, 0, time.UTC),
			},
		},
	}
}

// Load reads a YAML file over the defaults, applies the environment DSN
// override, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvDBDSN); dsn != "" {
		c.Storage.DSN = dsn
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Storage.DSN == "" {
		return ErrMissingDSN
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Rating.Engine {
	case "conv", "iterative":
	default:
		return fmt.Errorf("config: unknown rating engine %q", c.Rating.Engine)
	}
	if c.Crawler.ConcurrentNum < 1 {
		return fmt.Errorf("config: crawler.concurrent_num must be >= 1, got %d", c.Crawler.ConcurrentNum)
	}
	if c.Crawler.RetryNum < 1 {
		return fmt.Errorf("config: crawler.retry_num must be >= 1, got %d", c.Crawler.RetryNum)
	}
	if c.Contests.WeeklyRef.Number <= 0 || c.Contests.BiweeklyRef.Number <= 0 {
		return errors.New("config: contest reference numbers must be positive")
	}
	return nil
}
