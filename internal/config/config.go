// Package config holds the tracer configuration. Values come from DURABILITY_*
// environment variables and are overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mrzor/durability-tracer/internal/engine"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the tracer configuration.
type Config struct {
	// Capacity bounds the correlation tables (user space and kernel).
	Capacity int `env:"DURABILITY_CAPACITY" envDefault:"1000"`
	// Seed is the murmur3 seed of the identity hasher.
	Seed uint32 `env:"DURABILITY_SEED" envDefault:"0"`
	// JournalMode is "ordered" (writeback then journal commit) or "none".
	JournalMode string `env:"DURABILITY_JOURNAL_MODE" envDefault:"ordered"`
	// VerifyIdentity rejects fingerprint matches whose raw inode differs.
	VerifyIdentity bool `env:"DURABILITY_VERIFY_IDENTITY" envDefault:"true"`

	BPFObject    string `env:"DURABILITY_BPF_OBJECT" envDefault:"/usr/lib/durability-tracer/durability.bpf.o"`
	Binary       string `env:"DURABILITY_BINARY"`
	PIDs         []int  `env:"DURABILITY_PIDS" envSeparator:","`
	SubmitSymbol string `env:"DURABILITY_SUBMIT_SYMBOL" envDefault:"io_uring_prep_write"`
	NotifySymbol string `env:"DURABILITY_NOTIFY_SYMBOL" envDefault:"io_uring_wait_cqe"`
	ProcRoot     string `env:"DURABILITY_PROC_ROOT" envDefault:"/proc"`

	// Listen is the inspection server address; empty disables it.
	Listen string `env:"DURABILITY_LISTEN"`
	// Filter is an expr expression selecting the transitions to print.
	Filter string `env:"DURABILITY_FILTER"`
	// Output is "text" or "json".
	Output string `env:"DURABILITY_OUTPUT" envDefault:"text"`
	// JSONOut, when set, also writes the trace as JSON lines to this file.
	JSONOut string `env:"DURABILITY_JSON_OUT"`
	// Record, when set, writes every probe event to this JSONL file.
	Record string `env:"DURABILITY_RECORD"`

	LogLevel  string `env:"DURABILITY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DURABILITY_LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// LoadFrom reads the configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalid, c.Capacity)
	}
	if _, err := engine.ParseJournalMode(c.JournalMode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch strings.ToLower(c.Output) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown output format %q (want text or json)", ErrInvalid, c.Output)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q (want text or json)", ErrInvalid, c.LogFormat)
	}
	return nil
}

// ValidateLive additionally checks the settings needed to attach probes.
func (c *Config) ValidateLive() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Binary == "" {
		return fmt.Errorf("%w: a target binary is required (--binary)", ErrInvalid)
	}
	if c.BPFObject == "" {
		return fmt.Errorf("%w: a BPF object path is required (--bpf-object)", ErrInvalid)
	}
	if c.Capacity > 1<<20 {
		return fmt.Errorf("%w: capacity %d exceeds the kernel map limit", ErrInvalid, c.Capacity)
	}
	for _, pid := range c.PIDs {
		if pid <= 0 {
			return fmt.Errorf("%w: invalid pid %d", ErrInvalid, pid)
		}
	}
	return nil
}

// Mode returns the parsed journal mode. Call Validate first.
func (c *Config) Mode() engine.JournalMode {
	mode, _ := engine.ParseJournalMode(c.JournalMode) //nolint:errcheck // checked by Validate
	return mode
}

// Level returns the parsed log level.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return level, nil
}

// Jobs returns the PID filter as job ids.
func (c *Config) Jobs() []uint64 {
	jobs := make([]uint64, 0, len(c.PIDs))
	for _, pid := range c.PIDs {
		//nolint:gosec // validated positive
		jobs = append(jobs, uint64(pid))
	}
	return jobs
}

// EngineOptions maps the configuration onto engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Capacity:       c.Capacity,
		Seed:           c.Seed,
		Mode:           c.Mode(),
		VerifyIdentity: c.VerifyIdentity,
	}
}
