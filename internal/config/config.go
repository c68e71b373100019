// Package config loads idemctl configuration from a YAML file, IDEM_*
// environment variables and an optional .env file, in increasing order of
// precedence below command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"idem"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IDEM_"

// Config is the file representation of an idemctl setup.
type Config struct {
	Backend   string              `yaml:"backend"`
	DSN       string              `yaml:"dsn"`
	Table     string              `yaml:"table"`
	Isolation idem.IsolationLevel `yaml:"isolation"`
	PoolSize  int                 `yaml:"pool_size"`

	Retry   Retry   `yaml:"retry"`
	Circuit Circuit `yaml:"circuit"`
	Memory  Memory  `yaml:"memory"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
}

// Retry mirrors the retry fields of idem.Config.
type Retry struct {
	MaxRetries          int                `yaml:"max_retries"`
	InitialDelay        time.Duration      `yaml:"initial_delay"`
	Multiplier          float64            `yaml:"multiplier"`
	MaxDelay            time.Duration      `yaml:"max_delay"`
	Jitter              time.Duration      `yaml:"jitter"`
	RetryOn             []idem.OutcomeKind `yaml:"retry_on"`
	ResolveDuplicates   bool               `yaml:"resolve_duplicates"`
	RetryUnavailable    bool               `yaml:"retry_unavailable"`
	UnavailableDelay    time.Duration      `yaml:"unavailable_delay"`
	UnavailableMaxDelay time.Duration      `yaml:"unavailable_max_delay"`
}

// Circuit configures the store breaker.
type Circuit struct {
	Threshold     int           `yaml:"threshold"`
	Timeout       time.Duration `yaml:"timeout"`
	HalfOpenProbe int           `yaml:"half_open_probe"`
}

// Memory configures the in-process engine.
type Memory struct {
	PredicatePages   int           `yaml:"predicate_pages"`
	StatementLatency time.Duration `yaml:"statement_latency"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	d := idem.DefaultConfig()
	return Config{
		Backend:   BackendMemory,
		Table:     "idempotency",
		Isolation: d.Isolation,
		PoolSize:  d.PoolSize,
		Retry: Retry{
			MaxRetries:          d.MaxRetries,
			InitialDelay:        d.InitialDelay,
			Multiplier:          d.BackoffMultiplier,
			MaxDelay:            d.MaxDelay,
			Jitter:              d.Jitter,
			RetryOn:             d.RetryOn,
			ResolveDuplicates:   d.ResolveDuplicates,
			RetryUnavailable:    d.RetryUnavailable,
			UnavailableDelay:    d.UnavailableDelay,
			UnavailableMaxDelay: d.UnavailableMaxDelay,
		},
		Circuit: Circuit{
			Threshold:     d.CircuitThreshold,
			Timeout:       d.CircuitTimeout,
			HalfOpenProbe: d.CircuitHalfOpenProbe,
		},
		Memory: Memory{PredicatePages: 1},
		Metrics: Metrics{
			Namespace: "idem",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides and finally overrides, in order, before validating.
// Unknown YAML fields are rejected.
func Load(path string, overrides ...func(*Config) error) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	for _, override := range overrides {
		if err := override(&cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// Decode reads YAML from r into cfg, keeping fields r does not mention.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", idem.ErrInvalidConfig, err)
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment,
// skipping files that do not exist. Variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv applies IDEM_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("BACKEND", &cfg.Backend)
	str("DSN", &cfg.DSN)
	str("TABLE", &cfg.Table)
	if v, ok := lookup(EnvPrefix + "ISOLATION"); ok {
		level, err := idem.ParseIsolationLevel(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sISOLATION: %w", EnvPrefix, err))
		} else {
			cfg.Isolation = level
		}
	}
	num("POOL_SIZE", &cfg.PoolSize)
	num("MAX_RETRIES", &cfg.Retry.MaxRetries)
	dur("INITIAL_DELAY", &cfg.Retry.InitialDelay)
	float("BACKOFF_MULTIPLIER", &cfg.Retry.Multiplier)
	dur("MAX_DELAY", &cfg.Retry.MaxDelay)
	dur("JITTER", &cfg.Retry.Jitter)
	if v, ok := lookup(EnvPrefix + "RETRY_ON"); ok {
		kinds, err := parseOutcomeKinds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRETRY_ON: %w", EnvPrefix, err))
		} else {
			cfg.Retry.RetryOn = kinds
		}
	}
	boolean("RESOLVE_DUPLICATES", &cfg.Retry.ResolveDuplicates)
	boolean("RETRY_UNAVAILABLE", &cfg.Retry.RetryUnavailable)
	dur("UNAVAILABLE_DELAY", &cfg.Retry.UnavailableDelay)
	dur("UNAVAILABLE_MAX_DELAY", &cfg.Retry.UnavailableMaxDelay)
	num("CIRCUIT_THRESHOLD", &cfg.Circuit.Threshold)
	dur("CIRCUIT_TIMEOUT", &cfg.Circuit.Timeout)
	num("CIRCUIT_HALF_OPEN_PROBE", &cfg.Circuit.HalfOpenProbe)
	str("METRICS_ADDR", &cfg.Metrics.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", idem.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// parseOutcomeKinds parses a comma-separated list of outcome kinds. An empty
// list disables backoff retries.
func parseOutcomeKinds(s string) ([]idem.OutcomeKind, error) {
	kinds := []idem.OutcomeKind{}
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := idem.ParseOutcomeKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Validate checks the fields idem.Config does not cover.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres, BackendMySQL:
		if c.DSN == "" {
			return fmt.Errorf("%w: backend %s requires a dsn", idem.ErrInvalidConfig, c.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", idem.ErrInvalidConfig, c.Backend)
	}
	if c.Memory.PredicatePages < 0 {
		return fmt.Errorf("%w: predicate pages must not be negative", idem.ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log format %q must be text or json", idem.ErrInvalidConfig, c.Log.Format)
	}
	engine := c.Engine()
	return engine.Validate()
}

// Engine converts the file settings into an idem.Config without collaborators.
func (c Config) Engine() idem.Config {
	cfg := idem.DefaultConfig()
	cfg.MaxRetries = c.Retry.MaxRetries
	cfg.InitialDelay = c.Retry.InitialDelay
	cfg.BackoffMultiplier = c.Retry.Multiplier
	cfg.MaxDelay = c.Retry.MaxDelay
	cfg.Jitter = c.Retry.Jitter
	cfg.RetryOn = slices.Clone(c.Retry.RetryOn)
	cfg.ResolveDuplicates = c.Retry.ResolveDuplicates
	cfg.RetryUnavailable = c.Retry.RetryUnavailable
	cfg.UnavailableDelay = c.Retry.UnavailableDelay
	cfg.UnavailableMaxDelay = c.Retry.UnavailableMaxDelay
	cfg.CircuitThreshold = c.Circuit.Threshold
	cfg.CircuitTimeout = c.Circuit.Timeout
	cfg.CircuitHalfOpenProbe = c.Circuit.HalfOpenProbe
	cfg.Isolation = c.Isolation
	cfg.PoolSize = c.PoolSize
	return cfg
}

// Logger builds a slog.Logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", idem.ErrInvalidConfig, s)
	}
	return level, nil
}
