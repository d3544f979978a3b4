// Package config loads the YAML configuration of a tickbridge runtime, and
// converts it to options for each component.
package config

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joeycumines/go-tickbridge/asyncquery"
	"github.com/joeycumines/go-tickbridge/host"
	"github.com/joeycumines/go-tickbridge/lifecycle"
	"github.com/joeycumines/go-tickbridge/scheduler"
	"github.com/joeycumines/go-tickbridge/tickclock"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"gopkg.in/yaml.v3"
)

type (
	// Config models the YAML document. See Default for the defaults.
	Config struct {
		Log       LogConfig       `yaml:"log"`
		Requests  RequestsConfig  `yaml:"requests"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Query     QueryConfig     `yaml:"query"`
		// TickRate is in ticks per second.
		TickRate int `yaml:"tick_rate"`
		// Workers is the size of the worker pool, 0 for GOMAXPROCS.
		Workers int `yaml:"workers"`
	}

	LogConfig struct {
		// Level is one of the logiface level names, e.g. "info", "debug".
		Level string `yaml:"level"`
		// Time enables the timestamp field.
		Time bool `yaml:"time"`
	}

	RequestsConfig struct {
		// RateLimits limits requests per requester, if non-empty.
		RateLimits []RateLimit   `yaml:"rate_limits,omitempty"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	SchedulerConfig struct {
		// PanicLogRates limits how often panics are logged, per task
		// origin. Empty disables the limit.
		PanicLogRates []RateLimit `yaml:"panic_log_rates"`
	}

	// QueryConfig configures asyncquery batching. Zero disables either of
	// MaxBatchSize or FlushInterval.
	QueryConfig struct {
		MaxBatchSize   int           `yaml:"max_batch_size"`
		FlushInterval  time.Duration `yaml:"flush_interval"`
		MaxConcurrency int           `yaml:"max_concurrency"`
	}

	// RateLimit allows at most Max events per sliding Window.
	RateLimit struct {
		Window time.Duration `yaml:"window"`
		Max    int           `yaml:"max"`
	}
)

// Default returns the default configuration.
func Default() Config {
	cfg := Config{
		TickRate: int(tickclock.DefaultRate),
		Log:      LogConfig{Level: logiface.LevelInformational.String()},
		Requests: RequestsConfig{Timeout: lifecycle.DefaultTimeout},
		Query: QueryConfig{
			MaxBatchSize:   16,
			FlushInterval:  time.Millisecond * 50,
			MaxConcurrency: 1,
		},
	}
	for window, n := range scheduler.DefaultPanicLogRates {
		cfg.Scheduler.PanicLogRates = append(cfg.Scheduler.PanicLogRates, RateLimit{Window: window, Max: n})
	}
	slices.SortFunc(cfg.Scheduler.PanicLogRates, func(a, b RateLimit) int { return cmp.Compare(a.Window, b.Window) })
	return cfg
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf(`%s: %w`, path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, over the defaults, and validates the
// result. Unknown fields are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf(`config: %w`, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration, returning the first problem found.
func (x Config) Validate() error {
	if !tickclock.Rate(x.TickRate).Valid() {
		return fmt.Errorf(`config: invalid tick_rate: %d`, x.TickRate)
	}
	if x.Workers < 0 {
		return fmt.Errorf(`config: invalid workers: %d`, x.Workers)
	}
	if _, err := x.Log.level(); err != nil {
		return err
	}
	if x.Requests.Timeout <= 0 {
		return fmt.Errorf(`config: invalid requests.timeout: %s`, x.Requests.Timeout)
	}
	if err := validateRates(`requests.rate_limits`, x.Requests.RateLimits); err != nil {
		return err
	}
	if err := validateRates(`scheduler.panic_log_rates`, x.Scheduler.PanicLogRates); err != nil {
		return err
	}
	if x.Query.MaxBatchSize <= 0 && x.Query.FlushInterval <= 0 {
		return errors.New(`config: one of query.max_batch_size or query.flush_interval must be positive`)
	}
	if x.Query.MaxConcurrency < 0 {
		return fmt.Errorf(`config: invalid query.max_concurrency: %d`, x.Query.MaxConcurrency)
	}
	return nil
}

// validateRates applies the rules of catrate.NewLimiter, which panics on
// rates that break them: each window must allow more events than the
// shorter windows, at a lower average rate.
func validateRates(field string, limits []RateLimit) error {
	sorted := slices.Clone(limits)
	slices.SortFunc(sorted, func(a, b RateLimit) int { return cmp.Compare(a.Window, b.Window) })
	for i, limit := range sorted {
		if limit.Window <= 0 || limit.Max <= 0 {
			return fmt.Errorf(`config: invalid %s: %s: %d`, field, limit.Window, limit.Max)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if limit.Window == prev.Window {
			return fmt.Errorf(`config: invalid %s: duplicate window %s`, field, limit.Window)
		}
		if limit.Max <= prev.Max ||
			float64(limit.Max)/float64(limit.Window) >= float64(prev.Max)/float64(prev.Window) {
			return fmt.Errorf(`config: invalid %s: %s: %d does not follow %s: %d`, field, limit.Window, limit.Max, prev.Window, prev.Max)
		}
	}
	return nil
}

func rates(limits []RateLimit) map[time.Duration]int {
	if len(limits) == 0 {
		return nil
	}
	m := make(map[time.Duration]int, len(limits))
	for _, limit := range limits {
		m[limit.Window] = limit.Max
	}
	return m
}

// ParseLevel converts a level name, as per logiface.Level.String, to a
// logiface.Level. Matching is case-insensitive, and a few common aliases
// are accepted.
func ParseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case `error`:
		return logiface.LevelError, nil
	case `warn`:
		return logiface.LevelWarning, nil
	case `information`, `informational`:
		return logiface.LevelInformational, nil
	}
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf(`config: invalid log level: %q`, s)
}

func (x LogConfig) level() (logiface.Level, error) { return ParseLevel(x.Level) }

// NewLogger returns a JSON logger writing to w, at the configured level.
func (x Config) NewLogger(w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := x.Log.level()
	if err != nil {
		return nil, err
	}
	output := stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``))
	if x.Log.Time {
		output = stumpy.L.WithStumpy(stumpy.WithWriter(w))
	}
	return stumpy.L.New(
		output,
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// HostOptions returns the options for host.New.
func (x Config) HostOptions(logger *logiface.Logger[logiface.Event]) []host.Option {
	opts := []host.Option{
		host.WithTickRate(tickclock.Rate(x.TickRate)),
		host.WithLogger(logger),
	}
	if x.Workers != 0 {
		opts = append(opts, host.WithWorkers(x.Workers))
	}
	return opts
}

// SchedulerOptions returns the options for scheduler.New.
func (x Config) SchedulerOptions(logger *logiface.Logger[logiface.Event]) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithPanicLogRates(rates(x.Scheduler.PanicLogRates)),
	}
}

// LifecycleOptions returns the options for lifecycle.New.
func (x Config) LifecycleOptions(logger *logiface.Logger[logiface.Event]) []lifecycle.Option {
	return []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithDefaultTimeout(x.Requests.Timeout),
		lifecycle.WithRateLimit(rates(x.Requests.RateLimits)),
	}
}

// QueryOptions returns the options for asyncquery.New.
func (x Config) QueryOptions(logger *logiface.Logger[logiface.Event]) []asyncquery.Option {
	// microbatch treats zero as unset, rather than disabled
	size, flush := x.Query.MaxBatchSize, x.Query.FlushInterval
	if size == 0 {
		size = -1
	}
	if flush == 0 {
		flush = -1
	}
	return []asyncquery.Option{
		asyncquery.WithLogger(logger),
		asyncquery.WithMaxBatchSize(size),
		asyncquery.WithFlushInterval(flush),
		asyncquery.WithMaxConcurrency(x.Query.MaxConcurrency),
	}
}
