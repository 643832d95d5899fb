package cache

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const defaultTTL = 5 * time.Minute

// RefreshFunc runs a background refresh. It returns an error when the refresh
// could not be scheduled, in which case the stale entry keeps being served.
type RefreshFunc func(task func()) error

type config struct {
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
	refresh  RefreshFunc
	metrics  *Metrics
	logger   zerolog.Logger
	sweep    bool
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		ttl:      defaultTTL,
		maxStale: -1,
		now:      time.Now,
		logger:   zerolog.Nop(),
		sweep:    true,
		refresh: func(task func()) error {
			go task()
			return nil
		},
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	if cfg.maxStale < 0 {
		cfg.maxStale = cfg.ttl
	}
	return cfg, nil
}

// WithTTL sets the age after which an entry is refreshed. A TTL of 0
// disables caching: every Get goes to the fetcher.
//
// Default is 5 minutes.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) error {
		if ttl < 0 {
			return fmt.Errorf("ttl cannot be negative")
		}
		cfg.ttl = ttl
		return nil
	}
}

// WithDisabled turns caching off.
func WithDisabled() Option {
	return WithTTL(0)
}

// WithMaxStale sets how long past its TTL an entry may still be served while
// it is refreshed. Older entries are evicted and looked up as misses.
//
// Default is the TTL.
func WithMaxStale(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("max stale cannot be negative")
		}
		cfg.maxStale = d
		return nil
	}
}

// WithRefreshFunc sets the executor for refresh-in-place fetches.
//
// Default starts a goroutine per refresh.
func WithRefreshFunc(fn RefreshFunc) Option {
	return func(cfg *config) error {
		if fn == nil {
			return fmt.Errorf("refresh func cannot be nil")
		}
		cfg.refresh = fn
		return nil
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cfg *config) error {
		if now == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.now = now
		return nil
	}
}

// WithMetrics records cache activity in m.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = logger
		return nil
	}
}

// WithoutSweeper disables the background goroutine that evicts entries past
// TTL plus max stale. Expired entries are then only dropped when looked up.
func WithoutSweeper() Option {
	return func(cfg *config) error {
		cfg.sweep = false
		return nil
	}
}
