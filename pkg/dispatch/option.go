package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

type config struct {
	registerer prometheus.Registerer
}

// Option configures a Pool.
type Option func(*config)

// WithRegisterer registers the pool's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = reg
	}
}
