package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by every cache of a client.
// Each series is labelled with the key space of the cache that recorded it.
type Metrics struct {
	hits        *prometheus.CounterVec
	staleHits   *prometheus.CounterVec
	misses      *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	discarded   *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

// NewMetrics creates the cache collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagcheck",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, []string{"keyspace"})
	}
	m := &Metrics{
		hits:        counter("hits_total", "Lookups served from a fresh entry."),
		staleHits:   counter("stale_hits_total", "Lookups served from a stale entry while it refreshes."),
		misses:      counter("misses_total", "Lookups with no servable entry."),
		fetches:     counter("fetches_total", "Remote fetches issued by the cache."),
		fetchErrors: counter("fetch_errors_total", "Remote fetches that failed."),
		discarded:   counter("discarded_total", "Fetch results dropped because the cache was invalidated."),
		evictions:   counter("evictions_total", "Entries evicted past their maximum staleness."),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.hits, m.staleHits, m.misses, m.fetches, m.fetchErrors, m.discarded, m.evictions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// keyspaceMetrics binds a Metrics to one key space label.
type keyspaceMetrics struct {
	hits, staleHits, misses, fetches, fetchErrors, discarded, evictions prometheus.Counter
}

func (m *Metrics) forKeyspace(space string) keyspaceMetrics {
	return keyspaceMetrics{
		hits:        m.hits.WithLabelValues(space),
		staleHits:   m.staleHits.WithLabelValues(space),
		misses:      m.misses.WithLabelValues(space),
		fetches:     m.fetches.WithLabelValues(space),
		fetchErrors: m.fetchErrors.WithLabelValues(space),
		discarded:   m.discarded.WithLabelValues(space),
		evictions:   m.evictions.WithLabelValues(space),
	}
}
