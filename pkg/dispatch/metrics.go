package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for dispatcher monitoring.
type Metrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	rejected   prometheus.Counter
	completed  prometheus.Counter
	panicked   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "flagcheck", Subsystem: "dispatch", Name: name, Help: help}
	}
	m := &Metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagcheck",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Tasks accepted but not yet picked up by a worker.",
		}),
		submitted: prometheus.NewCounter(opts("submitted_total", "Tasks accepted by the pool.")),
		rejected:  prometheus.NewCounter(opts("rejected_total", "Tasks refused because the pool was not running.")),
		completed: prometheus.NewCounter(opts("completed_total", "Tasks that ran to completion.")),
		panicked:  prometheus.NewCounter(opts("panicked_total", "Tasks that panicked and were recovered.")),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.queueDepth, m.submitted, m.rejected, m.completed, m.panicked} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
