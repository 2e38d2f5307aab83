// Package metrics exposes Prometheus instruments for lithium servers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the instruments. A nil *Collector is valid and records nothing.
type Collector struct {
	Connections prometheus.Gauge
	Accepted    prometheus.Counter
	Calls       *prometheus.CounterVec   // labels: command, outcome
	Latency     *prometheus.HistogramVec // labels: command
	Broadcasts  prometheus.Counter
	Relays      *prometheus.CounterVec // labels: outcome
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lithium",
			Name:      "connections",
			Help:      "Connections currently in the pool.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lithium",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted since start.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lithium",
			Name:      "calls_total",
			Help:      "Inbound calls served, by command and outcome.",
		}, []string{"command", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lithium",
			Name:      "call_duration_seconds",
			Help:      "Time spent serving inbound calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lithium",
			Name:      "broadcasts_total",
			Help:      "Broadcasts issued.",
		}),
		Relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lithium",
			Name:      "relays_total",
			Help:      "invokeSibling relays, by outcome.",
		}, []string{"outcome"}),
	}
	for _, col := range []prometheus.Collector{c.Connections, c.Accepted, c.Calls, c.Latency, c.Broadcasts, c.Relays} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func outcome(ok bool) string {
	if ok {
		return "return"
	}
	return "error"
}

// ObserveCall records one served inbound call.
func (c *Collector) ObserveCall(command string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(command, outcome(ok)).Inc()
	c.Latency.WithLabelValues(command).Observe(d.Seconds())
}

// ConnectionOpened records an accepted connection joining the pool.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.Accepted.Inc()
	c.Connections.Inc()
}

// ConnectionClosed records a connection leaving the pool.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.Connections.Dec()
}

// BroadcastIssued records one broadcast.
func (c *Collector) BroadcastIssued() {
	if c == nil {
		return
	}
	c.Broadcasts.Inc()
}

// RelayDone records the outcome of one relayed call.
func (c *Collector) RelayDone(ok bool) {
	if c == nil {
		return
	}
	c.Relays.WithLabelValues(outcome(ok)).Inc()
}
