package offload

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Prometheus collectors an AsyncHandler updates while it
// runs. A nil *Metrics is valid everywhere it's used - every call site
// checks for nil before touching it - so instrumentation is opt-in.
type Metrics struct {
	groupsOffloaded prometheus.Counter
	groupsReloaded  prometheus.Counter
	buffersOffloaded prometheus.Counter
	buffersReloaded prometheus.Counter
	dedupHits       prometheus.Counter
	groupsInFlight  prometheus.Gauge
}

// NewMetrics registers the engine's collectors against reg. Pass
// prometheus.DefaultRegisterer to publish on the process's default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		groupsOffloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actoffload",
			Name:      "groups_offloaded_total",
			Help:      "Commit groups whose bulk device->host copy has been dispatched.",
		}),
		groupsReloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actoffload",
			Name:      "groups_reloaded_total",
			Help:      "Commit groups whose bulk host->device copy has been dispatched.",
		}),
		buffersOffloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actoffload",
			Name:      "buffers_offloaded_total",
			Help:      "Individual tensor buffers copied device->host.",
		}),
		buffersReloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actoffload",
			Name:      "buffers_reloaded_total",
			Help:      "Individual tensor buffers copied host->device.",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "actoffload",
			Name:      "dedup_hits_total",
			Help:      "Pushes resolved as an alias of an already-registered composite instance.",
		}),
		groupsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "actoffload",
			Name:      "groups_in_flight",
			Help:      "Commit groups whose offload or reload copy is currently enqueued but unsynced.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.groupsOffloaded, m.groupsReloaded, m.buffersOffloaded, m.buffersReloaded, m.dedupHits, m.groupsInFlight)
	}
	return m
}

func (m *Metrics) offloadGroup(buffers int) {
	if m == nil {
		return
	}
	m.groupsOffloaded.Inc()
	m.buffersOffloaded.Add(float64(buffers))
	m.groupsInFlight.Inc()
}

func (m *Metrics) reloadGroup(buffers int) {
	if m == nil {
		return
	}
	m.groupsReloaded.Inc()
	m.buffersReloaded.Add(float64(buffers))
	m.groupsInFlight.Dec()
}

func (m *Metrics) dedupHit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}
