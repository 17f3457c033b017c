package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the replay server.
type Metrics struct {
	AppendsTotal     prometheus.Counter
	TransitionsTotal prometheus.Counter
	RejectedAppends  prometheus.Counter

	SampleBatchesTotal  prometheus.Counter
	SampledTransitions  prometheus.Counter
	InsufficientSamples prometheus.Counter

	PriorityUpdatesTotal prometheus.Counter
	StalePriorityUpdates prometheus.Counter

	AppendDur prometheus.Histogram
	SampleDur prometheus.Histogram

	FillRatio prometheus.Gauge
	Beta      prometheus.Gauge
	WSClients prometheus.Gauge
}

// New registers and returns all replay server metrics on the given
// registerer. Tests pass a fresh prometheus.NewRegistry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_appends_total",
			Help: "Total chunk appends accepted",
		}),
		TransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_transitions_total",
			Help: "Total transitions written across all env slots",
		}),
		RejectedAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_rejected_appends_total",
			Help: "Appends rejected for shape or size violations",
		}),
		SampleBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_sample_batches_total",
			Help: "Total batches served",
		}),
		SampledTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_sampled_transitions_total",
			Help: "Total transitions served across all batches",
		}),
		InsufficientSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_insufficient_samples_total",
			Help: "Sample requests refused for lack of valid anchors",
		}),
		PriorityUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_priority_updates_total",
			Help: "Priority updates applied to sum-tree leaves",
		}),
		StalePriorityUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replaybuf_stale_priority_updates_total",
			Help: "Priority updates skipped because the slot was overwritten",
		}),
		AppendDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replaybuf_append_duration_seconds",
			Help:    "Chunk append latency",
			Buckets: prometheus.DefBuckets,
		}),
		SampleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replaybuf_sample_duration_seconds",
			Help:    "Batch assembly latency",
			Buckets: prometheus.DefBuckets,
		}),
		FillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replaybuf_fill_ratio",
			Help: "Fraction of ring time slots holding live data",
		}),
		Beta: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replaybuf_priority_beta",
			Help: "Current importance-weight exponent",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replaybuf_ws_clients",
			Help: "Connected streaming append clients",
		}),
	}

	reg.MustRegister(
		m.AppendsTotal,
		m.TransitionsTotal,
		m.RejectedAppends,
		m.SampleBatchesTotal,
		m.SampledTransitions,
		m.InsufficientSamples,
		m.PriorityUpdatesTotal,
		m.StalePriorityUpdates,
		m.AppendDur,
		m.SampleDur,
		m.FillRatio,
		m.Beta,
		m.WSClients,
	)

	return m
}
