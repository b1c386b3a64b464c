package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-zone signing metrics, by zone apex -- exposed wherever the
// process registers prometheus.DefaultRegisterer's handler (the control
// API's /metrics route), independent of which package declares them.
var (
	rrsigsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigzone_rrsigs_produced_total",
		Help: "Total number of freshly produced RRSIGs, by zone",
	}, []string{"zone"})

	rrsigsRecycled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigzone_rrsigs_recycled_total",
		Help: "Total number of RRSIGs recycled without re-signing, by zone",
	}, []string{"zone"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigzone_pipeline_cycle_duration_seconds",
		Help:    "Duration of a full prepare/sign/output pipeline cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"zone"})

	denialRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigzone_denial_chain_rebuilds_total",
		Help: "Total number of denial-chain rebuild passes, by zone",
	}, []string{"zone"})
)
