package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CommitsTotal counts every View.Commit outcome, by view and whether it
// landed cleanly or hit a Conflict -- exposed at the control API's
// /metrics endpoint (prometheus.DefaultRegisterer is process-wide, so
// the HTTP handler doesn't need to live in this package to serve it).
var CommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sigzone_view_commits_total",
	Help: "Total number of view commit attempts, by view and outcome",
}, []string{"view", "outcome"})
