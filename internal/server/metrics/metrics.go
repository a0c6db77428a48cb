// Package metrics exposes the server's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testflinger",
		Name:      "jobs_submitted_total",
		Help:      "Total number of jobs accepted for queueing",
	}, []string{"queue"})

	jobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testflinger",
		Name:      "jobs_dispatched_total",
		Help:      "Total number of jobs handed to an agent",
	}, []string{"queue"})

	jobsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testflinger",
		Name:      "jobs_cancelled_total",
		Help:      "Total number of jobs cancelled before completion",
	}, []string{"queue"})

	recoveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testflinger",
		Name:      "provision_recovery_failures_total",
		Help:      "Total number of provision failures that took an agent offline",
	}, []string{"agent"})

	janitorRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testflinger",
		Name:      "janitor_removed_total",
		Help:      "Total number of expired records removed by the cleanup sweeps",
	}, []string{"sweep"})
)

func init() {
	prometheus.MustRegister(jobsSubmitted)
	prometheus.MustRegister(jobsDispatched)
	prometheus.MustRegister(jobsCancelled)
	prometheus.MustRegister(recoveryFailures)
	prometheus.MustRegister(janitorRemoved)
}

func JobSubmitted(queue string)  { jobsSubmitted.WithLabelValues(queue).Inc() }
func JobDispatched(queue string) { jobsDispatched.WithLabelValues(queue).Inc() }
func JobCancelled(queue string)  { jobsCancelled.WithLabelValues(queue).Inc() }

// RecoveryFailure records an agent going offline after a failed provision
// recovery, the signal the lab operators page on.
func RecoveryFailure(agent string) { recoveryFailures.WithLabelValues(agent).Inc() }

// JanitorRemoved adds the record count of one cleanup sweep pass.
func JanitorRemoved(sweep string, n int64) { janitorRemoved.WithLabelValues(sweep).Add(float64(n)) }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
