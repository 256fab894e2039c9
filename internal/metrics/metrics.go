package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pup",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful child spawns.",
		}, []string{"id"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pup",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of policy-driven restarts.",
		}, []string{"id"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pup",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of child exits (graceful or kill).",
		}, []string{"id"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pup",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"id", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pup",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"id", "state"},
	)
	runningReplicas = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pup",
			Subsystem: "cluster",
			Name:      "running_replicas",
			Help:      "Replicas currently RUNNING per logical process.",
		}, []string{"base"},
	)
	lbRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pup",
			Subsystem: "cluster",
			Name:      "lb_requests_total",
			Help:      "Requests dispatched by the load balancer, by outcome.",
		}, []string{"base", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{processStarts, processRestarts, processStops, stateTransitions, currentStates, runningReplicas, lbRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(id string) {
	if regOK.Load() {
		processStarts.WithLabelValues(id).Inc()
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		processStops.WithLabelValues(id).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
		currentStates.WithLabelValues(id, from).Set(0)
		currentStates.WithLabelValues(id, to).Set(1)
	}
}

func SetRunningReplicas(base string, n int) {
	if regOK.Load() {
		runningReplicas.WithLabelValues(base).Set(float64(n))
	}
}

func IncLBRequest(base, outcome string) {
	if regOK.Load() {
		lbRequests.WithLabelValues(base, outcome).Inc()
	}
}
