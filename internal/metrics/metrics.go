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

	runnerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmaker",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Run requests by outcome (launched, no_entrypoint, environment_error, launch_error).",
		}, []string{"outcome"},
	)
	runnerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmaker",
			Subsystem: "runner",
			Name:      "stops_total",
			Help:      "Terminations of the supervised application by reason.",
		}, []string{"reason"},
	)
	runnerProblems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmaker",
			Subsystem: "runner",
			Name:      "problems_total",
			Help:      "Problems recorded by type.",
		}, []string{"type"},
	)
	runnerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appmaker",
			Subsystem: "runner",
			Name:      "running",
			Help:      "1 while an application is supervised, 0 otherwise.",
		},
	)
	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appmaker",
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Duration of environment provisioning steps.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step"},
	)
	llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmaker",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Code generation requests by provider and outcome.",
		}, []string{"provider", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runnerRuns, runnerStops, runnerProblems, runnerRunning, provisionDuration, llmRequests}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncRun(outcome string) {
	if regOK.Load() {
		runnerRuns.WithLabelValues(outcome).Inc()
	}
}

func IncStop(reason string) {
	if regOK.Load() {
		runnerStops.WithLabelValues(reason).Inc()
	}
}

func IncProblem(typ string) {
	if regOK.Load() {
		runnerProblems.WithLabelValues(typ).Inc()
	}
}

func SetRunning(running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		runnerRunning.Set(v)
	}
}

func ObserveProvision(step string, seconds float64) {
	if regOK.Load() {
		provisionDuration.WithLabelValues(step).Observe(seconds)
	}
}

func IncLLMRequest(provider, outcome string) {
	if regOK.Load() {
		llmRequests.WithLabelValues(provider, outcome).Inc()
	}
}
