// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "gpubatch"

var (
	providerCalls = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "provider",
		Name:      "call_seconds",
		Help:      "duration of provider API calls",
		Buckets:   prom.DefBuckets,
	}, []string{"provider", "op"})
	providerErrors = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "provider",
		Name:      "errors_total",
		Help:      "errors from provider API calls",
	}, []string{"provider", "op"})

	jobsFinished = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "batch",
		Name:      "jobs_finished_total",
		Help:      "batch jobs that reached a terminal status",
	}, []string{"status"})
	filesProcessed = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "batch",
		Name:      "files_total",
		Help:      "file operations by outcome",
	}, []string{"operation", "status"})
	fileSeconds = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "batch",
		Name:      "file_seconds",
		Help:      "duration of single file operations",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	allocationsActive = prom.NewGauge(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: "resource",
		Name:      "allocations_active",
		Help:      "instances currently allocated",
	})
	autoTerminated = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "resource",
		Name:      "auto_terminated_total",
		Help:      "idle instances terminated by the optimizer",
	})

	costRecorded = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "cost",
		Name:      "recorded_total",
		Help:      "realized cost recorded, in provider currency",
	}, []string{"provider"})
)

func init() {
	prom.MustRegister(providerCalls, providerErrors)
	prom.MustRegister(jobsFinished, filesProcessed, fileSeconds)
	prom.MustRegister(allocationsActive, autoTerminated)
	prom.MustRegister(costRecorded)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveProviderCall(provider, op string, seconds float64, err error) {
	providerCalls.WithLabelValues(provider, op).Observe(seconds)
	if err != nil {
		providerErrors.WithLabelValues(provider, op).Inc()
	}
}

func JobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

func FileProcessed(operation, status string, seconds float64) {
	filesProcessed.WithLabelValues(operation, status).Inc()
	fileSeconds.WithLabelValues(operation).Observe(seconds)
}

func SetAllocationsActive(n int) {
	allocationsActive.Set(float64(n))
}

func InstanceAutoTerminated() {
	autoTerminated.Inc()
}

func CostRecorded(provider string, amount float64) {
	if amount > 0 {
		costRecorded.WithLabelValues(provider).Add(amount)
	}
}
