package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "profiler_"

type (
	BackendOperation string
	DispatchMode     string
)

const (
	BackendOperationInsert BackendOperation = "insert"
	BackendOperationFilter BackendOperation = "filter"
	BackendOperationGroup  BackendOperation = "group"
	BackendOperationPrune  BackendOperation = "prune"

	DispatchModeInline DispatchMode = "inline"
	DispatchModePool   DispatchMode = "pool"

	otherMethod = "other"
)

// Methods outside this set share one label value so that clients cannot grow the series count.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodConnect: true,
	http.MethodTrace:   true,
}

func methodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return otherMethod
}

var measurementsRecordedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "measurements_recorded_total",
		Help: "Number of measurements handed to the storage backend, grouped by dispatch mode",
	},
	[]string{"mode"},
)

var requestDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "request_duration_seconds",
		Help:    "Elapsed time of profiled requests in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"method"},
)

var backendErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "backend_errors_total",
		Help: "Number of storage backend errors grouped by operation",
	},
	[]string{"operation"},
)

var dispatchDroppedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "dispatch_dropped_total",
		Help: "Number of backend tasks dropped because the dispatch queue was full",
	},
)

var dispatchQueueDepthGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "dispatch_queue_depth",
		Help: "Number of backend tasks waiting for a worker",
	},
)

var completionPanicsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "completion_panics_total",
		Help: "Number of panics recovered while recording a measurement",
	},
)

var measurementsPrunedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "measurements_pruned_total",
		Help: "Number of measurements deleted by the pruner",
	},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordMeasurement(mode DispatchMode, method string, elapsedSeconds float64) {
	measurementsRecordedCounter.With(map[string]string{"mode": string(mode)}).Inc()
	requestDurationHist.With(map[string]string{"method": methodLabel(method)}).Observe(elapsedSeconds)
}

func (m *Metrics) RecordBackendError(operation BackendOperation) {
	backendErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordDispatchDropped() {
	dispatchDroppedCounter.Inc()
}

func (m *Metrics) SetDispatchQueueDepth(depth int) {
	dispatchQueueDepthGauge.Set(float64(depth))
}

func (m *Metrics) RecordCompletionPanic() {
	completionPanicsCounter.Inc()
}

func (m *Metrics) RecordPruned(count int) {
	measurementsPrunedCounter.Add(float64(count))
}
