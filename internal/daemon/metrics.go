package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runlights/internal/ipc"
	"runlights/internal/lighting"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	controllerUpdates *prometheus.CounterVec
	controllerLatency *prometheus.HistogramVec
	configErrors      prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlights",
			Name:      "ipc_requests_total",
			Help:      "IPC requests answered, by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runlights",
			Name:      "ipc_request_duration_seconds",
			Help:      "Time from accepting a connection to writing its response.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		controllerUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runlights",
			Name:      "controller_updates_total",
			Help:      "Controller batch updates, by controller and result.",
		}, []string{"controller", "result"}),
		controllerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runlights",
			Name:      "controller_update_duration_seconds",
			Help:      "Duration of one controller batch update.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"controller"}),
		configErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runlights",
			Name:      "config_errors_total",
			Help:      "Requests that failed because the configuration could not be loaded.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.controllerUpdates,
		m.controllerLatency,
		m.configErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExchange records one answered IPC request.
func (m *Metrics) ObserveExchange(ex ipc.Exchange) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome(ex.Response)).Inc()
	m.requestDuration.Observe(ex.Duration.Seconds())
}

func (m *Metrics) observeReport(r lighting.Report) {
	if m == nil {
		return
	}
	for _, res := range r.Results {
		result := "ok"
		if res.Err != nil {
			result = "error"
		}
		m.controllerUpdates.WithLabelValues(res.Controller, result).Inc()
		m.controllerLatency.WithLabelValues(res.Controller).Observe(res.Duration.Seconds())
	}
}

func (m *Metrics) configError() {
	if m == nil {
		return
	}
	m.configErrors.Inc()
}

// outcome keeps label cardinality bounded: protocol codes pass through, any
// other error collapses to "error".
func outcome(resp ipc.Response) string {
	if resp.Status == ipc.StatusOK {
		return "ok"
	}
	switch resp.Error {
	case ipc.CodeInvalidJSON, ipc.CodeUnsupportedType, ipc.CodeMissingName:
		return resp.Error
	}
	return "error"
}
