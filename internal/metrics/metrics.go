package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tensorbridge"

// Metrics holds the collectors for sessions and the engine. A nil *Metrics
// records nothing.
type Metrics struct {
	reg prometheus.Registerer

	// Invocations counts completed invokes by result ("ok" or "failed").
	Invocations *prometheus.CounterVec
	// InvokeDuration tracks the time from invoke to completion.
	InvokeDuration prometheus.Histogram
	// Loads counts model loads by result.
	Loads *prometheus.CounterVec
	// Requests tracks HTTP requests by handler and status.
	Requests *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Completed interpreter invokes by result",
			},
			[]string{"result"},
		),
		InvokeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invoke_duration_seconds",
				Help:      "Time from invoke until the engine signals completion",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
		),
		Loads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_loads_total",
				Help:      "Model loads by result",
			},
			[]string{"result"},
		),
		Requests: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time spent serving HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"handler", "status"},
		),
	}
}

// ObserveInvoke records one invoke outcome.
func (m *Metrics) ObserveInvoke(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(result).Inc()
	m.InvokeDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveLoad(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Loads.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(handler string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// WatchPending exports the number of invokes waiting for completion.
func (m *Metrics) WatchPending(pending func() int) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_invokes",
			Help:      "Invokes registered for completion and not yet completed",
		},
		func() float64 { return float64(pending()) },
	)
}

// WatchHeap exports heap usage.
func (m *Metrics) WatchHeap(used, size func() int) {
	if m == nil {
		return
	}
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes_in_use",
			Help:      "Bytes allocated in the linear heap",
		},
		func() float64 { return float64(used()) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_bytes_total",
			Help:      "Capacity of the linear heap",
		},
		func() float64 { return float64(size()) },
	)
}
