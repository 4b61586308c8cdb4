// Package metrics exposes the inference server's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Brownie44l1/snapcheck/internal/model"
	"github.com/Brownie44l1/snapcheck/internal/tensor"
)

const namespace = "snapcheck"

// Metrics owns a registry so tests and multiple servers do not collide.
type Metrics struct {
	registry        *prometheus.Registry
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	predictLatency  prometheus.Histogram
	modelState      *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by route and status code.",
			},
			[]string{"route", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Completed predictions by classification.",
			},
			[]string{"classification"},
		),
		predictLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "predict_duration_seconds",
				Help:      "Time spent preprocessing and scoring one upload.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		modelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_state",
				Help:      "1 for the model's current lifecycle state, 0 otherwise.",
			},
			[]string{"state"},
		),
	}
	liveTensors := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_tensors",
			Help:      "Tensor buffers currently checked out of the pool.",
		},
		func() float64 { return float64(tensor.Live()) },
	)
	m.registry.MustRegister(
		m.requestCount, m.requestDuration, m.predictions, m.predictLatency, m.modelState, liveTensors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetModelState(model.Uninitialized)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requestCount.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObservePrediction records one successful prediction.
func (m *Metrics) ObservePrediction(c model.Classification, d time.Duration) {
	m.predictions.WithLabelValues(string(c)).Inc()
	m.predictLatency.Observe(d.Seconds())
}

// SetModelState marks s as the current model state.
func (m *Metrics) SetModelState(s model.State) {
	for _, st := range []model.State{model.Uninitialized, model.Loading, model.Ready, model.Failed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.modelState.WithLabelValues(st.String()).Set(v)
	}
}
