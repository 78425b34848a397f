// Package metrics provides Prometheus metrics collection for the CVD risk
// inference service. It defines the model lifecycle, inference and request
// metrics that are exposed via the Prometheus metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. Most series carry a
// "model" label with the logical model name.
type Metrics struct {
	// Prediction metrics
	PredictionsTotal   *prometheus.CounterVec   // Successful predictions per model
	PredictionFailures *prometheus.CounterVec   // Failed predictions per model and error kind
	PredictionLatency  *prometheus.HistogramVec // End-to-end prediction latency
	PredictionScores   *prometheus.HistogramVec // Distribution of predicted probabilities

	// Model lifecycle metrics
	ModelLoads        *prometheus.CounterVec   // Load attempts per model and result
	ModelLoadDuration *prometheus.HistogramVec // Time spent acquiring and building a model
	ModelsLoaded      prometheus.Gauge         // Number of models resident in the registry
	DegradedLoads     *prometheus.CounterVec   // Loads that skipped or mismatched parameters
	SkippedParameters *prometheus.GaugeVec     // Parameters skipped by the latest load
	DownloadBytes     *prometheus.CounterVec   // Bytes fetched from remote sources

	// Network metrics
	InferenceLatency *prometheus.HistogramVec // Single forward pass latency

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec // Requests per route and status code

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_predictions_total",
			Help: "Total number of successful predictions",
		}, []string{"model"}),
		PredictionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_prediction_failures_total",
			Help: "Total number of failed predictions",
		}, []string{"model", "kind"}),
		PredictionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cvd_prediction_latency_seconds",
			Help:    "Prediction latency in seconds (end-to-end, including lazy model loads)",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 30, 60},
		}, []string{"model"}),
		PredictionScores: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cvd_prediction_scores",
			Help:    "Distribution of predicted probabilities",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"model"}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_model_loads_total",
			Help: "Total number of model load attempts",
		}, []string{"model", "result"}),
		ModelLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cvd_model_load_duration_seconds",
			Help:    "Time spent acquiring and building a model",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"model"}),
		ModelsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cvd_models_loaded",
			Help: "Number of models resident in memory",
		}),
		DegradedLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_model_degraded_loads_total",
			Help: "Total number of loads that skipped or mismatched parameters",
		}, []string{"model"}),
		SkippedParameters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cvd_model_skipped_parameters",
			Help: "Number of parameters or outputs skipped by the latest load of each model",
		}, []string{"model"}),
		DownloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_model_download_bytes_total",
			Help: "Total bytes downloaded for model weights",
		}, []string{"model"}),
		InferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cvd_inference_latency_seconds",
			Help:    "Single network forward pass latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cvd_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"route", "code"}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cvd_errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}
