package metrics

import "strconv"

// Load results used as the "result" label of ModelLoads
const (
	LoadResultOK     = "ok"
	LoadResultFailed = "failed"
)

// MetricsWrapper adapts Metrics to the narrow recorder interfaces used by
// the model registry and the prediction service.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// ModelLoadObserve records a successful load. skipped counts the parameters
// or outputs the load could not apply.
func (w *MetricsWrapper) ModelLoadObserve(model string, seconds float64, skipped int) {
	w.m.ModelLoads.WithLabelValues(model, LoadResultOK).Inc()
	w.m.ModelLoadDuration.WithLabelValues(model).Observe(seconds)
	w.m.ModelsLoaded.Inc()
	w.m.SkippedParameters.WithLabelValues(model).Set(float64(skipped))
	if skipped > 0 {
		w.m.DegradedLoads.WithLabelValues(model).Inc()
	}
}

func (w *MetricsWrapper) ModelLoadFailureInc(model string) {
	w.m.ModelLoads.WithLabelValues(model, LoadResultFailed).Inc()
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) DownloadBytesAdd(model string, n int64) {
	w.m.DownloadBytes.WithLabelValues(model).Add(float64(n))
}

func (w *MetricsWrapper) InferenceLatencyObserve(model string, seconds float64) {
	w.m.InferenceLatency.WithLabelValues(model).Observe(seconds)
}

func (w *MetricsWrapper) PredictionsInc(model string) {
	w.m.PredictionsTotal.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) PredictionFailuresInc(model, kind string) {
	w.m.PredictionFailures.WithLabelValues(model, kind).Inc()
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) PredictionLatencyObserve(model string, seconds float64) {
	w.m.PredictionLatency.WithLabelValues(model).Observe(seconds)
}

func (w *MetricsWrapper) PredictionScoresObserve(model string, v float64) {
	w.m.PredictionScores.WithLabelValues(model).Observe(v)
}

func (w *MetricsWrapper) HTTPRequestsInc(route string, code int) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
