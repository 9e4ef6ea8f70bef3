// Package metrics records per-request telemetry for /stats and exposes
// Prometheus metrics on /metrics, merging in the active engine's own
// exposition when it publishes one.
package metrics

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/bhardwajRahul/lemonade/pkg/logging"
)

// Stats is the last-request telemetry served by /stats.
type Stats struct {
	Model            string  `json:"model,omitempty"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// Recorder aggregates request counters and the last-request stats snapshot.
type Recorder struct {
	log      logging.Logger
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec

	mu   sync.Mutex
	last Stats
}

// NewRecorder creates a recorder with its own Prometheus registry.
func NewRecorder(log logging.Logger) *Recorder {
	r := &Recorder{
		log:      log,
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lemonade_requests_total",
			Help: "Inference requests by endpoint, recipe, and outcome.",
		}, []string{"endpoint", "recipe", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lemonade_request_duration_seconds",
			Help:    "Inference request duration by endpoint.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"endpoint"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lemonade_tokens_total",
			Help: "Tokens processed, split by direction.",
		}, []string{"direction"}),
	}
	r.registry.MustRegister(r.requestsTotal, r.requestDuration, r.tokensTotal)
	return r
}

// RecordRequest counts one request.
func (r *Recorder) RecordRequest(endpoint, recipe, outcome string, duration time.Duration) {
	r.requestsTotal.WithLabelValues(endpoint, recipe, outcome).Inc()
	r.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCompletion updates token counters and the /stats snapshot after a
// completion-family request.
func (r *Recorder) RecordCompletion(model string, inputTokens, outputTokens int64, ttft, duration time.Duration) {
	r.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	r.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))

	stats := Stats{
		Model:            model,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		TimeToFirstToken: ttft.Seconds(),
	}
	if generation := duration - ttft; generation > 0 && outputTokens > 0 {
		stats.TokensPerSecond = float64(outputTokens) / generation.Seconds()
	}

	r.mu.Lock()
	r.last = stats
	r.mu.Unlock()
}

// Snapshot returns the last-request stats.
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Handler serves the Prometheus exposition. engineMetricsURL, when it
// returns a non-empty URL, points at the active engine's /metrics endpoint,
// whose families are appended to ours.
func (r *Recorder) Handler(engineMetricsURL func() string) http.Handler {
	base := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		base.ServeHTTP(w, req)
		if engineMetricsURL == nil {
			return
		}
		url := engineMetricsURL()
		if url == "" {
			return
		}
		if err := r.appendEngineMetrics(req.Context(), w, url); err != nil {
			r.log.Debugf("Unable to scrape engine metrics: %v", err)
		}
	})
}

// appendEngineMetrics scrapes the child engine's exposition, re-encoding it
// so malformed output never corrupts ours.
func (r *Recorder) appendEngineMetrics(ctx context.Context, w io.Writer, url string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	parser := expfmt.NewTextParser(model.LegacyValidation)
	families, err := parser.TextToMetricFamilies(response.Body)
	if err != nil {
		return err
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return err
		}
	}
	return nil
}
