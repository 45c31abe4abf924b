package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "speechrun"

// HTTP metrics, incremented by InstrumentHandler.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Batch job counters (incremented by the vendor client, poller and orchestrator).
var (
	VendorRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vendor_requests_total",
		Help:      "Requests sent to the analysis API by vendor, operation and outcome.",
	}, []string{"vendor", "op", "outcome"})

	VendorRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "vendor_request_duration_seconds",
		Help:      "Analysis API request latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"vendor", "op"})

	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Status polls by classification.",
	}, []string{"class"})

	JobsTerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_terminal_total",
		Help:      "Jobs reaching a terminal state.",
	}, []string{"state", "error_kind"})

	ReplansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replans_total",
		Help:      "Chunk plans shrunk after a payload-too-large rejection.",
	})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed batch runs by overall status.",
	}, []string{"status"})
)

// Stream counters.
var (
	StreamFramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_sent_total",
		Help:      "Audio frames written to stream sessions.",
	})

	StreamFrameWarnings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frame_duration_warnings_total",
		Help:      "Frames whose duration fell outside the configured range.",
	})

	StreamResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_results_total",
		Help:      "Stream results received by granularity.",
	}, []string{"level"})

	StreamSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_sessions_active",
		Help:      "Stream sessions not yet closed.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VendorRequestsTotal,
		VendorRequestDuration,
		PollsTotal,
		JobsTerminalTotal,
		ReplansTotal,
		RunsTotal,
		StreamFramesSent,
		StreamFrameWarnings,
		StreamResultsTotal,
		StreamSessionsActive,
	)
}

// ObserveVendor records one analysis API call.
func ObserveVendor(vendor, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	VendorRequestsTotal.WithLabelValues(vendor, op, outcome).Inc()
	VendorRequestDuration.WithLabelValues(vendor, op).Observe(time.Since(start).Seconds())
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
