package metrics

import (
	"bufio"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessionpay",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionpay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	engineOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Escrow engine calls by operation and result code.",
		},
		[]string{"op", "result"},
	)

	engineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionpay",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of escrow engine calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	escrowed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessionpay",
			Subsystem: "engine",
			Name:      "escrowed_amount",
			Help:      "Token amount currently held in escrow, in smallest units.",
		},
		[]string{"token"},
	)

	settlementRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Subsystem: "settlement",
			Name:      "pipeline_runs_total",
			Help:      "Settlement pipeline runs by final job status.",
		},
		[]string{"status"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sessionpay",
			Subsystem: "settlement",
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of the settlement pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"status"},
	)

	attestations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionpay",
			Subsystem: "attestation",
			Name:      "requests_total",
			Help:      "Attestation requests by outcome.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		engineOperations,
		engineDuration,
		escrowed,
		settlementRuns,
		settlementDuration,
		attestations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEngineOperation counts an engine call. result is "ok" or an error code.
func RecordEngineOperation(op, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	if duration <= 0 {
		duration = time.Microsecond
	}
	engineOperations.WithLabelValues(op, result).Inc()
	engineDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// AddEscrowed moves the escrow gauge for token by delta smallest units.
func AddEscrowed(token string, delta *big.Int) {
	if delta == nil {
		return
	}
	f, _ := new(big.Float).SetInt(delta).Float64()
	escrowed.WithLabelValues(token).Add(f)
}

// RecordSettlement records a finished settlement pipeline run.
func RecordSettlement(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlementRuns.WithLabelValues(status).Inc()
	settlementDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAttestation counts an attestation attempt.
func RecordAttestation(success bool) {
	attestations.WithLabelValues(strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// canonicalPath collapses identifiers so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" || len(parts) < 2 {
		return "/" + parts[0]
	}
	resource := parts[1]
	switch {
	case len(parts) == 2:
		return "/api/" + resource
	case resource == "admin" || resource == "events":
		return "/api/" + resource + "/" + parts[2]
	case len(parts) == 3:
		return "/api/" + resource + "/:id"
	default:
		return "/api/" + resource + "/:id/" + parts[3]
	}
}
