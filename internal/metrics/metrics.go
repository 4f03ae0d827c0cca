// Package metrics exposes Prometheus collectors for the exchange engine,
// the HTTP API and the background worker.
package metrics

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phimarket/internal/exchange"
)

const namespace = "phimarket"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	tradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "executed_total",
			Help:      "Trades committed, by side.",
		},
		[]string{"side"},
	)

	tradeShares = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "shares_total",
			Help:      "Shares moved by committed trades, by side.",
		},
		[]string{"side"},
	)

	tradeNotional = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "notional_phi_total",
			Help:      "Phi moved by committed trades, by side.",
		},
		[]string{"side"},
	)

	tradesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "rejected_total",
			Help:      "Trades rejected, by error code.",
		},
		[]string{"code"},
	)

	votesCast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "cast_total",
			Help:      "Votes recorded, by category.",
		},
		[]string{"category"},
	)

	txRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a write conflict, by operation.",
		},
		[]string{"op"},
	)

	profilePublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "profiles",
			Name:      "published_total",
			Help:      "Public profile publishes, by outcome.",
		},
		[]string{"success"},
	)

	bulkChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "chunks_total",
			Help:      "Bulk job chunks committed, by job and outcome.",
		},
		[]string{"job", "success"},
	)

	bulkRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bulk",
			Name:      "records_updated_total",
			Help:      "Records updated by bulk jobs.",
		},
		[]string{"job"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_runs_total",
			Help:      "Scheduled worker job runs.",
		},
		[]string{"job", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled worker jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		tradesExecuted,
		tradeShares,
		tradeNotional,
		tradesRejected,
		votesCast,
		txRetries,
		profilePublishes,
		bulkChunks,
		bulkRecords,
		jobRuns,
		jobDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Engine feeds exchange events into the package collectors.
type Engine struct{}

var _ exchange.Metrics = Engine{}

func (Engine) TradeExecuted(side exchange.Side, qty, total int64) {
	s := strings.ToLower(string(side))
	tradesExecuted.WithLabelValues(s).Inc()
	tradeShares.WithLabelValues(s).Add(float64(qty))
	tradeNotional.WithLabelValues(s).Add(float64(total))
}

func (Engine) TradeRejected(code string) {
	if code == "" {
		code = "unknown"
	}
	tradesRejected.WithLabelValues(code).Inc()
}

func (Engine) VoteCast(category exchange.VoteCategory) {
	votesCast.WithLabelValues(string(category)).Inc()
}

func (Engine) TxRetried(op string) {
	txRetries.WithLabelValues(op).Inc()
}

func (Engine) ProfilePublished(err error) {
	// A superseded publish is not a failure.
	if errors.Is(err, context.Canceled) {
		return
	}
	profilePublishes.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
}

func (Engine) BulkChunk(job string, updated int, err error) {
	bulkChunks.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	if updated > 0 {
		bulkRecords.WithLabelValues(job).Add(float64(updated))
	}
}

// RecordJob records a scheduled worker run.
func RecordJob(job string, duration time.Duration, err error) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Paths are labelled with the chi route pattern when one matched.
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

		path := canonicalPath(r.URL.Path)
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
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

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket stream upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath keeps at most the first two segments so ids never become
// label values.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		parts = append(parts[:2], ":rest")
	}
	return "/" + strings.Join(parts, "/")
}
