// Package metrics defines the Prometheus instruments for the ingest
// and search pipelines and an optional scrape listener. Instruments
// live on a private registry so repeated constructions in tests never
// collide with each other or with the default registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantline/grantline/internal/infrastructure/monitoring/logging"
	apperrors "github.com/grantline/grantline/pkg/errors"
)

const namespace = "grantline"

// Label values for the outcome-classified counters.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"

	PatentStored   = "stored"
	PatentFiltered = "filtered"
	PatentInvalid  = "invalid"

	CacheHit  = "hit"
	CacheMiss = "miss"
	CacheOff  = "off"
)

// Week processing runs for minutes, searches for fractions of a
// second, so the two histograms carry different bucket ranges.
var (
	weekDurationBuckets   = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}
	searchDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
)

// Metrics holds the full instrument set for one process.
type Metrics struct {
	registry *prometheus.Registry

	IngestWeeks        *prometheus.CounterVec
	IngestPatents      *prometheus.CounterVec
	IngestChunks       prometheus.Counter
	EmbedBatches       prometheus.Counter
	SearchRequests     *prometheus.CounterVec
	IngestWeekDuration prometheus.Histogram
	SearchDuration     prometheus.Histogram
}

// New registers the instrument set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{Namespace: namespace}),
	)

	m := &Metrics{
		registry: registry,
		IngestWeeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_weeks_total",
			Help:      "Weekly grant batches processed, by outcome.",
		}, []string{"status"}),
		IngestPatents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_patents_total",
			Help:      "Parsed patent documents, by disposition.",
		}, []string{"status"}),
		IngestChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_chunks_total",
			Help:      "Evidence chunks written to the stores.",
		}),
		EmbedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_batches_total",
			Help:      "Embedding batches completed during backfill.",
		}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests, by cache outcome.",
		}, []string{"cache"}),
		IngestWeekDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_week_duration_seconds",
			Help:      "Wall time to download, parse and store one weekly batch.",
			Buckets:   weekDurationBuckets,
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Wall time to answer one search request.",
			Buckets:   searchDurationBuckets,
		}),
	}

	registry.MustRegister(
		m.IngestWeeks,
		m.IngestPatents,
		m.IngestChunks,
		m.EmbedBatches,
		m.SearchRequests,
		m.IngestWeekDuration,
		m.SearchDuration,
	)
	return m
}

// Handler returns the scrape endpoint for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Timer observes the elapsed time since its creation into a histogram.
type Timer struct {
	obs   prometheus.Observer
	start time.Time
}

// NewTimer starts a timer against obs.
func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{obs: obs, start: time.Now()}
}

// ObserveDuration records the elapsed seconds. A nil observer is a
// no-op so callers can time unconditionally.
func (t *Timer) ObserveDuration() {
	if t.obs == nil {
		return
	}
	t.obs.Observe(time.Since(t.start).Seconds())
}

// Server exposes /metrics on a background listener.
type Server struct {
	srv    *http.Server
	addr   string
	logger logging.Logger
}

// StartServer binds addr and serves the scrape endpoint until Close.
// The bind happens synchronously so configuration mistakes surface at
// startup; serve errors after that are logged and swallowed.
func StartServer(addr string, m *Metrics, logger logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeConfigInvalid, "metrics listen on %s failed", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	s := &Server{
		srv:    &http.Server{Handler: mux},
		addr:   ln.Addr().String(),
		logger: logger.Named("metrics"),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics listener stopped", logging.Err(err))
		}
	}()
	s.logger.Info("metrics listener started", logging.String("addr", s.addr))
	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

// Close shuts the listener down, draining in-flight scrapes briefly.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
