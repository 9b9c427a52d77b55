package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reuni-scraper/models"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	recordsFetched  *prometheus.CounterVec
	recordsAccepted *prometheus.CounterVec
	recordsRejected *prometheus.CounterVec
	retries         *prometheus.CounterVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	health          *prometheus.GaugeVec
	healthState     *prometheus.GaugeVec
	lastRunTS       *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.recordsFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reuni",
		Name:      "records_fetched_total",
		Help:      "Raw event records returned by extractors",
	}, []string{"source"})
	m.recordsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reuni",
		Name:      "records_accepted_total",
		Help:      "Records that passed validation and were persisted",
	}, []string{"source"})
	m.recordsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reuni",
		Name:      "records_rejected_total",
		Help:      "Records rejected by validation or storage",
	}, []string{"source"})
	m.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reuni",
		Name:      "retries_total",
		Help:      "Extra attempts spent by the retry policy",
	}, []string{"source"})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reuni",
		Name:      "source_runs_total",
		Help:      "Per-source scrape runs by final status",
	}, []string{"source", "status"})
	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reuni",
		Name:      "source_run_duration_seconds",
		Help:      "Wall time of one source within a scrape run",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"source"})
	m.health = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reuni",
		Name:      "source_health_percent",
		Help:      "Latest structure health score per source",
	}, []string{"source"})
	m.healthState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reuni",
		Name:      "source_health_state",
		Help:      "1 for the source's current structure monitor state",
	}, []string{"source", "state"})
	m.lastRunTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reuni",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last finished run per source",
	}, []string{"source"})

	m.registry.MustRegister(
		m.recordsFetched, m.recordsAccepted, m.recordsRejected, m.retries,
		m.runs, m.runDuration, m.health, m.healthState, m.lastRunTS,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records a finished per-source run report.
func (m *Metrics) ObserveRun(r *models.ScrapeRunReport) {
	if m == nil || r == nil {
		return
	}
	m.recordsFetched.WithLabelValues(r.Source).Add(float64(r.RecordsFetched))
	m.recordsAccepted.WithLabelValues(r.Source).Add(float64(r.RecordsAccepted))
	m.recordsRejected.WithLabelValues(r.Source).Add(float64(r.RecordsRejected))
	m.retries.WithLabelValues(r.Source).Add(float64(r.RetriesConsumed))
	m.runs.WithLabelValues(r.Source, string(r.Status)).Inc()
	if d := r.Duration(); d > 0 {
		m.runDuration.WithLabelValues(r.Source).Observe(d.Seconds())
	}
	m.lastRunTS.WithLabelValues(r.Source).Set(float64(r.FinishedAt.Unix()))
}

var states = []models.HealthState{models.HealthUnknown, models.HealthHealthy, models.HealthDegraded, models.HealthFailing}

// SetHealth publishes a source's latest health record.
func (m *Metrics) SetHealth(h *models.SourceHealth) {
	if m == nil || h == nil {
		return
	}
	m.health.WithLabelValues(h.Source).Set(h.OverallHealth)
	for _, s := range states {
		v := 0.0
		if s == h.State {
			v = 1
		}
		m.healthState.WithLabelValues(h.Source, string(s)).Set(v)
	}
}

// Server serves /metrics and /healthz.
type Server struct {
	server *http.Server
}

// NewServer builds the HTTP server. ready reports liveness for /healthz; nil means always ok.
func NewServer(addr string, m *Metrics, ready func(context.Context) error) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

// Handler returns the mux, for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Serve blocks until the server stops. http.ErrServerClosed is returned after Shutdown.
func (s *Server) Serve() error { return s.server.ListenAndServe() }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.server.Shutdown(ctx) }
