// Package metrics exposes Prometheus instrumentation and the health endpoint.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/sigwatch/internal/logger"
)

// Cycle results used as the "result" label.
const (
	ResultOK         = "ok"
	ResultFetchError = "fetch_error"
	ResultFault      = "fault"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec // labels: result
	FetchErrorsTotal  *prometheus.CounterVec // labels: instrument
	SignalsEmitted    *prometheus.CounterVec // labels: direction, strength
	SignalsSuppressed prometheus.Counter
	TicksSkipped      prometheus.Counter
	PublishErrors     *prometheus.CounterVec // labels: sink
	TrackerOutcomes   *prometheus.CounterVec // labels: window, outcome
	CycleDuration     prometheus.Histogram
	Workers           prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigwatch_cycles_total",
			Help: "Evaluation cycles by result",
		}, []string{"result"}),
		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigwatch_fetch_errors_total",
			Help: "Market data fetch failures per instrument",
		}, []string{"instrument"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigwatch_signals_emitted_total",
			Help: "Signals admitted and handed to the dispatcher",
		}, []string{"direction", "strength"}),
		SignalsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigwatch_signals_suppressed_total",
			Help: "Candidate signals dropped as repeats",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigwatch_ticks_skipped_total",
			Help: "Scheduled ticks skipped because the previous cycle overran",
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigwatch_publish_errors_total",
			Help: "Notification sink failures",
		}, []string{"sink"}),
		TrackerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigwatch_tracker_outcomes_total",
			Help: "Tracked signal outcomes per evaluation window",
		}, []string{"window", "outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sigwatch_cycle_duration_seconds",
			Help:    "Fetch and evaluate latency per cycle",
			Buckets: prometheus.DefBuckets,
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sigwatch_workers",
			Help: "Running per-instrument workers",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.FetchErrorsTotal,
		m.SignalsEmitted,
		m.SignalsSuppressed,
		m.TicksSkipped,
		m.PublishErrors,
		m.TrackerOutcomes,
		m.CycleDuration,
		m.Workers,
	)

	return m
}

// Pinger is a dependency the health checker probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus tracks dependency health and the last completed cycle.
type HealthStatus struct {
	mu sync.RWMutex

	deps        map[string]Pinger
	depOK       map[string]bool
	lastCycleAt time.Time
	lastCheckAt time.Time
	startedAt   time.Time
	staleAfter  time.Duration
}

// NewHealthStatus returns a health status that reports degraded when no
// cycle completed within staleAfter.
func NewHealthStatus(staleAfter time.Duration) *HealthStatus {
	return &HealthStatus{
		deps:       make(map[string]Pinger),
		depOK:      make(map[string]bool),
		startedAt:  time.Now(),
		staleAfter: staleAfter,
	}
}

// AddDependency registers a probe. Dependencies start out healthy.
func (h *HealthStatus) AddDependency(name string, p Pinger) {
	h.mu.Lock()
	h.deps[name] = p
	h.depOK[name] = true
	h.mu.Unlock()
}

func (h *HealthStatus) RecordCycle(t time.Time) {
	h.mu.Lock()
	if t.After(h.lastCycleAt) {
		h.lastCycleAt = t
	}
	h.mu.Unlock()
}

// Check probes every dependency once.
func (h *HealthStatus) Check(ctx context.Context) {
	h.mu.RLock()
	deps := make(map[string]Pinger, len(h.deps))
	for name, p := range h.deps {
		deps[name] = p
	}
	h.mu.RUnlock()

	results := make(map[string]bool, len(deps))
	for name, p := range deps {
		err := p.Ping(ctx)
		if err != nil {
			logger.Warn("Health check %s failed: %v", name, err)
		}
		results[name] = err == nil
	}

	h.mu.Lock()
	for name, ok := range results {
		h.depOK[name] = ok
	}
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Check(probeCtx)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	names := make([]string, 0, len(h.depOK))
	for name := range h.depOK {
		names = append(names, name)
	}
	sort.Strings(names)
	deps := make(map[string]bool, len(names))
	for _, name := range names {
		deps[name] = h.depOK[name]
		if !h.depOK[name] {
			overallStatus = "degraded"
			httpCode = http.StatusServiceUnavailable
		}
	}

	cycleAge := ""
	if !h.lastCycleAt.IsZero() {
		age := time.Since(h.lastCycleAt)
		cycleAge = age.Round(time.Millisecond).String()
		if h.staleAfter > 0 && age > h.staleAfter {
			overallStatus = "stale"
			httpCode = http.StatusServiceUnavailable
		}
	}

	status := struct {
		Status       string          `json:"status"`
		Uptime       string          `json:"uptime"`
		Dependencies map[string]bool `json:"dependencies"`
		LastCycleAt  string          `json:"last_cycle_at"`
		CycleAge     string          `json:"cycle_age"`
		LastCheckAt  string          `json:"last_check_at"`
	}{
		Status:       overallStatus,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		Dependencies: deps,
		LastCycleAt:  h.lastCycleAt.Format(time.RFC3339),
		CycleAge:     cycleAge,
		LastCheckAt:  h.lastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics and health server backed by gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		logger.Info("Metrics server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
