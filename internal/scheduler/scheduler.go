// Package scheduler runs one poll, evaluate and emit loop per monitored
// instrument with a shared bound on concurrent work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/metrics"
	"github.com/rewired-gh/sigwatch/internal/models"
	"github.com/rewired-gh/sigwatch/internal/monitor"
)

// ErrFault marks a cycle aborted by a panic during evaluation.
var ErrFault = errors.New("computation fault")

// Fetcher is the market data provider.
type Fetcher interface {
	FetchSeries(ctx context.Context, instrument string, window int) ([]models.PriceBar, error)
}

// Evaluator scores a series against the instrument state without mutating it.
type Evaluator interface {
	Evaluate(state models.InstrumentState, bars []models.PriceBar) (monitor.Result, error)
}

// Registry is the subscription registry.
type Registry interface {
	IsMonitored(instrument string) (bool, error)
	ListInstruments() ([]string, error)
}

// StateStore persists instrument state across restarts.
type StateStore interface {
	LoadState(instrument string) (*models.InstrumentState, error)
	SaveState(state models.InstrumentState) error
	DeleteState(instrument string) error
}

// Alerter receives operational alerts.
type Alerter interface {
	SendError(err error) error
	SendRecovery(failureCount int) error
}

type Config struct {
	Interval       time.Duration
	MaxConcurrency int
	// Window is the number of bars fetched per cycle.
	Window int
	// CycleTimeout bounds one fetch and evaluate cycle. Defaults to Interval.
	CycleTimeout time.Duration
	// AlertAfterFailures consecutive failed cycles of an instrument trigger
	// one error alert. Zero disables alerts.
	AlertAfterFailures int
}

// Deps are the collaborators of a Scheduler. Fetcher, Evaluator, Registry and
// Out are required.
type Deps struct {
	Fetcher   Fetcher
	Evaluator Evaluator
	Registry  Registry
	// Out receives admitted signals. It is never closed by the scheduler.
	Out     chan<- models.Signal
	States  StateStore
	Alerter Alerter
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	// OnPrice observes the latest close of every successful cycle.
	OnPrice func(instrument string, price float64, at time.Time)
}

type Scheduler struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*handle
	closed  bool
	wg      sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type worker struct {
	instrument string
	state      models.InstrumentState
	failures   int
	alerted    bool
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Interval
	}
	return &Scheduler{
		cfg:     cfg,
		deps:    deps,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		workers: make(map[string]*handle),
	}
}

// Run syncs workers with the registry every syncInterval until ctx is done,
// then waits for all workers to exit.
func (s *Scheduler) Run(ctx context.Context, syncInterval time.Duration) {
	if err := s.Sync(ctx); err != nil {
		logger.Error("Failed to sync instruments: %v", err)
	}

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				logger.Error("Failed to sync instruments: %v", err)
			}
		}
	}
}

// Sync starts a worker for every monitored instrument that has none. Workers
// of unmonitored instruments stop on their own at their next tick.
func (s *Scheduler) Sync(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	symbols, err := s.deps.Registry.ListInstruments()
	if err != nil {
		return fmt.Errorf("failed to list instruments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := s.workers[sym]; ok {
			continue
		}
		s.startLocked(ctx, sym)
	}
	return nil
}

// Remove stops the worker of sym, waits for its in-flight cycle and drops
// the persisted state. A later Sync starts the instrument cold.
func (s *Scheduler) Remove(sym string) {
	s.mu.Lock()
	h, ok := s.workers[sym]
	delete(s.workers, sym)
	s.mu.Unlock()

	if ok {
		h.cancel()
		<-h.done
		logger.Info("Stopped worker for %s", sym)
	}
	if s.deps.States != nil {
		if err := s.deps.States.DeleteState(sym); err != nil {
			logger.Warn("Failed to delete state of %s: %v", sym, err)
		}
	}
}

// Wait blocks until every worker has exited. No worker starts after Wait
// has been called.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) startLocked(ctx context.Context, sym string) {
	if s.closed {
		return
	}
	w := &worker{
		instrument: sym,
		state:      models.InstrumentState{Instrument: sym},
	}
	if s.deps.States != nil {
		st, err := s.deps.States.LoadState(sym)
		if err != nil {
			logger.Warn("Failed to restore state of %s, starting cold: %v", sym, err)
		} else if st != nil {
			w.state = *st
			logger.Debug("Restored state of %s", sym)
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	s.workers[sym] = h
	s.wg.Add(1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Workers.Inc()
	}
	logger.Info("Starting worker for %s (interval: %v)", sym, s.cfg.Interval)
	go s.run(wctx, w, h)
}

func (s *Scheduler) stopped(sym string, h *handle) {
	s.mu.Lock()
	// A removed and re-added instrument already has a new handle.
	if s.workers[sym] == h {
		delete(s.workers, sym)
	}
	s.mu.Unlock()
	h.cancel()
	if s.deps.Metrics != nil {
		s.deps.Metrics.Workers.Dec()
	}
	close(h.done)
	s.wg.Done()
}

func (s *Scheduler) run(ctx context.Context, w *worker, h *handle) {
	defer s.stopped(w.instrument, h)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if !s.tick(ctx, w) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Worker for %s stopped", w.instrument)
			return
		case <-ticker.C:
			if !s.tick(ctx, w) {
				return
			}
		}

		// Ticks that fired while the cycle ran are dropped.
		for drained := false; !drained; {
			select {
			case <-ticker.C:
				logger.Debug("Cycle for %s overran its interval, skipping tick", w.instrument)
				if s.deps.Metrics != nil {
					s.deps.Metrics.TicksSkipped.Inc()
				}
			default:
				drained = true
			}
		}
	}
}

// tick runs one scheduled cycle and reports whether the worker should keep
// running.
func (s *Scheduler) tick(ctx context.Context, w *worker) bool {
	if ctx.Err() != nil {
		return false
	}

	monitored, err := s.deps.Registry.IsMonitored(w.instrument)
	if err != nil {
		logger.Warn("Failed to query registry for %s, keeping worker: %v", w.instrument, err)
	} else if !monitored {
		logger.Info("%s is no longer monitored, stopping worker", w.instrument)
		if s.deps.States != nil {
			if err := s.deps.States.DeleteState(w.instrument); err != nil {
				logger.Warn("Failed to delete state of %s: %v", w.instrument, err)
			}
		}
		return false
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.sem.Release(1)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CycleTimeout)
	defer cancel()
	s.handleResult(w, s.runCycle(cctx, w))
	return true
}

func (s *Scheduler) handleResult(w *worker, err error) {
	if err != nil {
		w.failures++
		logger.Error("Cycle for %s failed (%d consecutive): %v", w.instrument, w.failures, err)
		if s.deps.Alerter != nil && s.cfg.AlertAfterFailures > 0 && w.failures == s.cfg.AlertAfterFailures {
			if sendErr := s.deps.Alerter.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification: %v", sendErr)
			}
			w.alerted = true
		}
		return
	}

	if w.alerted && s.deps.Alerter != nil {
		if sendErr := s.deps.Alerter.SendRecovery(w.failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification: %v", sendErr)
		}
	}
	w.failures = 0
	w.alerted = false
}

// runCycle fetches, evaluates and emits for one instrument. On error the
// worker state is left untouched.
func (s *Scheduler) runCycle(ctx context.Context, w *worker) error {
	start := time.Now()
	result := metrics.ResultOK
	defer func() {
		if m := s.deps.Metrics; m != nil {
			m.CyclesTotal.WithLabelValues(result).Inc()
			m.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	bars, err := s.deps.Fetcher.FetchSeries(ctx, w.instrument, s.cfg.Window)
	if err != nil {
		result = metrics.ResultFetchError
		if s.deps.Metrics != nil {
			s.deps.Metrics.FetchErrorsTotal.WithLabelValues(w.instrument).Inc()
		}
		return err
	}

	res, err := s.evaluate(w.state, bars)
	if err != nil {
		result = metrics.ResultFault
		return err
	}

	next := w.state.Clone()
	snap := res.Snapshot
	next.LastSnapshot = &snap

	if sig := res.Candidate; sig != nil {
		if monitor.Admit(*sig, w.state) {
			select {
			case s.deps.Out <- *sig:
			case <-ctx.Done():
				result = metrics.ResultFault
				return fmt.Errorf("failed to enqueue signal for %s: %w", w.instrument, ctx.Err())
			}
			emitted := *sig
			next.LastEmitted = &emitted
			logger.Info("Emitted %s %s signal for %s (confidence %.2f, events %v)",
				sig.Strength, sig.Direction, w.instrument, sig.Confidence, sig.Events)
			if s.deps.Metrics != nil {
				s.deps.Metrics.SignalsEmitted.WithLabelValues(string(sig.Direction), sig.Strength.String()).Inc()
			}
		} else {
			logger.Debug("Suppressed repeat %s %s signal for %s", sig.Strength, sig.Direction, w.instrument)
			if s.deps.Metrics != nil {
				s.deps.Metrics.SignalsSuppressed.Inc()
			}
		}
	}

	w.state = next
	if s.deps.States != nil {
		if err := s.deps.States.SaveState(next); err != nil {
			logger.Warn("Failed to persist state of %s: %v", w.instrument, err)
		}
	}

	last := bars[len(bars)-1]
	if s.deps.OnPrice != nil {
		s.deps.OnPrice(w.instrument, last.Close, last.Timestamp)
	}
	if s.deps.Health != nil {
		s.deps.Health.RecordCycle(time.Now())
	}
	logger.Debug("Cycle for %s completed in %v (%d bars, %d events)",
		w.instrument, time.Since(start), len(bars), len(res.Events))
	return nil
}

func (s *Scheduler) evaluate(state models.InstrumentState, bars []models.PriceBar) (res monitor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w while evaluating %s: %v", ErrFault, state.Instrument, r)
		}
	}()
	return s.deps.Evaluator.Evaluate(state, bars)
}
