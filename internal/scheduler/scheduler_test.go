package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rewired-gh/sigwatch/internal/indicator"
	"github.com/rewired-gh/sigwatch/internal/metrics"
	"github.com/rewired-gh/sigwatch/internal/models"
	"github.com/rewired-gh/sigwatch/internal/monitor"
	"github.com/rewired-gh/sigwatch/internal/storage"
)

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	bars  []models.PriceBar
	err   error
	delay time.Duration

	mu          sync.Mutex
	calls       map[string]int
	inFlight    int
	maxInFlight int
}

func (f *fakeFetcher) FetchSeries(_ context.Context, instrument string, _ int) ([]models.PriceBar, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[instrument]++
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if f.err != nil {
		return nil, &models.FetchError{Instrument: instrument, Err: f.err}
	}
	return f.bars, nil
}

func (f *fakeFetcher) callCount(instrument string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[instrument]
}

type evalFunc func(models.InstrumentState, []models.PriceBar) (monitor.Result, error)

func (f evalFunc) Evaluate(state models.InstrumentState, bars []models.PriceBar) (monitor.Result, error) {
	return f(state, bars)
}

// quietEvaluator returns a snapshot of the last bar and never a candidate.
var quietEvaluator = evalFunc(func(_ models.InstrumentState, bars []models.PriceBar) (monitor.Result, error) {
	last := bars[len(bars)-1]
	return monitor.Result{Snapshot: models.IndicatorSnapshot{Close: last.Close, BarTime: last.Timestamp, Bars: len(bars)}}, nil
})

func candidateEvaluator(dir models.Direction, strength models.Strength) evalFunc {
	return func(state models.InstrumentState, bars []models.PriceBar) (monitor.Result, error) {
		res, _ := quietEvaluator(state, bars)
		res.Candidate = &models.Signal{
			ID:         "candidate",
			Instrument: state.Instrument,
			Direction:  dir,
			Strength:   strength,
			Confidence: 0.55,
			Events:     []models.EventKind{models.RsiOverboughtCross},
			Price:      res.Snapshot.Close,
			Timestamp:  res.Snapshot.BarTime,
		}
		return res, nil
	}
}

type fakeAlerter struct {
	mu         sync.Mutex
	errors     int
	recoveries []int
}

func (a *fakeAlerter) SendError(error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors++
	return nil
}

func (a *fakeAlerter) SendRecovery(n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recoveries = append(a.recoveries, n)
	return nil
}

func flatBars(n int) []models.PriceBar {
	bars := make([]models.PriceBar, n)
	for i := range bars {
		bars[i] = models.PriceBar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100, Volume: 10,
		}
	}
	return bars
}

// scenarioBars chops sideways for 26 bars and then rises by 1.0 per bar.
// RSI(9) crosses 80 on the 45th bar.
func scenarioBars() []models.PriceBar {
	closes := make([]float64, 50)
	for i := range closes {
		if i < 26 {
			swing := -2.5
			if i%2 == 0 {
				swing = 2.5
			}
			closes[i] = 100 + 0.2*float64(i) + swing
		} else {
			closes[i] = closes[i-1] + 1.0
		}
	}
	bars := make([]models.PriceBar, len(closes))
	for i, c := range closes {
		bars[i] = models.PriceBar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func scenarioParams() indicator.Params {
	return indicator.Params{
		RSIPeriod:        9,
		RSIOversold:      20,
		RSIOverbought:    80,
		MAShort:          7,
		MALong:           30,
		MACDFast:         5,
		MACDSlow:         13,
		MACDSignal:       6,
		BollingerPeriod:  14,
		BollingerStd:     1.5,
		VolumeSMAPeriod:  14,
		VolumeMultiplier: 2,
		BarInterval:      time.Minute,
	}
}

func newStore(t *testing.T, symbols ...string) *storage.Storage {
	t.Helper()
	store, err := storage.New(100, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SeedInstruments(symbols); err != nil {
		t.Fatal(err)
	}
	return store
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metricLoop
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// running returns the instruments that currently have a worker.
func running(s *Scheduler) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for sym := range s.workers {
		out = append(out, sym)
	}
	return out
}

func receive(t *testing.T, out <-chan models.Signal, msg string) models.Signal {
	t.Helper()
	select {
	case sig := <-out:
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal(msg)
		return models.Signal{}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func seededState() models.InstrumentState {
	return models.InstrumentState{
		Instrument: "BTC/USDT",
		LastEmitted: &models.Signal{
			ID:         "prev",
			Instrument: "BTC/USDT",
			Direction:  models.Short,
			Strength:   models.High,
			Confidence: 0.7,
			Events:     []models.EventKind{models.RsiOverboughtCross, models.PriceBreakoutUp},
			Price:      90,
			Timestamp:  start.Add(-time.Hour),
		},
		LastSnapshot: &models.IndicatorSnapshot{
			RSI:     models.Present(75),
			Close:   90,
			BarTime: start.Add(-time.Hour),
			Bars:    100,
		},
	}
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := newStore(t, "BTC/USDT")
	s := New(Config{Interval: time.Minute}, Deps{
		Fetcher:   &fakeFetcher{err: errors.New("connection refused")},
		Evaluator: quietEvaluator,
		Registry:  store,
		States:    store,
		Out:       make(chan models.Signal, 1),
		Metrics:   metrics.NewMetrics(reg),
	})

	w := &worker{instrument: "BTC/USDT", state: seededState()}
	before := w.state.Clone()

	err := s.runCycle(context.Background(), w)
	var fe *models.FetchError
	if !errors.As(err, &fe) || fe.Instrument != "BTC/USDT" {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !reflect.DeepEqual(before, w.state) {
		t.Errorf("state changed after failed fetch:\nbefore %+v\nafter  %+v", before, w.state)
	}
	if st, _ := store.LoadState("BTC/USDT"); st != nil {
		t.Errorf("failed cycle persisted state %+v", st)
	}
	if got := counterValue(t, reg, "sigwatch_cycles_total", map[string]string{"result": metrics.ResultFetchError}); got != 1 {
		t.Errorf("fetch_error cycles = %v", got)
	}
	if got := counterValue(t, reg, "sigwatch_fetch_errors_total", map[string]string{"instrument": "BTC/USDT"}); got != 1 {
		t.Errorf("fetch errors = %v", got)
	}
}

func TestCycleEmitsScenarioSignal(t *testing.T) {
	store := newStore(t, "BTC/USDT")
	bars := scenarioBars()[:45]
	out := make(chan models.Signal, 1)

	var priced []float64
	s := New(Config{Interval: time.Minute}, Deps{
		Fetcher:   &fakeFetcher{bars: bars},
		Evaluator: monitor.NewEvaluator(scenarioParams(), monitor.DefaultWeights()),
		Registry:  store,
		States:    store,
		Out:       out,
		OnPrice: func(instrument string, price float64, at time.Time) {
			priced = append(priced, price)
		},
	})

	w := &worker{instrument: "BTC/USDT", state: models.InstrumentState{Instrument: "BTC/USDT"}}
	if err := s.runCycle(context.Background(), w); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	var sig models.Signal
	select {
	case sig = <-out:
	default:
		t.Fatal("no signal emitted")
	}
	if sig.Direction != models.Short || sig.Strength != models.Medium || sig.Instrument != "BTC/USDT" {
		t.Errorf("signal = %+v", sig)
	}
	if w.state.LastEmitted == nil || w.state.LastEmitted.ID != sig.ID {
		t.Errorf("LastEmitted not updated: %+v", w.state.LastEmitted)
	}
	if w.state.LastSnapshot == nil || !w.state.LastSnapshot.BarTime.Equal(bars[44].Timestamp) {
		t.Errorf("LastSnapshot not updated: %+v", w.state.LastSnapshot)
	}

	saved, err := store.LoadState("BTC/USDT")
	if err != nil || saved == nil || saved.LastEmitted == nil || saved.LastEmitted.ID != sig.ID {
		t.Errorf("state not persisted: %+v %v", saved, err)
	}
	if len(priced) != 1 || priced[0] != bars[44].Close {
		t.Errorf("OnPrice got %v", priced)
	}

	// The same window again has no fresh crossing.
	if err := s.runCycle(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	select {
	case extra := <-out:
		t.Errorf("unexpected second signal %+v", extra)
	default:
	}
}

func TestDedupOnCycle(t *testing.T) {
	tests := []struct {
		name     string
		dir      models.Direction
		strength models.Strength
		emit     bool
	}{
		{"same direction weaker", models.Short, models.Medium, false},
		{"same direction equal", models.Short, models.High, false},
		{"same direction stronger", models.Short, models.Extreme, true},
		{"direction flip", models.Long, models.Medium, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			out := make(chan models.Signal, 1)
			s := New(Config{Interval: time.Minute}, Deps{
				Fetcher:   &fakeFetcher{bars: flatBars(5)},
				Evaluator: candidateEvaluator(tt.dir, tt.strength),
				Registry:  newStore(t, "BTC/USDT"),
				Out:       out,
				Metrics:   metrics.NewMetrics(reg),
			})
			w := &worker{instrument: "BTC/USDT", state: seededState()}

			if err := s.runCycle(context.Background(), w); err != nil {
				t.Fatal(err)
			}
			if !w.state.LastSnapshot.BarTime.Equal(start.Add(4 * time.Minute)) {
				t.Errorf("snapshot not advanced: %+v", w.state.LastSnapshot)
			}

			select {
			case <-out:
				if !tt.emit {
					t.Fatal("repeat signal was emitted")
				}
				if w.state.LastEmitted.ID != "candidate" {
					t.Errorf("LastEmitted = %s", w.state.LastEmitted.ID)
				}
			default:
				if tt.emit {
					t.Fatal("signal was suppressed")
				}
				if w.state.LastEmitted.ID != "prev" {
					t.Errorf("suppressed cycle overwrote LastEmitted: %s", w.state.LastEmitted.ID)
				}
				if got := counterValue(t, reg, "sigwatch_signals_suppressed_total", nil); got != 1 {
					t.Errorf("suppressed = %v", got)
				}
			}
		})
	}
}

func TestPanicIsRecoveredAsFault(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(Config{Interval: time.Minute}, Deps{
		Fetcher: &fakeFetcher{bars: flatBars(5)},
		Evaluator: evalFunc(func(models.InstrumentState, []models.PriceBar) (monitor.Result, error) {
			panic("index out of range")
		}),
		Registry: newStore(t, "BTC/USDT"),
		Out:      make(chan models.Signal, 1),
		Metrics:  metrics.NewMetrics(reg),
	})
	w := &worker{instrument: "BTC/USDT", state: seededState()}
	before := w.state.Clone()

	err := s.runCycle(context.Background(), w)
	if !errors.Is(err, ErrFault) {
		t.Fatalf("expected ErrFault, got %v", err)
	}
	if !reflect.DeepEqual(before, w.state) {
		t.Error("state changed after fault")
	}
	if got := counterValue(t, reg, "sigwatch_cycles_total", map[string]string{"result": metrics.ResultFault}); got != 1 {
		t.Errorf("fault cycles = %v", got)
	}
}

func TestBlockedQueueLeavesState(t *testing.T) {
	s := New(Config{Interval: time.Minute}, Deps{
		Fetcher:   &fakeFetcher{bars: flatBars(5)},
		Evaluator: candidateEvaluator(models.Long, models.High),
		Registry:  newStore(t, "BTC/USDT"),
		Out:       make(chan models.Signal),
	})
	w := &worker{instrument: "BTC/USDT", state: seededState()}
	before := w.state.Clone()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.runCycle(ctx, w); err == nil {
		t.Fatal("expected enqueue timeout")
	}
	if !reflect.DeepEqual(before, w.state) {
		t.Error("state changed although the signal was never enqueued")
	}
}

func TestAlertAfterFailures(t *testing.T) {
	alerter := &fakeAlerter{}
	s := New(Config{Interval: time.Minute, AlertAfterFailures: 2}, Deps{Alerter: alerter})
	w := &worker{instrument: "BTC/USDT"}
	failure := errors.New("fetch BTC/USDT: timeout")

	s.handleResult(w, failure)
	if alerter.errors != 0 {
		t.Fatal("alerted before threshold")
	}
	s.handleResult(w, failure)
	s.handleResult(w, failure)
	if alerter.errors != 1 {
		t.Errorf("error alerts = %d, want 1", alerter.errors)
	}

	s.handleResult(w, nil)
	s.handleResult(w, nil)
	if !reflect.DeepEqual(alerter.recoveries, []int{3}) {
		t.Errorf("recoveries = %v, want [3]", alerter.recoveries)
	}

	// A short failure streak is neither alerted nor recovered.
	s.handleResult(w, failure)
	s.handleResult(w, nil)
	if alerter.errors != 1 || len(alerter.recoveries) != 1 {
		t.Errorf("unexpected alerts: %d errors, %v recoveries", alerter.errors, alerter.recoveries)
	}
}

func TestWorkersFollowRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := newStore(t, "BTC/USDT", "ETH/USDT")
	fetcher := &fakeFetcher{bars: flatBars(3)}
	s := New(Config{Interval: 10 * time.Millisecond, MaxConcurrency: 2}, Deps{
		Fetcher:   fetcher,
		Evaluator: quietEvaluator,
		Registry:  store,
		States:    store,
		Out:       make(chan models.Signal, 1),
		Metrics:   metrics.NewMetrics(reg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	eventually(t, func() bool {
		return fetcher.callCount("BTC/USDT") >= 2 && fetcher.callCount("ETH/USDT") >= 2
	}, "workers did not cycle")
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(running(s)); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}

	if _, err := store.RemoveInstrument("ETH/USDT"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		got := running(s)
		return len(got) == 1 && got[0] == "BTC/USDT"
	}, "worker of removed instrument did not stop")

	if _, err := store.AddInstrument("SOL/USDT"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		got := running(s)
		sort.Strings(got)
		return reflect.DeepEqual(got, []string{"BTC/USDT", "SOL/USDT"})
	}, "worker of added instrument did not start")

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}
	if got := counterValue(t, reg, "sigwatch_workers", nil); got != 0 {
		t.Errorf("workers gauge = %v after shutdown", got)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	store := newStore(t, "A/USDT", "B/USDT", "C/USDT", "D/USDT")
	fetcher := &fakeFetcher{bars: flatBars(3), delay: 15 * time.Millisecond}
	s := New(Config{Interval: 5 * time.Millisecond, MaxConcurrency: 1}, Deps{
		Fetcher:   fetcher,
		Evaluator: quietEvaluator,
		Registry:  store,
		Out:       make(chan models.Signal, 1),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		for _, sym := range []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT"} {
			if fetcher.callCount(sym) == 0 {
				return false
			}
		}
		return true
	}, "not every instrument was fetched")
	cancel()
	s.Wait()

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if fetcher.maxInFlight != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", fetcher.maxInFlight)
	}
}

func TestOverrunSkipsTicks(t *testing.T) {
	reg := prometheus.NewRegistry()
	fetcher := &fakeFetcher{bars: flatBars(3), delay: 40 * time.Millisecond}
	s := New(Config{Interval: 5 * time.Millisecond}, Deps{
		Fetcher:   fetcher,
		Evaluator: quietEvaluator,
		Registry:  newStore(t, "BTC/USDT"),
		Out:       make(chan models.Signal, 1),
		Metrics:   metrics.NewMetrics(reg),
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		return counterValue(t, reg, "sigwatch_ticks_skipped_total", nil) > 0
	}, "no tick was skipped")
	cancel()
	s.Wait()

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if fetcher.maxInFlight != 1 {
		t.Errorf("cycles of one instrument overlapped: %d", fetcher.maxInFlight)
	}
}

func TestStateRestoredOnStart(t *testing.T) {
	store := newStore(t, "BTC/USDT")
	if err := store.SaveState(seededState()); err != nil {
		t.Fatal(err)
	}

	seen := make(chan models.InstrumentState, 1)
	s := New(Config{Interval: time.Hour}, Deps{
		Fetcher: &fakeFetcher{bars: flatBars(3)},
		Evaluator: evalFunc(func(state models.InstrumentState, bars []models.PriceBar) (monitor.Result, error) {
			select {
			case seen <- state:
			default:
			}
			return quietEvaluator(state, bars)
		}),
		Registry: store,
		States:   store,
		Out:      make(chan models.Signal, 1),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.Wait()
	}()
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case state := <-seen:
		if state.LastEmitted == nil || state.LastEmitted.ID != "prev" {
			t.Errorf("state not restored: %+v", state)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first cycle did not run")
	}
}

func TestRewatchStartsCold(t *testing.T) {
	store := newStore(t, "BTC/USDT")
	out := make(chan models.Signal, 4)
	s := New(Config{Interval: time.Hour}, Deps{
		Fetcher:   &fakeFetcher{bars: flatBars(3)},
		Evaluator: candidateEvaluator(models.Long, models.Medium),
		Registry:  store,
		States:    store,
		Out:       out,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	receive(t, out, "first signal was not emitted")

	if _, err := store.RemoveInstrument("BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	s.Remove("BTC/USDT")
	if got := running(s); len(got) != 0 {
		t.Fatalf("worker still running after Remove: %v", got)
	}
	if st, err := store.LoadState("BTC/USDT"); err != nil || st != nil {
		t.Fatalf("state survived removal: %+v %v", st, err)
	}

	if _, err := store.AddInstrument("BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	// The same candidate is admitted again because the new worker starts cold.
	receive(t, out, "signal after re-watch was suppressed")

	cancel()
	s.Wait()
}

func TestNoWorkersAfterWait(t *testing.T) {
	fetcher := &fakeFetcher{bars: flatBars(3)}
	s := New(Config{Interval: time.Hour}, Deps{
		Fetcher:   fetcher,
		Evaluator: quietEvaluator,
		Registry:  newStore(t, "BTC/USDT"),
		Out:       make(chan models.Signal, 1),
	})

	s.Wait()
	if err := s.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := running(s); len(got) != 0 {
		t.Errorf("worker started after Wait: %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := fetcher.callCount("BTC/USDT"); n != 0 {
		t.Errorf("fetched %d times after Wait", n)
	}
}
