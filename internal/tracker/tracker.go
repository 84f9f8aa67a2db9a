// Package tracker follows emitted signals against later prices and keeps
// win/loss statistics over fixed validation windows.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/metrics"
	"github.com/rewired-gh/sigwatch/internal/models"
)

type Status string

const (
	Active  Status = "ACTIVE"
	Win     Status = "WIN"
	Loss    Status = "LOSS"
	Draw    Status = "DRAW"
	Expired Status = "EXPIRED"
)

// Window decides a signal WIN or LOSS once the move in the signal's
// direction reaches ±Threshold percent, or at the end of Duration.
type Window struct {
	Name      string
	Duration  time.Duration
	Threshold float64
}

// DefaultWindows are the 3, 5 and 10 minute windows. The last window decides
// the final status of a signal.
var DefaultWindows = []Window{
	{Name: "3m", Duration: 3 * time.Minute, Threshold: 0.3},
	{Name: "5m", Duration: 5 * time.Minute, Threshold: 0.4},
	{Name: "10m", Duration: 10 * time.Minute, Threshold: 0.5},
}

const (
	historySize   = 100
	summaryRecent = 3
)

// Outcome is a finished signal.
type Outcome struct {
	SignalID     string
	Instrument   string
	Direction    models.Direction
	EntryPrice   float64
	EntryTime    time.Time
	ExitPrice    float64
	ExitTime     time.Time
	Windows      map[string]Status
	MaxProfitPct float64
	MaxLossPct   float64
	ProfitPct    float64
	Final        Status
}

type position struct {
	sig     models.Signal
	windows map[string]Status

	lastPrice  float64
	lastTime   time.Time
	lastProfit float64
	maxProfit  float64
	maxLoss    float64
}

func (p *position) profitPct(price float64) float64 {
	if p.sig.Direction == models.Short {
		return (p.sig.Price - price) / p.sig.Price * 100
	}
	return (price - p.sig.Price) / p.sig.Price * 100
}

// Tracker is safe for concurrent use.
type Tracker struct {
	windows     []Window
	expireAfter time.Duration
	metrics     *metrics.Metrics

	mu      sync.Mutex
	active  map[string]*position
	history []Outcome
	stats   Stats

	winStreak, lossStreak int
}

// New creates a tracker with DefaultWindows. m may be nil.
func New(expireAfter time.Duration, m *metrics.Metrics) *Tracker {
	if expireAfter <= 0 {
		expireAfter = 15 * time.Minute
	}
	return &Tracker{
		windows:     DefaultWindows,
		expireAfter: expireAfter,
		metrics:     m,
		active:      make(map[string]*position),
		stats:       newStats(DefaultWindows),
	}
}

func (t *Tracker) Name() string { return "tracker" }

// Publish starts tracking sig from its price and timestamp.
func (t *Tracker) Publish(_ context.Context, sig models.Signal) error {
	if sig.Price <= 0 || math.IsNaN(sig.Price) {
		return fmt.Errorf("signal %s has no entry price", sig.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.active[sig.ID]; ok {
		return errors.New("signal " + sig.ID + " is already tracked")
	}
	p := &position{
		sig:       sig,
		windows:   make(map[string]Status, len(t.windows)),
		lastPrice: sig.Price,
		lastTime:  sig.Timestamp,
	}
	for _, w := range t.windows {
		p.windows[w.Name] = Active
	}
	t.active[sig.ID] = p
	t.stats.Tracked++
	logger.Debug("Tracking signal %s: %s %s @%v", sig.ID, sig.Instrument, sig.Direction, sig.Price)
	return nil
}

// Update feeds the latest price of instrument observed at time at. Signals of
// any instrument older than the expiry are expired. Finished signals are
// returned.
func (t *Tracker) Update(instrument string, price float64, at time.Time) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done []Outcome
	for id, p := range t.active {
		elapsed := at.Sub(p.sig.Timestamp)
		if elapsed > t.expireAfter {
			done = append(done, t.finish(id, p, true))
			continue
		}
		if p.sig.Instrument != instrument || elapsed < 0 {
			continue
		}
		if t.observe(p, price, at, elapsed) {
			done = append(done, t.finish(id, p, false))
		}
	}
	return done
}

// observe applies one price to p and reports whether every window is decided.
func (t *Tracker) observe(p *position, price float64, at time.Time, elapsed time.Duration) bool {
	profit := p.profitPct(price)
	p.lastPrice, p.lastTime, p.lastProfit = price, at, profit
	p.maxProfit = math.Max(p.maxProfit, profit)
	p.maxLoss = math.Min(p.maxLoss, profit)

	complete := true
	for _, w := range t.windows {
		if p.windows[w.Name] != Active {
			continue
		}
		var result Status
		switch {
		case profit >= w.Threshold:
			result = Win
		case profit <= -w.Threshold:
			result = Loss
		case elapsed >= w.Duration:
			result = Draw
		default:
			complete = false
			continue
		}
		p.windows[w.Name] = result
		t.recordWindow(w.Name, result)
		logger.Debug("Signal %s window %s: %s (%.2f%%)", p.sig.ID, w.Name, result, profit)
	}
	return complete
}

func (t *Tracker) finish(id string, p *position, expire bool) Outcome {
	if expire {
		for _, w := range t.windows {
			if p.windows[w.Name] == Active {
				p.windows[w.Name] = Expired
				t.recordWindow(w.Name, Expired)
			}
		}
	}

	final := p.windows[t.windows[len(t.windows)-1].Name]
	o := Outcome{
		SignalID:     p.sig.ID,
		Instrument:   p.sig.Instrument,
		Direction:    p.sig.Direction,
		EntryPrice:   p.sig.Price,
		EntryTime:    p.sig.Timestamp,
		ExitPrice:    p.lastPrice,
		ExitTime:     p.lastTime,
		Windows:      p.windows,
		MaxProfitPct: p.maxProfit,
		MaxLossPct:   p.maxLoss,
		ProfitPct:    p.lastProfit,
		Final:        final,
	}

	delete(t.active, id)
	t.recordFinal(o)
	t.history = append(t.history, o)
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}
	logger.Info("Signal %s finished: %s (%.2f%%)", o.SignalID, o.Final, o.ProfitPct)
	return o
}

func (t *Tracker) recordWindow(name string, s Status) {
	ws := t.stats.Windows[name]
	ws.add(s)
	t.stats.Windows[name] = ws
	if t.metrics != nil {
		t.metrics.TrackerOutcomes.WithLabelValues(name, string(s)).Inc()
	}
}

func (t *Tracker) recordFinal(o Outcome) {
	t.stats.Overall.add(o.Final)
	if t.metrics != nil {
		t.metrics.TrackerOutcomes.WithLabelValues("final", string(o.Final)).Inc()
	}

	switch o.Final {
	case Win:
		t.stats.WinProfitPct += o.ProfitPct
		t.winStreak++
		t.lossStreak = 0
		t.stats.MaxWinStreak = max(t.stats.MaxWinStreak, t.winStreak)
	case Loss:
		t.stats.LossProfitPct += o.ProfitPct
		t.lossStreak++
		t.winStreak = 0
		t.stats.MaxLossStreak = max(t.stats.MaxLossStreak, t.lossStreak)
	}
	t.stats.TotalProfitPct += o.ProfitPct
}

// ActiveCount returns the number of signals still being tracked.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Recent returns up to limit finished signals, newest last.
func (t *Tracker) Recent(limit int) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}
	out := make([]Outcome, limit)
	copy(out, t.history[len(t.history)-limit:])
	return out
}

// Stats returns a snapshot of the statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Windows = make(map[string]WindowStats, len(t.stats.Windows))
	for k, v := range t.stats.Windows {
		s.Windows[k] = v
	}
	return s
}

// Summary renders the statistics for the /stats command.
func (t *Tracker) Summary() string {
	s := t.Stats()
	active := t.ActiveCount()

	var b strings.Builder
	b.WriteString("📊 Signal performance\n\n")
	fmt.Fprintf(&b, "Tracked: %d (active %d)\n", s.Tracked, active)
	fmt.Fprintf(&b, "Win rate: %.1f%% (%s)\n", s.Overall.WinRate()*100, s.Overall)
	fmt.Fprintf(&b, "Total return: %.2f%%\n\n", s.TotalProfitPct)
	for _, w := range t.windows {
		ws := s.Windows[w.Name]
		fmt.Fprintf(&b, "%s: %.1f%% (%s)\n", w.Name, ws.WinRate()*100, ws)
	}
	fmt.Fprintf(&b, "\nAvg win: %.2f%%\n", s.AvgWinPct())
	fmt.Fprintf(&b, "Avg loss: %.2f%%\n", s.AvgLossPct())
	fmt.Fprintf(&b, "Profit factor: %.2f\n", s.ProfitFactor())
	fmt.Fprintf(&b, "Max win streak: %d\n", s.MaxWinStreak)
	fmt.Fprintf(&b, "Max loss streak: %d", s.MaxLossStreak)

	if recent := t.Recent(summaryRecent); len(recent) > 0 {
		b.WriteString("\n\nLast results:")
		for _, o := range recent {
			fmt.Fprintf(&b, "\n%s %s %s %+.2f%%", o.Instrument, o.Direction, o.Final, o.ProfitPct)
		}
	}
	return b.String()
}
