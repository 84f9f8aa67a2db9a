package tracker

import (
	"fmt"
	"math"
)

// WindowStats counts decided results.
type WindowStats struct {
	Wins    int
	Losses  int
	Draws   int
	Expired int
}

func (w *WindowStats) add(s Status) {
	switch s {
	case Win:
		w.Wins++
	case Loss:
		w.Losses++
	case Draw:
		w.Draws++
	case Expired:
		w.Expired++
	}
}

func (w WindowStats) Total() int { return w.Wins + w.Losses + w.Draws + w.Expired }

// WinRate is wins over all decided results, 0 when nothing was decided.
func (w WindowStats) WinRate() float64 {
	total := w.Total()
	if total == 0 {
		return 0
	}
	return float64(w.Wins) / float64(total)
}

func (w WindowStats) String() string {
	return fmt.Sprintf("%d/%d/%d", w.Wins, w.Losses, w.Draws+w.Expired)
}

// Stats aggregates finished signals. Profit figures are percentages summed
// over final results.
type Stats struct {
	Tracked        int
	Windows        map[string]WindowStats
	Overall        WindowStats
	TotalProfitPct float64
	WinProfitPct   float64
	LossProfitPct  float64
	MaxWinStreak   int
	MaxLossStreak  int
}

func newStats(windows []Window) Stats {
	s := Stats{Windows: make(map[string]WindowStats, len(windows))}
	for _, w := range windows {
		s.Windows[w.Name] = WindowStats{}
	}
	return s
}

func (s Stats) AvgWinPct() float64 {
	if s.Overall.Wins == 0 {
		return 0
	}
	return s.WinProfitPct / float64(s.Overall.Wins)
}

func (s Stats) AvgLossPct() float64 {
	if s.Overall.Losses == 0 {
		return 0
	}
	return s.LossProfitPct / float64(s.Overall.Losses)
}

// ProfitFactor is gross win over gross loss. It is +Inf with wins and no
// losses, and 0 with neither.
func (s Stats) ProfitFactor() float64 {
	loss := math.Abs(s.LossProfitPct)
	if loss == 0 {
		if s.WinProfitPct > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.WinProfitPct / loss
}
