package monitor

import (
	"math"

	"github.com/rewired-gh/sigwatch/internal/models"
)

// Tier thresholds on the confidence scale.
const (
	ExtremeThreshold = 0.80
	HighThreshold    = 0.65
	MediumThreshold  = 0.50

	tierEpsilon = 1e-9
)

// Weights are the confidence contributions per event family. VolumeBoost is
// the fraction of the remaining headroom to 1.0 added when volume confirms.
type Weights struct {
	RSI         float64
	MA          float64
	Breakout    float64
	VolumeBoost float64
}

func DefaultWeights() Weights {
	return Weights{RSI: 0.55, MA: 0.25, Breakout: 0.20, VolumeBoost: 0.15}
}

func (w Weights) weight(kind models.EventKind) float64 {
	switch kind {
	case models.RsiOversoldCross, models.RsiOverboughtCross:
		return w.RSI
	case models.MaGoldenCross, models.MaDeathCross:
		return w.MA
	case models.PriceBreakoutUp, models.PriceBreakoutDown:
		return w.Breakout
	default:
		return 0
	}
}

// StrengthFor maps a confidence to its tier. StrengthNone means below MEDIUM.
func StrengthFor(confidence float64) models.Strength {
	switch {
	case confidence+tierEpsilon >= ExtremeThreshold:
		return models.Extreme
	case confidence+tierEpsilon >= HighThreshold:
		return models.High
	case confidence+tierEpsilon >= MediumThreshold:
		return models.Medium
	default:
		return models.StrengthNone
	}
}

// Score combines one cycle's candidate events into a signal. It returns false
// when no directional event fired, when bullish and bearish events conflict,
// or when the confidence stays below the MEDIUM threshold.
func Score(events []models.CandidateEvent, w Weights) (models.Signal, bool) {
	var (
		bullish, bearish bool
		volume           bool
		confidence       float64
		kinds            []models.EventKind
		seen             = make(map[models.EventKind]bool)
	)

	for _, ev := range events {
		if seen[ev.Kind] {
			continue
		}
		seen[ev.Kind] = true
		kinds = append(kinds, ev.Kind)

		switch ev.Kind.Polarity() {
		case models.Bullish:
			bullish = true
		case models.Bearish:
			bearish = true
		default:
			volume = volume || ev.Kind == models.VolumeConfirm
			continue
		}
		confidence += w.weight(ev.Kind)
	}

	if bullish == bearish {
		return models.Signal{}, false
	}
	if volume {
		confidence += w.VolumeBoost * (1 - confidence)
	}
	confidence = math.Max(0, math.Min(1, confidence))

	strength := StrengthFor(confidence)
	if strength == models.StrengthNone {
		return models.Signal{}, false
	}

	direction := models.Long
	if bearish {
		direction = models.Short
	}

	return models.Signal{
		Instrument: events[0].Instrument,
		Direction:  direction,
		Strength:   strength,
		Confidence: confidence,
		Events:     models.SortEvents(kinds),
		Timestamp:  events[0].Timestamp,
	}, true
}
