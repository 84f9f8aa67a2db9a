package monitor

import (
	"github.com/rewired-gh/sigwatch/internal/indicator"
	"github.com/rewired-gh/sigwatch/internal/models"
)

// Detect compares two consecutive snapshots of the same instrument and returns
// the raw candidate events for the cycle. Events are returned in a fixed order.
// An absent reading on either side suppresses the events that depend on it.
func Detect(instrument string, prev, curr models.IndicatorSnapshot, bars []models.PriceBar, p indicator.Params) []models.CandidateEvent {
	var kinds []models.EventKind

	if prev.RSI.Valid && curr.RSI.Valid {
		switch {
		case prev.RSI.Value >= p.RSIOversold && curr.RSI.Value < p.RSIOversold:
			kinds = append(kinds, models.RsiOversoldCross)
		case prev.RSI.Value <= p.RSIOverbought && curr.RSI.Value > p.RSIOverbought:
			kinds = append(kinds, models.RsiOverboughtCross)
		}
	}

	if prev.MAShort.Valid && prev.MALong.Valid && curr.MAShort.Valid && curr.MALong.Valid {
		switch {
		case prev.MAShort.Value <= prev.MALong.Value && curr.MAShort.Value > curr.MALong.Value:
			kinds = append(kinds, models.MaGoldenCross)
		case prev.MAShort.Value >= prev.MALong.Value && curr.MAShort.Value < curr.MALong.Value:
			kinds = append(kinds, models.MaDeathCross)
		}
	}

	if insideBands(prev) && curr.BBUpper.Valid && curr.BBLower.Valid {
		switch {
		case curr.Close > curr.BBUpper.Value:
			kinds = append(kinds, models.PriceBreakoutUp)
		case curr.Close < curr.BBLower.Value:
			kinds = append(kinds, models.PriceBreakoutDown)
		}
	}

	if volumeSurge(bars, p) {
		kinds = append(kinds, models.VolumeConfirm)
	}

	events := make([]models.CandidateEvent, len(kinds))
	for i, k := range kinds {
		events[i] = models.CandidateEvent{Kind: k, Instrument: instrument, Timestamp: curr.BarTime}
	}
	return events
}

func insideBands(s models.IndicatorSnapshot) bool {
	return s.BBUpper.Valid && s.BBLower.Valid &&
		s.Close <= s.BBUpper.Value && s.Close >= s.BBLower.Value
}

func volumeSurge(bars []models.PriceBar, p indicator.Params) bool {
	if len(bars) == 0 {
		return false
	}
	avg := indicator.VolumeAverage(bars, p)
	if !avg.Valid || avg.Value <= 0 {
		return false
	}
	return bars[len(bars)-1].Volume > avg.Value*p.VolumeMultiplier
}
