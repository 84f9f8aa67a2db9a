// Package indicator computes technical indicators from an ordered price series.
// Every function here is pure: the same series and parameters always produce
// the same snapshot.
package indicator

import (
	"time"

	"github.com/markcheno/go-talib"

	"github.com/rewired-gh/sigwatch/internal/models"
)

// Params holds indicator periods and detection thresholds.
type Params struct {
	RSIPeriod        int
	RSIOversold      float64
	RSIOverbought    float64
	MAShort          int
	MALong           int
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
	BollingerPeriod  int
	BollingerStd     float64
	VolumeSMAPeriod  int
	VolumeMultiplier float64
	// BarInterval is the expected spacing of bars. A larger step between two
	// bars is treated as a gap. Zero disables gap detection.
	BarInterval time.Duration
}

// Lookback is the number of contiguous bars needed for every field of a
// snapshot to be present.
func (p Params) Lookback() int {
	n := p.RSIPeriod + 1
	for _, v := range []int{p.MAShort, p.MALong, p.MACDSlow + p.MACDSignal - 1, p.BollingerPeriod, p.VolumeSMAPeriod} {
		if v > n {
			n = v
		}
	}
	return n
}

// Compute derives an IndicatorSnapshot from the trailing gap-free window of
// series. Fields whose period exceeds the available history are absent.
func Compute(series []models.PriceBar, p Params) models.IndicatorSnapshot {
	window := models.TrailingContiguous(series, p.BarInterval)
	if len(window) == 0 {
		return models.IndicatorSnapshot{}
	}

	closes := models.Closes(window)
	last := window[len(window)-1]

	snap := models.IndicatorSnapshot{
		RSI:     RSI(closes, p.RSIPeriod),
		MAShort: SMA(closes, p.MAShort),
		MALong:  SMA(closes, p.MALong),
		Close:   last.Close,
		BarTime: last.Timestamp,
		Bars:    len(window),
	}
	snap.MACDLine, snap.MACDSignal, snap.MACDHist = MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	snap.BBUpper, snap.BBMid, snap.BBLower = Bollinger(closes, p.BollingerPeriod, p.BollingerStd)
	return snap
}

// SMA is the arithmetic mean of the last period values.
func SMA(values []float64, period int) models.Reading {
	if period < 1 || len(values) < period {
		return models.Reading{}
	}
	out := talib.Sma(values[len(values)-period:], period)
	return models.Present(out[len(out)-1])
}

// RSI uses Wilder's smoothing: the first average gain and loss are simple
// means over period changes, later ones are smoothed with factor 1/period.
// A window without losses yields 100. A window with no movement at all
// yields 50.
func RSI(closes []float64, period int) models.Reading {
	if period < 1 || len(closes) <= period {
		return models.Reading{}
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		gain, loss := change(closes[i-1], closes[i])
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		return models.Present(50)
	case avgLoss == 0:
		return models.Present(100)
	}
	rs := avgGain / avgLoss
	return models.Present(100 - 100/(1+rs))
}

func change(prev, curr float64) (gain, loss float64) {
	d := curr - prev
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

// MACD returns the MACD line (fast EMA minus slow EMA), its signal EMA and the
// histogram. The line needs slow bars; the signal and histogram need
// slow+signal-1 bars.
func MACD(closes []float64, fast, slow, signal int) (line, sig, hist models.Reading) {
	if fast < 1 || slow < 1 || signal < 1 || len(closes) < slow || len(closes) < fast {
		return
	}
	fastEMA := talib.Ema(closes, fast)
	slowEMA := talib.Ema(closes, slow)

	// Both EMAs are seeded from index slow-1 onwards.
	macd := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		macd = append(macd, fastEMA[i]-slowEMA[i])
	}
	line = models.Present(macd[len(macd)-1])

	if len(macd) < signal {
		return
	}
	sigEMA := talib.Ema(macd, signal)
	sig = models.Present(sigEMA[len(sigEMA)-1])
	hist = models.Present(line.Value - sig.Value)
	return
}

// Bollinger returns upper, middle and lower bands over the last period closes
// using the population standard deviation.
func Bollinger(closes []float64, period int, k float64) (upper, mid, lower models.Reading) {
	if period < 2 || len(closes) < period {
		return
	}
	u, m, l := talib.BBands(closes[len(closes)-period:], period, k, k, talib.SMA)
	i := period - 1
	upper, mid, lower = models.Present(u[i]), models.Present(m[i]), models.Present(l[i])
	// Rounding can push a band a few ulps across the mean on a flat window.
	if upper.Value < mid.Value {
		upper.Value = mid.Value
	}
	if lower.Value > mid.Value {
		lower.Value = mid.Value
	}
	return
}

// VolumeAverage is the mean volume of the last period bars of the trailing
// gap-free window, including the latest bar.
func VolumeAverage(series []models.PriceBar, p Params) models.Reading {
	window := models.TrailingContiguous(series, p.BarInterval)
	return SMA(models.Volumes(window), p.VolumeSMAPeriod)
}
