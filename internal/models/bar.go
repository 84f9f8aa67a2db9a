// Package models defines the core domain entities: price bars, indicator
// snapshots, signals and per-instrument state.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PriceBar is one OHLCV sample for a fixed time resolution.
// Bars are immutable once produced by the market data client.
type PriceBar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks bar field constraints.
func (b *PriceBar) Validate() error {
	if b.Timestamp.IsZero() {
		return errors.New("bar timestamp must not be zero")
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bar values must be finite")
		}
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return errors.New("bar prices must be positive")
	}
	if b.Low > b.High {
		return errors.New("bar low must be <= high")
	}
	if b.Volume < 0 {
		return errors.New("bar volume must not be negative")
	}
	return nil
}

// ValidateSeries checks every bar and that timestamps are strictly increasing.
func ValidateSeries(bars []PriceBar) error {
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return fmt.Errorf("bar %d: %w", i, err)
		}
		if i > 0 && !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("bar %d: timestamp %s not after %s",
				i, bars[i].Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// TrailingContiguous returns the longest suffix of bars in which every pair of
// neighbours is exactly interval apart. A missing bar therefore restarts the
// window after the gap. A non-positive interval disables the check.
func TrailingContiguous(bars []PriceBar, interval time.Duration) []PriceBar {
	if interval <= 0 || len(bars) < 2 {
		return bars
	}
	start := len(bars) - 1
	for start > 0 && bars[start].Timestamp.Sub(bars[start-1].Timestamp) == interval {
		start--
	}
	return bars[start:]
}

// Closes extracts close prices in series order.
func Closes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Volumes extracts volumes in series order.
func Volumes(bars []PriceBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

// NormalizeInstrument converts user input such as "btc", "eth-usdt" or
// "SOL/USDT" to the canonical BASE/QUOTE form. A bare base is quoted in USDT.
func NormalizeInstrument(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.TrimSuffix(s, "/SWAP")
	if s == "" {
		return "", errors.New("instrument must not be empty")
	}
	if !strings.Contains(s, "/") {
		s += "/USDT"
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid instrument %q", s)
	}
	return s, nil
}

// FetchError reports a market data failure for one instrument. It covers
// transport faults, API errors and malformed payloads alike.
type FetchError struct {
	Instrument string
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Instrument, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
