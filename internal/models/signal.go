package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reading is an indicator value that may be absent when the series is too
// short for the indicator's period.
type Reading struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Present wraps a computed value.
func Present(v float64) Reading { return Reading{Value: v, Valid: true} }

func (r Reading) String() string {
	if !r.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", r.Value)
}

// IndicatorSnapshot holds the indicator values derived from one trailing window.
type IndicatorSnapshot struct {
	RSI        Reading   `json:"rsi"`
	MAShort    Reading   `json:"ma_short"`
	MALong     Reading   `json:"ma_long"`
	MACDLine   Reading   `json:"macd_line"`
	MACDSignal Reading   `json:"macd_signal"`
	MACDHist   Reading   `json:"macd_hist"`
	BBUpper    Reading   `json:"bb_upper"`
	BBMid      Reading   `json:"bb_mid"`
	BBLower    Reading   `json:"bb_lower"`
	Close      float64   `json:"close"`
	BarTime    time.Time `json:"bar_time"`
	Bars       int       `json:"bars"`
}

// EventKind identifies a raw indicator state transition.
type EventKind string

const (
	RsiOversoldCross   EventKind = "RSI_OVERSOLD_CROSS"
	RsiOverboughtCross EventKind = "RSI_OVERBOUGHT_CROSS"
	MaGoldenCross      EventKind = "MA_GOLDEN_CROSS"
	MaDeathCross       EventKind = "MA_DEATH_CROSS"
	PriceBreakoutUp    EventKind = "PRICE_BREAKOUT_UP"
	PriceBreakoutDown  EventKind = "PRICE_BREAKOUT_DOWN"
	VolumeConfirm      EventKind = "VOLUME_CONFIRM"
)

// Polarity is the directional bias of an event kind.
type Polarity int

const (
	Neutral Polarity = iota
	Bullish
	Bearish
)

// Polarity reports the bias of the event. Oversold implies a long reversal and
// overbought a short one.
func (k EventKind) Polarity() Polarity {
	switch k {
	case RsiOversoldCross, MaGoldenCross, PriceBreakoutUp:
		return Bullish
	case RsiOverboughtCross, MaDeathCross, PriceBreakoutDown:
		return Bearish
	default:
		return Neutral
	}
}

// Label is the short human-readable name used in notifications.
func (k EventKind) Label() string {
	switch k {
	case RsiOversoldCross:
		return "RSI oversold"
	case RsiOverboughtCross:
		return "RSI overbought"
	case MaGoldenCross:
		return "MA golden cross"
	case MaDeathCross:
		return "MA death cross"
	case PriceBreakoutUp:
		return "Bollinger breakout up"
	case PriceBreakoutDown:
		return "Bollinger breakout down"
	case VolumeConfirm:
		return "Volume surge"
	default:
		return string(k)
	}
}

// CandidateEvent is produced and consumed within one evaluation cycle.
type CandidateEvent struct {
	Kind       EventKind `json:"kind"`
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
}

// Direction of a trading signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Strength is the confidence tier of a signal. Higher values are stronger.
type Strength int

const (
	StrengthNone Strength = iota
	Medium
	High
	Extreme
)

var strengthNames = map[Strength]string{
	StrengthNone: "NONE",
	Medium:       "MEDIUM",
	High:         "HIGH",
	Extreme:      "EXTREME",
}

func (s Strength) String() string {
	if name, ok := strengthNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strength(%d)", int(s))
}

// ParseStrength is the inverse of String.
func ParseStrength(name string) (Strength, error) {
	for s, n := range strengthNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return StrengthNone, fmt.Errorf("unknown strength %q", name)
}

func (s Strength) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strength) UnmarshalText(b []byte) error {
	v, err := ParseStrength(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Signal is a scored trading notification for one instrument.
type Signal struct {
	ID         string      `json:"id"`
	Instrument string      `json:"instrument"`
	Direction  Direction   `json:"direction"`
	Strength   Strength    `json:"strength"`
	Confidence float64     `json:"confidence"`
	Events     []EventKind `json:"events"`
	Price      float64     `json:"price"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Validate checks signal field constraints.
func (s *Signal) Validate() error {
	if s.Instrument == "" {
		return errors.New("signal instrument must not be empty")
	}
	if s.Direction != Long && s.Direction != Short {
		return fmt.Errorf("invalid signal direction %q", s.Direction)
	}
	if s.Strength < Medium || s.Strength > Extreme {
		return fmt.Errorf("invalid signal strength %d", s.Strength)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return errors.New("signal confidence must be between 0.0 and 1.0")
	}
	if len(s.Events) == 0 {
		return errors.New("signal must have contributing events")
	}
	return nil
}

// SortEvents orders kinds deterministically and removes duplicates.
func SortEvents(kinds []EventKind) []EventKind {
	seen := make(map[EventKind]bool, len(kinds))
	out := make([]EventKind, 0, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InstrumentState is the per-instrument memory carried between cycles. It is
// owned by the instrument's worker and replaced only after a successful cycle.
type InstrumentState struct {
	Instrument   string             `json:"instrument"`
	LastEmitted  *Signal            `json:"last_emitted,omitempty"`
	LastSnapshot *IndicatorSnapshot `json:"last_snapshot,omitempty"`
}

// Clone returns a deep copy so a cycle can build the next state without
// touching the current one.
func (s InstrumentState) Clone() InstrumentState {
	out := InstrumentState{Instrument: s.Instrument}
	if s.LastEmitted != nil {
		sig := *s.LastEmitted
		sig.Events = append([]EventKind(nil), s.LastEmitted.Events...)
		out.LastEmitted = &sig
	}
	if s.LastSnapshot != nil {
		snap := *s.LastSnapshot
		out.LastSnapshot = &snap
	}
	return out
}
