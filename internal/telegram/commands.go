package telegram

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/sigwatch/internal/models"
)

// Watchlist is the subscription registry edited by the bot commands.
type Watchlist interface {
	AddInstrument(symbol string) (bool, error)
	RemoveInstrument(symbol string) (bool, error)
	ListInstruments() ([]string, error)
}

// HandleWatchlist registers /watch, /unwatch and /list against w. onChange, if
// not nil, runs after every successful edit with the symbol and whether it is
// now watched.
func (c *Client) HandleWatchlist(w Watchlist, onChange func(symbol string, watched bool)) {
	c.Handle("watch", func(args string) string {
		symbol, err := models.NormalizeInstrument(args)
		if err != nil {
			return "Usage: /watch BTC/USDT"
		}
		added, err := w.AddInstrument(symbol)
		if err != nil {
			return fmt.Sprintf("Failed to watch %s: %v", symbol, err)
		}
		if !added {
			return symbol + " is already on the watchlist"
		}
		if onChange != nil {
			onChange(symbol, true)
		}
		return "Watching " + symbol
	})

	c.Handle("unwatch", func(args string) string {
		symbol, err := models.NormalizeInstrument(args)
		if err != nil {
			return "Usage: /unwatch BTC/USDT"
		}
		removed, err := w.RemoveInstrument(symbol)
		if err != nil {
			return fmt.Sprintf("Failed to unwatch %s: %v", symbol, err)
		}
		if !removed {
			return symbol + " is not on the watchlist"
		}
		if onChange != nil {
			onChange(symbol, false)
		}
		return "Stopped watching " + symbol
	})

	c.Handle("list", func(string) string {
		symbols, err := w.ListInstruments()
		if err != nil {
			return fmt.Sprintf("Failed to list instruments: %v", err)
		}
		if len(symbols) == 0 {
			return "Watchlist is empty"
		}
		return fmt.Sprintf("Watching %d instruments:\n%s", len(symbols), strings.Join(symbols, "\n"))
	})
}

// SignalHistory reads the emitted signal log.
type SignalHistory interface {
	GetRecentSignals(instrument string, limit int) ([]models.Signal, error)
}

const recentLimit = 5

// HandleHistory registers /recent SYMBOL.
func (c *Client) HandleHistory(h SignalHistory) {
	c.Handle("recent", func(args string) string {
		symbol, err := models.NormalizeInstrument(args)
		if err != nil {
			return "Usage: /recent BTC/USDT"
		}
		signals, err := h.GetRecentSignals(symbol, recentLimit)
		if err != nil {
			return fmt.Sprintf("Failed to load signals for %s: %v", symbol, err)
		}
		if len(signals) == 0 {
			return "No signals for " + symbol
		}
		lines := make([]string, 0, len(signals))
		for _, sig := range signals {
			lines = append(lines, fmt.Sprintf("%s %s %s %.0f%% @%v",
				sig.Timestamp.UTC().Format("01-02 15:04"), sig.Strength, sig.Direction, sig.Confidence*100, sig.Price))
		}
		return fmt.Sprintf("Recent signals for %s:\n%s", symbol, strings.Join(lines, "\n"))
	})
}
