package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rewired-gh/sigwatch/internal/models"
)

// priorityCoins are listed first, in this order, when present.
var priorityCoins = []string{
	"BTC", "ETH", "BNB", "XRP", "ADA", "SOL", "DOGE", "DOT", "MATIC", "SHIB",
	"AVAX", "TRX", "LINK", "UNI", "LTC", "BCH", "NEAR", "ATOM", "FTM", "MANA",
	"SAND", "ALGO", "ICP", "VET", "FIL", "HBAR", "ETC", "THETA", "XLM", "AAVE",
	"PEPE", "ARB", "OP", "APT", "SUI", "SEI", "INJ", "TIA", "WLD", "JUP",
}

// leveragedSuffixes mark leveraged and inverse tokens such as BTC3L or ETHBEAR.
var leveragedSuffixes = []string{"UP", "DOWN", "3L", "3S", "BEAR", "BULL"}

type instrument struct {
	InstID string `json:"instId"`
	State  string `json:"state"`
}

// ListSwapInstruments returns the live USDT-margined perpetual swaps as
// BTC/USDT symbols, priority coins first. Leveraged tokens and MOVE contracts
// are skipped. A positive limit truncates the result.
func (c *Client) ListSwapInstruments(ctx context.Context, limit int) ([]string, error) {
	payload, err := c.doRequest(ctx, c.cfg.BaseURL+"/api/v5/public/instruments?instType=SWAP")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	var rows []instrument
	if err := json.Unmarshal(payload.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode instruments: %w", err)
	}

	available := make(map[string]bool, len(rows))
	var ordered []string
	for _, row := range rows {
		if row.State != "" && row.State != "live" {
			continue
		}
		base, ok := strings.CutSuffix(row.InstID, "-USDT-SWAP")
		if !ok || excluded(base) {
			continue
		}
		symbol, err := models.NormalizeInstrument(base + "/USDT")
		if err != nil || available[symbol] {
			continue
		}
		available[symbol] = true
		ordered = append(ordered, symbol)
	}

	out := make([]string, 0, len(ordered))
	for _, coin := range priorityCoins {
		if symbol := coin + "/USDT"; available[symbol] {
			out = append(out, symbol)
			delete(available, symbol)
		}
	}
	for _, symbol := range ordered {
		if available[symbol] {
			out = append(out, symbol)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func excluded(base string) bool {
	if strings.HasPrefix(base, "MOVE") {
		return true
	}
	for _, suffix := range leveragedSuffixes {
		// JUP is a coin, BTCUP is not.
		if rest, ok := strings.CutSuffix(base, suffix); ok && len(rest) >= 3 {
			return true
		}
	}
	return false
}
