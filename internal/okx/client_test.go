package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/sigwatch/internal/models"
)

const candlesBody = `{"code":"0","msg":"","data":[
 ["1714521720000","101","102","100","101.5","12","0","0","0"],
 ["1714521660000","100","101.5","99.5","101","10","0","0","1"],
 ["1714521600000","99","100.5","98.5","100","8","0","0","1"]
]}`

func newTestClient(url string) *Client {
	return NewClient(Config{
		BaseURL:        url,
		Bar:            "1m",
		Swap:           true,
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RateLimit:      1000,
		RateBurst:      100,
	})
}

func TestFetchSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/market/candles" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("instId") != "BTC-USDT-SWAP" || q.Get("bar") != "1m" || q.Get("limit") != "3" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(candlesBody))
	}))
	defer server.Close()

	bars, err := newTestClient(server.URL).FetchSeries(context.Background(), "BTC/USDT", 3)
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(bars) != 3 {
		t.Fatalf("expected 3 bars, got %d", len(bars))
	}
	if bars[0].Close != 100 || bars[2].Close != 101.5 {
		t.Errorf("bars not ordered oldest first: %+v", bars)
	}
	if !bars[0].Timestamp.Equal(time.UnixMilli(1714521600000)) {
		t.Errorf("unexpected first timestamp %v", bars[0].Timestamp)
	}
	if bars[1].Volume != 10 || bars[1].High != 101.5 || bars[1].Low != 99.5 {
		t.Errorf("unexpected bar fields: %+v", bars[1])
	}
}

func TestFetchSeriesConfirmedOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(candlesBody))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.cfg.ConfirmedOnly = true
	bars, err := c.FetchSeries(context.Background(), "BTC/USDT", 3)
	if err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 101 {
		t.Errorf("forming candle should be dropped, got %+v", bars)
	}
}

func TestFetchSeriesRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(candlesBody))
	}))
	defer server.Close()

	bars, err := newTestClient(server.URL).FetchSeries(context.Background(), "ETH/USDT", 3)
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if len(bars) != 3 || calls.Load() != 3 {
		t.Errorf("bars=%d calls=%d", len(bars), calls.Load())
	}
}

func TestFetchSeriesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
	}{
		{"persistent 500", http.StatusInternalServerError, "", 3},
		{"rate limited 429", http.StatusTooManyRequests, "", 3},
		{"bad request not retried", http.StatusBadRequest, `{"code":"51001","msg":"bad instId"}`, 1},
		{"api error code", http.StatusOK, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`, 1},
		{"api rate limit code retried", http.StatusOK, `{"code":"50011","msg":"Too Many Requests","data":[]}`, 3},
		{"malformed json", http.StatusOK, `{"code":`, 1},
		{"short row", http.StatusOK, `{"code":"0","data":[["1714521600000","1","2"]]}`, 1},
		{"bad number", http.StatusOK, `{"code":"0","data":[["1714521600000","x","2","1","1","1"]]}`, 1},
		{"duplicate timestamps", http.StatusOK, `{"code":"0","data":[["1714521600000","1","2","1","1","1"],["1714521600000","1","2","1","1","1"]]}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).FetchSeries(context.Background(), "BTC/USDT", 10)
			if err == nil {
				t.Fatal("expected error")
			}
			var fe *models.FetchError
			if !errors.As(err, &fe) || fe.Instrument != "BTC/USDT" {
				t.Errorf("expected *models.FetchError, got %T: %v", err, err)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestFetchSeriesContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	c.cfg.RetryBaseDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := c.FetchSeries(ctx, "BTC/USDT", 10); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff should stop when the context is done")
	}
}

func TestFetchSeriesClampsWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "300" {
			t.Errorf("limit = %s, want 300", got)
		}
		_, _ = w.Write([]byte(candlesBody))
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL).FetchSeries(context.Background(), "BTC/USDT", 1000); err != nil {
		t.Fatalf("FetchSeries failed: %v", err)
	}
	if _, err := newTestClient(server.URL).FetchSeries(context.Background(), "BTC/USDT", 0); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestInstIDAndTradeURL(t *testing.T) {
	if got := InstID("BTC/USDT", false); got != "BTC-USDT" {
		t.Errorf("InstID spot = %s", got)
	}
	if got := InstID("eth/usdt", true); got != "ETH-USDT-SWAP" {
		t.Errorf("InstID swap = %s", got)
	}
	if got := TradeURL("BTC/USDT"); got != "https://www.okx.com/trade-swap/btc-usdt-swap" {
		t.Errorf("TradeURL = %s", got)
	}
}
