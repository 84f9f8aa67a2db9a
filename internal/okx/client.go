package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/models"
)

// MaxCandles is the largest page the candles endpoint returns.
const MaxCandles = 300

// rate limit error code returned inside a 200 response
const codeRateLimited = "50011"

// Config holds client settings
type Config struct {
	BaseURL        string
	Bar            string
	Swap           bool
	ConfirmedOnly  bool
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RateLimit      float64
	RateBurst      int
}

// Client provides access to the OKX public market data API
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// apiResponse is the envelope of every v5 REST endpoint
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// NewClient creates a new OKX client. The rate limiter is shared by every
// instrument polled through this client.
func NewClient(cfg Config) *Client {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 20
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// InstID maps BTC/USDT to the exchange instrument id.
func InstID(instrument string, swap bool) string {
	id := strings.ReplaceAll(strings.ToUpper(instrument), "/", "-")
	if swap {
		id += "-SWAP"
	}
	return id
}

// TradeURL links to the perpetual swap trading page of the instrument.
func TradeURL(instrument string) string {
	return "https://www.okx.com/trade-swap/" + strings.ToLower(InstID(instrument, true))
}

// FetchSeries retrieves the latest window candles for instrument, ordered
// oldest first. Every failure is returned as *models.FetchError.
func (c *Client) FetchSeries(ctx context.Context, instrument string, window int) ([]models.PriceBar, error) {
	bars, err := c.fetchSeries(ctx, instrument, window)
	if err != nil {
		return nil, &models.FetchError{Instrument: instrument, Err: err}
	}
	return bars, nil
}

func (c *Client) fetchSeries(ctx context.Context, instrument string, window int) ([]models.PriceBar, error) {
	if window < 1 {
		return nil, fmt.Errorf("window must be positive, got %d", window)
	}
	if window > MaxCandles {
		window = MaxCandles
	}

	u, err := url.Parse(c.cfg.BaseURL + "/api/v5/market/candles")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("instId", InstID(instrument, c.cfg.Swap))
	q.Set("bar", c.cfg.Bar)
	q.Set("limit", strconv.Itoa(window))
	u.RawQuery = q.Encode()

	payload, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(payload.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode candles: %w", err)
	}
	bars, err := parseCandles(rows, c.cfg.ConfirmedOnly)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateSeries(bars); err != nil {
		return nil, fmt.Errorf("malformed series: %w", err)
	}
	return bars, nil
}

// parseCandles converts newest-first rows [ts, o, h, l, c, vol, ..., confirm]
// into an oldest-first series.
func parseCandles(rows [][]string, confirmedOnly bool) ([]models.PriceBar, error) {
	bars := make([]models.PriceBar, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			return nil, fmt.Errorf("candle row %d has %d fields", i, len(row))
		}
		if confirmedOnly && len(row) >= 9 && row[8] == "0" {
			continue
		}

		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("candle row %d: bad timestamp %q", i, row[0])
		}
		var vals [5]float64
		for j := range vals {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("candle row %d: bad number %q", i, row[j+1])
			}
			vals[j] = v
		}

		bars = append(bars, models.PriceBar{
			Timestamp: time.UnixMilli(ms).UTC(),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return bars, nil
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// doRequest performs the GET with rate limiting and exponential backoff retry
func (c *Client) doRequest(ctx context.Context, urlStr string) (*apiResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		payload, err := c.once(ctx, urlStr)
		if err == nil {
			return payload, nil
		}
		var re retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
		lastErr = re.err
		logger.Debug("OKX request attempt %d failed: %v", attempt+1, lastErr)
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) once(ctx context.Context, urlStr string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retryableError{fmt.Errorf("server error: %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var payload apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.Code == codeRateLimited {
		return nil, retryableError{fmt.Errorf("api error %s: %s", payload.Code, payload.Msg)}
	}
	if payload.Code != "0" {
		return nil, fmt.Errorf("api error %s: %s", payload.Code, payload.Msg)
	}
	return &payload, nil
}

// backoff sleeps base * 2^(attempt-1) plus up to half a base of jitter
func (c *Client) backoff(ctx context.Context, attempt int) error {
	base := c.cfg.RetryBaseDelay
	wait := base * time.Duration(1<<(attempt-1))
	wait += time.Duration(rand.Int63n(int64(base)/2 + 1))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
