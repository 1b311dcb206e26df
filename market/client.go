package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// ErrInsufficientData is returned when a coin's candle feed cannot produce a
// trustworthy payload. Callers skip the coin for the cycle; it is never a
// trading signal.
var ErrInsufficientData = errors.New("insufficient market data")

const (
	defaultSpotURL    = "https://api.binance.com/api/v3"
	defaultFuturesURL = "https://fapi.binance.com/fapi/v1"
)

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type restClient struct {
	http *http.Client
}

func newRESTClient(timeout time.Duration) *restClient {
	return &restClient{
		http: &http.Client{Timeout: timeout},
	}
}

func (c *restClient) getJSON(ctx context.Context, base, path string, params url.Values, dest interface{}) error {
	endpoint := base + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, truncateBody(body))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// getJSONRetry retries transient failures with exponential backoff (1s, 2s, 4s).
func (c *restClient) getJSONRetry(ctx context.Context, base, path string, params url.Values, dest interface{}) error {
	bo := &backoff.Backoff{Min: time.Second, Max: 4 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = c.getJSON(ctx, base, path, params, dest)
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sig := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"http 429",
		"http 5",
		"EOF",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// parseKlines decodes the Binance kline array-of-arrays payload.
func parseKlines(raw [][]interface{}) ([]Kline, error) {
	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed kline row with %d fields", len(row))
		}
		openTime, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("malformed kline open time")
		}
		k := Kline{OpenTime: time.UnixMilli(int64(openTime))}
		vals := make([]float64, 5)
		for i := 1; i <= 5; i++ {
			s, ok := row[i].(string)
			if !ok {
				return nil, fmt.Errorf("malformed kline field %d", i)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed kline number %q: %w", s, err)
			}
			vals[i-1] = f
		}
		k.Open, k.High, k.Low, k.Close, k.Volume = vals[0], vals[1], vals[2], vals[3], vals[4]
		klines = append(klines, k)
	}
	return klines, nil
}
