// Package llm calls the chat-completions model that produces trading
// decisions, with a cache-replay/safe-hold fallback ladder for outages.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/logger"
	"ai-perp-trader/store"
)

// Response sources, recorded on each cycle for the audit trail.
const (
	SourceModel      = "model"
	SourceReplay     = "cache_replay"
	SourceSafeHold   = "safe_hold"
	SourceSimulation = "simulation"
)

const (
	requestTimeout  = 120 * time.Second
	maxAttempts     = 3
	replayLookback  = 5
	maxOutputTokens = 4096
)

const systemPrompt = `You are a systematic perpetual-futures trading model. You receive numerical
market data (3m and 4h indicator series, ordered oldest to newest), account
state, and open positions, and you respond with trade decisions.

Rules:
- Base every decision on the supplied data only.
- Signals: buy_to_enter, sell_to_enter, hold, close_position. For coins with
  an open position only hold or close_position are valid.
- Every entry needs a full exit plan: profit_target, stop_loss, and an
  explicit invalidation_condition.
- Submit 10x leverage on entries; margin sizing is enforced downstream.
- Counter-trend entries (direction against the 4h trend) need confidence
  above 0.75 and the prompt's checklist at 3/5 or better.
- Minimum confidence is 0.4.

Respond with a CHAIN_OF_THOUGHTS section followed by a DECISIONS section
containing a single JSON object keyed by coin, for example:

DECISIONS
{
  "XRP": {
    "signal": "buy_to_enter",
    "leverage": 10,
    "confidence": 0.75,
    "profit_target": 0.56,
    "stop_loss": 0.48,
    "invalidation_condition": "If 4h price closes below 4h EMA20"
  },
  "SOL": { "signal": "hold" }
}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client talks to a DeepSeek-compatible chat-completions endpoint.
type Client struct {
	cfg        *config.Config
	st         *store.Store
	httpc      *http.Client
	base       string
	backoffMin time.Duration
	log        zerolog.Logger
}

func NewClient(cfg *config.Config, st *store.Store) *Client {
	return &Client{
		cfg:        cfg,
		st:         st,
		httpc:      &http.Client{Timeout: requestTimeout},
		base:       strings.TrimRight(cfg.LLMBaseURL, "/"),
		backoffMin: 2 * time.Second,
		log:        logger.New("llm"),
	}
}

// Decide sends the prompt and returns the raw model text plus its source.
// It never fails: outages degrade to cached replay or safe-hold text that
// flows through the normal parser.
func (c *Client) Decide(ctx context.Context, prompt string) (string, string) {
	if c.cfg.LLMAPIKey == "" {
		c.log.Warn().Msg("no API key configured, using simulation response")
		return simulationResponse, SourceSimulation
	}

	raw, err := c.call(ctx, prompt)
	if err == nil {
		return raw, SourceModel
	}

	c.log.Error().Err(err).Msg("model call failed")
	if isTransient(err) {
		return c.fallback(err.Error())
	}
	return decision.SafeHoldResponse(c.cfg.Coins, "Safe mode: holding due to API error"), SourceSafeHold
}

// call performs the HTTP request with backoff retries on 429/5xx.
func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.LLMModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		return "", err
	}

	b := &backoff.Backoff{Min: c.backoffMin, Max: 30 * time.Second, Factor: 2}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		content, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("model request retry")
	}
	return "", lastErr
}

func (c *Client) doRequest(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, err
	}
	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", retryable, fmt.Errorf("model API http %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", false, errors.New("model API returned no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// fallback replays the most recent cached cycle that carried entry signals,
// scanning the last five records; with nothing replayable it holds everything.
func (c *Client) fallback(reason string) (string, string) {
	var history []decision.CycleRecord
	if found, err := c.st.Read(store.DocCycleHistory, &history); err == nil && found {
		start := len(history) - replayLookback
		if start < 0 {
			start = 0
		}
		for i := len(history) - 1; i >= start; i-- {
			rec := history[i]
			if len(rec.Decisions) == 0 {
				continue
			}
			resp := decision.Response{Decisions: rec.Decisions}
			if resp.HasEntrySignal() {
				c.log.Info().Int("cycle", rec.Cycle).Msg("replaying cached decisions")
				return decision.ReplayResponse(rec.Decisions), SourceReplay
			}
		}
	}
	return decision.SafeHoldResponse(c.cfg.Coins, "Safe mode: holding due to API error ("+reason+")"), SourceSafeHold
}

// isTransient classifies timeouts and connection failures, which justify
// replaying cached decisions instead of going safe-hold.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"timeout", "connection refused", "connection reset", "http 429", "http 5", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// simulationResponse stands in for the model when no API key is configured.
const simulationResponse = `CHAIN_OF_THOUGHTS
Simulation mode: no model configured. Shorting SOL on simulated 4h resistance, holding everything else.
DECISIONS
{
  "SOL": {
    "signal": "sell_to_enter",
    "leverage": 10,
    "confidence": 0.65,
    "profit_target": 185.0,
    "stop_loss": 198.0,
    "invalidation_condition": "If 4h price closes above 199.0"
  },
  "XRP": { "signal": "hold" },
  "ADA": { "signal": "hold" },
  "DOGE": { "signal": "hold" },
  "JASMY": { "signal": "hold" },
  "LINK": { "signal": "hold" }
}`
