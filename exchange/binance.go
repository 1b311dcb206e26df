// Package exchange mirrors ledger mutations to Binance USDT-margined
// perpetual futures when the engine runs in live mode. In simulation mode
// nothing in this package is constructed.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-perp-trader/config"
	"ai-perp-trader/logger"
)

const (
	MainnetURL = "https://fapi.binance.com"
	TestnetURL = "https://testnet.binancefuture.com"
)

// Order types used for entries and protective orders.
const (
	orderMarket     = "MARKET"
	orderTakeProfit = "TAKE_PROFIT_MARKET"
	orderStopMarket = "STOP_MARKET"
)

type AccountInfo struct {
	TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
	AvailableBalance      float64 `json:"availableBalance,string"`
	TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64 `json:"totalMarginBalance,string"`
}

type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
	MarkPrice        float64 `json:"markPrice,string"`
}

type Order struct {
	OrderID     int64   `json:"orderId"`
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Price       float64 `json:"price,string"`
	AvgPrice    float64 `json:"avgPrice,string"`
	OrigQty     float64 `json:"origQty,string"`
	ExecutedQty float64 `json:"executedQty,string"`
	UpdateTime  int64   `json:"updateTime"`
}

// Client is the signed REST client. It caches symbol filters and per-symbol
// leverage so repeat orders skip the setup calls.
type Client struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	serverTimeOffset int64

	mu          sync.Mutex
	filters     map[string]SymbolFilter
	leverageSet map[string]int
	marginSet   map[string]bool
}

func NewClient(cfg *config.Config) *Client {
	baseURL := MainnetURL
	if cfg.BinanceTestnet {
		baseURL = TestnetURL
	}

	c := &Client{
		cfg:         cfg,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         logger.New("exchange"),
		filters:     map[string]SymbolFilter{},
		leverageSet: map[string]int{},
		marginSet:   map[string]bool{},
	}
	c.syncServerTime()
	return c
}

// Symbol maps a coin to its USDT perpetual symbol.
func Symbol(coin string) string {
	return strings.ToUpper(coin) + "USDT"
}

// syncServerTime measures the offset to the exchange clock so signed
// timestamps stay inside the recvWindow.
func (c *Client) syncServerTime() {
	localTime := time.Now().UnixMilli()

	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/time")
	if err != nil {
		c.log.Warn().Err(err).Msg("server time sync failed")
		return
	}
	defer resp.Body.Close()

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.log.Warn().Err(err).Msg("server time parse failed")
		return
	}

	c.serverTimeOffset = result.ServerTime - localTime
	c.log.Info().Int64("offset_ms", c.serverTimeOffset).Msg("server time synced")
}

func (c *Client) sign(params url.Values) string {
	timestamp := time.Now().UnixMilli() + c.serverTimeOffset
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.Itoa(c.cfg.BinanceRecvWindow))

	h := hmac.New(sha256.New, []byte(c.cfg.BinanceSecretKey))
	h.Write([]byte(params.Encode()))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	var reqURL string
	var body io.Reader

	if signed {
		params.Set("signature", c.sign(params))
	}

	if method == http.MethodGet || method == http.MethodDelete {
		reqURL = c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		reqURL = c.baseURL + endpoint
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", c.cfg.BinanceAPIKey)
	if method == http.MethodPost || method == http.MethodPut {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// AccountOverview retrieves wallet balances and margin totals.
func (c *Client) AccountOverview(ctx context.Context) (*AccountInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var account AccountInfo
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("parse account info: %w", err)
	}
	return &account, nil
}

// PositionsSnapshot retrieves open positions (non-zero amounts only).
func (c *Client) PositionsSnapshot(ctx context.Context) ([]Position, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	var active []Position
	for _, p := range positions {
		if p.PositionAmt != 0 {
			active = append(active, p)
		}
	}
	return active, nil
}

// ensureSymbolSetup sets margin type and leverage once per symbol, caching
// the result so later orders skip both calls.
func (c *Client) ensureSymbolSetup(ctx context.Context, symbol string, leverage int) error {
	c.mu.Lock()
	marginDone := c.marginSet[symbol]
	currentLev := c.leverageSet[symbol]
	c.mu.Unlock()

	if !marginDone {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("marginType", c.cfg.BinanceMarginType)
		if _, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, true); err != nil {
			// "No need to change margin type" comes back as an error code.
			if !strings.Contains(err.Error(), "-4046") {
				return fmt.Errorf("set margin type for %s: %w", symbol, err)
			}
		}
		c.mu.Lock()
		c.marginSet[symbol] = true
		c.mu.Unlock()
	}

	if leverage > 0 && currentLev != leverage {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("leverage", strconv.Itoa(leverage))
		if _, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
			return fmt.Errorf("set leverage for %s: %w", symbol, err)
		}
		c.mu.Lock()
		c.leverageSet[symbol] = leverage
		c.mu.Unlock()
	}
	return nil
}

// PlaceMarketOrder opens or reduces a position at market. Quantity is
// rounded down to the symbol's lot step and validated against the minimum
// quantity and notional filters before sending.
func (c *Client) PlaceMarketOrder(ctx context.Context, coin, side string, quantity, priceRef float64, leverage int, reduceOnly bool) (*Order, error) {
	symbol := Symbol(coin)
	if err := c.ensureSymbolSetup(ctx, symbol, leverage); err != nil {
		return nil, err
	}

	filter, err := c.filter(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qtyStr, err := filter.RoundQuantity(quantity, priceRef)
	if err != nil {
		return nil, fmt.Errorf("quantity for %s: %w", symbol, err)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderMarket)
	params.Set("quantity", qtyStr)
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	c.log.Info().Str("symbol", symbol).Str("side", side).Str("quantity", qtyStr).
		Bool("reduce_only", reduceOnly).Msg("placing market order")

	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	c.log.Info().Int64("order_id", order.OrderID).Str("status", order.Status).
		Float64("avg_price", order.AvgPrice).Msg("order placed")
	return &order, nil
}

// placeTriggerOrder shares the body of TP and SL placement: closePosition
// trigger orders that flatten the whole position when the mark crosses.
func (c *Client) placeTriggerOrder(ctx context.Context, coin, side, orderType string, stopPrice float64) (*Order, error) {
	symbol := Symbol(coin)
	filter, err := c.filter(ctx, symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("stopPrice", filter.RoundPrice(stopPrice))
	params.Set("closePosition", "true")
	params.Set("workingType", "MARK_PRICE")

	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parse order: %w", err)
	}
	return &order, nil
}

// PlaceTakeProfit arms a TAKE_PROFIT_MARKET order at the target price.
func (c *Client) PlaceTakeProfit(ctx context.Context, coin, closeSide string, target float64) (*Order, error) {
	return c.placeTriggerOrder(ctx, coin, closeSide, orderTakeProfit, target)
}

// PlaceStopLoss arms a STOP_MARKET order at the stop price.
func (c *Client) PlaceStopLoss(ctx context.Context, coin, closeSide string, stop float64) (*Order, error) {
	return c.placeTriggerOrder(ctx, coin, closeSide, orderStopMarket, stop)
}

// ClosePosition flattens a live position with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, coin string, positionAmt, priceRef float64) (*Order, error) {
	side := "SELL"
	quantity := positionAmt
	if positionAmt < 0 {
		side = "BUY"
		quantity = -positionAmt
	}
	return c.PlaceMarketOrder(ctx, coin, side, quantity, priceRef, 0, true)
}

// CancelAllOrders removes every open order for a symbol, used before
// re-arming TP/SL after a partial close.
func (c *Client) CancelAllOrders(ctx context.Context, coin string) error {
	params := url.Values{}
	params.Set("symbol", Symbol(coin))

	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}
