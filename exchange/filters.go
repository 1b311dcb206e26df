package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

// SymbolFilter holds the exchange's trading constraints for one symbol.
type SymbolFilter struct {
	Symbol      string
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			TickSize    string `json:"tickSize"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// LoadFilters preloads symbol filters from exchangeInfo. Called once on
// startup before any order is placed.
func (c *Client) LoadFilters(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, false)
	if err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("parse exchange info: %w", err)
	}

	loaded := map[string]SymbolFilter{}
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		filter := SymbolFilter{Symbol: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				filter.StepSize, _ = decimal.NewFromString(f.StepSize)
				filter.MinQty, _ = decimal.NewFromString(f.MinQty)
			case "PRICE_FILTER":
				filter.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "MIN_NOTIONAL":
				notional := f.Notional
				if notional == "" {
					notional = f.MinNotional
				}
				filter.MinNotional, _ = decimal.NewFromString(notional)
			}
		}
		loaded[sym.Symbol] = filter
	}

	c.mu.Lock()
	c.filters = loaded
	c.mu.Unlock()

	c.log.Info().Int("symbols", len(loaded)).Msg("symbol filters loaded")
	return nil
}

// filter returns the cached filter for a symbol, loading the table first if
// startup preload was skipped.
func (c *Client) filter(ctx context.Context, symbol string) (SymbolFilter, error) {
	c.mu.Lock()
	f, ok := c.filters[symbol]
	loaded := len(c.filters) > 0
	c.mu.Unlock()
	if ok {
		return f, nil
	}
	if !loaded {
		if err := c.LoadFilters(ctx); err != nil {
			return SymbolFilter{}, err
		}
		c.mu.Lock()
		f, ok = c.filters[symbol]
		c.mu.Unlock()
		if ok {
			return f, nil
		}
	}
	return SymbolFilter{}, fmt.Errorf("no filter for symbol %s", symbol)
}

// RoundQuantity rounds a quantity down to the lot step and validates the
// minimum quantity and notional constraints against the reference price.
func (f SymbolFilter) RoundQuantity(quantity, priceRef float64) (string, error) {
	qty := decimal.NewFromFloat(quantity)
	if f.StepSize.IsPositive() {
		qty = qty.Div(f.StepSize).Floor().Mul(f.StepSize)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("quantity %.8f rounds to zero (step %s)", quantity, f.StepSize)
	}
	if f.MinQty.IsPositive() && qty.LessThan(f.MinQty) {
		return "", fmt.Errorf("quantity %s below minimum %s", qty, f.MinQty)
	}
	if f.MinNotional.IsPositive() && priceRef > 0 {
		notional := qty.Mul(decimal.NewFromFloat(priceRef))
		if notional.LessThan(f.MinNotional) {
			return "", fmt.Errorf("notional %s below minimum %s", notional.StringFixed(2), f.MinNotional)
		}
	}
	return qty.String(), nil
}

// RoundPrice snaps a price to the tick grid.
func (f SymbolFilter) RoundPrice(price float64) string {
	p := decimal.NewFromFloat(price)
	if f.TickSize.IsPositive() {
		p = p.Div(f.TickSize).Round(0).Mul(f.TickSize)
	}
	return p.String()
}
