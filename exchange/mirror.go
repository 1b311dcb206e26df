package exchange

import (
	"context"
	"fmt"
	"math"
)

// LocalPosition is the ledger's view of one position, used for startup
// reconciliation against the live account.
type LocalPosition struct {
	Direction string
	Quantity  float64
}

func entrySide(direction string) (string, string) {
	if direction == "short" {
		return "SELL", "BUY"
	}
	return "BUY", "SELL"
}

// Startup preloads symbol filters and reconciles local positions against the
// exchange. Live trading must not begin before this succeeds.
func (c *Client) Startup(ctx context.Context, local map[string]LocalPosition) error {
	if err := c.LoadFilters(ctx); err != nil {
		return err
	}
	return c.Reconcile(ctx, local)
}

// Reconcile compares the ledger's positions with the live account and logs
// every divergence. The ledger stays authoritative; mismatches are operator
// signals, not auto-corrections.
func (c *Client) Reconcile(ctx context.Context, local map[string]LocalPosition) error {
	live, err := c.PositionsSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	liveBySymbol := map[string]Position{}
	for _, p := range live {
		liveBySymbol[p.Symbol] = p
	}

	for coin, pos := range local {
		symbol := Symbol(coin)
		lp, ok := liveBySymbol[symbol]
		if !ok {
			c.log.Warn().Str("coin", coin).Msg("local position missing on exchange")
			continue
		}
		delete(liveBySymbol, symbol)

		liveQty := math.Abs(lp.PositionAmt)
		liveDir := "long"
		if lp.PositionAmt < 0 {
			liveDir = "short"
		}
		if liveDir != pos.Direction {
			c.log.Warn().Str("coin", coin).Str("local", pos.Direction).
				Str("live", liveDir).Msg("position direction mismatch")
		} else if math.Abs(liveQty-pos.Quantity) > pos.Quantity*0.01 {
			c.log.Warn().Str("coin", coin).Float64("local_qty", pos.Quantity).
				Float64("live_qty", liveQty).Msg("position quantity mismatch")
		}
	}

	for symbol := range liveBySymbol {
		c.log.Warn().Str("symbol", symbol).Msg("untracked position on exchange")
	}
	return nil
}

// MirrorOpen places the live entry order and arms the protective TP/SL
// trigger orders.
func (c *Client) MirrorOpen(ctx context.Context, coin, direction string, quantity, price float64, leverage int, profitTarget, stopLoss *float64) error {
	side, closeSide := entrySide(direction)

	if _, err := c.PlaceMarketOrder(ctx, coin, side, quantity, price, leverage, false); err != nil {
		return fmt.Errorf("mirror open %s: %w", coin, err)
	}

	if profitTarget != nil {
		if _, err := c.PlaceTakeProfit(ctx, coin, closeSide, *profitTarget); err != nil {
			c.log.Error().Err(err).Str("coin", coin).Msg("arm take profit failed")
		}
	}
	if stopLoss != nil {
		if _, err := c.PlaceStopLoss(ctx, coin, closeSide, *stopLoss); err != nil {
			c.log.Error().Err(err).Str("coin", coin).Msg("arm stop loss failed")
		}
	}
	return nil
}

// MirrorClose reduces or flattens the live position. Full closes cancel
// outstanding trigger orders first so nothing re-fires on a flat book.
func (c *Client) MirrorClose(ctx context.Context, coin, direction string, quantity, price float64, full bool) error {
	_, closeSide := entrySide(direction)

	if full {
		if err := c.CancelAllOrders(ctx, coin); err != nil {
			c.log.Error().Err(err).Str("coin", coin).Msg("cancel open orders failed")
		}
	}
	if _, err := c.PlaceMarketOrder(ctx, coin, closeSide, quantity, price, 0, true); err != nil {
		return fmt.Errorf("mirror close %s: %w", coin, err)
	}
	return nil
}

// MirrorStopUpdate re-arms the stop loss after a trailing update: cancel the
// old trigger orders and place the new stop (and TP, when still set).
func (c *Client) MirrorStopUpdate(ctx context.Context, coin, direction string, profitTarget, stopLoss *float64) error {
	_, closeSide := entrySide(direction)

	if err := c.CancelAllOrders(ctx, coin); err != nil {
		return fmt.Errorf("cancel before stop update %s: %w", coin, err)
	}
	if profitTarget != nil {
		if _, err := c.PlaceTakeProfit(ctx, coin, closeSide, *profitTarget); err != nil {
			c.log.Error().Err(err).Str("coin", coin).Msg("re-arm take profit failed")
		}
	}
	if stopLoss != nil {
		if _, err := c.PlaceStopLoss(ctx, coin, closeSide, *stopLoss); err != nil {
			return fmt.Errorf("re-arm stop loss %s: %w", coin, err)
		}
	}
	return nil
}
