package portfolio

import (
	"fmt"

	"ai-perp-trader/decision"
)

const maxLimitCashPct = 0.15

// profitLevels are the notional-dependent take-profit bands. Larger books
// take profit earlier.
type profitLevels struct {
	level1, level2, level3 float64
	take1, take2, take3    float64
}

func profitLevelsByNotional(notional float64) profitLevels {
	base := profitLevels{take1: 0.25, take2: 0.50, take3: 0.75}
	switch {
	case notional < 300:
		base.level1, base.level2, base.level3 = 0.007, 0.009, 0.011
	case notional < 400:
		base.level1, base.level2, base.level3 = 0.006, 0.008, 0.010
	case notional < 500:
		base.level1, base.level2, base.level3 = 0.005, 0.007, 0.009
	case notional < 600:
		base.level1, base.level2, base.level3 = 0.004, 0.006, 0.008
	default:
		base.level1, base.level2, base.level3 = 0.003, 0.005, 0.007
	}
	return base
}

// lossCutMultiplier scales the margin-based loss threshold: small positions
// tolerate a larger fraction before the cut.
func lossCutMultiplier(marginUSD float64) float64 {
	switch {
	case marginUSD < 30:
		return 0.08
	case marginUSD < 40:
		return 0.07
	case marginUSD < 50:
		return 0.06
	default:
		return 0.05
	}
}

// ExitReport summarizes one exit sweep.
type ExitReport struct {
	Closed       []Trade
	Partials     []Trade
	UpdatedStops []string
}

func (r ExitReport) Changed() bool {
	return len(r.Closed) > 0 || len(r.Partials) > 0 || len(r.UpdatedStops) > 0
}

// maximumLimitLocked is the partial-sale floor: the fixed minimum or 15% of
// cash, whichever is larger. A sale never leaves less margin than this.
func (l *Ledger) maximumLimitLocked() float64 {
	if pct := l.currentBalance * maxLimitCashPct; pct > l.cfg.MinPartialMarginUSD {
		return pct
	}
	return l.cfg.MinPartialMarginUSD
}

// adjustPartialLocked clamps a proposed sale fraction so the remaining margin
// stays above the limit. Returns (fraction, forceClose).
func (l *Ledger) adjustPartialLocked(pos *Position, proposed float64) (float64, bool) {
	limit := l.maximumLimitLocked()
	if pos.MarginUSD <= limit {
		// Too small to trim. Close the whole position instead.
		return 0, true
	}
	if remaining := pos.MarginUSD * (1 - proposed); remaining >= limit {
		return proposed, false
	}
	return (pos.MarginUSD - limit) / pos.MarginUSD, false
}

// forcedExitReasonLocked checks the unconditional closes: stall timeout and
// the margin-based loss cut.
func (l *Ledger) forcedExitReasonLocked(pos *Position, price float64) string {
	if pos.LossCycleCount >= l.cfg.StallCycleLimit && pos.UnrealizedPnL <= 0 {
		return fmt.Sprintf("Position negative for %d cycles", pos.LossCycleCount)
	}

	threshold := pos.MarginUSD * lossCutMultiplier(pos.MarginUSD)
	var lossUSD float64
	if pos.Direction == decision.DirectionLong {
		lossUSD = (pos.EntryPrice - price) * pos.Quantity
	} else {
		lossUSD = (price - pos.EntryPrice) * pos.Quantity
	}
	if threshold > 0 && lossUSD >= threshold {
		return fmt.Sprintf("Margin-based loss cut $%.2f >= $%.2f", lossUSD, threshold)
	}
	return ""
}

func positionGain(pos *Position, price float64) float64 {
	if pos.Direction == decision.DirectionLong {
		return (price - pos.EntryPrice) / pos.EntryPrice
	}
	return (pos.EntryPrice - price) / pos.EntryPrice
}

// trailingStop returns the tightened stop for the current gain band, or 0
// when no band is reached.
func trailingStop(pos *Position, gain float64, levels profitLevels) float64 {
	var offset float64
	switch {
	case gain >= levels.level2:
		offset = levels.level1
	case gain >= levels.level1:
		offset = levels.level1 * 0.5
	default:
		return 0
	}
	if pos.Direction == decision.DirectionLong {
		return pos.EntryPrice * (1 + offset)
	}
	return pos.EntryPrice * (1 - offset)
}

// stopTightens reports whether the candidate stop is strictly tighter than
// the current one (or no stop is set). Stops only ever move toward profit.
func stopTightens(pos *Position, candidate float64) bool {
	if pos.ExitPlan.StopLoss == nil {
		return true
	}
	if pos.Direction == decision.DirectionLong {
		return candidate > *pos.ExitPlan.StopLoss
	}
	return candidate < *pos.ExitPlan.StopLoss
}

// CheckExits sweeps every open position against fresh prices, applying the
// exit layers in order: stall/loss-cut close, tiered profit taking, trailing
// stop tightening, then the position's own hard TP/SL. It is called from
// both the decision loop and the background exit monitor.
func (l *Ledger) CheckExits(prices map[string]float64) ExitReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	var report ExitReport
	for _, coin := range l.openCoinsLocked() {
		pos, ok := l.positions[coin]
		if !ok {
			continue
		}
		price, valid := prices[coin]
		if !valid || price <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = unrealized(pos, price)

		if reason := l.forcedExitReasonLocked(pos, price); reason != "" {
			if trade, err := l.closeLocked(coin, price, reason); err == nil {
				report.Closed = append(report.Closed, *trade)
			}
			continue
		}

		gain := positionGain(pos, price)
		levels := profitLevelsByNotional(pos.NotionalUSD)

		// Tiered profit taking, highest band first.
		var take, band float64
		switch {
		case gain >= levels.level3:
			take, band = levels.take3, levels.level3
		case gain >= levels.level2:
			take, band = levels.take2, levels.level2
		case gain >= levels.level1:
			take, band = levels.take1, levels.level1
		}
		if take > 0 {
			fraction, forceClose := l.adjustPartialLocked(pos, take)
			if forceClose {
				reason := fmt.Sprintf("Position margin $%.2f at sale floor during profit taking", pos.MarginUSD)
				if trade, err := l.closeLocked(coin, price, reason); err == nil {
					report.Closed = append(report.Closed, *trade)
				}
				continue
			}
			if fraction > 0 {
				reason := fmt.Sprintf("Profit taking at %.1f%% gain (%.0f%%)", band*100, fraction*100)
				if trade, err := l.partialCloseLocked(coin, price, fraction, reason); err == nil {
					report.Partials = append(report.Partials, *trade)
				}
			}
		}

		// Trailing stop tightening on the remaining position.
		if stop := trailingStop(pos, gain, levels); stop > 0 && stopTightens(pos, stop) {
			s := stop
			pos.ExitPlan.StopLoss = &s
			report.UpdatedStops = append(report.UpdatedStops, coin)
			l.log.Info().Str("coin", coin).Float64("stop", s).
				Float64("gain_pct", gain*100).Msg("trailing stop tightened")
		}

		// Hard TP/SL from the exit plan.
		reason := ""
		if tp := pos.ExitPlan.ProfitTarget; tp != nil {
			if (pos.Direction == decision.DirectionLong && price >= *tp) ||
				(pos.Direction == decision.DirectionShort && price <= *tp) {
				reason = fmt.Sprintf("Profit target %.4f hit", *tp)
			}
		}
		if reason == "" {
			if sl := pos.ExitPlan.StopLoss; sl != nil {
				if (pos.Direction == decision.DirectionLong && price <= *sl) ||
					(pos.Direction == decision.DirectionShort && price >= *sl) {
					reason = fmt.Sprintf("Stop loss %.4f hit", *sl)
				}
			}
		}
		if reason != "" {
			if trade, err := l.closeLocked(coin, price, reason); err == nil {
				report.Closed = append(report.Closed, *trade)
			}
		}
	}

	if report.Changed() {
		l.saveLocked()
	}
	return report
}

func (l *Ledger) openCoinsLocked() []string {
	coins := make([]string, 0, len(l.positions))
	for coin := range l.positions {
		coins = append(coins, coin)
	}
	return coins
}
