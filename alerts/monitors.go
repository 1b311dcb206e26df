package alerts

import (
	"fmt"
	"sync"
)

// Monitor thresholds.
const (
	priceWarnPct     = 0.02
	priceCriticalPct = 0.05
	bigTradePnLUSD   = 50.0
	returnAlertPct   = 5.0
	drawdownAlertPct = 10.0
	concentrationPct = 0.30
	portfolioRiskPct = 0.02
)

// Monitors watches cycle-over-cycle changes and raises alerts when they cross
// thresholds. Return and drawdown alerts latch until the metric recovers, so
// they fire once per excursion rather than every cycle.
type Monitors struct {
	m *Manager

	mu            sync.Mutex
	lastPrices    map[string]float64
	peakValue     float64
	returnLatched bool
	ddLatched     bool
	riskLatched   bool
	concLatched   map[string]bool
}

func NewMonitors(m *Manager) *Monitors {
	return &Monitors{
		m:           m,
		lastPrices:  map[string]float64{},
		concLatched: map[string]bool{},
	}
}

// CheckPrices compares against the previous cycle's prices.
func (mo *Monitors) CheckPrices(prices map[string]float64) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	for coin, price := range prices {
		prev, ok := mo.lastPrices[coin]
		if ok && prev > 0 && price > 0 {
			move := (price - prev) / prev
			abs := move
			if abs < 0 {
				abs = -abs
			}
			msg := fmt.Sprintf("%s moved %+.2f%% since last cycle (%.4f -> %.4f)", coin, move*100, prev, price)
			switch {
			case abs >= priceCriticalPct:
				mo.m.Critical(CategoryPriceMovement, msg, map[string]string{"coin": coin})
			case abs >= priceWarnPct:
				mo.m.Warning(CategoryPriceMovement, msg, map[string]string{"coin": coin})
			}
		}
		if price > 0 {
			mo.lastPrices[coin] = price
		}
	}
}

// CheckTrade flags outsized realized pnl.
func (mo *Monitors) CheckTrade(symbol string, pnl float64) {
	abs := pnl
	if abs < 0 {
		abs = -abs
	}
	if abs >= bigTradePnLUSD {
		mo.m.Critical(CategoryTradeExecution,
			fmt.Sprintf("large realized pnl on %s: $%.2f", symbol, pnl),
			map[string]string{"coin": symbol})
	}
}

// CheckExposure watches per-position concentration against deployed capital
// and the aggregate unrealized loss. Both latch like the portfolio checks.
func (mo *Monitors) CheckExposure(cash float64, margins map[string]float64, totalValue float64) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	base := cash
	for _, m := range margins {
		base += m
	}
	if base <= 0 {
		return
	}

	for coin, margin := range margins {
		share := margin / base
		if share > concentrationPct {
			if !mo.concLatched[coin] {
				mo.concLatched[coin] = true
				mo.m.Warning(CategoryRiskLimit,
					fmt.Sprintf("%s holds %.1f%% of deployed capital", coin, share*100),
					map[string]string{"coin": coin})
			}
		} else {
			delete(mo.concLatched, coin)
		}
	}
	for coin := range mo.concLatched {
		if _, open := margins[coin]; !open {
			delete(mo.concLatched, coin)
		}
	}

	if unrealized := totalValue - base; unrealized < 0 && -unrealized/base >= portfolioRiskPct {
		if !mo.riskLatched {
			mo.riskLatched = true
			mo.m.Warning(CategoryRiskLimit,
				fmt.Sprintf("unrealized loss $%.2f exceeds %.0f%% of capital", -unrealized, portfolioRiskPct*100), nil)
		}
	} else {
		mo.riskLatched = false
	}
}

// CheckPortfolio watches total return and peak drawdown.
func (mo *Monitors) CheckPortfolio(totalValue, returnPct float64) {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	if totalValue > mo.peakValue {
		mo.peakValue = totalValue
	}

	abs := returnPct
	if abs < 0 {
		abs = -abs
	}
	if abs >= returnAlertPct {
		if !mo.returnLatched {
			mo.returnLatched = true
			mo.m.Warning(CategoryPerformance,
				fmt.Sprintf("total return crossed %+.2f%%", returnPct), nil)
		}
	} else {
		mo.returnLatched = false
	}

	if mo.peakValue > 0 {
		dd := (mo.peakValue - totalValue) / mo.peakValue * 100
		if dd >= drawdownAlertPct {
			if !mo.ddLatched {
				mo.ddLatched = true
				mo.m.Critical(CategoryRiskLimit,
					fmt.Sprintf("drawdown %.2f%% from peak $%.2f", dd, mo.peakValue), nil)
			}
		} else {
			mo.ddLatched = false
		}
	}
}
