// Package risk gates validated entries against portfolio-level limits and
// computes confidence-based margin sizing.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"

	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/logger"
)

const concentrationLimit = 0.25

// EntryRequest is everything the gate needs to judge one prospective entry.
type EntryRequest struct {
	Coin          string
	Direction     string
	Confidence    float64
	PartialMargin bool
	Regime        string

	// Portfolio snapshot at gate time.
	CurrentBalance  float64
	OpenPositions   int
	PositionMargins map[string]float64 // symbol -> margin_usd
	DirectionCounts map[string]int     // direction -> open count
	CycleCap        int                // min(cycle, MAX_POSITIONS)
}

// Sizing is the approved margin allocation for an entry.
type Sizing struct {
	MarginUSD float64
}

// Manager enforces the ordered pre-trade gates.
type Manager struct {
	cfg *config.Config
	log zerolog.Logger
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg, log: logger.New("risk")}
}

// Approve runs the gates in order and returns the margin sizing, or an error
// naming the first gate that failed. A rejection downgrades the decision to
// hold upstream; it is never fatal.
func (m *Manager) Approve(req EntryRequest) (*Sizing, error) {
	// 1. Position count against the cycle-scaled cap.
	if req.OpenPositions >= req.CycleCap {
		return nil, fmt.Errorf("position limit reached (%d/%d this cycle)", req.OpenPositions, req.CycleCap)
	}

	// Sizing has to be known before the cash-floor and concentration checks.
	margin := m.CalculateMargin(req.CurrentBalance, req.Confidence, req.Regime, req.PartialMargin)

	// 2. Minimum margin, promoted from the calculated value when lower.
	if margin < m.cfg.MinPositionMarginUSD {
		if req.CurrentBalance*(1-m.cfg.CashFloorPct) < m.cfg.MinPositionMarginUSD {
			return nil, fmt.Errorf("cash $%.2f cannot fund the $%.2f minimum margin", req.CurrentBalance, m.cfg.MinPositionMarginUSD)
		}
		m.log.Info().Str("coin", req.Coin).Float64("calculated", margin).
			Float64("promoted", m.cfg.MinPositionMarginUSD).Msg("margin promoted to minimum")
		margin = m.cfg.MinPositionMarginUSD
	}

	// 3. Cash floor after deduction.
	if req.CurrentBalance-margin < m.cfg.CashFloorPct*req.CurrentBalance {
		return nil, fmt.Errorf("entry would breach the %.0f%% cash floor ($%.2f - $%.2f)",
			m.cfg.CashFloorPct*100, req.CurrentBalance, margin)
	}

	// 4. Same-direction saturation in the regime direction.
	if m.saturated(req) {
		return nil, fmt.Errorf("%s saturation: %d positions already %s in a %s regime",
			req.Direction, req.DirectionCounts[req.Direction], req.Direction, req.Regime)
	}

	// 5. Concentration: no position above 25% of cash + total margin.
	totalMargin := margin
	for _, pm := range req.PositionMargins {
		totalMargin += pm
	}
	base := req.CurrentBalance + totalMargin
	if base > 0 {
		if margin/base > concentrationLimit {
			return nil, fmt.Errorf("margin $%.2f exceeds %.0f%% concentration of $%.2f", margin, concentrationLimit*100, base)
		}
		for sym, pm := range req.PositionMargins {
			if pm/base > concentrationLimit {
				return nil, fmt.Errorf("existing %s position would exceed %.0f%% concentration", sym, concentrationLimit*100)
			}
		}
	}

	return &Sizing{MarginUSD: margin}, nil
}

// CalculateMargin is the confidence-based sizing formula with the regime
// multiplier and the optional partial-margin halving.
func (m *Manager) CalculateMargin(cash, confidence float64, regime string, partial bool) float64 {
	margin := cash * m.cfg.ConfidenceSizingFraction * confidence
	margin *= m.cfg.RegimeMultiplier(regime)
	if partial {
		margin *= 0.5
	}
	return margin
}

func (m *Manager) saturated(req EntryRequest) bool {
	var dominant string
	switch req.Regime {
	case "BULLISH":
		dominant = decision.DirectionLong
	case "BEARISH":
		dominant = decision.DirectionShort
	default:
		return false
	}
	return req.Direction == dominant && req.DirectionCounts[dominant] >= m.cfg.SameDirectionLimit
}
