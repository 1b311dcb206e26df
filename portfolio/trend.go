package portfolio

import (
	"fmt"
	"sort"

	"ai-perp-trader/decision"
	"ai-perp-trader/market"
)

// trendRecord is the per-coin trend memory, persisted with the state file so
// the flip cooldown survives restarts.
type trendRecord struct {
	Trend         string `json:"trend"`
	LastFlipCycle int    `json:"last_flip_cycle"`
	LastSeenCycle int    `json:"last_seen_cycle"`
}

// TrendInfo is what one trend update reports back to the cycle.
type TrendInfo struct {
	Trend         string
	RecentFlip    bool
	LastFlipCycle int
}

// UpdateTrend classifies the 4h trend for a coin, applies the intraday
// neutral downgrade, and tracks flips against the cooldown window.
func (l *Ledger) UpdateTrend(coin string, htf, ltf *market.Indicators, cycle int) TrendInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	if htf == nil || htf.EMA20 == nil || *htf.EMA20 == 0 {
		return TrendInfo{Trend: decision.TrendUnknown}
	}

	delta := (htf.CurrentPrice - *htf.EMA20) / *htf.EMA20
	trend := decision.TrendNeutral
	if delta > l.cfg.EMANeutralBandPct {
		trend = decision.TrendBullish
	} else if delta < -l.cfg.EMANeutralBandPct {
		trend = decision.TrendBearish
	}

	// Intraday disagreement at an RSI extreme downgrades to neutral.
	if ltf != nil && ltf.EMA20 != nil && ltf.RSI14 != nil {
		intradayBullish := ltf.CurrentPrice >= *ltf.EMA20
		switch {
		case trend == decision.TrendBearish && intradayBullish && *ltf.RSI14 >= l.cfg.IntradayNeutralRSIHi:
			trend = decision.TrendNeutral
		case trend == decision.TrendBullish && !intradayBullish && *ltf.RSI14 <= l.cfg.IntradayNeutralRSILo:
			trend = decision.TrendNeutral
		}
	}

	rec, ok := l.trendState[coin]
	if !ok {
		rec = &trendRecord{Trend: trend, LastFlipCycle: cycle}
		l.trendState[coin] = rec
	}

	recentFlip := false
	if rec.Trend != trend {
		rec.Trend = trend
		if trend != decision.TrendNeutral {
			rec.LastFlipCycle = cycle
			recentFlip = true
		}
	} else if trend != decision.TrendNeutral && cycle-rec.LastFlipCycle <= l.cfg.TrendFlipCooldown {
		recentFlip = true
	}
	rec.LastSeenCycle = cycle

	return TrendInfo{Trend: trend, RecentFlip: recentFlip, LastFlipCycle: rec.LastFlipCycle}
}

// RecentFlipSummary lists coins whose trend flipped within the cooldown
// window, for the prompt's flip-guard section.
func (l *Ledger) RecentFlipSummary(cycle int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	coins := make([]string, 0, len(l.trendState))
	for coin := range l.trendState {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	var out []string
	for _, coin := range coins {
		rec := l.trendState[coin]
		if rec.LastFlipCycle == 0 {
			continue
		}
		if cycle-rec.LastFlipCycle <= l.cfg.TrendFlipCooldown {
			out = append(out, fmt.Sprintf("%s: %s since cycle %d", coin, rec.Trend, rec.LastFlipCycle))
		}
	}
	return out
}
