package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/market"
	"ai-perp-trader/store"
)

func f(v float64) *float64 { return &v }

func testConfig() *config.Config {
	return &config.Config{
		InitialBalance:        200,
		MaintenanceMarginRate: 0.01,
		MinPartialMarginUSD:   15,
		StallCycleLimit:       10,
		EMANeutralBandPct:     0.0015,
		IntradayNeutralRSIHi:  60,
		IntradayNeutralRSILo:  40,
		TrendFlipCooldown:     3,
	}
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	return New(testConfig(), st, nil)
}

func TestOpenAndClose(t *testing.T) {
	l := newTestLedger(t)

	pos, err := l.Open("XRP", decision.DirectionLong, 2.0, 50, 10, 1.0, 0.8,
		ExitPlan{ProfitTarget: f(2.2), StopLoss: f(1.9)}, decision.TrendBullish, 1)
	require.NoError(t, err)

	assert.InDelta(t, 500.0, pos.NotionalUSD, 1e-9)
	assert.InDelta(t, 250.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.0, l.Balance(), 1e-9)
	// liq = entry * (1 - (1/10 - 0.01))
	assert.InDelta(t, 1.82, pos.LiquidationPrice, 1e-9)

	trade, err := l.Close("XRP", 2.1, "test close")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, trade.PnL, 1e-9)
	assert.NotEmpty(t, trade.ID)
	assert.InDelta(t, 225.0, l.Balance(), 1e-9)
	assert.Equal(t, 1, l.TradeCount())
	assert.False(t, l.HasPosition("XRP"))

	bias := l.BiasMetrics()[decision.DirectionLong]
	assert.Equal(t, 1, bias.Trades)
	assert.Equal(t, 1, bias.Wins)
	assert.InDelta(t, 25.0, bias.NetPnL, 1e-9)
}

func TestOpenRejections(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Open("XRP", decision.DirectionLong, 2.0, 50, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	_, err = l.Open("XRP", decision.DirectionLong, 2.0, 20, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	assert.ErrorContains(t, err, "already open")

	_, err = l.Open("SOL", decision.DirectionLong, 100, 500, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	assert.ErrorContains(t, err, "exceeds cash")

	_, err = l.Open("SOL", decision.DirectionLong, 0, 20, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	assert.ErrorContains(t, err, "invalid price")
}

func TestOpenShortWithSizeMultiplier(t *testing.T) {
	l := newTestLedger(t)

	pos, err := l.Open("SOL", decision.DirectionShort, 100, 50, 10, 1.15, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	// Size multiplier scales notional only; margin stays as approved.
	assert.InDelta(t, 575.0, pos.NotionalUSD, 1e-9)
	assert.InDelta(t, 50.0, pos.MarginUSD, 1e-9)
	assert.InDelta(t, 5.75, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.0, l.Balance(), 1e-9)
	// Short liquidation sits above entry.
	assert.InDelta(t, 109.0, pos.LiquidationPrice, 1e-9)
}

func TestMarkToMarketAndLossWatch(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open("XRP", decision.DirectionLong, 2.0, 50, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	watches := l.MarkToMarket(map[string]float64{"XRP": 1.99}, true)
	assert.Empty(t, watches)

	pos := l.Positions()["XRP"]
	assert.InDelta(t, -2.5, pos.UnrealizedPnL, 1e-9)
	assert.Equal(t, 1, pos.LossCycleCount)
	// total = cash 150 + margin 50 + pnl -2.5
	assert.InDelta(t, 197.5, l.TotalValue(), 1e-9)
	assert.InDelta(t, -1.25, l.TotalReturnPct(), 1e-9)

	var all []string
	for i := 0; i < 9; i++ {
		all = append(all, l.MarkToMarket(map[string]float64{"XRP": 1.99}, true)...)
	}
	// Watch notices at 5, 8, and 10 consecutive losing cycles.
	require.Len(t, all, 3)
	assert.Contains(t, all[0], "5 cycles")

	// A positive mark resets the counter.
	l.MarkToMarket(map[string]float64{"XRP": 2.05}, true)
	assert.Equal(t, 0, l.Positions()["XRP"].LossCycleCount)
}

func TestSharpe(t *testing.T) {
	assert.Zero(t, sharpe(nil))
	assert.Zero(t, sharpe([]float64{100, 100, 100}))
	assert.Greater(t, sharpe([]float64{100, 101, 102, 104, 105}), 0.0)
	assert.Less(t, sharpe([]float64{105, 104, 102, 101, 100}), 0.0)
}

func TestCheckExitsLossCut(t *testing.T) {
	l := newTestLedger(t)
	// margin $20 -> multiplier 0.08 -> threshold $1.60
	_, err := l.Open("SOL", decision.DirectionLong, 100, 20, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	report := l.CheckExits(map[string]float64{"SOL": 99.1})
	require.Len(t, report.Closed, 1)
	assert.Contains(t, report.Closed[0].CloseReason, "loss cut")
	assert.InDelta(t, -1.8, report.Closed[0].PnL, 1e-9)
	assert.InDelta(t, 198.2, l.Balance(), 1e-9)
}

func TestCheckExitsStallTimeout(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Open("SOL", decision.DirectionLong, 100, 20, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		l.MarkToMarket(map[string]float64{"SOL": 99.99}, true)
	}
	report := l.CheckExits(map[string]float64{"SOL": 99.99})

	require.Len(t, report.Closed, 1)
	assert.Equal(t, "Position negative for 10 cycles", report.Closed[0].CloseReason)
}

func TestCheckExitsProfitTiersAndTrailing(t *testing.T) {
	cfg := testConfig()
	cfg.InitialBalance = 100
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	l := New(cfg, st, nil)

	// notional $300: levels 0.6/0.8/1.0, cash after entry $40, sale floor $15.
	_, err = l.Open("ADA", decision.DirectionLong, 1.0, 60, 5, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	// Level 1 (gain 0.7%): 25% partial plus a half-level trailing stop.
	report := l.CheckExits(map[string]float64{"ADA": 1.007})
	require.Len(t, report.Partials, 1)
	assert.InDelta(t, 0.525, report.Partials[0].PnL, 1e-9)
	require.Len(t, report.UpdatedStops, 1)

	pos := l.Positions()["ADA"]
	assert.InDelta(t, 225.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 45.0, pos.MarginUSD, 1e-9)
	require.NotNil(t, pos.ExitPlan.StopLoss)
	assert.InDelta(t, 1.003, *pos.ExitPlan.StopLoss, 1e-9)

	// Level 3 (gain 1.2% on the now <$300 notional band): 75% proposed, but
	// clamped so $15 margin remains; stop tightens to entry*(1+level1).
	report = l.CheckExits(map[string]float64{"ADA": 1.012})
	require.Len(t, report.Partials, 1)
	assert.InDelta(t, 1.8, report.Partials[0].PnL, 1e-9)

	pos = l.Positions()["ADA"]
	assert.InDelta(t, 75.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 15.0, pos.MarginUSD, 1e-9)
	require.NotNil(t, pos.ExitPlan.StopLoss)
	assert.InDelta(t, 1.007, *pos.ExitPlan.StopLoss, 1e-9)

	// Price falls back through the trailing stop: full close.
	report = l.CheckExits(map[string]float64{"ADA": 1.005})
	require.Len(t, report.Closed, 1)
	assert.Contains(t, report.Closed[0].CloseReason, "Stop loss")
	assert.False(t, l.HasPosition("ADA"))
}

func TestCheckExitsForceCloseAtSaleFloor(t *testing.T) {
	l := newTestLedger(t)
	// cash $180 -> sale floor $27 > margin $20: profit taking closes fully.
	_, err := l.Open("XRP", decision.DirectionLong, 100, 20, 10, 1.0, 0.8, ExitPlan{}, "", 1)
	require.NoError(t, err)

	report := l.CheckExits(map[string]float64{"XRP": 100.8})
	require.Len(t, report.Closed, 1)
	assert.Contains(t, report.Closed[0].CloseReason, "sale floor")
	assert.Empty(t, report.Partials)
}

func TestCheckExitsTrailingNeverWidens(t *testing.T) {
	l := newTestLedger(t)
	// Existing stop above what the trailing band would set: kept as is.
	_, err := l.Open("XRP", decision.DirectionLong, 1.0, 60, 5, 1.0, 0.8,
		ExitPlan{StopLoss: f(1.02)}, "", 1)
	require.NoError(t, err)

	pos := l.positions["XRP"]
	gain := positionGain(pos, 1.008)
	stop := trailingStop(pos, gain, profitLevelsByNotional(pos.NotionalUSD))
	assert.Greater(t, stop, 0.0)
	assert.False(t, stopTightens(pos, stop))
}

func TestUpdateTrend(t *testing.T) {
	l := newTestLedger(t)

	htf := &market.Indicators{CurrentPrice: 100, EMA20: f(99)}
	ltf := &market.Indicators{CurrentPrice: 100, EMA20: f(99.9), RSI14: f(55)}

	info := l.UpdateTrend("XRP", htf, ltf, 1)
	assert.Equal(t, decision.TrendBullish, info.Trend)
	// A fresh record counts as inside the cooldown window.
	assert.True(t, info.RecentFlip)

	// Flip to bearish.
	htf = &market.Indicators{CurrentPrice: 98, EMA20: f(99.9)}
	ltf = &market.Indicators{CurrentPrice: 98, EMA20: f(99), RSI14: f(45)}
	info = l.UpdateTrend("XRP", htf, ltf, 5)
	assert.Equal(t, decision.TrendBearish, info.Trend)
	assert.True(t, info.RecentFlip)
	assert.Equal(t, 5, info.LastFlipCycle)

	summary := l.RecentFlipSummary(6)
	require.Len(t, summary, 1)
	assert.Contains(t, summary[0], "XRP")

	// Cooldown expires.
	info = l.UpdateTrend("XRP", htf, ltf, 9)
	assert.False(t, info.RecentFlip)
	assert.Empty(t, l.RecentFlipSummary(9))
}

func TestUpdateTrendNeutralBandAndDowngrade(t *testing.T) {
	l := newTestLedger(t)

	// Inside the ±0.15% band.
	htf := &market.Indicators{CurrentPrice: 100, EMA20: f(99.9)}
	info := l.UpdateTrend("SOL", htf, nil, 1)
	assert.Equal(t, decision.TrendNeutral, info.Trend)

	// Bullish 4h but bearish intraday at a low RSI extreme: neutral.
	htf = &market.Indicators{CurrentPrice: 101, EMA20: f(100)}
	ltf := &market.Indicators{CurrentPrice: 99, EMA20: f(100), RSI14: f(35)}
	info = l.UpdateTrend("DOGE", htf, ltf, 1)
	assert.Equal(t, decision.TrendNeutral, info.Trend)

	// Missing 4h data: unknown.
	info = l.UpdateTrend("LINK", nil, nil, 1)
	assert.Equal(t, decision.TrendUnknown, info.Trend)
}

func TestManualOverrideConsumedOnce(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	l := New(testConfig(), st, nil)

	require.NoError(t, st.Write(store.DocManualOverride, Override{
		Timestamp: "2026-08-24T12:00:00Z",
		Decisions: map[string]decision.Decision{
			"XRP": {Signal: decision.SignalClose},
		},
	}))

	ov, err := l.ManualOverride()
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, decision.SignalClose, ov.Decisions["XRP"].Signal)

	ov, err = l.ManualOverride()
	require.NoError(t, err)
	assert.Nil(t, ov)
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)

	l := New(testConfig(), st, nil)
	_, err = l.Open("XRP", decision.DirectionLong, 2.0, 50, 10, 1.0, 0.8,
		ExitPlan{StopLoss: f(1.9)}, decision.TrendBullish, 3)
	require.NoError(t, err)
	l.MarkToMarket(map[string]float64{"XRP": 2.05}, true)
	_, err = l.Close("XRP", 2.1, "round trip")
	require.NoError(t, err)

	st2, err := store.New(dir)
	require.NoError(t, err)
	restored := New(testConfig(), st2, nil)
	require.NoError(t, restored.Load())

	assert.InDelta(t, l.Balance(), restored.Balance(), 1e-9)
	assert.Equal(t, 1, restored.TradeCount())
	assert.Len(t, restored.TradeHistory(), 1)
	assert.InDelta(t, 25.0, restored.TradeHistory()[0].PnL, 1e-9)

	bias := restored.BiasMetrics()[decision.DirectionLong]
	assert.Equal(t, 1, bias.Trades)
	assert.InDelta(t, 25.0, bias.RollingAvgPnL, 1e-9)
}
