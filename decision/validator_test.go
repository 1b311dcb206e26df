package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-perp-trader/config"
	"ai-perp-trader/market"
)

func f(v float64) *float64 { return &v }

func testConfig() *config.Config {
	return &config.Config{
		MaxLeverage:          20,
		MinConfidence:        0.4,
		ShortEnhancementMult: 1.15,
		CoinStopLossMultipliers: map[string]float64{},
	}
}

// indicators builds a minimal bundle for validator tests.
func indicators(price, ema20, rsi14, macd, macdSig, vol, avgVol float64) *market.Indicators {
	return &market.Indicators{
		CurrentPrice: price,
		EMA20:        f(ema20),
		RSI14:        f(rsi14),
		MACD:         f(macd),
		MACDSignal:   f(macdSig),
		Volume:       vol,
		AvgVolume:    avgVol,
	}
}

func TestClampLeverage(t *testing.T) {
	tests := []struct {
		name string
		in   int
		max  int
		want int
	}{
		{"missing defaults to 10", 0, 20, 10},
		{"below floor raised to 8", 3, 20, 8},
		{"within band kept", 9, 20, 9},
		{"above band clamped to 10", 15, 20, 10},
		{"config cap below band wins first", 15, 9, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampLeverage(tt.in, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateTrendFollowingLong(t *testing.T) {
	// HTF bullish, 3m above EMA20, volume ratio 1.2: confidence boosted.
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "XRP",
		HTFTrend: TrendBullish,
		Regime:   "BULLISH",
		HTF:      indicators(100, 98, 55, 0.5, 0.3, 1200, 1000),
		LTF:      indicators(100.2, 100.0, 55, 0.5, 0.3, 1200, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.65, Leverage: 10}, ctx)

	require.False(t, verdict.Vetoed, verdict.Reason)
	assert.False(t, verdict.CounterTrend)
	assert.False(t, verdict.PartialMargin)
	assert.InDelta(t, 0.70, verdict.Confidence, 1e-9)
	assert.GreaterOrEqual(t, verdict.Leverage, 8)
	assert.LessOrEqual(t, verdict.Leverage, 10)
}

func TestEvaluateTrendFollowingPartialMargin(t *testing.T) {
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "ADA",
		HTFTrend: TrendBullish,
		HTF:      indicators(1.0, 0.98, 55, 0.1, 0.05, 600, 1000),
		LTF:      indicators(1.002, 1.0, 55, 0.1, 0.05, 600, 1000), // ratio 0.6
	}

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.65}, ctx)

	require.False(t, verdict.Vetoed, verdict.Reason)
	assert.True(t, verdict.PartialMargin)
	// No boost on the partial-margin path.
	assert.InDelta(t, 0.65, verdict.Confidence, 1e-9)
}

func TestEvaluateCounterTrendRejectedByVolume(t *testing.T) {
	// HTF bullish, short signal, volume ratio 0.25: penalty drops confidence
	// to 0.56, under the 0.75 counter-trend floor.
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "SOL",
		HTFTrend: TrendBullish,
		HTF:      indicators(200, 195, 60, 1, 0.5, 250, 1000),
		LTF:      indicators(199, 200, 60, 1, 0.5, 250, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalSell, Confidence: 0.80}, ctx)

	require.True(t, verdict.Vetoed)
	assert.True(t, verdict.CounterTrend)
	assert.Contains(t, verdict.Reason, "floor")
	assert.InDelta(t, 0.56, verdict.Confidence, 1e-9)
}

func TestEvaluateCounterTrendAccepted(t *testing.T) {
	// HTF bearish, long signal, all five checklist conditions hold.
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "LINK",
		HTFTrend: TrendBearish,
		// price just above 3m EMA20, RSI 22, strong volume, MACD over signal
		HTF: indicators(10.0, 10.4, 30, -0.1, -0.05, 1800, 1000),
		LTF: indicators(10.05, 10.0, 22, 0.02, 0.01, 1800, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.80}, ctx)

	require.False(t, verdict.Vetoed, verdict.Reason)
	assert.True(t, verdict.CounterTrend)
	assert.Equal(t, 5, verdict.ConditionsMet)
	assert.Equal(t, DirectionLong, verdict.Direction)
}

func TestEvaluateCounterTrendFlipCooldown(t *testing.T) {
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:       "LINK",
		HTFTrend:   TrendBearish,
		RecentFlip: true,
		HTF:        indicators(10.0, 10.4, 30, -0.1, -0.05, 1800, 1000),
		LTF:        indicators(10.05, 10.0, 22, 0.02, 0.01, 1800, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.80}, ctx)

	require.True(t, verdict.Vetoed)
	assert.Contains(t, verdict.Reason, "cooldown")
}

func TestEvaluateCounterTrendChecklistTooWeak(t *testing.T) {
	// Only volume condition holds: price under EMA, RSI mid-range, far from
	// EMA, MACD against the long.
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "DOGE",
		HTFTrend: TrendBearish,
		HTF:      indicators(0.15, 0.16, 45, -0.001, 0.001, 1800, 1000),
		LTF:      indicators(0.140, 0.150, 45, -0.001, 0.001, 1800, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.85}, ctx)

	require.True(t, verdict.Vetoed)
	assert.Contains(t, verdict.Reason, "conditions met")
}

func TestEvaluateDirectionalBias(t *testing.T) {
	tests := []struct {
		name     string
		trend    string
		bias     BiasSnapshot
		wantConf float64
	}{
		{
			name:     "consecutive losses shrink confidence",
			trend:    TrendBullish,
			bias:     BiasSnapshot{ConsecutiveLosses: 3},
			wantConf: 0.65 * 0.9,
		},
		{
			name:     "aligned with profitable side boosts",
			trend:    TrendBullish,
			bias:     BiasSnapshot{RollingAvgPnL: 2.5},
			wantConf: 0.65 * 1.05,
		},
		{
			name:     "neutral trend discounts",
			trend:    TrendNeutral,
			bias:     BiasSnapshot{},
			wantConf: 0.65 * 0.9,
		},
		{
			name:     "negative rolling average discounts",
			trend:    TrendBullish,
			bias:     BiasSnapshot{RollingAvgPnL: -1.0},
			wantConf: 0.65 * 0.93,
		},
	}

	v := NewValidator(testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.applyDirectionalBias(DirectionLong, 0.65, Context{
				HTFTrend: tt.trend,
				Bias:     map[string]BiasSnapshot{DirectionLong: tt.bias},
			})
			assert.InDelta(t, tt.wantConf, got, 1e-9)
		})
	}
}

func TestEvaluateShortEnhancement(t *testing.T) {
	v := NewValidator(testConfig())

	ctx := Context{
		Coin:     "SOL",
		HTFTrend: TrendBearish,
		HTF:      indicators(200, 205, 40, -1, -0.5, 1800, 1000),
		LTF:      indicators(198, 200, 72, -1, -0.5, 1800, 1000),
	}

	verdict := v.Evaluate(Decision{Signal: SignalSell, Confidence: 0.8}, ctx)

	require.False(t, verdict.Vetoed, verdict.Reason)
	assert.InDelta(t, 1.15, verdict.SizeMultiplier, 1e-9)
}

func TestRescaleStopLoss(t *testing.T) {
	cfg := testConfig()
	cfg.CoinStopLossMultipliers = map[string]float64{"XRP": 0.5}
	v := NewValidator(cfg)

	long := v.rescaleStopLoss("XRP", DirectionLong, 100, 90)
	require.NotNil(t, long)
	assert.InDelta(t, 95.0, *long, 1e-9)

	short := v.rescaleStopLoss("XRP", DirectionShort, 100, 110)
	require.NotNil(t, short)
	assert.InDelta(t, 105.0, *short, 1e-9)

	// Default multiplier keeps the stop untouched.
	def := v.rescaleStopLoss("SOL", DirectionLong, 100, 90)
	require.NotNil(t, def)
	assert.InDelta(t, 90.0, *def, 1e-9)
}

func TestEvaluateDataUnavailable(t *testing.T) {
	v := NewValidator(testConfig())

	verdict := v.Evaluate(Decision{Signal: SignalBuy, Confidence: 0.9}, Context{Coin: "XRP"})

	require.True(t, verdict.Vetoed)
	assert.Contains(t, verdict.Reason, "unavailable")
}
