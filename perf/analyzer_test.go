package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-perp-trader/decision"
	"ai-perp-trader/portfolio"
	"ai-perp-trader/store"
)

func seedTrades(t *testing.T, st *store.Store, trades []portfolio.Trade) {
	t.Helper()
	require.NoError(t, st.Write(store.DocTradeHistory, trades))
}

func trade(symbol string, pnl float64) portfolio.Trade {
	return portfolio.Trade{
		ID:        symbol + "-trade",
		Symbol:    symbol,
		Direction: "long",
		PnL:       pnl,
		ExitTime:  time.Now().UTC(),
	}
}

func TestAnalyzeComputesAggregates(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	seedTrades(t, st, []portfolio.Trade{
		trade("SOL", 10),
		trade("SOL", 20),
		trade("XRP", -15),
		trade("DOGE", -5),
		trade("BTC", 0),
	})

	a := NewAnalyzer(st, nil)
	r, err := a.Analyze(0)
	require.NoError(t, err)

	assert.Equal(t, 5, r.TotalTrades)
	assert.Equal(t, 2, r.Wins)
	assert.Equal(t, 2, r.Losses)
	assert.InDelta(t, 0.4, r.WinRate, 1e-9)
	assert.InDelta(t, 10.0, r.TotalPnL, 1e-9)
	assert.InDelta(t, 15.0, r.AvgWin, 1e-9)
	assert.InDelta(t, 10.0, r.AvgLoss, 1e-9)
	assert.InDelta(t, 20.0, r.LargestWin, 1e-9)
	assert.InDelta(t, -15.0, r.LargestLoss, 1e-9)
	assert.InDelta(t, 1.5, r.ProfitFactor, 1e-9)
	// Peak 30 after the SOL wins, trough 10 after the losses.
	assert.InDelta(t, 20.0, r.MaxDrawdown, 1e-9)

	assert.Equal(t, "SOL", r.BestCoin)
	assert.Equal(t, "XRP", r.WorstCoin)
	assert.NotEmpty(t, r.Recommendations)
}

func TestAnalyzeWindow(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	seedTrades(t, st, []portfolio.Trade{
		trade("SOL", -100), // outside window
		trade("XRP", 5),
		trade("DOGE", 5),
	})

	r, err := NewAnalyzer(st, nil).Analyze(2)
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalTrades)
	assert.InDelta(t, 10.0, r.TotalPnL, 1e-9)
	assert.Equal(t, 0, r.Losses)
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	r, err := NewAnalyzer(st, nil).Analyze(0)
	require.NoError(t, err)
	assert.Zero(t, r.TotalTrades)
	assert.Equal(t, []string{"No closed trades in window; keep observing."}, r.Recommendations)
}

func TestReportHistoryCapped(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	seedTrades(t, st, []portfolio.Trade{trade("SOL", 1)})

	a := NewAnalyzer(st, nil)
	for i := 0; i < store.MaxPerformanceReport+5; i++ {
		_, err := a.Analyze(0)
		require.NoError(t, err)
	}

	history, err := a.History()
	require.NoError(t, err)
	assert.Len(t, history, store.MaxPerformanceReport)
}

func TestActivityFromCycleHistory(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	history := []decision.CycleRecord{
		{Cycle: 1, Decisions: map[string]decision.Decision{
			"XRP": {Signal: decision.SignalBuy, Confidence: 0.8},
			"SOL": {Signal: decision.SignalHold},
		}},
		{Cycle: 2, Decisions: map[string]decision.Decision{
			"XRP": {Signal: decision.SignalClose},
			"SOL": {Signal: decision.SignalSell, Confidence: 0.7},
			"DOGE": {Signal: decision.SignalHold},
		}},
	}
	require.NoError(t, st.Write(store.DocCycleHistory, history))

	r, err := NewAnalyzer(st, nil).Analyze(0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Activity.Cycles)
	assert.Equal(t, 2, r.Activity.Entries)
	assert.Equal(t, 1, r.Activity.Closes)
	assert.Equal(t, 2, r.Activity.Holds)
	assert.InDelta(t, 1.5, r.Activity.DecisionRate, 1e-9)
}

func TestArchiveAggregatesPreferred(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)
	arc, err := store.OpenArchive(dir)
	require.NoError(t, err)
	t.Cleanup(func() { arc.Close() })

	require.NoError(t, arc.InsertTrade(&store.ArchivedTrade{
		ID: "a1", Symbol: "SOL", Direction: "long", PnL: 50,
		ExitTime: time.Now().UTC(),
	}))
	require.NoError(t, arc.InsertTrade(&store.ArchivedTrade{
		ID: "a2", Symbol: "XRP", Direction: "short", PnL: -20,
		ExitTime: time.Now().UTC(),
	}))
	// Hot history deliberately disagrees; the archive must win.
	seedTrades(t, st, []portfolio.Trade{trade("DOGE", 1)})

	r, err := NewAnalyzer(st, arc).Analyze(0)
	require.NoError(t, err)
	assert.Equal(t, "SOL", r.BestCoin)
	assert.Equal(t, "XRP", r.WorstCoin)
}
