// Package perf computes periodic performance reports over the realized trade
// history and turns them into sizing recommendations for the operator feed.
package perf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"ai-perp-trader/decision"
	"ai-perp-trader/logger"
	"ai-perp-trader/portfolio"
	"ai-perp-trader/store"
)

// Activity summarizes decision-cycle behavior over the analyzed window.
type Activity struct {
	Cycles       int     `json:"cycles"`
	Entries      int     `json:"entries"`
	Holds        int     `json:"holds"`
	Closes       int     `json:"closes"`
	DecisionRate float64 `json:"decision_rate"` // non-hold signals per cycle
}

// PortfolioBlock mirrors the headline account numbers at report time.
type PortfolioBlock struct {
	CurrentBalance float64 `json:"current_balance"`
	TotalValue     float64 `json:"total_value"`
	TotalReturnPct float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// Report is one performance analysis snapshot.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Window      int       `json:"window"`

	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	LargestWin   float64 `json:"largest_win"`
	LargestLoss  float64 `json:"largest_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`

	Activity  Activity        `json:"activity"`
	Portfolio *PortfolioBlock `json:"portfolio,omitempty"`

	BestCoin  string             `json:"best_coin,omitempty"`
	WorstCoin string             `json:"worst_coin,omitempty"`
	CoinStats []*store.CoinStats `json:"coin_stats,omitempty"`

	Recommendations []string `json:"recommendations"`
}

// Analyzer reads the hot trade history and the sqlite archive.
type Analyzer struct {
	st  *store.Store
	arc *store.Archive
	log zerolog.Logger
}

func NewAnalyzer(st *store.Store, arc *store.Archive) *Analyzer {
	return &Analyzer{st: st, arc: arc, log: logger.New("perf")}
}

// Analyze builds a report over the last n realized trades, persists it to
// the capped report history, and returns it. With no trades it still emits a
// (mostly zero) report so the admin feed always has a latest entry.
func (a *Analyzer) Analyze(n int) (*Report, error) {
	var trades []portfolio.Trade
	if _, err := a.st.Read(store.DocTradeHistory, &trades); err != nil {
		return nil, fmt.Errorf("load trade history: %w", err)
	}
	if n > 0 && len(trades) > n {
		trades = trades[len(trades)-n:]
	}

	report := a.build(trades, n)
	if err := a.persist(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (a *Analyzer) build(trades []portfolio.Trade, window int) *Report {
	r := &Report{GeneratedAt: time.Now().UTC(), Window: window}

	var grossWin, grossLoss, equity, peak, maxDD float64
	for _, t := range trades {
		r.TotalTrades++
		r.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			r.Wins++
			grossWin += t.PnL
		case t.PnL < 0:
			r.Losses++
			grossLoss += -t.PnL
		}

		if t.PnL > r.LargestWin {
			r.LargestWin = t.PnL
		}
		if t.PnL < r.LargestLoss {
			r.LargestLoss = t.PnL
		}

		equity += t.PnL
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}
	}
	r.MaxDrawdown = maxDD

	if r.TotalTrades > 0 {
		r.WinRate = float64(r.Wins) / float64(r.TotalTrades)
	}
	if r.Wins > 0 {
		r.AvgWin = grossWin / float64(r.Wins)
	}
	if r.Losses > 0 {
		r.AvgLoss = grossLoss / float64(r.Losses)
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		r.ProfitFactor = math.Inf(1)
	}

	a.attachCoinStats(r, trades)
	r.Activity = a.activity()
	r.Portfolio = a.portfolioBlock()
	r.Recommendations = recommendations(r)
	return r
}

// activity counts signals over the retained cycle history.
func (a *Analyzer) activity() Activity {
	var history []decision.CycleRecord
	if _, err := a.st.Read(store.DocCycleHistory, &history); err != nil {
		a.log.Warn().Err(err).Msg("cycle history unreadable, activity omitted")
		return Activity{}
	}

	act := Activity{Cycles: len(history)}
	for _, rec := range history {
		for _, d := range rec.Decisions {
			switch {
			case d.IsEntry():
				act.Entries++
			case d.Signal == decision.SignalClose:
				act.Closes++
			default:
				act.Holds++
			}
		}
	}
	if act.Cycles > 0 {
		act.DecisionRate = float64(act.Entries+act.Closes) / float64(act.Cycles)
	}
	return act
}

// portfolioBlock lifts the headline numbers straight from the persisted state
// document; the analyzer has no live ledger handle.
func (a *Analyzer) portfolioBlock() *PortfolioBlock {
	var st struct {
		CurrentBalance float64 `json:"current_balance"`
		TotalValue     float64 `json:"total_value"`
		TotalReturnPct float64 `json:"total_return"`
		SharpeRatio    float64 `json:"sharpe_ratio"`
	}
	found, err := a.st.Read(store.DocPortfolioState, &st)
	if err != nil || !found {
		return nil
	}
	return &PortfolioBlock{
		CurrentBalance: st.CurrentBalance,
		TotalValue:     st.TotalValue,
		TotalReturnPct: st.TotalReturnPct,
		SharpeRatio:    st.SharpeRatio,
	}
}

// attachCoinStats prefers the full sqlite archive; with no archive it
// aggregates the hot window instead.
func (a *Analyzer) attachCoinStats(r *Report, trades []portfolio.Trade) {
	if a.arc != nil {
		if stats, err := a.arc.CoinAggregates(); err == nil && len(stats) > 0 {
			r.CoinStats = stats
			r.BestCoin = stats[0].Symbol
			r.WorstCoin = stats[len(stats)-1].Symbol
			return
		} else if err != nil {
			a.log.Warn().Err(err).Msg("archive aggregates unavailable, using hot window")
		}
	}

	bySymbol := map[string]*store.CoinStats{}
	for _, t := range trades {
		cs, ok := bySymbol[t.Symbol]
		if !ok {
			cs = &store.CoinStats{Symbol: t.Symbol}
			bySymbol[t.Symbol] = cs
		}
		cs.Trades++
		cs.TotalPnL += t.PnL
		if t.PnL > 0 {
			cs.Wins++
		} else if t.PnL < 0 {
			cs.Losses++
		}
	}
	if len(bySymbol) == 0 {
		return
	}

	stats := make([]*store.CoinStats, 0, len(bySymbol))
	for _, cs := range bySymbol {
		stats = append(stats, cs)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].TotalPnL > stats[j].TotalPnL })
	r.CoinStats = stats
	r.BestCoin = stats[0].Symbol
	r.WorstCoin = stats[len(stats)-1].Symbol
}

func recommendations(r *Report) []string {
	var out []string
	if r.TotalTrades == 0 {
		return []string{"No closed trades in window; keep observing."}
	}
	if r.WinRate < 0.40 {
		out = append(out, fmt.Sprintf("Win rate %.0f%% is low; favor trend-following entries and raise the confidence bar.", r.WinRate*100))
	}
	if r.ProfitFactor > 0 && r.ProfitFactor < 1.0 {
		out = append(out, fmt.Sprintf("Profit factor %.2f below 1.0; losses outweigh wins, reduce position sizing.", r.ProfitFactor))
	}
	if r.AvgLoss > 0 && r.AvgWin > 0 && r.AvgLoss > r.AvgWin*1.5 {
		out = append(out, "Average loss well above average win; tighten stops or cut stalled positions earlier.")
	}
	if r.WorstCoin != "" && len(r.CoinStats) > 1 {
		if worst := r.CoinStats[len(r.CoinStats)-1]; worst.TotalPnL < 0 && worst.Trades >= 3 {
			out = append(out, fmt.Sprintf("%s is a consistent loser ($%.2f over %d trades); consider skipping it.", worst.Symbol, worst.TotalPnL, worst.Trades))
		}
	}
	if len(out) == 0 {
		out = append(out, "Performance within expected bounds; no adjustments suggested.")
	}
	return out
}

// persist appends the report to the capped history document.
func (a *Analyzer) persist(r *Report) error {
	var history []*Report
	if _, err := a.st.Read(store.DocPerformanceReport, &history); err != nil {
		return fmt.Errorf("load performance history: %w", err)
	}
	history = append(history, r)
	if len(history) > store.MaxPerformanceReport {
		history = history[len(history)-store.MaxPerformanceReport:]
	}
	if err := a.st.Write(store.DocPerformanceReport, history); err != nil {
		return fmt.Errorf("persist performance history: %w", err)
	}
	return nil
}

// History returns the persisted reports, oldest first.
func (a *Analyzer) History() ([]*Report, error) {
	var history []*Report
	if _, err := a.st.Read(store.DocPerformanceReport, &history); err != nil {
		return nil, err
	}
	return history, nil
}
