package decision

import (
	"fmt"
	"sort"
	"strings"

	"ai-perp-trader/market"
)

// PositionView is the position summary serialized into the prompt.
type PositionView struct {
	Direction     string   `json:"direction"`
	Leverage      int      `json:"leverage"`
	EntryPrice    float64  `json:"entry_price"`
	CurrentPrice  float64  `json:"current_price"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	NotionalUSD   float64  `json:"notional_usd"`
	MarginUSD     float64  `json:"margin_usd"`
	ProfitTarget  *float64 `json:"profit_target"`
	StopLoss      *float64 `json:"stop_loss"`
	Confidence    float64  `json:"confidence"`
}

// CoinView bundles everything the model sees about one coin.
type CoinView struct {
	LTF        *market.Indicators
	HTF        *market.Indicators
	Sentiment  market.Sentiment
	Trend      string
	RecentFlip bool
	// Pre-computed counter-trend checklist scores per direction.
	CounterTrendLong  int
	CounterTrendShort int
}

// Snapshot is the full engine state handed to the prompt builder.
type Snapshot struct {
	CycleNumber     int
	InvocationCount int
	InitialBalance  float64
	CurrentBalance  float64
	TotalValue      float64
	TotalReturnPct  float64
	SharpeRatio     float64
	Regime          string
	Positions       map[string]PositionView
	Coins           []string
	Views           map[string]*CoinView
	Bias            map[string]BiasSnapshot
	RecentFlips     []string
	MaxPositions    int
}

// BuildPrompt serializes the snapshot into the user prompt. Series are
// ordered oldest to newest.
func BuildPrompt(s *Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TRADING CYCLE %d (model invocation %d)\n\n", s.CycleNumber, s.InvocationCount)

	fmt.Fprintf(&b, "ACCOUNT\n")
	fmt.Fprintf(&b, "- Total value: $%.2f (initial $%.2f, return %.2f%%)\n", s.TotalValue, s.InitialBalance, s.TotalReturnPct)
	fmt.Fprintf(&b, "- Available cash: $%.2f\n", s.CurrentBalance)
	fmt.Fprintf(&b, "- Sharpe ratio: %.3f\n", s.SharpeRatio)
	fmt.Fprintf(&b, "- Overall market regime: %s\n", s.Regime)
	fmt.Fprintf(&b, "- Open positions: %d / %d\n\n", len(s.Positions), s.MaxPositions)

	if len(s.Positions) > 0 {
		b.WriteString("OPEN POSITIONS (only hold or close_position are valid for these coins)\n")
		for _, coin := range sortedKeys(s.Positions) {
			p := s.Positions[coin]
			fmt.Fprintf(&b, "- %s %s %dx: entry %.4f, now %.4f, pnl $%.2f, notional $%.2f, tp %s, sl %s\n",
				coin, strings.ToUpper(p.Direction), p.Leverage, p.EntryPrice, p.CurrentPrice,
				p.UnrealizedPnL, p.NotionalUSD, fmtPtr(p.ProfitTarget), fmtPtr(p.StopLoss))
		}
		b.WriteString("\n")
	}

	b.WriteString("DIRECTIONAL BIAS (recent realized pnl per side)\n")
	for _, side := range []string{DirectionLong, DirectionShort} {
		if bias, ok := s.Bias[side]; ok {
			fmt.Fprintf(&b, "- %s: %d trades, net $%.2f, rolling avg $%.2f, consecutive losses %d\n",
				side, bias.Trades, bias.NetPnL, bias.RollingAvgPnL, bias.ConsecutiveLosses)
		}
	}
	if len(s.RecentFlips) > 0 {
		fmt.Fprintf(&b, "- Recent trend flips: %s\n", strings.Join(s.RecentFlips, "; "))
	}
	b.WriteString("\n")

	b.WriteString("MARKET DATA (series oldest -> newest)\n")
	for _, coin := range s.Coins {
		view, ok := s.Views[coin]
		if !ok || view == nil {
			fmt.Fprintf(&b, "\n%s: data unavailable this cycle, do not trade it.\n", coin)
			continue
		}
		writeCoinSection(&b, coin, view)
	}

	b.WriteString("\nRespond with CHAIN_OF_THOUGHTS followed by DECISIONS as a single JSON object keyed by coin.\n")
	return b.String()
}

func writeCoinSection(b *strings.Builder, coin string, v *CoinView) {
	fmt.Fprintf(b, "\n%s (4h trend: %s", coin, v.Trend)
	if v.RecentFlip {
		b.WriteString(", trend flipped recently")
	}
	b.WriteString(")\n")

	if v.HTF != nil {
		fmt.Fprintf(b, "  4h: price=%.4f ema20=%s ema50=%s rsi14=%s macd=%s signal=%s atr14=%s atr3=%s\n",
			v.HTF.CurrentPrice, fmtPtr(v.HTF.EMA20), fmtPtr(v.HTF.EMA50), fmtPtr(v.HTF.RSI14),
			fmtPtr(v.HTF.MACD), fmtPtr(v.HTF.MACDSignal), fmtPtr(v.HTF.ATR14), fmtPtr(v.HTF.ATR3))
	}
	if v.LTF != nil {
		fmt.Fprintf(b, "  3m: price=%.4f ema20=%s rsi14=%s rsi7=%s macd=%s signal=%s atr14=%s vol_ratio=%.2f\n",
			v.LTF.CurrentPrice, fmtPtr(v.LTF.EMA20), fmtPtr(v.LTF.RSI14), fmtPtr(v.LTF.RSI7),
			fmtPtr(v.LTF.MACD), fmtPtr(v.LTF.MACDSignal), fmtPtr(v.LTF.ATR14), v.LTF.VolumeRatio())
		fmt.Fprintf(b, "  3m price series: %s\n", fmtSeries(v.LTF.PriceSeries))
		fmt.Fprintf(b, "  3m rsi14 series: %s\n", fmtSeries(v.LTF.RSI14Series))
	}
	fmt.Fprintf(b, "  sentiment: open_interest=%.2f funding_rate=%.6f\n",
		v.Sentiment.OpenInterest, v.Sentiment.FundingRate)
	fmt.Fprintf(b, "  counter-trend checklist: long %d/5, short %d/5\n",
		v.CounterTrendLong, v.CounterTrendShort)
}

func fmtPtr(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%.4f", *v)
}

func fmtSeries(series []*float64) string {
	parts := make([]string, 0, len(series))
	for _, v := range series {
		parts = append(parts, fmtPtr(v))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortedKeys(m map[string]PositionView) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PromptSummary truncates a prompt for the cycle record.
func PromptSummary(prompt string) string {
	const max = 300
	if len(prompt) > max {
		return prompt[:max] + "..."
	}
	return prompt
}
