// Package decision holds the AI decision types, the response parser and the
// validation pipeline that turns raw model output into executable entries.
package decision

import "ai-perp-trader/market"

// Signals the model may emit per coin.
const (
	SignalBuy   = "buy_to_enter"
	SignalSell  = "sell_to_enter"
	SignalHold  = "hold"
	SignalClose = "close_position"
)

// Trend labels.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
	TrendUnknown = "unknown"
)

// Directions.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Decision is one per-coin instruction from the model. Numeric exit targets
// are nullable; the model may omit them.
type Decision struct {
	Signal                string   `json:"signal"`
	Leverage              int      `json:"leverage,omitempty"`
	Confidence            float64  `json:"confidence,omitempty"`
	QuantityUSD           float64  `json:"quantity_usd,omitempty"`
	ProfitTarget          *float64 `json:"profit_target,omitempty"`
	StopLoss              *float64 `json:"stop_loss,omitempty"`
	RiskUSD               float64  `json:"risk_usd,omitempty"`
	InvalidationCondition string   `json:"invalidation_condition,omitempty"`
	Justification         string   `json:"justification,omitempty"`
}

// IsEntry reports whether the signal opens a new position.
func (d Decision) IsEntry() bool {
	return d.Signal == SignalBuy || d.Signal == SignalSell
}

// Direction maps an entry signal to its position direction.
func (d Decision) Direction() string {
	if d.Signal == SignalSell {
		return DirectionShort
	}
	return DirectionLong
}

// Response is the parsed model output: free-form reasoning plus the decisions
// map keyed by coin.
type Response struct {
	ChainOfThoughts string              `json:"chain_of_thoughts"`
	Decisions       map[string]Decision `json:"decisions"`
}

// HasEntrySignal reports whether any decision opens a position. Used by the
// fallback ladder to pick a replayable cycle.
func (r *Response) HasEntrySignal() bool {
	for _, d := range r.Decisions {
		if d.IsEntry() {
			return true
		}
	}
	return false
}

// CycleRecord is one persisted decision cycle: the prompt summary, the
// model's reasoning, and the decisions that executed. The fallback ladder
// replays entry decisions from recent records during model outages.
type CycleRecord struct {
	Cycle           int                 `json:"cycle"`
	Timestamp       string              `json:"timestamp"`
	PromptSummary   string              `json:"user_prompt_summary"`
	ChainOfThoughts string              `json:"chain_of_thoughts"`
	Decisions       map[string]Decision `json:"decisions"`
	Source          string              `json:"source,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// BiasSnapshot is one side's directional-bias aggregate, produced by the
// portfolio ledger from its 20-slot realized-pnl ring.
type BiasSnapshot struct {
	Trades            int     `json:"trades"`
	Wins              int     `json:"wins"`
	Losses            int     `json:"losses"`
	NetPnL            float64 `json:"net_pnl"`
	RollingAvgPnL     float64 `json:"rolling_avg_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// Context carries everything the validator needs about one coin.
type Context struct {
	Coin       string
	HTFTrend   string
	RecentFlip bool
	Regime     string
	HTF        *market.Indicators
	LTF        *market.Indicators
	Bias       map[string]BiasSnapshot // keyed by direction
}

// Verdict is the validator's output for one entry signal.
type Verdict struct {
	Vetoed         bool
	Reason         string
	Direction      string
	Confidence     float64
	Leverage       int
	SizeMultiplier float64
	PartialMargin  bool
	CounterTrend   bool
	ConditionsMet  int
	StopLoss       *float64
}
