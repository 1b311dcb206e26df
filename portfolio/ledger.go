// Package portfolio is the simulated account: cash, open positions, realized
// trade history, directional bias, trend memory, and the exit engine.
package portfolio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/logger"
	"ai-perp-trader/store"
)

const (
	valuesHistoryCap = 100
	sharpePeriods    = 720 // 2-minute cycles per day
)

// ExitPlan carries the AI's targets for a position. The stop loss is mutable:
// trailing updates tighten it while the position is open.
type ExitPlan struct {
	ProfitTarget          *float64 `json:"profit_target"`
	StopLoss              *float64 `json:"stop_loss"`
	InvalidationCondition string   `json:"invalidation_condition,omitempty"`
}

// Position is one open perpetual-futures position.
type Position struct {
	Symbol           string    `json:"symbol"`
	Direction        string    `json:"direction"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	EntryTime        time.Time `json:"entry_time"`
	CurrentPrice     float64   `json:"current_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	NotionalUSD      float64   `json:"notional_usd"`
	MarginUSD        float64   `json:"margin_usd"`
	Leverage         int       `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	Confidence       float64   `json:"confidence"`
	ExitPlan         ExitPlan  `json:"exit_plan"`
	LossCycleCount   int       `json:"loss_cycle_count"`
	TrendAtEntry     string    `json:"trend_at_entry,omitempty"`
	EntryCycle       int       `json:"entry_cycle"`
}

// Trade is one realized (full or partial) close.
type Trade struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	NotionalUSD float64   `json:"notional_usd"`
	PnL         float64   `json:"pnl"`
	Leverage    int       `json:"leverage"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	CloseReason string    `json:"close_reason"`
}

// Override is the manual-override document an operator drops next to the
// state files: a decisions map keyed by coin. Consumed once, then deleted.
type Override struct {
	Timestamp string                       `json:"timestamp,omitempty"`
	Decisions map[string]decision.Decision `json:"decisions"`
}

// state is the persisted shape of the ledger.
type state struct {
	CurrentBalance float64                 `json:"current_balance"`
	InitialBalance float64                 `json:"initial_balance"`
	Positions      map[string]*Position    `json:"positions"`
	TotalValue     float64                 `json:"total_value"`
	TotalReturnPct float64                 `json:"total_return"`
	TradeCount     int                     `json:"trade_count"`
	SharpeRatio    float64                 `json:"sharpe_ratio"`
	ValuesHistory  []float64               `json:"values_history"`
	Bias           directionalBias         `json:"directional_bias"`
	TrendState     map[string]*trendRecord `json:"trend_state"`
	LastUpdated    time.Time               `json:"last_updated"`
}

// Ledger owns all account state. Every public method takes the lock; the
// decision loop and the exit monitor call in from separate goroutines.
type Ledger struct {
	mu  sync.RWMutex
	cfg *config.Config
	st  *store.Store
	arc *store.Archive
	log zerolog.Logger

	currentBalance float64
	initialBalance float64
	positions      map[string]*Position
	tradeHistory   []Trade
	tradeCount     int
	totalValue     float64
	totalReturnPct float64
	sharpeRatio    float64
	valuesHistory  []float64
	bias           directionalBias
	trendState     map[string]*trendRecord
}

// New builds an empty ledger. Call Load to restore persisted state.
func New(cfg *config.Config, st *store.Store, arc *store.Archive) *Ledger {
	return &Ledger{
		cfg:            cfg,
		st:             st,
		arc:            arc,
		log:            logger.New("portfolio"),
		currentBalance: cfg.InitialBalance,
		initialBalance: cfg.InitialBalance,
		positions:      map[string]*Position{},
		bias:           newDirectionalBias(),
		trendState:     map[string]*trendRecord{},
		totalValue:     cfg.InitialBalance,
	}
}

// Load restores the state and trade-history documents. Missing files leave
// the fresh defaults in place.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s state
	found, err := l.st.Read(store.DocPortfolioState, &s)
	if err != nil {
		return fmt.Errorf("load portfolio state: %w", err)
	}
	if found {
		l.currentBalance = s.CurrentBalance
		if s.InitialBalance > 0 {
			l.initialBalance = s.InitialBalance
		}
		if s.Positions != nil {
			l.positions = s.Positions
		}
		l.totalValue = s.TotalValue
		l.totalReturnPct = s.TotalReturnPct
		l.tradeCount = s.TradeCount
		l.sharpeRatio = s.SharpeRatio
		l.valuesHistory = s.ValuesHistory
		if s.Bias.Long != nil && s.Bias.Short != nil {
			l.bias = s.Bias
		}
		if s.TrendState != nil {
			l.trendState = s.TrendState
		}
	}

	var history []Trade
	if _, err := l.st.Read(store.DocTradeHistory, &history); err != nil {
		return fmt.Errorf("load trade history: %w", err)
	}
	l.tradeHistory = history
	if l.tradeCount < len(history) {
		l.tradeCount = len(history)
	}

	l.log.Info().Int("positions", len(l.positions)).Int("trades", l.tradeCount).
		Float64("balance", l.currentBalance).Msg("state loaded")
	return nil
}

// saveLocked persists the state document. Caller holds the write lock.
func (l *Ledger) saveLocked() {
	s := state{
		CurrentBalance: l.currentBalance,
		InitialBalance: l.initialBalance,
		Positions:      l.positions,
		TotalValue:     l.totalValue,
		TotalReturnPct: l.totalReturnPct,
		TradeCount:     l.tradeCount,
		SharpeRatio:    l.sharpeRatio,
		ValuesHistory:  l.valuesHistory,
		Bias:           l.bias,
		TrendState:     l.trendState,
		LastUpdated:    time.Now().UTC(),
	}
	if err := l.st.Write(store.DocPortfolioState, s); err != nil {
		l.log.Error().Err(err).Msg("persist portfolio state")
	}
}

func (l *Ledger) saveTradeHistoryLocked() {
	history := l.tradeHistory
	if len(history) > store.MaxTradeHistory {
		history = history[len(history)-store.MaxTradeHistory:]
	}
	if err := l.st.Write(store.DocTradeHistory, history); err != nil {
		l.log.Error().Err(err).Msg("persist trade history")
	}
}

// recordTradeLocked appends a realized close: hot JSON history, cold sqlite
// archive, bias ring, then a state save.
func (l *Ledger) recordTradeLocked(t Trade) {
	l.tradeHistory = append(l.tradeHistory, t)
	if len(l.tradeHistory) > store.MaxTradeHistory {
		l.tradeHistory = l.tradeHistory[len(l.tradeHistory)-store.MaxTradeHistory:]
	}
	l.tradeCount++
	l.saveTradeHistoryLocked()

	if l.arc != nil {
		if err := l.arc.InsertTrade(&store.ArchivedTrade{
			ID:          t.ID,
			Symbol:      t.Symbol,
			Direction:   t.Direction,
			EntryPrice:  t.EntryPrice,
			ExitPrice:   t.ExitPrice,
			Quantity:    t.Quantity,
			NotionalUSD: t.NotionalUSD,
			PnL:         t.PnL,
			Leverage:    t.Leverage,
			EntryTime:   t.EntryTime,
			ExitTime:    t.ExitTime,
			CloseReason: t.CloseReason,
		}); err != nil {
			l.log.Error().Err(err).Str("trade", t.ID).Msg("archive trade")
		}
	}

	if side := l.bias.side(t.Direction); side != nil {
		side.record(t.PnL)
	}
	l.saveLocked()
}

// MarkToMarket updates positions against fresh prices and recomputes total
// value, return, and Sharpe. When countLosses is set (once per decision
// cycle), per-position loss-cycle counters advance; the returned messages are
// the 5/8/10-cycle watch notices.
func (l *Ledger) MarkToMarket(prices map[string]float64, countLosses bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var watches []string
	for coin, pos := range l.positions {
		price, ok := prices[coin]
		if !ok || price <= 0 {
			l.log.Warn().Str("coin", coin).Float64("price", price).Msg("invalid price, pnl update skipped")
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = unrealized(pos, price)
		if countLosses {
			if pos.UnrealizedPnL <= 0 {
				pos.LossCycleCount++
				if n := pos.LossCycleCount; n == 5 || n == 8 || n == 10 {
					watches = append(watches, fmt.Sprintf("%s %s negative for %d cycles (pnl $%.2f)",
						coin, pos.Direction, n, pos.UnrealizedPnL))
				}
			} else {
				pos.LossCycleCount = 0
			}
		}
	}

	total := l.currentBalance
	for _, pos := range l.positions {
		total += pos.MarginUSD + pos.UnrealizedPnL
	}
	l.totalValue = total
	if l.initialBalance > 0 {
		l.totalReturnPct = (total - l.initialBalance) / l.initialBalance * 100
	}

	l.valuesHistory = append(l.valuesHistory, total)
	if len(l.valuesHistory) > valuesHistoryCap {
		l.valuesHistory = l.valuesHistory[len(l.valuesHistory)-valuesHistoryCap:]
	}
	l.sharpeRatio = sharpe(l.valuesHistory)

	l.saveLocked()
	return watches
}

// sharpe computes the daily Sharpe ratio over the value history with a 0%
// risk-free rate, scaled by the cycles-per-day constant.
func sharpe(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			returns = append(returns, (values[i]-values[i-1])/values[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	// Population std, matching the history-window semantics.
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return (mean * sharpePeriods) / (std * math.Sqrt(sharpePeriods))
}

func unrealized(pos *Position, price float64) float64 {
	if pos.Direction == decision.DirectionLong {
		return (price - pos.EntryPrice) * pos.Quantity
	}
	return (pos.EntryPrice - price) * pos.Quantity
}

// liquidationPrice estimates the isolated-margin liquidation level.
func (l *Ledger) liquidationPrice(entry float64, leverage int, direction string) float64 {
	if leverage <= 1 || entry <= 0 {
		return 0
	}
	diff := 1.0/float64(leverage) - l.cfg.MaintenanceMarginRate
	if diff <= 0 {
		return 0
	}
	if direction == decision.DirectionLong {
		return math.Max(0, entry*(1-diff))
	}
	return entry * (1 + diff)
}

// Open deducts margin and books a new position. The size multiplier scales
// notional only; margin stays as approved.
func (l *Ledger) Open(coin, direction string, price, marginUSD float64, leverage int,
	sizeMult, confidence float64, plan ExitPlan, trend string, cycle int) (*Position, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[coin]; exists {
		return nil, fmt.Errorf("position already open for %s", coin)
	}
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %.4f for %s", price, coin)
	}
	if marginUSD <= 0 {
		return nil, fmt.Errorf("non-positive margin for %s", coin)
	}
	if marginUSD > l.currentBalance {
		return nil, fmt.Errorf("margin $%.2f exceeds cash $%.2f", marginUSD, l.currentBalance)
	}
	if sizeMult <= 0 {
		sizeMult = 1.0
	}

	notional := marginUSD * float64(leverage) * sizeMult
	pos := &Position{
		Symbol:           coin,
		Direction:        direction,
		Quantity:         notional / price,
		EntryPrice:       price,
		EntryTime:        time.Now().UTC(),
		CurrentPrice:     price,
		NotionalUSD:      notional,
		MarginUSD:        marginUSD,
		Leverage:         leverage,
		LiquidationPrice: l.liquidationPrice(price, leverage, direction),
		Confidence:       confidence,
		ExitPlan:         plan,
		TrendAtEntry:     trend,
		EntryCycle:       cycle,
	}

	l.currentBalance -= marginUSD
	l.positions[coin] = pos
	l.saveLocked()

	l.log.Info().Str("coin", coin).Str("direction", direction).Int("leverage", leverage).
		Float64("entry", price).Float64("notional", notional).Float64("margin", marginUSD).
		Float64("liquidation", pos.LiquidationPrice).Msg("position opened")
	return pos, nil
}

// Close realizes the whole position at the given price.
func (l *Ledger) Close(coin string, price float64, reason string) (*Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(coin, price, reason)
}

func (l *Ledger) closeLocked(coin string, price float64, reason string) (*Trade, error) {
	pos, ok := l.positions[coin]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", coin)
	}
	if price <= 0 {
		return nil, fmt.Errorf("invalid close price %.4f for %s", price, coin)
	}

	pnl := unrealized(pos, price)
	l.currentBalance += pos.MarginUSD + pnl
	delete(l.positions, coin)

	trade := Trade{
		ID:          uuid.NewString(),
		Symbol:      coin,
		Direction:   pos.Direction,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    pos.Quantity,
		NotionalUSD: pos.NotionalUSD,
		PnL:         pnl,
		Leverage:    pos.Leverage,
		EntryTime:   pos.EntryTime,
		ExitTime:    time.Now().UTC(),
		CloseReason: reason,
	}
	l.recordTradeLocked(trade)

	l.log.Info().Str("coin", coin).Str("direction", trade.Direction).
		Float64("exit", price).Float64("pnl", pnl).Str("reason", reason).Msg("position closed")
	return &trade, nil
}

// partialCloseLocked realizes a fraction of the position. Margin and notional
// shrink pro-rata; the freed margin plus realized pnl returns to cash.
func (l *Ledger) partialCloseLocked(coin string, price, fraction float64, reason string) (*Trade, error) {
	pos, ok := l.positions[coin]
	if !ok {
		return nil, fmt.Errorf("no open position for %s", coin)
	}
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("invalid close fraction %.2f for %s", fraction, coin)
	}

	closeQty := pos.Quantity * fraction
	var pnl float64
	if pos.Direction == decision.DirectionLong {
		pnl = (price - pos.EntryPrice) * closeQty
	} else {
		pnl = (pos.EntryPrice - price) * closeQty
	}
	freedMargin := pos.MarginUSD * fraction
	closedNotional := pos.NotionalUSD * fraction

	pos.Quantity -= closeQty
	pos.MarginUSD -= freedMargin
	pos.NotionalUSD -= closedNotional
	pos.UnrealizedPnL = unrealized(pos, price)
	l.currentBalance += freedMargin + pnl

	trade := Trade{
		ID:          uuid.NewString(),
		Symbol:      coin,
		Direction:   pos.Direction,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    closeQty,
		NotionalUSD: closedNotional,
		PnL:         pnl,
		Leverage:    pos.Leverage,
		EntryTime:   pos.EntryTime,
		ExitTime:    time.Now().UTC(),
		CloseReason: reason,
	}
	l.recordTradeLocked(trade)

	l.log.Info().Str("coin", coin).Float64("fraction", fraction).
		Float64("pnl", pnl).Str("reason", reason).Msg("partial close")
	return &trade, nil
}

// ManualOverride reads and deletes the override document. Consuming it is
// deliberate: an override fires exactly once.
func (l *Ledger) ManualOverride() (*Override, error) {
	var ov Override
	found, err := l.st.Read(store.DocManualOverride, &ov)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if err := l.st.Delete(store.DocManualOverride); err != nil {
		l.log.Error().Err(err).Msg("delete manual override")
	}
	l.log.Warn().Int("decisions", len(ov.Decisions)).Msg("manual override consumed")
	return &ov, nil
}

// --- read-side accessors ---

func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentBalance
}

func (l *Ledger) InitialBalance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialBalance
}

func (l *Ledger) TotalValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValue
}

func (l *Ledger) TotalReturnPct() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalReturnPct
}

func (l *Ledger) SharpeRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sharpeRatio
}

func (l *Ledger) TradeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tradeCount
}

// Positions returns a copy of the open positions keyed by coin.
func (l *Ledger) Positions() map[string]Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Position, len(l.positions))
	for coin, pos := range l.positions {
		out[coin] = *pos
	}
	return out
}

func (l *Ledger) HasPosition(coin string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[coin]
	return ok
}

func (l *Ledger) OpenPositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

func (l *Ledger) DirectionCounts() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := map[string]int{decision.DirectionLong: 0, decision.DirectionShort: 0}
	for _, pos := range l.positions {
		counts[pos.Direction]++
	}
	return counts
}

func (l *Ledger) PositionMargins() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.positions))
	for coin, pos := range l.positions {
		out[coin] = pos.MarginUSD
	}
	return out
}

// TradeHistory returns the hot (capped) realized-trade window, newest last.
func (l *Ledger) TradeHistory() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, len(l.tradeHistory))
	copy(out, l.tradeHistory)
	return out
}

// BiasMetrics snapshots the per-direction realized-pnl statistics.
func (l *Ledger) BiasMetrics() map[string]decision.BiasSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bias.metrics()
}
