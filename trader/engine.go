// Package trader runs the decision loop: one cycle fetches market data,
// updates the ledger, consults the model, and executes the validated
// decisions. A background monitor sweeps exits between cycles.
package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-perp-trader/alerts"
	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/events"
	"ai-perp-trader/exchange"
	"ai-perp-trader/llm"
	"ai-perp-trader/logger"
	"ai-perp-trader/market"
	"ai-perp-trader/perf"
	"ai-perp-trader/portfolio"
	"ai-perp-trader/risk"
	"ai-perp-trader/store"
)

const (
	ltfInterval = "3m"

	// Cycle pacing by mean short-timeframe ATR across the universe.
	intervalCalm   = 240 * time.Second
	intervalNormal = 180 * time.Second
	intervalActive = 120 * time.Second
	atrCalmMax     = 0.3
	atrNormalMax   = 0.6

	pausePollInterval = 5 * time.Second

	// Performance-report triggers.
	perfEveryNCycles  = 10
	perfReturnTrigger = 10.0
	perfPositionLoad  = 4

	maxDataFetchers = 3
)

// coinData is one coin's market bundle for a cycle. Nil indicator sets mean
// the coin is quarantined this cycle.
type coinData struct {
	htf       *market.Indicators
	ltf       *market.Indicators
	sentiment market.Sentiment
}

// Engine owns the trading loop. One engine per process.
type Engine struct {
	cfg       *config.Config
	st        *store.Store
	ledger    *portfolio.Ledger
	provider  *market.Provider
	validator *decision.Validator
	risk      *risk.Manager
	model     *llm.Client
	alerter   *alerts.Manager
	monitors  *alerts.Monitors
	analyzer  *perf.Analyzer
	hub       *events.Hub
	exch      *exchange.Client // nil in simulation mode
	log       zerolog.Logger

	mu          sync.Mutex
	cycle       int
	invocations int

	// cycleActive gates the exit monitor: it never sweeps mid-cycle.
	cycleActive atomic.Bool

	// exitsEnabled toggles the background exit monitor entirely.
	exitsEnabled atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Ledger    *portfolio.Ledger
	Provider  *market.Provider
	Validator *decision.Validator
	Risk      *risk.Manager
	Model     *llm.Client
	Alerts    *alerts.Manager
	Analyzer  *perf.Analyzer
	Hub       *events.Hub
	Exchange  *exchange.Client
}

func NewEngine(d Deps) *Engine {
	e := &Engine{
		cfg:       d.Config,
		st:        d.Store,
		ledger:    d.Ledger,
		provider:  d.Provider,
		validator: d.Validator,
		risk:      d.Risk,
		model:     d.Model,
		alerter:   d.Alerts,
		monitors:  alerts.NewMonitors(d.Alerts),
		analyzer:  d.Analyzer,
		hub:       d.Hub,
		exch:      d.Exchange,
		log:       logger.New("trader"),
		stopCh:    make(chan struct{}),
	}
	e.exitsEnabled.Store(d.Config.ExitMonitorEnabled)
	return e
}

// ExitMonitoring reports whether background exit sweeps are enabled.
func (e *Engine) ExitMonitoring() bool {
	return e.exitsEnabled.Load()
}

// SetExitMonitoring toggles background exit sweeps without touching the
// decision loop.
func (e *Engine) SetExitMonitoring(enabled bool) {
	e.exitsEnabled.Store(enabled)
}

func (e *Engine) live() bool {
	return e.cfg.TradingMode == "live" && e.exch != nil
}

// Cycle returns the current cycle number.
func (e *Engine) Cycle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// Stop ends the loop after the current cycle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Run executes cycles until the context ends, Stop is called, or the bot
// control document is set to stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.restoreCycleCounter()
	e.log.Info().Str("mode", e.cfg.TradingMode).Strs("coins", e.cfg.Coins).
		Int("max_positions", e.cfg.MaxPositions).Int("resume_cycle", e.Cycle()).
		Msg("engine starting")

	go e.exitMonitor(ctx)

	for {
		ctrl := e.Control()
		switch ctrl.Status {
		case StatusStopped:
			e.log.Info().Msg("bot control is stopped, engine exiting")
			return nil
		case StatusPaused:
			e.log.Debug().Msg("bot paused, skipping cycle")
			if !e.sleep(ctx, pausePollInterval) {
				return ctx.Err()
			}
			continue
		}

		interval := e.runCycle(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		default:
		}
		if !e.sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

// sleep waits d, returning false when the engine should exit.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// runCycle executes one full cycle and returns the pause before the next.
func (e *Engine) runCycle(ctx context.Context) time.Duration {
	e.cycleActive.Store(true)
	defer e.cycleActive.Store(false)

	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()

	started := time.Now()
	e.log.Info().Int("cycle", cycle).Msg("cycle started")

	prices := e.provider.Prices(ctx)
	e.monitors.CheckPrices(prices)

	// Mark-to-market and automatic exits run every cycle, before anything
	// else acts on the book.
	report := e.settleBook(ctx, prices)

	// A pending manual override then consumes the rest of the cycle.
	if e.handleOverride(ctx, cycle, prices) {
		e.hub.Publish(events.TypeCycleCompleted, "", fmt.Sprintf("cycle %d: manual override", cycle), nil)
		return pacing(intervalActive, started)
	}

	data := e.fetchCoinData(ctx)
	trends, views := e.classifyTrends(cycle, data)
	regime := detectRegime(trends)

	// An auto-exit already acted on this cycle's prices; give the book a
	// cycle to settle before asking the model again.
	if len(report.Closed) > 0 {
		e.recordCycle(decision.CycleRecord{
			Cycle:     cycle,
			Timestamp: started.UTC().Format(time.RFC3339),
			Source:    "auto_exit",
		})
		e.hub.Publish(events.TypeCycleCompleted, "", fmt.Sprintf("cycle %d: auto exits closed %d", cycle, len(report.Closed)), nil)
		return pacing(nextInterval(views), started)
	}

	e.mu.Lock()
	e.invocations++
	invocation := e.invocations
	e.mu.Unlock()

	prompt := decision.BuildPrompt(e.snapshot(cycle, invocation, regime, views))
	raw, source := e.model.Decide(ctx, prompt)

	rec := decision.CycleRecord{
		Cycle:         cycle,
		Timestamp:     started.UTC().Format(time.RFC3339),
		PromptSummary: decision.PromptSummary(prompt),
		Source:        source,
	}

	resp, err := decision.ParseResponse(raw)
	if err != nil {
		rec.Error = err.Error()
		e.recordCycle(rec)
		e.alerter.Critical(alerts.CategorySystem, "model response unparseable: "+err.Error(),
			map[string]string{"source": source})
		return pacing(nextInterval(views), started)
	}
	rec.ChainOfThoughts = resp.ChainOfThoughts
	rec.Decisions = resp.Decisions

	e.executeDecisions(ctx, cycle, resp, views, prices, trends, regime)

	e.recordCycle(rec)
	e.maybeAnalyze(cycle)

	e.hub.Publish(events.TypeCycleCompleted, "",
		fmt.Sprintf("cycle %d completed in %s (source %s)", cycle, time.Since(started).Round(time.Millisecond), source),
		map[string]interface{}{"total_value": e.ledger.TotalValue(), "positions": e.ledger.OpenPositionCount()})
	e.log.Info().Int("cycle", cycle).Str("source", source).
		Dur("elapsed", time.Since(started)).Msg("cycle completed")
	return pacing(nextInterval(views), started)
}

// pacing subtracts the cycle's own elapsed time from the target interval so
// wall-clock spacing stays close to the schedule.
func pacing(interval time.Duration, started time.Time) time.Duration {
	if rest := interval - time.Since(started); rest > time.Second {
		return rest
	}
	return time.Second
}

// restoreCycleCounter resumes numbering from the last persisted cycle record.
func (e *Engine) restoreCycleCounter() {
	var history []decision.CycleRecord
	if _, err := e.st.Read(store.DocCycleHistory, &history); err != nil {
		e.log.Warn().Err(err).Msg("cycle history unreadable, numbering restarts")
		return
	}
	if len(history) == 0 {
		return
	}
	e.mu.Lock()
	e.cycle = history[len(history)-1].Cycle
	e.mu.Unlock()
}

// settleBook marks every position to market and applies the automatic exit
// layers. Returns the sweep's exit report.
func (e *Engine) settleBook(ctx context.Context, prices map[string]float64) portfolio.ExitReport {
	for _, watch := range e.ledger.MarkToMarket(prices, true) {
		e.alerter.Warning(alerts.CategoryRiskLimit, watch, nil)
	}
	e.monitors.CheckPortfolio(e.ledger.TotalValue(), e.ledger.TotalReturnPct())
	e.monitors.CheckExposure(e.ledger.Balance(), e.ledger.PositionMargins(), e.ledger.TotalValue())

	report := e.ledger.CheckExits(prices)
	e.applyExitReport(ctx, report)
	return report
}

// handleOverride consumes a pending manual override and executes its
// decisions directly, bypassing the validator and risk gates. Returns true
// when an override was processed, which skips the model this cycle.
func (e *Engine) handleOverride(ctx context.Context, cycle int, prices map[string]float64) bool {
	ov, err := e.ledger.ManualOverride()
	if err != nil {
		e.log.Error().Err(err).Msg("read manual override")
		return false
	}
	if ov == nil {
		return false
	}
	if len(ov.Decisions) == 0 {
		e.log.Warn().Msg("manual override carries no decisions, discarded")
		return true
	}

	coins := make([]string, 0, len(ov.Decisions))
	for coin := range ov.Decisions {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	for _, coin := range coins {
		dec := ov.Decisions[coin]
		switch {
		case dec.Signal == decision.SignalClose:
			e.overrideClose(ctx, coin, dec, prices)
		case dec.IsEntry():
			e.overrideEntry(ctx, cycle, coin, dec, prices)
		default:
			e.log.Warn().Str("coin", coin).Str("signal", dec.Signal).
				Msg("manual override signal ignored")
		}
	}

	e.recordCycle(decision.CycleRecord{
		Cycle:     cycle,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Decisions: ov.Decisions,
		Source:    "manual_override",
	})
	return true
}

func (e *Engine) overrideClose(ctx context.Context, coin string, dec decision.Decision, prices map[string]float64) {
	pos, ok := e.ledger.Positions()[coin]
	if !ok {
		e.log.Warn().Str("coin", coin).Msg("manual override close for coin with no position")
		return
	}
	price, valid := prices[coin]
	if !valid || price <= 0 {
		price = pos.CurrentPrice
	}

	reason := "Manual override"
	if dec.Justification != "" {
		reason = "Manual override: " + dec.Justification
	}
	trade, err := e.ledger.Close(coin, price, reason)
	if err != nil {
		e.alerter.Critical(alerts.CategorySystem, "manual override close failed: "+err.Error(),
			map[string]string{"coin": coin})
		return
	}
	e.mirrorClose(ctx, pos.Direction, *trade, true)
	e.monitors.CheckTrade(trade.Symbol, trade.PnL)
	e.alerter.Info(alerts.CategoryTradeExecution,
		fmt.Sprintf("manual override closed %s (pnl $%.2f)", coin, trade.PnL),
		map[string]string{"coin": coin})
	e.hub.Publish(events.TypeTradeClosed, coin, reason, trade)
}

// overrideEntry opens a position exactly as instructed. The operator owns the
// sizing; only structural problems (no price, no size) skip it.
func (e *Engine) overrideEntry(ctx context.Context, cycle int, coin string, dec decision.Decision, prices map[string]float64) {
	if e.ledger.HasPosition(coin) {
		e.log.Warn().Str("coin", coin).Msg("manual override entry for coin with open position, ignored")
		return
	}
	price, valid := prices[coin]
	if !valid || price <= 0 {
		e.log.Warn().Str("coin", coin).Msg("no price for manual override entry, skipped")
		return
	}
	if dec.QuantityUSD <= 0 {
		e.log.Warn().Str("coin", coin).Msg("manual override entry without quantity_usd, skipped")
		return
	}
	leverage := dec.Leverage
	if leverage <= 0 {
		leverage = 10
	}
	margin := dec.QuantityUSD / float64(leverage)

	plan := portfolio.ExitPlan{
		ProfitTarget:          dec.ProfitTarget,
		StopLoss:              dec.StopLoss,
		InvalidationCondition: dec.InvalidationCondition,
	}
	pos, err := e.ledger.Open(coin, dec.Direction(), price, margin, leverage, 1.0, dec.Confidence, plan, "", cycle)
	if err != nil {
		e.alerter.Critical(alerts.CategorySystem, "manual override entry failed: "+err.Error(),
			map[string]string{"coin": coin})
		return
	}
	if e.live() {
		if err := e.exch.MirrorOpen(ctx, coin, pos.Direction, pos.Quantity, price,
			pos.Leverage, plan.ProfitTarget, plan.StopLoss); err != nil {
			e.alerter.Critical(alerts.CategorySystem,
				fmt.Sprintf("live open for %s failed, ledger and exchange diverged: %v", coin, err),
				map[string]string{"coin": coin})
		}
	}
	e.hub.Publish(events.TypeTradeOpened, coin,
		fmt.Sprintf("manual override opened %s %s %dx ($%.2f margin)", coin, pos.Direction, pos.Leverage, pos.MarginUSD), pos)
}

// fetchCoinData pulls both timeframes and sentiment per coin in parallel.
// A coin whose fetch fails is quarantined for the cycle, never the whole loop.
func (e *Engine) fetchCoinData(ctx context.Context) map[string]*coinData {
	out := make(map[string]*coinData, len(e.cfg.Coins))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDataFetchers)
	for _, coin := range e.cfg.Coins {
		coin := coin
		g.Go(func() error {
			htf, err := e.provider.Indicators(gctx, coin, e.provider.HTFInterval())
			if err != nil {
				e.log.Warn().Err(err).Str("coin", coin).Msg("higher-timeframe data unavailable")
				return nil
			}
			ltf, err := e.provider.Indicators(gctx, coin, ltfInterval)
			if err != nil {
				e.log.Warn().Err(err).Str("coin", coin).Msg("intraday data unavailable")
				return nil
			}
			sentiment := e.provider.Sentiment(gctx, coin)

			mu.Lock()
			out[coin] = &coinData{htf: htf, ltf: ltf, sentiment: sentiment}
			mu.Unlock()
			return nil
		})
	}
	g.Wait() // workers never return errors; failures quarantine the coin

	return out
}

// classifyTrends updates per-coin trend state and builds the prompt views.
func (e *Engine) classifyTrends(cycle int, data map[string]*coinData) (map[string]string, map[string]*decision.CoinView) {
	trends := make(map[string]string, len(e.cfg.Coins))
	views := make(map[string]*decision.CoinView, len(e.cfg.Coins))

	for _, coin := range e.cfg.Coins {
		d, ok := data[coin]
		if !ok {
			trends[coin] = decision.TrendUnknown
			continue
		}
		info := e.ledger.UpdateTrend(coin, d.htf, d.ltf, cycle)
		trends[coin] = info.Trend

		ctx := decision.Context{
			Coin:     coin,
			HTFTrend: info.Trend,
			HTF:      d.htf,
			LTF:      d.ltf,
		}
		longScore, shortScore := e.validator.ChecklistScores(ctx)
		views[coin] = &decision.CoinView{
			LTF:               d.ltf,
			HTF:               d.htf,
			Sentiment:         d.sentiment,
			Trend:             info.Trend,
			RecentFlip:        info.RecentFlip,
			CounterTrendLong:  longScore,
			CounterTrendShort: shortScore,
		}
	}
	return trends, views
}

func (e *Engine) snapshot(cycle, invocation int, regime string, views map[string]*decision.CoinView) *decision.Snapshot {
	positions := map[string]decision.PositionView{}
	for coin, pos := range e.ledger.Positions() {
		positions[coin] = decision.PositionView{
			Direction:     pos.Direction,
			Leverage:      pos.Leverage,
			EntryPrice:    pos.EntryPrice,
			CurrentPrice:  pos.CurrentPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
			NotionalUSD:   pos.NotionalUSD,
			MarginUSD:     pos.MarginUSD,
			ProfitTarget:  pos.ExitPlan.ProfitTarget,
			StopLoss:      pos.ExitPlan.StopLoss,
			Confidence:    pos.Confidence,
		}
	}

	return &decision.Snapshot{
		CycleNumber:     cycle,
		InvocationCount: invocation,
		InitialBalance:  e.ledger.InitialBalance(),
		CurrentBalance:  e.ledger.Balance(),
		TotalValue:      e.ledger.TotalValue(),
		TotalReturnPct:  e.ledger.TotalReturnPct(),
		SharpeRatio:     e.ledger.SharpeRatio(),
		Regime:          regime,
		Positions:       positions,
		Coins:           e.cfg.Coins,
		Views:           views,
		Bias:            e.ledger.BiasMetrics(),
		RecentFlips:     e.ledger.RecentFlipSummary(cycle),
		MaxPositions:    e.cfg.MaxPositions,
	}
}

// executeDecisions applies the model's instructions: closes first, then
// entries in descending confidence order under the position ramp cap.
func (e *Engine) executeDecisions(ctx context.Context, cycle int, resp *decision.Response,
	views map[string]*decision.CoinView, prices map[string]float64, trends map[string]string, regime string) {

	var closes, entries []string
	for coin, dec := range resp.Decisions {
		switch {
		case dec.Signal == decision.SignalClose:
			closes = append(closes, coin)
		case dec.IsEntry():
			entries = append(entries, coin)
		}
	}
	sort.Strings(closes)
	sort.Slice(entries, func(i, j int) bool {
		di, dj := resp.Decisions[entries[i]], resp.Decisions[entries[j]]
		if di.Confidence != dj.Confidence {
			return di.Confidence > dj.Confidence
		}
		return entries[i] < entries[j]
	})

	for _, coin := range closes {
		e.executeClose(ctx, coin, resp.Decisions[coin], prices)
	}

	// Entries over the ramp cap are rewritten to hold in the recorded
	// decisions, so the cycle history reflects what actually executed.
	capacity := rampCap(cycle, e.cfg.MaxPositions) - e.ledger.OpenPositionCount()
	for _, coin := range entries {
		if capacity <= 0 {
			e.log.Info().Str("coin", coin).Int("cycle", cycle).
				Msg("entry over position cap, downgraded to hold")
			resp.Decisions[coin] = decision.Decision{
				Signal:        decision.SignalHold,
				Justification: fmt.Sprintf("Position cap reached at cycle %d; entry downgraded to hold", cycle),
			}
			continue
		}
		if e.executeEntry(ctx, cycle, coin, resp.Decisions[coin], views[coin], prices, trends, regime) {
			capacity--
		}
	}
}

func (e *Engine) executeClose(ctx context.Context, coin string, dec decision.Decision, prices map[string]float64) {
	pos, ok := e.ledger.Positions()[coin]
	if !ok {
		e.log.Warn().Str("coin", coin).Msg("close signal for coin with no position")
		return
	}
	price, valid := prices[coin]
	if !valid || price <= 0 {
		e.log.Warn().Str("coin", coin).Msg("no price for close signal, deferred")
		return
	}

	reason := "AI close signal"
	if dec.Justification != "" {
		reason = "AI close signal: " + truncateReason(dec.Justification)
	}
	trade, err := e.ledger.Close(coin, price, reason)
	if err != nil {
		e.log.Error().Err(err).Str("coin", coin).Msg("close failed")
		return
	}
	e.mirrorClose(ctx, pos.Direction, *trade, true)
	e.monitors.CheckTrade(trade.Symbol, trade.PnL)
	e.hub.Publish(events.TypeTradeClosed, coin, reason, trade)
	e.alerter.Info(alerts.CategoryTradeExecution,
		fmt.Sprintf("closed %s %s (pnl $%.2f)", coin, pos.Direction, trade.PnL),
		map[string]string{"coin": coin})
}

// executeEntry validates, sizes, and opens one entry. Reports whether a
// position was actually opened.
func (e *Engine) executeEntry(ctx context.Context, cycle int, coin string, dec decision.Decision,
	view *decision.CoinView, prices map[string]float64, trends map[string]string, regime string) bool {

	if e.ledger.HasPosition(coin) {
		e.log.Warn().Str("coin", coin).Msg("entry signal for coin with open position, ignored")
		return false
	}
	price, valid := prices[coin]
	if !valid || price <= 0 {
		e.log.Warn().Str("coin", coin).Msg("no price for entry signal, skipped")
		return false
	}

	vctx := decision.Context{
		Coin:     coin,
		HTFTrend: trends[coin],
		Regime:   regime,
		Bias:     e.ledger.BiasMetrics(),
	}
	if view != nil {
		vctx.HTF = view.HTF
		vctx.LTF = view.LTF
		vctx.RecentFlip = view.RecentFlip
	}

	verdict := e.validator.Evaluate(dec, vctx)
	if verdict.Vetoed {
		e.log.Info().Str("coin", coin).Str("reason", verdict.Reason).Msg("entry vetoed")
		return false
	}

	sizing, err := e.risk.Approve(risk.EntryRequest{
		Coin:            coin,
		Direction:       verdict.Direction,
		Confidence:      verdict.Confidence,
		PartialMargin:   verdict.PartialMargin,
		Regime:          regime,
		CurrentBalance:  e.ledger.Balance(),
		OpenPositions:   e.ledger.OpenPositionCount(),
		PositionMargins: e.ledger.PositionMargins(),
		DirectionCounts: e.ledger.DirectionCounts(),
		CycleCap:        rampCap(cycle, e.cfg.MaxPositions),
	})
	if err != nil {
		e.log.Info().Err(err).Str("coin", coin).Msg("entry rejected by risk manager")
		e.alerter.Info(alerts.CategoryRiskLimit,
			fmt.Sprintf("entry rejected for %s: %v", coin, err), map[string]string{"coin": coin})
		return false
	}

	plan := portfolio.ExitPlan{
		ProfitTarget:          dec.ProfitTarget,
		StopLoss:              verdict.StopLoss,
		InvalidationCondition: dec.InvalidationCondition,
	}
	if plan.StopLoss == nil {
		plan.StopLoss = dec.StopLoss
	}

	pos, err := e.ledger.Open(coin, verdict.Direction, price, sizing.MarginUSD, verdict.Leverage,
		verdict.SizeMultiplier, verdict.Confidence, plan, trends[coin], cycle)
	if err != nil {
		e.log.Error().Err(err).Str("coin", coin).Msg("open failed")
		return false
	}

	if e.live() {
		if err := e.exch.MirrorOpen(ctx, coin, pos.Direction, pos.Quantity, price,
			pos.Leverage, plan.ProfitTarget, plan.StopLoss); err != nil {
			e.alerter.Critical(alerts.CategorySystem,
				fmt.Sprintf("live open for %s failed, ledger and exchange diverged: %v", coin, err),
				map[string]string{"coin": coin})
		}
	}
	e.hub.Publish(events.TypeTradeOpened, coin,
		fmt.Sprintf("opened %s %s %dx ($%.2f margin)", coin, pos.Direction, pos.Leverage, pos.MarginUSD), pos)
	return true
}

// applyExitReport broadcasts and mirrors the outcome of an exit sweep.
func (e *Engine) applyExitReport(ctx context.Context, report portfolio.ExitReport) {
	for _, t := range report.Closed {
		e.mirrorClose(ctx, t.Direction, t, true)
		e.monitors.CheckTrade(t.Symbol, t.PnL)
		e.hub.Publish(events.TypeTradeClosed, t.Symbol, t.CloseReason, t)
		e.alerter.Info(alerts.CategoryTradeExecution,
			fmt.Sprintf("%s closed: %s (pnl $%.2f)", t.Symbol, t.CloseReason, t.PnL),
			map[string]string{"coin": t.Symbol})
	}
	for _, t := range report.Partials {
		e.mirrorClose(ctx, t.Direction, t, false)
		e.hub.Publish(events.TypeTradeClosed, t.Symbol, t.CloseReason, t)
		e.alerter.Info(alerts.CategoryTradeExecution,
			fmt.Sprintf("%s partial close: %s (pnl $%.2f)", t.Symbol, t.CloseReason, t.PnL),
			map[string]string{"coin": t.Symbol})
	}

	if !e.live() {
		return
	}
	remaining := e.ledger.Positions()
	for _, coin := range report.UpdatedStops {
		pos, ok := remaining[coin]
		if !ok {
			continue
		}
		if err := e.exch.MirrorStopUpdate(ctx, coin, pos.Direction,
			pos.ExitPlan.ProfitTarget, pos.ExitPlan.StopLoss); err != nil {
			e.alerter.Warning(alerts.CategorySystem,
				fmt.Sprintf("stop update for %s failed: %v", coin, err),
				map[string]string{"coin": coin})
		}
	}
}

func (e *Engine) mirrorClose(ctx context.Context, direction string, t portfolio.Trade, full bool) {
	if !e.live() {
		return
	}
	if err := e.exch.MirrorClose(ctx, t.Symbol, direction, t.Quantity, t.ExitPrice, full); err != nil {
		e.alerter.Critical(alerts.CategorySystem,
			fmt.Sprintf("live close for %s failed, ledger and exchange diverged: %v", t.Symbol, err),
			map[string]string{"coin": t.Symbol})
	}
}

// recordCycle appends to the capped cycle history document.
func (e *Engine) recordCycle(rec decision.CycleRecord) {
	var history []decision.CycleRecord
	if _, err := e.st.Read(store.DocCycleHistory, &history); err != nil {
		e.log.Error().Err(err).Msg("load cycle history")
		return
	}
	history = append(history, rec)
	if len(history) > store.MaxCycleHistory {
		history = history[len(history)-store.MaxCycleHistory:]
	}
	if err := e.st.Write(store.DocCycleHistory, history); err != nil {
		e.log.Error().Err(err).Msg("persist cycle history")
	}
}

// maybeAnalyze refreshes the performance report on any of its triggers.
func (e *Engine) maybeAnalyze(cycle int) {
	trigger := cycle%perfEveryNCycles == 0 ||
		abs(e.ledger.TotalReturnPct()) > perfReturnTrigger ||
		e.ledger.OpenPositionCount() >= perfPositionLoad
	if !trigger {
		return
	}
	if _, err := e.analyzer.Analyze(0); err != nil {
		e.log.Error().Err(err).Msg("performance analysis failed")
	}
}

// rampCap limits open positions during warmup: one new slot per cycle until
// the configured maximum.
func rampCap(cycle, maxPositions int) int {
	if cycle < maxPositions {
		return cycle
	}
	return maxPositions
}

// detectRegime aggregates per-coin trends into the account-level regime.
// Four agreeing coins decide outright; three with a strict majority also do.
func detectRegime(trends map[string]string) string {
	var bull, bear int
	for _, t := range trends {
		switch t {
		case decision.TrendBullish:
			bull++
		case decision.TrendBearish:
			bear++
		}
	}
	switch {
	case bull >= 4 || (bull >= 3 && bull > bear):
		return "BULLISH"
	case bear >= 4 || (bear >= 3 && bear > bull):
		return "BEARISH"
	default:
		return "NEUTRAL"
	}
}

// nextInterval adapts cycle pacing to short-timeframe volatility: quiet
// markets slow the loop down, active ones keep it at the floor.
func nextInterval(views map[string]*decision.CoinView) time.Duration {
	var sum float64
	var n int
	for _, v := range views {
		if v != nil && v.LTF != nil && v.LTF.ATR14 != nil {
			sum += *v.LTF.ATR14
			n++
		}
	}
	if n == 0 {
		return intervalActive
	}
	switch mean := sum / float64(n); {
	case mean < atrCalmMax:
		return intervalCalm
	case mean < atrNormalMax:
		return intervalNormal
	default:
		return intervalActive
	}
}

func truncateReason(s string) string {
	const max = 120
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
