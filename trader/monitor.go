package trader

import (
	"context"
	"time"
)

// exitMonitor sweeps exit conditions between decision cycles. It polls every
// second so a stop lands promptly, but only sweeps once per configured
// interval and never while a cycle is in flight.
func (e *Engine) exitMonitor(ctx context.Context) {
	interval := time.Duration(e.cfg.ExitMonitorInterval) * time.Second
	if interval <= 0 {
		interval = 45 * time.Second
	}
	e.log.Info().Dur("interval", interval).Msg("exit monitor started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if !e.exitsEnabled.Load() || e.cycleActive.Load() || time.Since(last) < interval {
				continue
			}
			last = time.Now()
			e.sweepExits(ctx)
		}
	}
}

// sweepExits refreshes prices and applies the exit layers. Loss-cycle
// counting stays with the decision loop; the monitor only marks to market.
func (e *Engine) sweepExits(ctx context.Context) {
	if !e.exitsEnabled.Load() {
		return
	}
	if e.ledger.OpenPositionCount() == 0 {
		return
	}
	if e.Control().Status == StatusStopped {
		return
	}

	prices := e.provider.Prices(ctx)
	e.ledger.MarkToMarket(prices, false)
	report := e.ledger.CheckExits(prices)
	if report.Changed() {
		e.log.Info().Int("closed", len(report.Closed)).Int("partials", len(report.Partials)).
			Int("stops_updated", len(report.UpdatedStops)).Msg("exit monitor acted")
	}
	e.applyExitReport(ctx, report)
}
