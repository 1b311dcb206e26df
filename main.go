package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-perp-trader/alerts"
	"ai-perp-trader/api"
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
	"ai-perp-trader/trader"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.New("main")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	log.Info().Str("mode", cfg.TradingMode).Strs("coins", cfg.Coins).
		Str("model", cfg.LLMModel).Str("llm_key", config.MaskedKey(cfg.LLMAPIKey)).
		Float64("initial_balance", cfg.InitialBalance).Msg("configuration loaded")

	st, err := store.New(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("state store unavailable")
	}
	arc, err := store.OpenArchive(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("trade archive unavailable")
	}
	defer arc.Close()

	ledger := portfolio.New(cfg, st, arc)
	if err := ledger.Load(); err != nil {
		log.Fatal().Err(err).Msg("restore portfolio state")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var exch *exchange.Client
	if cfg.TradingMode == "live" {
		exch = exchange.NewClient(cfg)
		local := map[string]exchange.LocalPosition{}
		for coin, pos := range ledger.Positions() {
			local[coin] = exchange.LocalPosition{Direction: pos.Direction, Quantity: pos.Quantity}
		}
		if err := exch.Startup(ctx, local); err != nil {
			log.Fatal().Err(err).Msg("exchange startup failed")
		}
	}

	hub := events.NewHub()
	go hub.Run()

	analyzer := perf.NewAnalyzer(st, arc)
	alerter := alerts.NewManager(st)

	engine := trader.NewEngine(trader.Deps{
		Config:    cfg,
		Store:     st,
		Ledger:    ledger,
		Provider:  market.NewProvider(cfg.Coins, cfg.HTFInterval, st),
		Validator: decision.NewValidator(cfg),
		Risk:      risk.NewManager(cfg),
		Model:     llm.NewClient(cfg, st),
		Alerts:    alerter,
		Analyzer:  analyzer,
		Hub:       hub,
		Exchange:  exch,
	})

	server := api.NewServer(cfg, st, ledger, engine, alerter, analyzer, hub)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}()

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-engineDone:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("engine exited with error")
		}
	}

	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown")
	}
	log.Info().Msg("shutdown complete")
}
