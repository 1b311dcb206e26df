// Package api is the admin HTTP surface: read-only portfolio and history
// endpoints, bot control, manual force-close, and SSE streams for events and
// logs.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ai-perp-trader/alerts"
	"ai-perp-trader/config"
	"ai-perp-trader/decision"
	"ai-perp-trader/events"
	"ai-perp-trader/logger"
	"ai-perp-trader/perf"
	"ai-perp-trader/portfolio"
	"ai-perp-trader/store"
	"ai-perp-trader/trader"
)

type Server struct {
	cfg      *config.Config
	st       *store.Store
	ledger   *portfolio.Ledger
	engine   *trader.Engine
	alerter  *alerts.Manager
	analyzer *perf.Analyzer
	hub      *events.Hub
	log      zerolog.Logger

	httpServer *http.Server
}

func NewServer(cfg *config.Config, st *store.Store, ledger *portfolio.Ledger,
	engine *trader.Engine, alerter *alerts.Manager, analyzer *perf.Analyzer, hub *events.Hub) *Server {
	return &Server{
		cfg:      cfg,
		st:       st,
		ledger:   ledger,
		engine:   engine,
		alerter:  alerter,
		analyzer: analyzer,
		hub:      hub,
		log:      logger.New("api"),
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/auth/verify", s.handleAuthVerify)

	// Read endpoints
	mux.HandleFunc("/api/portfolio", s.authMiddleware(s.handlePortfolio))
	mux.HandleFunc("/api/trades", s.authMiddleware(s.handleTrades))
	mux.HandleFunc("/api/cycles", s.authMiddleware(s.handleCycles))
	mux.HandleFunc("/api/alerts", s.authMiddleware(s.handleAlerts))
	mux.HandleFunc("/api/performance", s.authMiddleware(s.handlePerformance))
	mux.HandleFunc("/api/performance/refresh", s.authMiddleware(s.handlePerformanceRefresh))

	// Control endpoints
	mux.HandleFunc("/api/force-close", s.authMiddleware(s.handleForceClose))
	mux.HandleFunc("/api/bot-control", s.authMiddleware(s.handleBotControl))

	// Streams
	mux.Handle("/api/events", s.hub)
	mux.HandleFunc("/api/logs", s.handleLogs)

	handler := corsMiddleware(mux)

	s.log.Info().Str("port", s.cfg.APIPort).Msg("API server starting")
	if s.cfg.AccessPasskey == "" {
		s.log.Warn().Msg("no ACCESS_PASSKEY set, control endpoints are unprotected")
	}

	s.httpServer = &http.Server{
		Addr:              ":" + s.cfg.APIPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware checks for valid passkey in X-Access-Key header
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no passkey is configured
		if s.cfg.AccessPasskey == "" {
			next(w, r)
			return
		}

		accessKey := r.Header.Get("X-Access-Key")
		if accessKey == "" {
			s.errorResponse(w, http.StatusUnauthorized, "Access key required")
			return
		}
		if !secureCompare(accessKey, s.cfg.AccessPasskey) {
			s.errorResponse(w, http.StatusUnauthorized, "Invalid access key")
			return
		}

		next(w, r)
	}
}

// handleAuthVerify verifies the passkey and returns success/failure
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.cfg.AccessPasskey == "" {
		s.jsonResponse(w, map[string]interface{}{"valid": true, "required": false})
		return
	}

	var req struct {
		Passkey string `json:"passkey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"valid":    secureCompare(req.Passkey, s.cfg.AccessPasskey),
		"required": true,
	})
}

// secureCompare performs constant-time comparison to prevent timing attacks
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Access-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": status, "message": message})
}

// limitParam parses ?limit=N, returning def when absent or invalid.
func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]interface{}{
		"status": "ok",
		"mode":   s.cfg.TradingMode,
		"cycle":  s.engine.Cycle(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.jsonResponse(w, map[string]interface{}{
		"current_balance":  s.ledger.Balance(),
		"initial_balance":  s.ledger.InitialBalance(),
		"total_value":      s.ledger.TotalValue(),
		"total_return":     s.ledger.TotalReturnPct(),
		"sharpe_ratio":     s.ledger.SharpeRatio(),
		"trade_count":      s.ledger.TradeCount(),
		"positions":        s.ledger.Positions(),
		"directional_bias": s.ledger.BiasMetrics(),
	})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	trades := s.ledger.TradeHistory()
	if limit := limitParam(r, 0); limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	s.jsonResponse(w, map[string]interface{}{"trades": trades})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var history []json.RawMessage
	if _, err := s.st.Read(store.DocCycleHistory, &history); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limit := limitParam(r, 0); limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	s.jsonResponse(w, map[string]interface{}{"cycles": history})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	recent, err := s.alerter.Recent(limitParam(r, 50))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"alerts": recent})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	history, err := s.analyzer.History()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, map[string]interface{}{"reports": history})
}

func (s *Server) handlePerformanceRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	report, err := s.analyzer.Analyze(0)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, report)
}

// handleForceClose queues a manual override. The engine consumes it at the
// top of the next cycle; the position closes there, not here.
func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Coin   string `json:"coin"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Coin = strings.ToUpper(strings.TrimSpace(req.Coin))
	if req.Coin == "" {
		s.errorResponse(w, http.StatusBadRequest, "coin is required")
		return
	}
	if !s.ledger.HasPosition(req.Coin) {
		s.errorResponse(w, http.StatusNotFound, "no open position for "+req.Coin)
		return
	}

	override := portfolio.Override{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Decisions: map[string]decision.Decision{
			req.Coin: {Signal: decision.SignalClose, Justification: req.Reason},
		},
	}
	if err := s.st.Write(store.DocManualOverride, override); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("coin", req.Coin).Str("reason", req.Reason).Msg("manual override queued")
	s.jsonResponse(w, map[string]string{"status": "queued", "coin": req.Coin})
}

func (s *Server) handleBotControl(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, s.engine.Control())

	case http.MethodPost:
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		ctrl, err := s.engine.SetControl(strings.ToLower(strings.TrimSpace(req.Action)))
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.jsonResponse(w, ctrl)

	default:
		s.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleLogs streams recent and live log lines over SSE.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	b := logger.GetBroadcaster()
	ch, backlog := b.Subscribe()
	defer b.Unsubscribe(ch)

	for _, line := range backlog {
		w.Write([]byte(line.ToSSE()))
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				return
			}
			w.Write([]byte(line.ToSSE()))
			flusher.Flush()
		}
	}
}
