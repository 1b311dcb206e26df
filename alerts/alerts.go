// Package alerts records operational alerts (loss-cycle watches, exit
// triggers, API failures) to the log and to a durable NDJSON feed the admin
// API serves.
package alerts

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-perp-trader/logger"
	"ai-perp-trader/store"
)

// Severity levels.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Categories group alerts for filtering.
const (
	CategoryPriceMovement  = "price_movement"
	CategoryRiskLimit      = "risk_limit"
	CategoryPerformance    = "performance"
	CategorySystem         = "system"
	CategoryTradeExecution = "trade_execution"
)

// recentCap bounds the in-memory ring served to the admin API.
const recentCap = 100

// Alert is one recorded event.
type Alert struct {
	ID        string            `json:"id"`
	Level     string            `json:"level"`
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Manager fans each alert out to the structured log, the in-memory ring, and
// the NDJSON feed.
type Manager struct {
	mu     sync.Mutex
	st     *store.Store
	recent []Alert

	log zerolog.Logger
}

func NewManager(st *store.Store) *Manager {
	return &Manager{st: st, log: logger.New("alerts")}
}

// Raise records an alert. Persistence failures are logged and swallowed: an
// alert must never take the trading loop down.
func (m *Manager) Raise(level, category, message string, ctx map[string]string) Alert {
	alert := Alert{
		ID:        uuid.NewString(),
		Level:     level,
		Category:  category,
		Message:   message,
		Context:   ctx,
		Timestamp: time.Now().UTC(),
	}

	evt := m.log.Info()
	switch level {
	case LevelWarning:
		evt = m.log.Warn()
	case LevelCritical:
		evt = m.log.Error()
	}
	evt.Str("category", category).Fields(toFields(ctx)).Msg(message)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > recentCap {
		m.recent = m.recent[len(m.recent)-recentCap:]
	}
	if err := m.st.AppendLine(store.DocAlerts, alert); err != nil {
		m.log.Error().Err(err).Msg("persist alert")
	}
	return alert
}

func (m *Manager) Info(category, message string, ctx map[string]string) Alert {
	return m.Raise(LevelInfo, category, message, ctx)
}

func (m *Manager) Warning(category, message string, ctx map[string]string) Alert {
	return m.Raise(LevelWarning, category, message, ctx)
}

func (m *Manager) Critical(category, message string, ctx map[string]string) Alert {
	return m.Raise(LevelCritical, category, message, ctx)
}

// Recent returns up to n alerts, newest last. The in-memory ring serves warm
// processes; after a restart the NDJSON feed is re-read once.
func (m *Manager) Recent(n int) ([]Alert, error) {
	m.mu.Lock()
	if len(m.recent) == 0 {
		restored, err := m.loadLocked()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.recent = restored
	}
	out := make([]Alert, len(m.recent))
	copy(out, m.recent)
	m.mu.Unlock()

	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *Manager) loadLocked() ([]Alert, error) {
	lines, err := m.st.ReadLines(store.DocAlerts)
	if err != nil {
		return nil, err
	}
	if len(lines) > recentCap {
		lines = lines[len(lines)-recentCap:]
	}
	out := make([]Alert, 0, len(lines))
	for _, line := range lines {
		var a Alert
		if err := json.Unmarshal(line, &a); err != nil {
			continue // skip torn lines
		}
		out = append(out, a)
	}
	return out, nil
}

func toFields(ctx map[string]string) map[string]interface{} {
	if len(ctx) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		fields[k] = v
	}
	return fields
}
