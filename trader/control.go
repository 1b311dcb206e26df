package trader

import (
	"fmt"
	"time"

	"ai-perp-trader/store"
)

// Bot control statuses.
const (
	StatusRunning = "running"
	StatusPaused  = "paused"
	StatusStopped = "stopped"
)

// Operator actions accepted by the admin API.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// BotControl is the durable run-state document. The admin API writes it; the
// engine reads it at the top of every cycle, so a pause lands before the next
// model call.
type BotControl struct {
	Status      string    `json:"status"`
	Action      string    `json:"action,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Control reads the current run state, defaulting to running when the
// document is missing or unreadable.
func (e *Engine) Control() BotControl {
	ctrl := BotControl{Status: StatusRunning}
	found, err := e.st.Read(store.DocBotControl, &ctrl)
	if err != nil {
		e.log.Error().Err(err).Msg("read bot control")
		return BotControl{Status: StatusRunning}
	}
	if !found || ctrl.Status == "" {
		ctrl.Status = StatusRunning
	}
	return ctrl
}

// SetControl applies an operator action and persists the resulting state.
func (e *Engine) SetControl(action string) (BotControl, error) {
	var status string
	switch action {
	case ActionPause:
		status = StatusPaused
	case ActionResume:
		status = StatusRunning
	case ActionStop:
		status = StatusStopped
	default:
		return BotControl{}, fmt.Errorf("invalid bot action %q", action)
	}

	ctrl := BotControl{Status: status, Action: action, LastUpdated: time.Now().UTC()}
	if err := e.st.Write(store.DocBotControl, ctrl); err != nil {
		return BotControl{}, err
	}
	e.log.Info().Str("action", action).Str("status", status).Msg("bot control updated")
	if status == StatusStopped {
		e.Stop()
	}
	return ctrl, nil
}
