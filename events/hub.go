// Package events fans trading-loop events out to SSE subscribers of the
// admin API.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-perp-trader/logger"
)

// EventType defines the type of event
type EventType string

const (
	TypeCycleCompleted EventType = "cycle_completed"
	TypeTradeOpened    EventType = "trade_opened"
	TypeTradeClosed    EventType = "trade_closed"
	TypeAlert          EventType = "alert"
	TypeInfo           EventType = "info"
)

// Event represents a notification to be sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Coin      string      `json:"coin,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts messages to the clients.
type Hub struct {
	// Registered clients.
	clients map[chan []byte]bool

	// Inbound messages from the clients.
	broadcast chan []byte

	// Register requests from the clients.
	register chan chan []byte

	// Unregister requests from clients.
	unregister chan chan []byte

	mu  sync.Mutex
	log zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		clients:    make(map[chan []byte]bool),
		log:        logger.New("events"),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug().Int("clients", len(h.clients)).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			h.log.Debug().Int("clients", len(h.clients)).Msg("client unregistered")

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients. The timestamp is filled
// in when the caller leaves it zero.
func (h *Hub) Broadcast(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().Unix()
	}
	bytes, err := json.Marshal(evt)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal event")
		return
	}
	h.broadcast <- bytes
}

// Publish is shorthand for Broadcast with a typed payload.
func (h *Hub) Publish(typ EventType, coin, message string, data interface{}) {
	h.Broadcast(Event{Type: typ, Coin: coin, Message: message, Data: data})
}

// ServeHTTP handles SSE connections
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Set headers for SSE
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Create a channel for this client
	client := make(chan []byte, 256)

	// Register client
	h.register <- client

	// Ensure unregister on exit
	defer func() {
		h.unregister <- client
	}()

	// Send initial connection message
	fmt.Fprintf(w, "data: %s\n\n", `{"type":"sys","message":"connected"}`)
	w.(http.Flusher).Flush()

	// Listen for connection close
	notify := r.Context().Done()

	for {
		select {
		case <-notify:
			return
		case msg, ok := <-client:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			w.(http.Flusher).Flush()
		}
	}
}
