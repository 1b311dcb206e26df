package logger

import (
	"encoding/json"
	"sync"
	"time"
)

// LogLine is one emitted log record, retained for late-joining subscribers.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Broadcaster fans log output out to SSE subscribers while keeping a bounded
// replay buffer. It implements io.Writer so it can sit under zerolog.
type Broadcaster struct {
	clients    map[chan LogLine]bool
	buffer     []LogLine
	bufferSize int
	mu         sync.RWMutex
}

var globalBroadcaster *Broadcaster
var once sync.Once

func GetBroadcaster() *Broadcaster {
	once.Do(func() {
		globalBroadcaster = &Broadcaster{
			clients:    make(map[chan LogLine]bool),
			buffer:     make([]LogLine, 0, 1000),
			bufferSize: 1000,
		}
	})
	return globalBroadcaster
}

func (b *Broadcaster) Write(p []byte) (n int, err error) {
	line := LogLine{
		Timestamp: time.Now(),
		Message:   string(p),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, line)

	for ch := range b.clients {
		select {
		case ch <- line:
		default:
			// Drop rather than block the logger on a slow client.
		}
	}

	return len(p), nil
}

// Subscribe returns a live channel plus the buffered history.
func (b *Broadcaster) Subscribe() (chan LogLine, []LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LogLine, 200)
	b.clients[ch] = true

	history := make([]LogLine, len(b.buffer))
	copy(history, b.buffer)

	return ch, history
}

func (b *Broadcaster) Unsubscribe(ch chan LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// ToSSE renders the line as a server-sent event frame.
func (m LogLine) ToSSE() string {
	data, _ := json.Marshal(m)
	return "data: " + string(data) + "\n\n"
}
