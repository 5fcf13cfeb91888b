package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const writeWait = 5 * time.Second

// WakeEvent is the message pushed to connected workers
type WakeEvent struct {
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// EventWake is the only event type sent today
const EventWake = "wake"

// WebSocketNotifier broadcasts wake-ups to workers connected on /api/worker/events
type WebSocketNotifier struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	trigger trigger
	stop    chan struct{}
	stopped chan struct{}
	log     zerolog.Logger
}

// NewWebSocketNotifier creates a notifier; call Run to start broadcasting
func NewWebSocketNotifier(log zerolog.Logger) *WebSocketNotifier {
	return &WebSocketNotifier{
		clients: make(map[*websocket.Conn]struct{}),
		trigger: newTrigger(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With().Str("component", "websocket_notifier").Logger(),
	}
}

// Notify requests a broadcast. This is non-blocking and can be called from any goroutine.
func (n *WebSocketNotifier) Notify() {
	n.trigger.fire()
}

// Clients returns the number of connected workers
func (n *WebSocketNotifier) Clients() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

// ServeHTTP handles GET /api/worker/events. The connection is held open until the
// worker disconnects; anything the worker sends is ignored.
func (n *WebSocketNotifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		n.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	n.mu.Lock()
	n.clients[conn] = struct{}{}
	n.mu.Unlock()
	n.log.Info().Str("remote", r.RemoteAddr).Msg("Worker connected")

	ctx := conn.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-n.stop:
	}

	n.mu.Lock()
	delete(n.clients, conn)
	n.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	n.log.Info().Str("remote", r.RemoteAddr).Msg("Worker disconnected")
}

// Run broadcasts wake-ups until Stop is called
func (n *WebSocketNotifier) Run() {
	defer close(n.stopped)

	for {
		select {
		case <-n.stop:
			return
		case <-n.trigger:
			n.broadcast()
		}
	}
}

// Stop stops broadcasting and releases connected workers
func (n *WebSocketNotifier) Stop() {
	close(n.stop)
	<-n.stopped
}

func (n *WebSocketNotifier) broadcast() {
	data, err := json.Marshal(WakeEvent{Event: EventWake, At: time.Now().UTC()})
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to encode wake event")
		return
	}

	n.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(n.clients))
	for conn := range n.clients {
		conns = append(conns, conn)
	}
	n.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			n.log.Warn().Err(err).Msg("Failed to push wake event")
		}
	}
	if len(conns) > 0 {
		n.log.Debug().Int("clients", len(conns)).Msg("Broadcast wake event")
	}
}
