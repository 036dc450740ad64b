package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"objrec/internal/pipeline"
)

const sendBuffer = 16

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// DetectionHub manages WebSocket connections for real-time detection streaming.
// Each client has its own writer goroutine; a client that falls behind
// loses messages instead of stalling the broadcast.
type DetectionHub struct {
	clients map[*client]bool
	mu      sync.RWMutex
	logger  *zap.Logger
	closed  bool
}

// NewDetectionHub creates a new detection hub
func NewDetectionHub(logger *zap.Logger) *DetectionHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DetectionHub{
		clients: make(map[*client]bool),
		logger:  logger.Named("ws"),
	}
}

// register adds a connection. It returns nil once the hub is closed.
func (h *DetectionHub) register(conn *websocket.Conn) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.clients[c] = true
	h.logger.Debug("client registered", zap.Int("total", len(h.clients)))
	return c
}

// unregister removes a connection and stops its writer.
func (h *DetectionHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug("client unregistered", zap.Int("total", len(h.clients)))
	}
}

// HasClients returns true if any client is connected
func (h *DetectionHub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client
func (h *DetectionHub) Broadcast(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			// Client is slow, skip message
		}
	}
}

func (h *DetectionHub) broadcastJSON(v interface{}) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("marshal message", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

// BroadcastTick sends the detections of one tick
func (h *DetectionHub) BroadcastTick(tr *pipeline.TickResult) {
	if tr == nil {
		return
	}
	h.broadcastJSON(NewDetectionMessage(tr))
}

// BroadcastState sends a loop state transition
func (h *DetectionHub) BroadcastState(msg *StateMessage) {
	h.broadcastJSON(msg)
}

// Run forwards tick results from ch until ch is closed or ctx is done.
func (h *DetectionHub) Run(ctx context.Context, ch <-chan *pipeline.TickResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-ch:
			if !ok {
				return
			}
			h.BroadcastTick(tr)
		}
	}
}

// Close disconnects every client
func (h *DetectionHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
