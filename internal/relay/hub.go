// Package relay fans lifecycle events out to every connected dashboard client
// over websockets and accepts operator commands from them.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neekaru/whatsapp-dashboard/internal/metrics"
)

// Frame is the JSON envelope of every websocket message, in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Config configures a Hub
type Config struct {
	// AllowedOrigins restricts websocket origins; empty allows all
	AllowedOrigins []string
	// MediaDir is the only directory send_message may attach files from
	MediaDir string
	// CommandTimeout bounds a single inbound command
	CommandTimeout time.Duration
}

// Hub tracks connected dashboard clients. It implements lifecycle.Publisher.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*conn]struct{}
	closed  bool
}

// NewHub creates a hub
func NewHub(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	h := &Hub{
		cfg:     cfg,
		logger:  logger.Named("relay"),
		metrics: m,
		clients: make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Handler upgrades a request to a websocket and serves one dashboard client
// whose commands are executed by cmd
func (h *Hub) Handler(cmd Commander) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already replied to the client
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		cl := &conn{
			id:   uuid.NewString(),
			hub:  h,
			cmd:  cmd,
			ws:   ws,
			send: make(chan []byte, sendBuffer),
		}
		if !h.register(cl) {
			ws.Close()
			return
		}
		h.logger.Info("client connected", zap.String("client_id", cl.id), zap.String("remote", c.ClientIP()))

		go cl.writePump()
		cl.readPump()
	}
}

// Publish broadcasts an event to every connected client. Clients that cannot
// keep up are disconnected.
func (h *Hub) Publish(event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encoding event failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.metrics.RelayEvent(event)

	var slow []*conn
	h.mu.RLock()
	for cl := range h.clients {
		select {
		case cl.send <- msg:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		h.logger.Warn("client too slow, disconnecting", zap.String("client_id", cl.id))
		h.unregister(cl)
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*conn, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		h.unregister(cl)
	}
}

func (h *Hub) register(cl *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[cl] = struct{}{}
	h.metrics.SetRelayClients(len(h.clients))
	return true
}

// unregister removes a client and closes its send channel, which makes the
// write pump close the socket
func (h *Hub) unregister(cl *conn) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.SetRelayClients(n)
		h.logger.Info("client disconnected", zap.String("client_id", cl.id))
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
