package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portsweep/internal/api/middleware"
	"github.com/anstrom/portsweep/internal/logging"
	"github.com/anstrom/portsweep/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Message types sent to websocket clients.
const (
	MessageScanProgress = "scan_progress"
	MessageScanFinished = "scan_finished"
)

// ProgressSource delivers scan progress events.
type ProgressSource interface {
	Subscribe(l services.Listener) func()
}

// WebSocketMessage is the envelope of every message pushed to clients.
type WebSocketMessage struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      services.ProgressEvent `json:"data"`
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	scanID string
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WebSocketHandler streams scan progress to websocket clients.
type WebSocketHandler struct {
	logger      *logging.Logger
	upgrader    websocket.Upgrader
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWebSocketHandler subscribes to source and returns the handler.
// allowedOrigins empty or containing "*" accepts every origin.
func NewWebSocketHandler(source ProgressSource, allowedOrigins []string, logger *logging.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:  logger.WithComponent("websocket"),
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	h.unsubscribe = source.Subscribe(h.broadcast)
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set["*"] || set[origin]
	}
}

// ScanWebSocket handles GET /api/v1/ws/scans. ?scan_id= limits the stream
// to one scan.
func (h *WebSocketHandler) ScanWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		scanID: r.URL.Query().Get("scan_id"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("WebSocket client connected", "request_id", requestID, "scan_id", client.scanID, "total_clients", total)

	go h.writePump(client, requestID)
	h.readPump(client, requestID)
}

// broadcast runs on scan goroutines and never blocks: a client whose
// buffer is full is disconnected.
func (h *WebSocketHandler) broadcast(ev services.ProgressEvent) {
	msgType := MessageScanProgress
	if ev.State.Terminal() {
		msgType = MessageScanFinished
	}
	data, err := json.Marshal(WebSocketMessage{Type: msgType, Timestamp: time.Now().UTC(), Data: ev})
	if err != nil {
		h.logger.Error("Failed to marshal progress event", "scan_id", ev.ScanID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.scanID != "" && c.scanID != ev.ScanID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("WebSocket client too slow, disconnecting", "scan_id", ev.ScanID)
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *WebSocketHandler) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readPump discards client messages and keeps the read deadline alive.
func (h *WebSocketHandler) readPump(c *wsClient, requestID string) {
	defer h.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket closed unexpectedly", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(c *wsClient, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocket write failed", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ConnectedClients returns the number of connected clients.
func (h *WebSocketHandler) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the progress source and disconnects every client.
func (h *WebSocketHandler) Close() {
	h.unsubscribe()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
