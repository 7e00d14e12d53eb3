package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ayusman/netra/internal/detection"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local UI
	},
}

const (
	clientBuffer = 8
	writeTimeout = 5 * time.Second
)

// DetectionsMessage is pushed to websocket clients after every cycle.
type DetectionsMessage struct {
	Detections []detection.Detection `json:"detections"`
	Top        *detection.Detection  `json:"top,omitempty"`
	FPS        int                   `json:"fps"`
	Timestamp  int64                 `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// DetectionsHandler fans each cycle's detections out to websocket clients.
// It subscribes to the controller while at least one client is connected.
// Slow clients drop messages rather than stall the loop.
type DetectionsHandler struct {
	ctrl   Controller
	logger *zap.SugaredLogger

	mu          sync.Mutex
	clients     map[string]*client
	unsubscribe func()
	closed      bool
}

// NewDetectionsHandler creates a DetectionsHandler for ctrl.
func NewDetectionsHandler(ctrl Controller, logger *zap.SugaredLogger) *DetectionsHandler {
	return &DetectionsHandler{
		ctrl:    ctrl,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *DetectionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	if !h.add(c) {
		conn.Close()
		return
	}
	h.logger.Debugw("client connected", "client", c.id)

	go h.writePump(c)

	// Reads only detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.remove(c)
	h.logger.Debugw("client disconnected", "client", c.id)
}

// Clients returns the number of connected clients.
func (h *DetectionsHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *DetectionsHandler) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *DetectionsHandler) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c.id] = c
	if h.unsubscribe == nil {
		h.unsubscribe = h.ctrl.Subscribe(h.broadcast)
	}
	return true
}

func (h *DetectionsHandler) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)

	var unsubscribe func()
	if len(h.clients) == 0 {
		unsubscribe = h.unsubscribe
		h.unsubscribe = nil
	}
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (h *DetectionsHandler) broadcast(dets []detection.Detection) {
	msg := DetectionsMessage{
		Detections: dets,
		FPS:        h.ctrl.Snapshot().FPS,
		Timestamp:  time.Now().UnixMilli(),
	}
	if top, ok := detection.Highest(dets); ok {
		msg.Top = &top
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warnw("encode detections", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *DetectionsHandler) writePump(c *client) {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debugw("websocket write failed", "client", c.id, "error", err)
			// Closing unblocks the reader, which removes the client and
			// closes send.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
