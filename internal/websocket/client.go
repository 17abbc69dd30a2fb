package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024

	// Buffered outbound messages per client
	outboundBuffer = 64
)

// Client is a WebSocket connection following chart leaderboards
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	outbound chan []byte
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type    string `json:"type"`
	ChartID string `json:"chartId,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		outbound: make(chan []byte, outboundBuffer),
		logger:   logger.With("client_id", id),
	}
}

// ServeWs upgrades the request and attaches the connection to the hub
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(h, conn, h.logger)
	h.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection")
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		c.handleMessage(&msg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.ChartID == "" {
			c.sendError("chartId required for subscribe")
			return
		}
		c.hub.Subscribe(c, msg.ChartID)
		c.sendAck("subscribed", msg.ChartID)

	case MessageTypeUnsubscribe:
		if msg.ChartID == "" {
			c.sendError("chartId required for unsubscribe")
			return
		}
		c.hub.Unsubscribe(c, msg.ChartID)
		c.sendAck("unsubscribed", msg.ChartID)

	case MessageTypePing:
		c.send(&Message{Type: MessageTypePong, Timestamp: time.Now()})

	default:
		c.sendError("unknown message type")
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send queues a message for the client, dropping it when the buffer is full
func (c *Client) send(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return false
	}
	return c.deliver(data)
}

// deliver queues an encoded message without blocking
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.outbound <- data:
		return true
	default:
		c.logger.Warn("client buffer full, dropping message")
		return false
	}
}

// close stops delivery to the client. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbound)
	}
}

func (c *Client) sendError(errMsg string) {
	c.send(&Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"error": errMsg},
		Timestamp: time.Now(),
	})
}

func (c *Client) sendAck(action, chartID string) {
	c.send(&Message{
		Type:      action,
		ChartID:   chartID,
		Data:      map[string]string{"status": "ok"},
		Timestamp: time.Now(),
	})
}
