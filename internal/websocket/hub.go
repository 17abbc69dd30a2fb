package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhythm-ranking/internal/domain"
)

// Message types
const (
	MessageTypeRankingUpdate = "ranking_update"
	MessageTypeSubscribe     = "subscribe"
	MessageTypeUnsubscribe   = "unsubscribe"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
	MessageTypeError         = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	ChartID   string      `json:"chartId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// RankingUpdate contains a chart's leaderboard for broadcast
type RankingUpdate struct {
	ChartID         string             `json:"chartId"`
	Top             []domain.RankEntry `json:"top"`
	SubmissionCount int64              `json:"submissionCount"`
	Version         int64              `json:"version"`
}

// Snapshotter loads the current leaderboard of a chart
type Snapshotter interface {
	Get(ctx context.Context, chartID string) (*domain.ChartLeaderboard, error)
}

// snapshotTimeout bounds loading a leaderboard for a new subscriber
const snapshotTimeout = 2 * time.Second

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients by chart ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Inbound messages from clients
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Last queued leaderboard version per chart
	versionMu sync.Mutex
	versions  map[string]int64

	// Source of the leaderboard sent on subscribe
	snapshots Snapshotter

	upgrader websocket.Upgrader

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	chartID string
}

// NewHub creates a new Hub accepting connections from the allowed origins.
// An empty list or "*" accepts any origin.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		versions:    make(map[string]int64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all chart subscriptions
				for chartID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, chartID)
						}
					}
				}
				client.close()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.chartID]; !ok {
				h.clients[req.chartID] = make(map[*Client]bool)
			}
			h.clients[req.chartID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "chart_id", req.chartID)
			if h.snapshots != nil {
				go h.sendSnapshot(req.client, req.chartID)
			}

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.chartID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.chartID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "chart_id", req.chartID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// SetSnapshotter sets the source of the leaderboard sent to new subscribers
func (h *Hub) SetSnapshotter(s Snapshotter) {
	h.snapshots = s
}

func (h *Hub) sendSnapshot(client *Client, chartID string) {
	ctx, cancel := context.WithTimeout(h.ctx, snapshotTimeout)
	defer cancel()

	doc, err := h.snapshots.Get(ctx, chartID)
	if err != nil {
		h.logger.Warn("failed to load snapshot", "chart_id", chartID, "error", err)
		return
	}
	update := RankingUpdate{ChartID: chartID, Top: []domain.RankEntry{}}
	if doc != nil {
		update.Top = doc.Top
		update.SubmissionCount = doc.SubmissionCount
		update.Version = doc.Version
	}
	client.send(&Message{
		Type:      MessageTypeRankingUpdate,
		ChartID:   chartID,
		Data:      update,
		Timestamp: time.Now(),
	})
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// Messages for a chart only go to its subscribers
	targets := h.allClients
	if message.ChartID != "" {
		targets = h.clients[message.ChartID]
	}
	for client := range targets {
		client.deliver(data)
	}
}

// BroadcastRanking sends a chart's leaderboard to all subscribed clients.
// A document whose version is not newer than the last one queued for its
// chart is dropped, so subscribers never see a leaderboard go backwards.
func (h *Hub) BroadcastRanking(doc *domain.ChartLeaderboard) {
	if doc == nil {
		return
	}
	message := &Message{
		Type:    MessageTypeRankingUpdate,
		ChartID: doc.ChartID,
		Data: RankingUpdate{
			ChartID:         doc.ChartID,
			Top:             doc.Top,
			SubmissionCount: doc.SubmissionCount,
			Version:         doc.Version,
		},
		Timestamp: time.Now(),
	}

	h.versionMu.Lock()
	defer h.versionMu.Unlock()
	if last := h.versions[doc.ChartID]; doc.Version <= last {
		h.logger.Debug("dropping stale ranking update",
			"chart_id", doc.ChartID,
			"version", doc.Version,
			"last_version", last,
		)
		return
	}

	select {
	case h.broadcast <- message:
		h.versions[doc.ChartID] = doc.Version
	default:
		h.logger.Warn("broadcast channel full, dropping message", "chart_id", doc.ChartID)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a chart subscription
func (h *Hub) Subscribe(client *Client, chartID string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, chartID: chartID}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from a chart subscription
func (h *Hub) Unsubscribe(client *Client, chartID string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, chartID: chartID}:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers for a chart
func (h *Hub) GetSubscriberCount(chartID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[chartID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
