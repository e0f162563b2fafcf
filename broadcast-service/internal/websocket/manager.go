package websocket

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aaronwang/live-auction/shared/logging"
)

// Manager manages all WebSocket connections, grouped into one room per
// auction. Room membership is changed only by the Run loop.
type Manager struct {
	rooms map[string]map[*Client]struct{}
	mu    sync.RWMutex

	// Channels for managing connections
	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	logger *slog.Logger
}

// BroadcastMessage is an event payload for every client watching an auction
type BroadcastMessage struct {
	AuctionID string
	Payload   []byte
}

// NewManager creates a new WebSocket manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256), // Buffered for high throughput
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws-manager"),
	}
}

// Run starts the manager's main loop and returns when ctx is done, after
// disconnecting every client.
// This should run in a goroutine
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case message := <-m.broadcast:
			m.broadcastToAuction(message.AuctionID, message.Payload)
		}
	}
}

// RegisterClient adds a client to its auction room
func (m *Manager) RegisterClient(client *Client) {
	select {
	case m.register <- client:
	case <-m.done:
		client.closeSend()
	}
}

// UnregisterClient removes a client and closes its send queue
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// Broadcast queues a payload for all clients watching an auction
func (m *Manager) Broadcast(auctionID string, payload []byte) {
	select {
	case m.broadcast <- &BroadcastMessage{AuctionID: auctionID, Payload: payload}:
	case <-m.done:
	}
}

// GetSubscriberCount returns the number of clients watching an auction
func (m *Manager) GetSubscriberCount(auctionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[auctionID])
}

func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	room, ok := m.rooms[client.AuctionID]
	if !ok {
		room = make(map[*Client]struct{})
		m.rooms[client.AuctionID] = room
	}
	room[client] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("Client subscribed", "client_id", client.ID, "auction_id", client.AuctionID)
}

func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	room, ok := m.rooms[client.AuctionID]
	if ok {
		if _, member := room[client]; !member {
			ok = false
		}
		delete(room, client)
		if len(room) == 0 {
			delete(m.rooms, client.AuctionID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	client.closeSend()
	m.logger.Debug("Client unsubscribed", "client_id", client.ID, "auction_id", client.AuctionID)
}

// broadcastToAuction never blocks: a client whose queue is full is dropped
// so one slow reader cannot hold up the room.
func (m *Manager) broadcastToAuction(auctionID string, payload []byte) {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.rooms[auctionID]))
	for c := range m.rooms[auctionID] {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, client := range clients {
		select {
		case client.Send <- payload:
			delivered++
		default:
			m.logger.Warn("Dropping slow client", "client_id", client.ID, "auction_id", auctionID)
			m.unregisterClient(client)
		}
	}

	m.logger.Debug("Broadcast", "auction_id", auctionID, "clients", delivered)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]map[*Client]struct{})
	m.mu.Unlock()

	for _, room := range rooms {
		for client := range room {
			client.closeSend()
		}
	}
}
