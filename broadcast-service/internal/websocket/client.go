package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client represents a WebSocket client connection
type Client struct {
	ID        string
	AuctionID string
	Conn      *websocket.Conn
	Send      chan []byte

	closeOnce sync.Once
}

// NewClient creates a client with a buffered send queue
func NewClient(id, auctionID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:        id,
		AuctionID: auctionID,
		Conn:      conn,
		Send:      make(chan []byte, sendBufferSize),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// writePump pumps messages from the Send channel to the websocket connection.
// It closes the connection once Send is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client input and unregisters the client when the
// connection drops. Clients only receive; all writes go through the API gateway.
func (c *Client) readPump(m *Manager) {
	defer m.UnregisterClient(c)

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket closed unexpectedly", "client_id", c.ID, "error", err)
			}
			return
		}
	}
}
