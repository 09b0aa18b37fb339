package server

import (
	"context"
	"encoding/json"
	"time"

	"portal-relay/src/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outboxSize     = 256
)

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

type Client struct {
	id        string
	accountID string
	server    *Server
	conn      *websocket.Conn
	send      chan []byte
}

func newClient(s *Server, conn *websocket.Conn, accountID string) *Client {
	return &Client{
		id:        uuid.NewString(),
		accountID: accountID,
		server:    s,
		conn:      conn,
		// Buffered so the hub never blocks on one client
		send: make(chan []byte, outboxSize),
	}
}

// -----------------------------------------------------------------------------
// readPump - handles incoming commands from the client
// Act as a Watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.server.Registry.Unregister(c)
		c.server.Relay.Detach(c.accountID)
		c.conn.Close()
		c.server.Logger.Info("client %s of %s disconnected", c.id, c.accountID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.Logger.Info("websocket error: %v", err)
			}
			break
		}
		// Any traffic proves the client alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

// -----------------------------------------------------------------------------

// handleMessage runs one client command. Commands of a client run in the
// order they arrive.
func (c *Client) handleMessage(message []byte) {
	var cmd models.MClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.server.Logger.Warning("client %s sent an invalid command: %v", c.id, err)
		return
	}
	if cmd.Action == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := c.server.Relay.HandleCommand(ctx, c.accountID, cmd); err != nil {
		c.server.Logger.Warning("%s from client %s failed: %v", cmd.Action, c.id, err)
	}
}

// -----------------------------------------------------------------------------
// writePump - sends messages to client
// -----------------------------------------------------------------------------

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// A failed write is a disconnect, the read side unregisters us
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.Logger.Info("write to client %s failed: %v", c.id, err)
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
