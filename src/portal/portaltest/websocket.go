package portaltest

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one upstream socket accepted by the fake.
type Conn struct {
	ws     *websocket.Conn
	Cookie string

	mu        sync.Mutex
	received  []string
	closeCode int
	closed    chan struct{}
}

// -----------------------------------------------------------------------------

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The session cookie carries JSON, which net/http refuses to parse
	c := &Conn{ws: ws, Cookie: r.Header.Get("Cookie"), closed: make(chan struct{})}
	s.conns <- c

	go c.readLoop()
}

// -----------------------------------------------------------------------------

func (c *Conn) readLoop() {
	defer close(c.closed)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				c.mu.Lock()
				c.closeCode = ce.Code
				c.mu.Unlock()
			}
			return
		}
		c.mu.Lock()
		c.received = append(c.received, string(msg))
		c.mu.Unlock()
	}
}

// -----------------------------------------------------------------------------

// NextConn waits for the relay to open an upstream socket.
func (s *Server) NextConn(t *testing.T, timeout time.Duration) *Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(timeout):
		t.Fatalf("no upstream socket within %v", timeout)
		return nil
	}
}

// NextConnOrNil returns the next upstream socket, or nil when none opens in time.
func (s *Server) NextConnOrNil(timeout time.Duration) *Conn {
	select {
	case c := <-s.conns:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Received returns a copy of the frames the relay sent so far.
func (c *Conn) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

// Push writes a JSON frame to the relay.
func (c *Conn) Push(v interface{}) error {
	return c.ws.WriteJSON(v)
}

// PushText writes a raw text frame to the relay.
func (c *Conn) PushText(s string) error {
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// Kill drops the socket without a close handshake.
func (c *Conn) Kill() {
	_ = c.ws.UnderlyingConn().Close()
}

// CloseCode is the close status the relay sent, zero when it just vanished.
func (c *Conn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Closed is done once the relay side is gone.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}
