package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/relaygate/pkg/models"
)

const (
	// writeWait bounds a single frame write to a peer.
	writeWait = 5 * time.Second

	// sendBuffer is the per-connection outbound queue; a full buffer marks
	// the consumer as too slow to keep.
	sendBuffer = 64
)

// wsConn is the subset of *websocket.Conn the registry relies on, split out
// so tests can substitute an in-memory connection.
type wsConn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Client is the handle for one live connection. The send channel is written
// exclusively by the registry and drained exclusively by the client's own
// writer goroutine.
type Client struct {
	ID      string
	UserID  string
	Country string

	reg  *Registry
	conn wsConn
	send chan models.ChatEvent
	done chan struct{}
	once sync.Once
}

func newClient(r *Registry, conn wsConn, userID, country string) *Client {
	return &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Country: country,
		reg:     r,
		conn:    conn,
		send:    make(chan models.ChatEvent, sendBuffer),
		done:    make(chan struct{}),
	}
}

// close releases the connection. Safe to call more than once.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the outbound queue and keeps the connection alive with
// pings on a fixed interval. It is the only writer on the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.reg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Str("conn", c.ID).Msg("write failed")
				c.reg.Deregister(c.ID)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("conn", c.ID).Msg("ping failed")
				c.reg.Deregister(c.ID)
				return
			}

		case <-c.done:
			return
		}
	}
}

// ReadLoop consumes inbound frames until the connection dies, passing each
// payload to handler. Liveness is enforced here: a peer that stops answering
// pings past the pong deadline is forcibly deregistered.
func (c *Client) ReadLoop(maxMessageBytes int64, handler func(payload []byte)) {
	defer c.reg.Deregister(c.ID)

	c.conn.SetReadLimit(maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.reg.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.reg.pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("conn", c.ID).Str("user", c.UserID).Msg("read loop ended")
			return
		}
		handler(payload)
	}
}
