package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is one live duplex connection to a client. Send must be safe for
// concurrent use and fail once the channel is closed.
type Channel interface {
	Send(payload []byte) error
	Close() error
}

const DefaultWriteTimeout = 10 * time.Second

// WSChannel adapts a websocket connection to Channel. gorilla connections
// allow one concurrent writer, so writes are serialized here.
type WSChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

var _ Channel = &WSChannel{}

func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WSChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, payload), "ws write")
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *WSChannel) RemoteAddr() string {
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}
