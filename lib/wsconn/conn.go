// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/qaeye/fleetrelay/lib/netutil"
)

const (
	// writeWait bounds a single write, including control frames.
	writeWait = 10 * time.Second

	// pongWait is how long the reader waits for any message or pong
	// before giving up on the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10
)

// Conn is one WebSocket connection seen as a relay session. It is safe
// for concurrent use.
type Conn struct {
	id          string
	ws          *websocket.Conn
	messageType int
	logger      *slog.Logger

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, messageType, queueSize int, logger *slog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		ws:          ws,
		messageType: messageType,
		logger:      logger.With("session_id", id),
		outbound:    make(chan []byte, queueSize),
		closed:      make(chan struct{}),
	}
}

// ID returns the session id, a random UUID.
func (c *Conn) ID() string { return c.id }

// Send queues message for the writer. It never blocks.
func (c *Conn) Send(message []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbound <- message:
		return true
	default:
		return false
	}
}

// Close sends a normal close frame and tears the connection down. The
// reader then fails and runs the manager's disconnect path. Safe to
// call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		c.ws.Close()
	})
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// writePump drains the outbound queue until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.messageType, message); err != nil {
				c.logWriteError(err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logWriteError(err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) logWriteError(err error) {
	if netutil.IsExpectedCloseError(err) {
		c.logger.Debug("websocket write ended", "error", err)
		return
	}
	c.logger.Warn("websocket write failed", "error", err)
}

// readLoop delivers every inbound data message to handle until the
// peer goes away or the connection is closed.
func (c *Conn) readLoop(readLimit int64, handle func(data []byte)) {
	c.ws.SetReadLimit(readLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				c.logger.Debug("websocket read ended after close")
			default:
				if netutil.IsExpectedCloseError(err) {
					c.logger.Debug("websocket peer disconnected", "error", err)
				} else {
					c.logger.Warn("websocket read failed", "error", err)
				}
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
