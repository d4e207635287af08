package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 128
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferExceeded   = errors.New("connection buffer exceeded")
)

// WSConn wraps a websocket and serializes outbound writes through a buffered
// channel drained by a single writer goroutine. Safe for concurrent use.
type WSConn struct {
	id     string
	userID string

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}

	// Set once, before closed is closed.
	closeCode   int
	closeReason string
}

func NewWSConn(userID string, ws *websocket.Conn) *WSConn {
	return &WSConn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *WSConn) ID() string     { return c.id }
func (c *WSConn) UserID() string { return c.userID }

// Start launches the write loop. It must be called exactly once; the socket
// is only released by the write loop.
func (c *WSConn) Start() {
	go c.writeLoop()
}

// Send enqueues payload. A client that lets its buffer fill up is
// disconnected; it recovers missed messages by paging history.
func (c *WSConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.CloseWith(websocket.ClosePolicyViolation, "send buffer full")
		return ErrBufferExceeded
	}
}

func (c *WSConn) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "session closed")
}

// CloseWith marks the connection closed and returns immediately. The write
// loop sends the close frame and releases the socket; frames queued before a
// graceful close are flushed first.
func (c *WSConn) CloseWith(code int, reason string) {
	c.once.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.closed)
	})
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.CloseWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *WSConn) shutdown() {
	defer c.ws.Close()

	switch c.closeCode {
	case websocket.CloseAbnormalClosure:
		return
	case websocket.ClosePolicyViolation:
		// Slow consumer: drop whatever is still queued.
	default:
		c.flush()
	}
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(writeWait))
}

func (c *WSConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WSConn) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
