// ABOUTME: A single client WebSocket connection with a buffered outbound queue
// ABOUTME: One write goroutine owns the socket; slow consumers are disconnected

package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer exceeded")
)

// closeWriteFailed is sent when the write loop gives up on a socket.
// 1006 (abnormal closure) is reserved and must not appear in a close frame.
const closeWriteFailed = websocket.CloseInternalServerErr

// Connection wraps a websocket and coordinates outbound writes via a buffered channel.
// It is safe for concurrent use.
type Connection struct {
	ID     string
	UserID string

	ws         *websocket.Conn
	send       chan []byte
	writeWait  time.Duration
	pingPeriod time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed chan struct{}
}

func newConnection(ctx context.Context, userID string, ws *websocket.Conn, opts Options) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	return &Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		ws:         ws,
		send:       make(chan []byte, opts.SendBuffer),
		writeWait:  opts.WriteWait,
		pingPeriod: opts.PingPeriod,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) start() {
	go c.writeLoop()
}

// Send enqueues an encoded frame. If the buffer is full the connection is
// closed so one stalled client cannot hold up publishers.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	select {
	case <-c.closed:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.ClosePolicyViolation, "send buffer full")
		return ErrSlowConsumer
	}
}

func (c *Connection) sendFrame(f Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return c.Send(data)
}

// closeAfterFlush closes the connection once everything queued so far has
// been written. Used for DISCONNECT so a RECEIPT still reaches the client.
func (c *Connection) closeAfterFlush() {
	select {
	case <-c.closed:
	case c.send <- nil:
	default:
		c.Close(websocket.CloseNormalClosure, "")
	}
}

// Close terminates the connection and stops the write loop.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		deadline := time.Now().Add(c.writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if msg == nil {
				c.Close(websocket.CloseNormalClosure, "")
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(closeWriteFailed, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(closeWriteFailed, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
