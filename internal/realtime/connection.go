package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 30 * time.Second
	defaultSendBuffer = 128

	// CloseSlowConsumer is sent when a client cannot keep up with fan-out.
	CloseSlowConsumer = 4008
)

var (
	ErrClosed       = errors.New("realtime: connection closed")
	ErrSlowConsumer = errors.New("realtime: send buffer exceeded")
)

type ConnOptions struct {
	SendBuffer int
	PingPeriod time.Duration
}

// Connection wraps a websocket and serializes outbound writes through a
// buffered channel drained by a single writer goroutine.
type Connection struct {
	ID       string
	UserID   uuid.UUID
	UserName string

	ws         *websocket.Conn
	send       chan []byte
	once       sync.Once
	done       chan struct{}
	pingPeriod time.Duration
}

func NewConnection(ws *websocket.Conn, userID uuid.UUID, userName string, opts ConnOptions) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	return &Connection{
		ID:         uuid.NewString(),
		UserID:     userID,
		UserName:   userName,
		ws:         ws,
		send:       make(chan []byte, opts.SendBuffer),
		done:       make(chan struct{}),
		pingPeriod: opts.PingPeriod,
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Send enqueues payload without blocking. A full buffer closes the
// connection so one slow client cannot stall a room.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.Close(CloseSlowConsumer, "send buffer full")
		return ErrSlowConsumer
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close sends a close frame with code and tears the socket down. Safe to call
// more than once and from any goroutine.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
