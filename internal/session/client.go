package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrClientClosed   = errors.New("client closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Frame is one outbound WebSocket message. Type is websocket.BinaryMessage
// for document updates and websocket.TextMessage for control messages.
type Frame struct {
	Type int
	Data []byte
}

// Client is a single socket attached to one room for its whole lifetime.
type Client struct {
	ID       string
	RoomCode string
	UserID   string

	displayName string
	named       bool

	conn *websocket.Conn
	send chan Frame
	room *Room

	mu        sync.Mutex
	hook      func(Frame) error
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, roomCode, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:       uuid.NewString(),
		RoomCode: roomCode,
		UserID:   userID,
		conn:     conn,
		send:     make(chan Frame, buffer),
		done:     make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(Frame) error) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// SetDisplayName records the name announced in presence messages. Clients
// without a name are counted but never announced.
func (c *Client) SetDisplayName(name string) {
	c.mu.Lock()
	c.displayName, c.named = name, true
	c.mu.Unlock()
}

func (c *Client) DisplayName() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName, c.named
}

// Send queues a frame without blocking.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.hook != nil {
		return c.hook(frame)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close marks the client closed and stops its write pump, which in turn
// closes the socket. Detaching from the room is the hub's job.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// writePump drains the send queue into the socket and keeps the peer alive
// with pings. It owns all writes to conn.
func (c *Client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame.Type, frame.Data); err != nil {
				log.Debug("websocket write failed", zap.String("client", c.ID), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump feeds inbound binary messages to handle until the socket fails.
func (c *Client) readPump(log *zap.Logger, maxMessageBytes int64, handle func([]byte)) {
	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			log.Debug("ignoring non-binary message", zap.String("client", c.ID), zap.Int("type", msgType))
			continue
		}
		handle(data)
	}
}
