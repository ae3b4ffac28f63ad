package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/internal/directory"
	"roomsync/internal/document"
	"roomsync/internal/metrics"
)

// ErrInvalidConnectionParams is returned when a socket is opened without a
// room code or user id.
var ErrInvalidConnectionParams = errors.New("roomCode and userId are required")

type Options struct {
	LookupTimeout   time.Duration
	SendBuffer      int
	MaxMessageBytes int64
}

// Hub connects sockets to rooms: it resolves the caller, joins the registry,
// pumps frames in both directions and detaches on close.
type Hub struct {
	registry *Registry
	dir      directory.Directory
	log      *zap.Logger
	opts     Options
}

func NewHub(registry *Registry, dir directory.Directory, log *zap.Logger, opts Options) *Hub {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 2 * time.Second
	}
	return &Hub{registry: registry, dir: dir, log: log, opts: opts}
}

func (h *Hub) Registry() *Registry { return h.registry }

// ValidateParams trims and checks the connection parameters.
func ValidateParams(roomCode, userID string) (string, string, error) {
	roomCode, userID = strings.TrimSpace(roomCode), strings.TrimSpace(userID)
	if roomCode == "" || userID == "" {
		return "", "", ErrInvalidConnectionParams
	}
	return roomCode, userID, nil
}

// Open registers a new connection and returns its client once it is
// attached and announced. conn may be nil when the caller drives the client
// through a send hook.
func (h *Hub) Open(ctx context.Context, conn *websocket.Conn, roomCode, userID string) (*Client, error) {
	roomCode, userID, err := ValidateParams(roomCode, userID)
	if err != nil {
		return nil, err
	}
	return h.attach(ctx, NewClient(conn, roomCode, userID, h.opts.SendBuffer))
}

// Attach joins a client built by the caller, e.g. one with a send hook.
func (h *Hub) Attach(ctx context.Context, c *Client) (*Client, error) {
	if _, _, err := ValidateParams(c.RoomCode, c.UserID); err != nil {
		return nil, err
	}
	return h.attach(ctx, c)
}

func (h *Hub) attach(ctx context.Context, c *Client) (*Client, error) {
	h.resolveName(ctx, c)
	if _, err := h.registry.Join(ctx, c); err != nil {
		return nil, err
	}
	metrics.LiveConnections.Inc()
	h.log.Debug("client joined",
		zap.String("room", c.RoomCode),
		zap.String("user", c.UserID),
		zap.String("client", c.ID))
	return c, nil
}

// resolveName runs before the room is touched so directory latency never
// holds a room lock.
func (h *Hub) resolveName(ctx context.Context, c *Client) {
	if h.dir == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, h.opts.LookupTimeout)
	defer cancel()
	name, err := h.dir.Lookup(lctx, c.UserID)
	switch {
	case err == nil:
		c.SetDisplayName(name)
	case errors.Is(err, directory.ErrUserNotFound):
		h.log.Debug("user not in directory", zap.String("user", c.UserID))
	default:
		h.log.Warn("user lookup failed", zap.String("user", c.UserID), zap.Error(err))
	}
}

// HandleUpdate applies one inbound update from c.
func (h *Hub) HandleUpdate(c *Client, update []byte) error {
	if c.room == nil {
		return ErrNotAttached
	}
	err := c.room.ApplyUpdate(c, update)
	switch {
	case err == nil:
		metrics.UpdatesApplied.WithLabelValues("ok").Inc()
	case errors.Is(err, document.ErrMalformedUpdate):
		metrics.UpdatesApplied.WithLabelValues("rejected").Inc()
	default:
		metrics.UpdatesApplied.WithLabelValues("error").Inc()
	}
	return err
}

// Close detaches c from its room and closes it. The last client out
// triggers persistence and teardown before Close returns.
func (h *Hub) Close(c *Client) error {
	c.Close()
	if err := h.registry.Leave(c); err != nil {
		return err
	}
	metrics.LiveConnections.Dec()
	h.log.Debug("client left",
		zap.String("room", c.RoomCode),
		zap.String("user", c.UserID),
		zap.String("client", c.ID))
	return nil
}

// ServeConn runs an upgraded socket until it closes.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn, roomCode, userID string) error {
	c, err := h.Open(ctx, conn, roomCode, userID)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return err
	}

	go c.writePump(h.log)
	c.readPump(h.log, h.opts.MaxMessageBytes, func(data []byte) {
		if err := h.HandleUpdate(c, data); err != nil {
			h.log.Warn("update rejected",
				zap.String("room", c.RoomCode),
				zap.String("client", c.ID),
				zap.Error(err))
		}
	})
	return h.Close(c)
}

// Shutdown closes every connection and waits until every room has been
// persisted and removed.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, room := range h.registry.Rooms() {
		for _, c := range room.Clients() {
			c.Close()
		}
	}
	return h.registry.WaitEmpty(ctx)
}
