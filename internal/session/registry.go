package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomsync/internal/document"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
	"roomsync/internal/snapshot"
)

// RegistryOptions bounds the snapshot I/O done on room creation and teardown.
type RegistryOptions struct {
	LoadTimeout time.Duration
	SaveTimeout time.Duration

	// Observer, when set, is told whenever a room's membership changes or
	// the room is removed.
	Observer Observer
}

// Observer is notified outside room locks and must not block.
type Observer interface {
	RoomChanged(roomCode string)
}

// entry is the registry slot for one room code. ready is closed once the
// room is built and its snapshot applied; done once teardown has finished
// and the slot has been removed.
type entry struct {
	room  *Room
	ready chan struct{}
	done  chan struct{}
}

// Registry is the single owner of live rooms. At most one room exists per
// code; a join racing a teardown waits for it and then builds a new room.
type Registry struct {
	store   snapshot.Store
	factory document.Factory
	log     *zap.Logger
	opts    RegistryOptions

	mu    sync.Mutex
	rooms map[string]*entry
}

func NewRegistry(store snapshot.Store, factory document.Factory, log *zap.Logger, opts RegistryOptions) *Registry {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 5 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	return &Registry{
		store:   store,
		factory: factory,
		log:     log,
		opts:    opts,
		rooms:   make(map[string]*entry),
	}
}

// Join attaches c to the room for c.RoomCode, creating and restoring the
// room first when it is not live.
func (g *Registry) Join(ctx context.Context, c *Client) (*Room, error) {
	for {
		g.mu.Lock()
		e, ok := g.rooms[c.RoomCode]
		if !ok {
			e = &entry{ready: make(chan struct{}), done: make(chan struct{})}
			g.rooms[c.RoomCode] = e
		}
		g.mu.Unlock()

		if !ok {
			// The creator attaches unconditionally so a built room is
			// never left without clients.
			e.room = g.build(c.RoomCode)
			metrics.LiveRooms.Inc()
			close(e.ready)
		} else {
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if e.room.attach(c) {
			g.notify(c.RoomCode)
			return e.room, nil
		}

		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// build creates the document and applies the stored snapshot, if any.
// Load failures are logged and the room starts empty.
func (g *Registry) build(code string) *Room {
	log := g.log.With(zap.String("room", code))
	doc := g.factory()

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.LoadTimeout)
	data, err := g.store.Load(ctx, code)
	cancel()

	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		metrics.SnapshotLoads.WithLabelValues("miss").Inc()
	case err != nil:
		metrics.SnapshotLoads.WithLabelValues("error").Inc()
		log.Error("snapshot load failed, starting empty", zap.Error(err))
	default:
		if derr := doc.DecodeSnapshot(data); derr != nil {
			metrics.SnapshotLoads.WithLabelValues("error").Inc()
			log.Error("snapshot decode failed, starting empty", zap.Int("bytes", len(data)), zap.Error(derr))
			_ = doc.Close()
			doc = g.factory()
		} else {
			metrics.SnapshotLoads.WithLabelValues("hit").Inc()
			log.Debug("snapshot restored", zap.Int("bytes", len(data)))
		}
	}
	return newRoom(code, doc, log)
}

// Leave detaches c. If c was the last client the room is persisted,
// released and removed before Leave returns. Save failures are logged and
// do not keep the room alive.
func (g *Registry) Leave(c *Client) error {
	room := c.room
	if room == nil {
		return ErrNotAttached
	}
	empty, err := room.detach(c)
	if err != nil {
		return err
	}
	if empty {
		g.teardown(room)
	}
	g.notify(room.Code)
	return nil
}

func (g *Registry) notify(code string) {
	if g.opts.Observer != nil {
		g.opts.Observer.RoomChanged(code)
	}
}

func (g *Registry) teardown(room *Room) {
	start := time.Now()
	log := room.log

	// room is closing and has no clients, so the document is quiescent.
	data, err := room.doc.EncodeSnapshot()
	if err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		log.Error("snapshot encode failed", zap.Error(err))
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.SaveTimeout)
		err = g.store.Save(ctx, room.Code, data)
		cancel()
		switch {
		case errors.Is(err, snapshot.ErrSaveDeferred):
			metrics.SnapshotSaves.WithLabelValues("deferred").Inc()
			log.Warn("snapshot save deferred", zap.Int("bytes", len(data)))
		case err != nil:
			metrics.SnapshotSaves.WithLabelValues("error").Inc()
			log.Error("snapshot save failed", zap.Int("bytes", len(data)), zap.Error(err))
		default:
			metrics.SnapshotSaves.WithLabelValues("ok").Inc()
			log.Debug("snapshot saved", zap.Int("bytes", len(data)))
		}
	}

	if err := room.doc.Close(); err != nil {
		log.Warn("document close failed", zap.Error(err))
	}

	g.mu.Lock()
	e := g.rooms[room.Code]
	if e != nil && e.room == room {
		delete(g.rooms, room.Code)
	}
	g.mu.Unlock()
	if e != nil && e.room == room {
		close(e.done)
	}

	metrics.LiveRooms.Dec()
	metrics.TeardownDuration.Observe(time.Since(start).Seconds())
}

// Room returns the live room for code, if any.
func (g *Registry) Room(code string) (*Room, bool) {
	g.mu.Lock()
	e, ok := g.rooms[code]
	g.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.room, true
	default:
		return nil, false
	}
}

// Rooms returns every built room, ordered by code.
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	entries := make([]*entry, 0, len(g.rooms))
	for _, e := range g.rooms {
		entries = append(entries, e)
	}
	g.mu.Unlock()

	rooms := make([]*Room, 0, len(entries))
	for _, e := range entries {
		select {
		case <-e.ready:
			rooms = append(rooms, e.room)
		default:
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Code < rooms[j].Code })
	return rooms
}

// Len is the number of room codes currently held, including rooms still
// being built or torn down.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) Statuses() []models.RoomStatus {
	rooms := g.Rooms()
	out := make([]models.RoomStatus, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Status())
	}
	return out
}

// WaitEmpty blocks until every room has been torn down or ctx ends.
func (g *Registry) WaitEmpty(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if g.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
