package room_management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"roomsync/internal/models"
	"roomsync/internal/session"
)

const (
	// EventsChannel carries room-opened and room-closed events.
	EventsChannel = "rooms"

	statusTTL = 24 * time.Hour
)

var ErrRoomNotFound = errors.New("room not found")

type RoomEvent struct {
	Type     string `json:"type"` // "room-opened", "room-closed"
	RoomCode string `json:"roomCode"`
	At       string `json:"at"`
}

// StatusSource is the local view of live rooms.
type StatusSource interface {
	Room(code string) (*session.Room, bool)
}

// RoomManager mirrors live room status into Redis hashes so other services
// and other hub instances can see which rooms are in session. Changes are
// coalesced per room and written by a single worker, always from the room's
// current state.
type RoomManager struct {
	rdb *redis.Client
	log *zap.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
	known map[string]bool
	wake  chan struct{}
}

func NewRoomManager(rdb *redis.Client, log *zap.Logger) *RoomManager {
	return &RoomManager{
		rdb:   rdb,
		log:   log,
		dirty: make(map[string]struct{}),
		known: make(map[string]bool),
		wake:  make(chan struct{}, 1),
	}
}

func statusKey(roomCode string) string { return "room:" + roomCode + ":status" }

// RoomChanged marks a room for the next sync. It never blocks.
func (m *RoomManager) RoomChanged(roomCode string) {
	m.mu.Lock()
	m.dirty[roomCode] = struct{}{}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run syncs dirty rooms until ctx ends, then does one last pass. Rooms whose
// sync failed are retried with backoff.
func (m *RoomManager) Run(ctx context.Context, source StatusSource) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			m.finalFlush(source)
			return
		case <-m.wake:
		case <-retry:
		}
		if ctx.Err() != nil {
			m.finalFlush(source)
			return
		}
		if m.Flush(ctx, source) > 0 {
			retry = time.After(b.Duration())
		} else {
			b.Reset()
			retry = nil
		}
	}
}

func (m *RoomManager) finalFlush(source StatusSource) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if failed := m.Flush(ctx, source); failed > 0 {
		m.log.Warn("room status left stale on stop", zap.Int("rooms", failed))
	}
}

// Flush writes every pending room change and returns how many failed. Failed
// rooms stay pending for the next flush.
func (m *RoomManager) Flush(ctx context.Context, source StatusSource) int {
	m.mu.Lock()
	codes := m.dirty
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	failed := 0
	for code := range codes {
		if err := m.sync(ctx, source, code); err != nil {
			failed++
			m.log.Warn("room status sync failed", zap.String("room", code), zap.Error(err))
			m.mu.Lock()
			m.dirty[code] = struct{}{}
			m.mu.Unlock()
		}
	}
	return failed
}

func (m *RoomManager) sync(ctx context.Context, source StatusSource, code string) error {
	room, ok := source.Room(code)
	var status models.RoomStatus
	if ok {
		status = room.Status()
	}

	if !ok || !status.Live {
		if err := m.rdb.Del(ctx, statusKey(code)).Err(); err != nil {
			return fmt.Errorf("failed to clear room status: %w", err)
		}
		m.mu.Lock()
		wasKnown := m.known[code]
		m.mu.Unlock()
		if wasKnown {
			if err := m.publish(ctx, "room-closed", code); err != nil {
				return err
			}
		}
		m.mu.Lock()
		delete(m.known, code)
		m.mu.Unlock()
		return nil
	}

	participants, err := json.Marshal(status.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	key := statusKey(code)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"roomCode":     status.RoomCode,
		"connections":  status.Connections,
		"participants": string(participants),
		"createdAt":    status.CreatedAt.Format(time.RFC3339),
		"updatedAt":    time.Now().UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, key, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write room status: %w", err)
	}

	m.mu.Lock()
	wasKnown := m.known[code]
	m.mu.Unlock()
	if !wasKnown {
		if err := m.publish(ctx, "room-opened", code); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.known[code] = true
	m.mu.Unlock()
	return nil
}

func (m *RoomManager) publish(ctx context.Context, eventType, code string) error {
	payload, err := json.Marshal(RoomEvent{Type: eventType, RoomCode: code, At: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	if err := m.rdb.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// GetRoomStatus reads a mirrored status, which may belong to another
// instance.
func (m *RoomManager) GetRoomStatus(ctx context.Context, roomCode string) (*models.RoomStatus, error) {
	result := m.rdb.HGetAll(ctx, statusKey(roomCode))
	if result.Err() != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", result.Err())
	}
	roomMap := result.Val()
	if len(roomMap) == 0 {
		return nil, ErrRoomNotFound
	}

	status := &models.RoomStatus{RoomCode: roomMap["roomCode"], Live: true}
	status.Connections, _ = strconv.Atoi(roomMap["connections"])
	if created, err := time.Parse(time.RFC3339, roomMap["createdAt"]); err == nil {
		status.CreatedAt = created
	}
	if data := roomMap["participants"]; data != "" {
		if err := json.Unmarshal([]byte(data), &status.Participants); err != nil {
			m.log.Warn("bad participants in mirrored status", zap.String("room", roomCode), zap.Error(err))
		}
	}
	return status, nil
}
