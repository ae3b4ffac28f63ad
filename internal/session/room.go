package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/internal/document"
	"roomsync/internal/metrics"
	"roomsync/internal/models"
)

var ErrNotAttached = errors.New("client is not attached to this room")

// Room holds the live document and attached clients for one room code.
// mu serializes attach, detach, update application and fan-out.
type Room struct {
	Code      string
	CreatedAt time.Time

	log *zap.Logger

	mu           sync.Mutex
	doc          document.Document
	clients      map[*Client]struct{}
	participants map[string]int
	closing      bool
}

// newRoom subscribes to doc, so any snapshot must already be applied.
func newRoom(code string, doc document.Document, log *zap.Logger) *Room {
	r := &Room{
		Code:         code,
		CreatedAt:    time.Now().UTC(),
		log:          log,
		doc:          doc,
		clients:      make(map[*Client]struct{}),
		participants: make(map[string]int),
	}
	doc.OnUpdate(r.fanOut)
	return r
}

// attach adds c, sends it the current document state and announces it. It
// returns false once the room has begun teardown; the caller must wait for
// teardown and join a fresh room.
func (r *Room) attach(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.clients[c] = struct{}{}
	r.participants[c.UserID]++
	c.room = r

	r.syncLocked(c)
	if name, ok := c.DisplayName(); ok {
		r.broadcastLocked(userJoinedFrame(c.UserID, name))
	}
	r.broadcastLocked(roomClientsFrame(len(r.participants)))
	return true
}

// detach removes c and announces the departure to the remaining clients.
// When c was the last client the room is marked closing and true is
// returned; the caller then owns teardown.
func (r *Room) detach(c *Client) (empty bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return false, ErrNotAttached
	}
	delete(r.clients, c)
	if n := r.participants[c.UserID] - 1; n > 0 {
		r.participants[c.UserID] = n
	} else {
		delete(r.participants, c.UserID)
	}

	if len(r.clients) == 0 {
		r.closing = true
		return true, nil
	}
	if name, ok := c.DisplayName(); ok {
		r.broadcastLocked(userLeftFrame(c.UserID, name))
	}
	r.broadcastLocked(roomClientsFrame(len(r.participants)))
	return false, nil
}

// ApplyUpdate feeds one inbound update from c into the document. The
// resulting update events reach every other attached client.
func (r *Room) ApplyUpdate(c *Client, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return ErrNotAttached
	}
	return r.doc.ApplyUpdate(update, c)
}

// fanOut runs inside doc.ApplyUpdate, with r.mu held.
func (r *Room) fanOut(update []byte, origin any) {
	frame := Frame{Type: websocket.BinaryMessage, Data: update}
	for c := range r.clients {
		if c == origin {
			continue
		}
		r.deliverLocked(c, frame)
	}
}

// syncLocked queues the state frames c needs before any live update, which
// holding r.mu guarantees.
func (r *Room) syncLocked(c *Client) {
	updates, err := r.doc.StateUpdates()
	if err != nil {
		r.log.Error("document state unavailable for joining client",
			zap.String("room", r.Code),
			zap.String("client", c.ID),
			zap.Error(err))
		return
	}
	for _, update := range updates {
		if c.Closed() {
			return
		}
		r.deliverLocked(c, Frame{Type: websocket.BinaryMessage, Data: update})
	}
}

func (r *Room) broadcastLocked(frame Frame) {
	for c := range r.clients {
		r.deliverLocked(c, frame)
	}
}

// deliverLocked closes a peer that cannot keep up. The peer stays attached
// until its connection handler detaches it.
func (r *Room) deliverLocked(c *Client, frame Frame) {
	if err := c.Send(frame); err != nil {
		metrics.FanOutDrops.Inc()
		if !errors.Is(err, ErrClientClosed) {
			r.log.Warn("dropping peer after failed delivery",
				zap.String("room", r.Code),
				zap.String("client", c.ID),
				zap.String("user", c.UserID),
				zap.Error(err))
		}
		c.Close()
	}
}

// Clients returns the attached clients in no particular order.
func (r *Room) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ParticipantCount is the number of distinct users with an open connection.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Room) Status() models.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[string]string, len(r.participants))
	for c := range r.clients {
		if name, ok := c.DisplayName(); ok {
			names[c.UserID] = name
		}
	}
	participants := make([]models.Participant, 0, len(r.participants))
	for userID, n := range r.participants {
		participants = append(participants, models.Participant{
			UserID:      userID,
			DisplayName: names[userID],
			Connections: n,
		})
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].UserID < participants[j].UserID })

	return models.RoomStatus{
		RoomCode:     r.Code,
		Live:         !r.closing,
		Connections:  len(r.clients),
		Participants: participants,
		CreatedAt:    r.CreatedAt,
	}
}
