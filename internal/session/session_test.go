package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/internal/directory"
	"roomsync/internal/document"
	"roomsync/internal/document/updatelog"
	"roomsync/internal/models"
	"roomsync/internal/snapshot"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []Frame
	fail   error
}

func newFrameCapture() *frameCapture { return &frameCapture{} }

func (c *frameCapture) hook(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *frameCapture) list() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCapture) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func (c *frameCapture) binary() [][]byte {
	var out [][]byte
	for _, f := range c.list() {
		if f.Type == websocket.BinaryMessage {
			out = append(out, f.Data)
		}
	}
	return out
}

type decodedControl struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *frameCapture) controls(t *testing.T) []decodedControl {
	t.Helper()
	var out []decodedControl
	for _, f := range c.list() {
		if f.Type != websocket.TextMessage {
			continue
		}
		var msg decodedControl
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			t.Fatalf("invalid control frame %q: %v", f.Data, err)
		}
		out = append(out, msg)
	}
	return out
}

func (c *frameCapture) lastCount(t *testing.T) int {
	t.Helper()
	count := -1
	for _, msg := range c.controls(t) {
		if msg.Type != models.TypeRoomClients {
			continue
		}
		var payload models.RoomClients
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("invalid room-clients payload: %v", err)
		}
		count = payload.Count
	}
	return count
}

func (c *frameCapture) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, msg := range c.controls(t) {
		out = append(out, msg.Type)
	}
	return out
}

type countingStore struct {
	*snapshot.MemoryStore
	loads atomic.Int32
	saves atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: snapshot.NewMemoryStore()}
}

func (s *countingStore) Load(ctx context.Context, code string) ([]byte, error) {
	s.loads.Add(1)
	return s.MemoryStore.Load(ctx, code)
}

func (s *countingStore) Save(ctx context.Context, code string, data []byte) error {
	s.saves.Add(1)
	return s.MemoryStore.Save(ctx, code, data)
}

type failingStore struct {
	loadErr error
	saveErr error
}

func (s failingStore) Load(context.Context, string) ([]byte, error) { return nil, s.loadErr }
func (s failingStore) Save(context.Context, string, []byte) error  { return s.saveErr }

type testHub struct {
	*Hub
	store snapshot.Store
	dir   *directory.Static
}

func newTestHub(t *testing.T, store snapshot.Store, log *zap.Logger) *testHub {
	t.Helper()
	if store == nil {
		store = snapshot.NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	dir := directory.NewStatic(map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"})
	reg := NewRegistry(store, document.Factory(func() document.Document { return updatelog.New() }), log,
		RegistryOptions{LoadTimeout: time.Second, SaveTimeout: time.Second})
	return &testHub{
		Hub:   NewHub(reg, dir, log, Options{LookupTimeout: time.Second, SendBuffer: 16}),
		store: store,
		dir:   dir,
	}
}

// join attaches a hook-driven client and returns it with its capture.
func (h *testHub) join(t *testing.T, roomCode, userID string) (*Client, *frameCapture) {
	t.Helper()
	c := NewClient(nil, roomCode, userID, 16)
	capture := newFrameCapture()
	c.SetSendHook(capture.hook)
	if _, err := h.Attach(context.Background(), c); err != nil {
		t.Fatalf("attach %s/%s: %v", roomCode, userID, err)
	}
	return c, capture
}

func docLen(t *testing.T, room *Room) int {
	t.Helper()
	doc, ok := room.doc.(*updatelog.Doc)
	if !ok {
		t.Fatalf("unexpected document type %T", room.doc)
	}
	return doc.Len()
}

func TestClientSendWithHook(t *testing.T) {
	client := NewClient(nil, "r", "u", 1)
	capture := newFrameCapture()
	client.SetSendHook(capture.hook)

	if err := client.Send(Frame{Type: websocket.BinaryMessage, Data: []byte{1}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := capture.list()
	if len(got) != 1 || got[0].Data[0] != 1 {
		t.Fatalf("expected frame captured, got %#v", got)
	}
}

func TestClientSendBufferFull(t *testing.T) {
	client := NewClient(nil, "r", "u", 1)
	if err := client.Send(Frame{Type: websocket.TextMessage}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := client.Send(Frame{Type: websocket.TextMessage}); !errors.Is(err, ErrSendBufferFull) {
		t.Fatalf("expected ErrSendBufferFull, got %v", err)
	}
}

func TestClientSendAfterClose(t *testing.T) {
	client := NewClient(nil, "r", "u", 1)
	client.Close()
	client.Close()
	if !client.Closed() {
		t.Fatalf("expected client closed")
	}
	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done channel closed")
	}
	if err := client.Send(Frame{}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestClientIDsAreUnique(t *testing.T) {
	a := NewClient(nil, "r", "u", 0)
	b := NewClient(nil, "r", "u", 0)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct client ids, got %q and %q", a.ID, b.ID)
	}
}

func TestControlFrames(t *testing.T) {
	frame := userJoinedFrame("u1", "Alice")
	if frame.Type != websocket.TextMessage {
		t.Fatalf("control frames must be text, got %d", frame.Type)
	}
	var msg struct {
		Type    string              `json:"type"`
		Payload models.UserPresence `json:"payload"`
	}
	if err := json.Unmarshal(frame.Data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "user-joined" || msg.Payload.UserID != "u1" || msg.Payload.DisplayName != "Alice" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if string(roomClientsFrame(3).Data) != `{"type":"room-clients","payload":{"count":3}}` {
		t.Fatalf("unexpected room-clients frame %s", roomClientsFrame(3).Data)
	}
	if string(userLeftFrame("u2", "Bob").Data) != `{"type":"user-left","payload":{"userId":"u2","displayName":"Bob"}}` {
		t.Fatalf("unexpected user-left frame %s", userLeftFrame("u2", "Bob").Data)
	}
}
