package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/internal/directory"
	"roomsync/internal/document/updatelog"
	"roomsync/internal/models"
	"roomsync/internal/room_management"
	"roomsync/internal/session"
	"roomsync/internal/snapshot"
)

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *session.Hub) {
	t.Helper()
	log := zap.NewNop()
	reg := session.NewRegistry(snapshot.NewMemoryStore(), updatelog.Factory, log, session.RegistryOptions{})
	hub := session.NewHub(reg, directory.NewStatic(map[string]string{"u1": "Alice"}), log, session.Options{SendBuffer: 8})
	h := NewHandlers(log, hub, origins)

	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/api/v1/rooms", h.ListRooms)
	r.Get("/api/v1/rooms/{roomCode}", h.RoomStatus)
	r.Get("/ws", h.CollabWS)
	r.Get("/ws/{roomCode}", h.CollabWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// waitForCount reads until the room-clients message with count n arrives.
func waitForCount(t *testing.T, conn *websocket.Conn, n int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type    string             `json:"type"`
			Payload models.RoomClients `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err == nil && msg.Type == models.TypeRoomClients && msg.Payload.Count == n {
			return
		}
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, []string{"*"})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCollabWSRejectsMissingParams(t *testing.T) {
	srv, hub := newTestServer(t, []string{"*"})

	for _, path := range []string{"/ws?roomCode=abc", "/ws?userId=u1", "/ws/abc", "/ws"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
		if err == nil {
			t.Fatalf("%s: expected handshake failure", path)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 response, got %+v", path, resp)
		}
	}
	if hub.Registry().Len() != 0 {
		t.Fatalf("rejected sockets must not create rooms")
	}
}

func TestCollabWSQueryAndPathForms(t *testing.T) {
	srv, hub := newTestServer(t, []string{"*"})

	a, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?roomCode=room-1&userId=u1"), nil)
	if err != nil {
		t.Fatalf("dial query form: %v", err)
	}
	defer a.Close()
	waitForCount(t, a, 1)

	b, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/room-1?userId=u2"), nil)
	if err != nil {
		t.Fatalf("dial path form: %v", err)
	}
	defer b.Close()
	waitForCount(t, b, 2)

	room, ok := hub.Registry().Room("room-1")
	if !ok || len(room.Clients()) != 2 {
		t.Fatalf("expected both sockets in room-1")
	}
}

func TestRoomStatus(t *testing.T) {
	srv, _ := newTestServer(t, []string{"*"})

	resp, err := http.Get(srv.URL + "/api/v1/rooms/missing")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a room with no session, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/live?userId=u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForCount(t, conn, 1)

	resp, err = http.Get(srv.URL + "/api/v1/rooms/live")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status models.RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Live || status.RoomCode != "live" || status.Connections != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Participants) != 1 || status.Participants[0].DisplayName != "Alice" {
		t.Fatalf("unexpected participants %+v", status.Participants)
	}
}

func TestListRooms(t *testing.T) {
	srv, _ := newTestServer(t, []string{"*"})

	resp, err := http.Get(srv.URL + "/api/v1/rooms")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var empty []models.RoomStatus
	_ = json.NewDecoder(resp.Body).Decode(&empty)
	resp.Body.Close()
	if len(empty) != 0 {
		t.Fatalf("expected no rooms, got %+v", empty)
	}

	for _, code := range []string{"b", "a"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/"+code+"?userId=u1"), nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		waitForCount(t, conn, 1)
	}

	resp, err = http.Get(srv.URL + "/api/v1/rooms")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var rooms []models.RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 2 || rooms[0].RoomCode != "a" || rooms[1].RoomCode != "b" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
}

func TestCollabWSOriginCheck(t *testing.T) {
	srv, _ := newTestServer(t, []string{"http://allowed.test"})

	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/r?userId=u1"), header)
	if err == nil {
		t.Fatalf("expected handshake failure for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "http://allowed.test")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/r?userId=u1"), header)
	if err != nil {
		t.Fatalf("allowed origin should connect: %v", err)
	}
	conn.Close()
}

type fakeRemote struct {
	statuses map[string]*models.RoomStatus
	err      error
}

func (f *fakeRemote) GetRoomStatus(_ context.Context, code string) (*models.RoomStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	if st, ok := f.statuses[code]; ok {
		return st, nil
	}
	return nil, room_management.ErrRoomNotFound
}

func TestRoomStatusFallsBackToRemote(t *testing.T) {
	log := zap.NewNop()
	reg := session.NewRegistry(snapshot.NewMemoryStore(), updatelog.Factory, log, session.RegistryOptions{})
	hub := session.NewHub(reg, nil, log, session.Options{})
	remote := &fakeRemote{statuses: map[string]*models.RoomStatus{
		"elsewhere": {RoomCode: "elsewhere", Live: true, Connections: 3},
	}}
	h := NewHandlers(log, hub, []string{"*"}).WithRemoteStatus(remote)

	r := chi.NewRouter()
	r.Get("/api/v1/rooms/{roomCode}", h.RoomStatus)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/elsewhere", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from remote status, got %d", rec.Code)
	}
	var status models.RoomStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil || status.Connections != 3 {
		t.Fatalf("unexpected remote status %+v err=%v", status, err)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/nowhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	remote.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/elsewhere", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("remote failures should read as not live, got %d", rec.Code)
	}
}
