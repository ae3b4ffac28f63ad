package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomsync/internal/models"
	"roomsync/internal/room_management"
	"roomsync/internal/session"
	"roomsync/internal/utils"
)

// RemoteStatus looks up rooms that are live on another instance.
type RemoteStatus interface {
	GetRoomStatus(ctx context.Context, roomCode string) (*models.RoomStatus, error)
}

type Handlers struct {
	log      *zap.Logger
	hub      *session.Hub
	remote   RemoteStatus
	upgrader websocket.Upgrader
}

func NewHandlers(log *zap.Logger, hub *session.Hub, allowedOrigins []string) *Handlers {
	return &Handlers{
		log: log,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// WithRemoteStatus makes RoomStatus fall back to mirrored status for rooms
// that are not live locally.
func (h *Handlers) WithRemoteStatus(remote RemoteStatus) *Handlers {
	h.remote = remote
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// RoomStatus reports the live session for a room code.
func (h *Handlers) RoomStatus(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "roomCode")
	if room, ok := h.hub.Registry().Room(code); ok {
		utils.JSON(w, http.StatusOK, room.Status())
		return
	}
	if h.remote != nil {
		status, err := h.remote.GetRoomStatus(r.Context(), code)
		if err == nil {
			utils.JSON(w, http.StatusOK, status)
			return
		}
		if !errors.Is(err, room_management.ErrRoomNotFound) {
			h.log.Warn("remote room status lookup failed", zap.String("room", code), zap.Error(err))
		}
	}
	utils.JSONError(w, http.StatusNotFound, "room is not live")
}

func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, h.hub.Registry().Statuses())
}

// CollabWS upgrades to a document sync socket. The room code comes from the
// path when present, otherwise from the roomCode query parameter.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	roomCode := chi.URLParam(r, "roomCode")
	if roomCode == "" {
		roomCode = r.URL.Query().Get("roomCode")
	}
	roomCode, userID, err := session.ValidateParams(roomCode, r.URL.Query().Get("userId"))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if err := h.hub.ServeConn(r.Context(), conn, roomCode, userID); err != nil && !errors.Is(err, session.ErrNotAttached) {
		h.log.Warn("websocket session ended with error",
			zap.String("room", roomCode),
			zap.String("user", userID),
			zap.Error(err))
	}
}
