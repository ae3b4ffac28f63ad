package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"roomsync/internal/api"
	"roomsync/internal/metrics"
	"roomsync/internal/session"
)

const serviceName = "roomsync"

type Options struct {
	AllowedOrigins []string
	// Remote is optional; see api.Handlers.WithRemoteStatus.
	Remote api.RemoteStatus
}

func New(log *zap.Logger, hub *session.Hub, opts Options) http.Handler {
	h := api.NewHandlers(log, hub, opts.AllowedOrigins)
	if opts.Remote != nil {
		h.WithRemoteStatus(opts.Remote)
	}
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(metrics.Middleware(serviceName))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/api/v1/healthz", h.Health)
		r.Get("/api/v1/rooms", h.ListRooms)
		r.Get("/api/v1/rooms/{roomCode}", h.RoomStatus)
	})

	r.Get("/ws", h.CollabWS)
	r.Get("/ws/{roomCode}", h.CollabWS)

	return r
}
