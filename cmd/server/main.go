package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"roomsync/internal/config"
	"roomsync/internal/directory"
	"roomsync/internal/document"
	"roomsync/internal/document/ottext"
	"roomsync/internal/document/updatelog"
	"roomsync/internal/repositories"
	"roomsync/internal/room_management"
	"roomsync/internal/routers"
	"roomsync/internal/session"
	"roomsync/internal/snapshot"
	"roomsync/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit

	openPostgres = func(dsn string) (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	}
	openSQLite = func(path string) (*gorm.DB, error) {
		return gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("roomsync-svc exited: %v", err)
	exit(1)
}

// deps holds everything that needs closing on shutdown.
type deps struct {
	rdb      *redis.Client
	db       *gorm.DB
	retrying *snapshot.RetryingStore
}

// redis returns the shared client, creating it on first use.
func (d *deps) redisClient(cfg *config.Config) *redis.Client {
	if d.rdb == nil {
		d.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return d.rdb
}

func (d *deps) close(logger *zap.Logger) {
	if d.retrying != nil {
		d.retrying.Close()
	}
	if d.rdb != nil {
		if err := d.rdb.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := utils.NewLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	d := &deps{}
	defer d.close(logger)

	store, err := buildSnapshotStore(ctx, cfg, logger, d)
	if err != nil {
		return err
	}
	dir, err := buildDirectory(cfg, d)
	if err != nil {
		return err
	}

	regOpts := session.RegistryOptions{
		LoadTimeout: cfg.SnapshotLoadTimeout,
		SaveTimeout: cfg.SnapshotSaveTimeout,
	}
	routerOpts := routers.Options{AllowedOrigins: cfg.AllowedOrigins}
	var mirror *room_management.RoomManager
	if cfg.StatusMirror {
		mirror = room_management.NewRoomManager(d.redisClient(cfg), logger)
		regOpts.Observer = mirror
		routerOpts.Remote = mirror
	}

	registry := session.NewRegistry(store, documentFactory(cfg.DocEngine), logger, regOpts)
	hub := session.NewHub(registry, dir, logger, session.Options{
		LookupTimeout:   cfg.LookupTimeout,
		SendBuffer:      cfg.SendBuffer,
		MaxMessageBytes: cfg.MaxMessageBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(logger, hub, routerOpts),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	mirrorDone := make(chan struct{})
	if mirror != nil {
		go func() {
			mirror.Run(mirrorCtx, registry)
			close(mirrorDone)
		}()
	} else {
		close(mirrorDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("roomsync-svc listening",
			zap.String("addr", srv.Addr),
			zap.String("snapshots", cfg.SnapshotBackend),
			zap.String("directory", cfg.DirectoryBackend),
			zap.String("engine", cfg.DocEngine))
		serveErr <- listenAndServe(srv)
	}()

	var runErr error
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("rooms still live at shutdown", zap.Int("rooms", registry.Len()), zap.Error(err))
	}
	stopMirror()
	<-mirrorDone
	return runErr
}

func documentFactory(engine string) document.Factory {
	if engine == config.EngineOTText {
		return ottext.Factory
	}
	return updatelog.Factory
}

// openDatabase connects once and migrates; later callers reuse d.db.
func openDatabase(cfg *config.Config, d *deps) (*gorm.DB, error) {
	if d.db != nil {
		return d.db, nil
	}
	var (
		db  *gorm.DB
		err error
	)
	if cfg.SnapshotBackend == config.SnapshotSQLite || cfg.DatabaseURL == "" {
		db, err = openSQLite(cfg.SQLitePath)
	} else {
		db, err = openPostgres(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := repositories.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	d.db = db
	return db, nil
}

func buildSnapshotStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, d *deps) (snapshot.Store, error) {
	var inner snapshot.Store
	switch cfg.SnapshotBackend {
	case config.SnapshotMemory:
		return snapshot.NewMemoryStore(), nil
	case config.SnapshotRedis:
		rs := snapshot.NewRedisStore(d.redisClient(cfg), 0)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rs.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable at startup, snapshot saves will be retried", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		cancel()
		inner = rs
	case config.SnapshotPostgres, config.SnapshotSQLite:
		db, err := openDatabase(cfg, d)
		if err != nil {
			return nil, err
		}
		inner = &repositories.RoomRepository{DB: db}
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
	}

	d.retrying = snapshot.NewRetryingStore(inner, logger, snapshot.RetryOptions{
		MaxAttempts: cfg.SnapshotRetryAttempts,
		Timeout:     cfg.SnapshotSaveTimeout,
	})
	return d.retrying, nil
}

func buildDirectory(cfg *config.Config, d *deps) (directory.Directory, error) {
	switch cfg.DirectoryBackend {
	case config.DirectoryDatabase:
		db, err := openDatabase(cfg, d)
		if err != nil {
			return nil, err
		}
		return &repositories.UserRepository{DB: db}, nil
	case config.DirectoryHTTP:
		return directory.NewHTTPDirectory(cfg.UserServiceURL, &http.Client{Timeout: cfg.LookupTimeout}), nil
	default:
		return directory.NewStatic(nil), nil
	}
}
