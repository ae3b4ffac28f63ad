package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SnapshotRedis    = "redis"
	SnapshotPostgres = "postgres"
	SnapshotSQLite   = "sqlite"
	SnapshotMemory   = "memory"

	DirectoryDatabase = "database"
	DirectoryHTTP     = "http"
	DirectoryMemory   = "memory"

	EngineUpdateLog = "updatelog"
	EngineOTText    = "ottext"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	Env         string
	RedisAddr   string
	DatabaseURL string
	SQLitePath  string

	SnapshotBackend  string
	DirectoryBackend string
	UserServiceURL   string
	DocEngine        string

	SnapshotLoadTimeout   time.Duration
	SnapshotSaveTimeout   time.Duration
	SnapshotRetryAttempts int
	LookupTimeout         time.Duration
	ShutdownTimeout       time.Duration

	SendBuffer      int
	MaxMessageBytes int64

	AllowedOrigins []string

	// StatusMirror publishes live room status to Redis.
	StatusMirror bool
}

// Load reads configuration from environment variables, picking up a .env
// file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "roomsync.db"),

		SnapshotBackend: strings.ToLower(getEnv("SNAPSHOT_BACKEND", SnapshotRedis)),
		UserServiceURL:  os.Getenv("USER_SERVICE_URL"),
		DocEngine:       strings.ToLower(getEnv("DOC_ENGINE", EngineUpdateLog)),

		SnapshotLoadTimeout:   getDuration("SNAPSHOT_LOAD_TIMEOUT", 5*time.Second),
		SnapshotSaveTimeout:   getDuration("SNAPSHOT_SAVE_TIMEOUT", 5*time.Second),
		SnapshotRetryAttempts: getInt("SNAPSHOT_RETRY_ATTEMPTS", 5),
		LookupTimeout:         getDuration("LOOKUP_TIMEOUT", 2*time.Second),
		ShutdownTimeout:       getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		SendBuffer:      getInt("SEND_BUFFER", 256),
		MaxMessageBytes: int64(getInt("MAX_MESSAGE_BYTES", 1<<20)),

		AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		StatusMirror:   getEnv("STATUS_MIRROR", "false") == "true",
	}

	defaultDirectory := DirectoryMemory
	if cfg.hasDatabase() {
		defaultDirectory = DirectoryDatabase
	}
	cfg.DirectoryBackend = strings.ToLower(getEnv("DIRECTORY_BACKEND", defaultDirectory))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) hasDatabase() bool {
	return c.DatabaseURL != "" || c.SnapshotBackend == SnapshotSQLite
}

func (c *Config) validate() error {
	switch c.SnapshotBackend {
	case SnapshotRedis, SnapshotMemory, SnapshotSQLite:
	case SnapshotPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: SNAPSHOT_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}

	switch c.DirectoryBackend {
	case DirectoryMemory:
	case DirectoryDatabase:
		if !c.hasDatabase() {
			return fmt.Errorf("config: DIRECTORY_BACKEND=database requires DATABASE_URL or the sqlite snapshot backend")
		}
	case DirectoryHTTP:
		if c.UserServiceURL == "" {
			return fmt.Errorf("config: DIRECTORY_BACKEND=http requires USER_SERVICE_URL")
		}
	default:
		return fmt.Errorf("config: unknown DIRECTORY_BACKEND %q", c.DirectoryBackend)
	}

	switch c.DocEngine {
	case EngineUpdateLog, EngineOTText:
	default:
		return fmt.Errorf("config: unknown DOC_ENGINE %q", c.DocEngine)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
