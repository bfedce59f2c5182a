// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/skillmind/internal/auth"
	"github.com/jason-s-yu/skillmind/internal/events"
	"github.com/sirupsen/logrus"
)

// Store backends selectable with STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is everything the server and the historian read from the environment.
type Config struct {
	Port     string
	LogLevel logrus.Level

	StoreBackend   string
	StoreOpTimeout time.Duration
	RedisAddr      string
	RedisDB        int
	RedisPrefix    string
	DatabaseURL    string

	RevealDelay      time.Duration
	PointsPerCorrect int64
	CascadeHostLeave bool
	CodeAttempts     int

	TokenTTL       time.Duration
	PrivateKeyPath string
	PublicKeyPath  string

	EventsEnabled bool
	EventsQueue   string

	HistorianBatchSize  int
	HistorianFlushDelay time.Duration
	RoomInactivity      time.Duration

	CORSOrigins     []string
	RateLimitPerMin int
}

// FromEnv reads the configuration. Unset keys take their defaults; malformed
// values are an error.
func FromEnv() (*Config, error) {
	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	ttl, err := auth.ParseTokenExpireTime(os.Getenv("TOKEN_EXPIRE_TIME"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: level,

		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		StoreOpTimeout: getEnvDuration("STORE_OP_TIMEOUT", 10*time.Second),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisPrefix:    getEnv("REDIS_PREFIX", "skillmind:"),
		DatabaseURL:    databaseURL(),

		RevealDelay:      getEnvDuration("REVEAL_DELAY", 2*time.Second),
		PointsPerCorrect: int64(getEnvInt("POINTS_PER_CORRECT", 10)),
		CascadeHostLeave: getEnvBool("ROOM_CASCADE_HOST_LEAVE", true),
		CodeAttempts:     getEnvInt("ROOM_CODE_ATTEMPTS", 5),

		TokenTTL:       ttl,
		PrivateKeyPath: os.Getenv("JWT_PRIVATE_KEY_PATH"),
		PublicKeyPath:  os.Getenv("JWT_PUBLIC_KEY_PATH"),

		EventsEnabled: getEnvBool("EVENTS_ENABLED", false),
		EventsQueue:   getEnv("EVENTS_QUEUE", events.DefaultQueueName),

		HistorianBatchSize:  getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		HistorianFlushDelay: time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
		RoomInactivity:      getEnvDuration("ROOM_INACTIVITY_TIMEOUT", 30*time.Minute),

		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "*")),
		RateLimitPerMin: getEnvInt("RATE_LIMIT_PER_MIN", 120),
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return nil, fmt.Errorf("STORE_BACKEND: unknown backend %q", cfg.StoreBackend)
	}
	return cfg, nil
}

// databaseURL prefers DATABASE_URL and otherwise builds the URL from the
// individual POSTGRES_* and PG_* variables.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRES_PASSWORD"),
		getEnv("PG_HOST", "localhost"),
		getEnv("PG_PORT", "5432"),
		os.Getenv("PG_DATABASE"),
	)
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}

// getEnvInt retrieves an integer value from an environment variable or returns a default value.
func getEnvInt(key string, defVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defVal
	}
	return i
}

// getEnvDuration accepts Go durations ("1500ms") and plain seconds ("5").
func getEnvDuration(key string, defVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second
	}
	return defVal
}

func getEnvBool(key string, defVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defVal
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
