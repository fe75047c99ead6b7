package config

import (
	"os"
	"strconv"
	"time"

	"contactlink/pkg/platform/strings"
)

// Config captures process level configuration. Everything comes from the
// environment so main stays lean.
type Config struct {
	Server   Server
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Log      LogConfig

	// TxTimeout bounds a single identify transaction when the caller's
	// context carries no deadline.
	TxTimeout time.Duration
	// IdentityCacheTTL is how long a projected identity view stays in Redis.
	IdentityCacheTTL time.Duration
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string
	RequestTimeout time.Duration
}

// DatabaseConfig configures the Postgres pool. An empty URL selects the
// in-memory contact store.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// RedisConfig configures the identity view cache. An empty URL disables it.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures identity change events. No brokers disables them.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type LogConfig struct {
	Level  string
	Format string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:           getString("CONTACTLINK_ADDR", ":8080"),
			RequestTimeout: getDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			RunMigrations:   getBool("RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:  strings.SplitAndTrim(os.Getenv("KAFKA_BROKERS")),
			Topic:    getString("KAFKA_TOPIC", "contact.identity"),
			ClientID: getString("KAFKA_CLIENT_ID", "contactlink"),
		},
		Log: LogConfig{
			Level:  getString("LOG_LEVEL", "info"),
			Format: getString("LOG_FORMAT", "json"),
		},
		TxTimeout:        getDuration("CONTACT_TX_TIMEOUT", 5*time.Second),
		IdentityCacheTTL: getDuration("IDENTITY_CACHE_TTL", 10*time.Minute),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// getDuration accepts Go duration strings ("5s", "10m").
func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
