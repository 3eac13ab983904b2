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
	// DefaultPageLimit is the page size used when UNIVERSE_PAGE_LIMIT is unset.
	DefaultPageLimit = 10
	// MaxPageLimit is the largest page size the Universe API accepts.
	MaxPageLimit = 50
	// DefaultBackfillDays bounds how far closed events are re-scanned.
	DefaultBackfillDays = 7
)

// ConfigError reports missing required configuration. It is fatal before any
// fetch begins.
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", strings.Join(e.Missing, ", "))
}

type Config struct {
	Server   ServerConfig
	Universe UniverseConfig
	Sync     SyncConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Database DatabaseConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// UniverseConfig holds the OAuth credential set used for the refresh-token
// grant against the Universe API.
type UniverseConfig struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

type SyncConfig struct {
	PageLimit     int
	BackfillDays  int
	IncludeClosed bool
	MigrationsDir string
}

type RedisConfig struct {
	Addr    string
	Enabled bool
}

type KafkaConfig struct {
	Brokers  []string
	MockMode bool
	Enabled  bool
	Topics   TopicConfig
}

type TopicConfig struct {
	EventSynced   string
	PassCompleted string
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Universe: UniverseConfig{
			APIURL:       getEnv("UNIVERSE_API_URL", "https://www.universe.com/graphql"),
			TokenURL:     getEnv("UNIVERSE_TOKEN_URL", "https://www.universe.com/oauth/token"),
			ClientID:     getEnv("UNIVERSE_CLIENT_ID", ""),
			ClientSecret: getEnv("UNIVERSE_CLIENT_SECRET", ""),
			RefreshToken: getEnv("UNIVERSE_REFRESH_TOKEN", ""),
		},
		Sync: SyncConfig{
			PageLimit:     getEnvInt("UNIVERSE_PAGE_LIMIT", DefaultPageLimit),
			BackfillDays:  getEnvInt("SYNC_BACKFILL_DAYS", DefaultBackfillDays),
			IncludeClosed: getEnvBool("SYNC_INCLUDE_CLOSED", false),
			MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Enabled: getEnvBool("REDIS_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers:  []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			Enabled:  getEnvBool("KAFKA_ENABLED", false),
			MockMode: getEnvBool("KAFKA_MOCK_MODE", false),
			Topics: TopicConfig{
				EventSynced:   getEnv("KAFKA_TOPIC_EVENT_SYNCED", "sync-events"),
				PassCompleted: getEnv("KAFKA_TOPIC_PASS_COMPLETED", "sync-passes"),
			},
		},
		Database: DatabaseConfig{
			DSN:          getEnv("DATABASE_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
	}

	// Callers asking for more than the API allows are clamped, not rejected.
	if cfg.Sync.PageLimit > MaxPageLimit {
		cfg.Sync.PageLimit = MaxPageLimit
	}
	if cfg.Sync.PageLimit < 1 {
		cfg.Sync.PageLimit = 1
	}
	if cfg.Sync.BackfillDays < 0 {
		cfg.Sync.BackfillDays = 0
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Universe.ClientID == "" {
		missing = append(missing, "UNIVERSE_CLIENT_ID")
	}
	if c.Universe.ClientSecret == "" {
		missing = append(missing, "UNIVERSE_CLIENT_SECRET")
	}
	if c.Universe.RefreshToken == "" {
		missing = append(missing, "UNIVERSE_REFRESH_TOKEN")
	}
	if c.Database.DSN == "" {
		missing = append(missing, "DATABASE_DSN")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
