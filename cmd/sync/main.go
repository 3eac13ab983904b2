package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"universe-sync/internal/auth"
	"universe-sync/internal/config"
	"universe-sync/internal/database/migrations"
	"universe-sync/internal/engine"
	"universe-sync/internal/kafka"
	"universe-sync/internal/logger"
	"universe-sync/internal/store"
	"universe-sync/internal/universe"
)

func connectDatabase(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			err = sqldb.Ping()
		}
		if err == nil {
			break
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func buildDriver(ctx context.Context, cfg *config.Config, bunDB *bun.DB, log *logger.Logger) (*engine.Driver, *kafka.Producer) {
	var tokenCache *auth.RedisTokenCache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unreachable, continuing without shared token cache: %v", err))
		} else {
			log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
			tokenCache = auth.NewRedisTokenCache(redisClient)
		}
	}

	tokens := auth.NewProvider(cfg.Universe, &http.Client{Timeout: 30 * time.Second}, tokenCache, log)
	client := universe.NewClient(cfg.Universe.APIURL, tokens, &http.Client{Timeout: 60 * time.Second}, log)

	var producer *kafka.Producer
	var publisher engine.Publisher
	if cfg.Kafka.Enabled {
		if !cfg.Kafka.MockMode {
			topics := []string{cfg.Kafka.Topics.EventSynced, cfg.Kafka.Topics.PassCompleted}
			if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
				log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
			}
		}
		producer = kafka.NewProducer(cfg.Kafka, log)
		publisher = producer
	}

	db := &store.DB{Bun: bunDB}
	driver := engine.NewDriver(db, engine.ClientFetcher{Client: client}, engine.NewReconciler(db, log), publisher, log, cfg.Sync)
	return driver, producer
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting one-shot sync pass")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB := connectDatabase(cfg.Database, log)
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, cfg.Sync.MigrationsDir, log)
	if err := runner.Up(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}

	driver, producer := buildDriver(ctx, cfg, bunDB, log)
	if producer != nil {
		defer producer.Close()
	}

	summary, err := driver.Run(ctx)
	if err != nil {
		log.Error("SYNC", fmt.Sprintf("Pass aborted: %v", err))
		os.Exit(1)
	}

	log.Info("SYNC", fmt.Sprintf("Pass %s: processed=%d failed=%d upserted=%d",
		summary.RunID, summary.EventsProcessed, summary.EventsFailed, summary.RecordsUpserted))

	// A pass with failed events completes but exits non-zero so cron-style
	// schedulers can alert on it.
	if summary.EventsFailed > 0 {
		os.Exit(1)
	}
}
