package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"universe-sync/internal/api"
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

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Sync Service initialization")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB := connectDatabase(cfg.Database, log)
	defer bunDB.Close()

	migrationRunner := migrations.NewRunner(bunDB, cfg.Sync.MigrationsDir, log)
	if err := migrationRunner.Up(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}

	var tokenCache *auth.RedisTokenCache
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis unreachable, continuing without shared token cache: %v", err))
		} else {
			log.Info("REDIS", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))
			tokenCache = auth.NewRedisTokenCache(redisClient)
			defer redisClient.Close()
		}
	}

	tokens := auth.NewProvider(cfg.Universe, &http.Client{Timeout: 30 * time.Second}, tokenCache, log)
	client := universe.NewClient(cfg.Universe.APIURL, tokens, &http.Client{Timeout: 60 * time.Second}, log)

	var publisher engine.Publisher
	if cfg.Kafka.Enabled {
		if !cfg.Kafka.MockMode {
			topics := []string{cfg.Kafka.Topics.EventSynced, cfg.Kafka.Topics.PassCompleted}
			if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
				log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
			}
		}
		producer := kafka.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		publisher = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	}

	db := &store.DB{Bun: bunDB}
	driver := engine.NewDriver(db, engine.ClientFetcher{Client: client}, engine.NewReconciler(db, log), publisher, log, cfg.Sync)

	handler := api.NewHandler(db, driver, log)

	log.Info("HTTP", "Setting up router")
	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Sync Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Sync Service shutdown complete")
	}
}
