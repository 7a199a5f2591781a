package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scoreguard/internal/config"
	"github.com/scoreguard/internal/handler"
	"github.com/scoreguard/internal/kafka"
	"github.com/scoreguard/internal/kv"
	"github.com/scoreguard/internal/kv/memstore"
	"github.com/scoreguard/internal/kv/redisstore"
	"github.com/scoreguard/internal/kv/reststore"
	"github.com/scoreguard/internal/leaderboard"
	"github.com/scoreguard/internal/metrics"
	"github.com/scoreguard/internal/postgres"
	"github.com/scoreguard/internal/ratelimit"
	"github.com/scoreguard/internal/service"
	"github.com/scoreguard/internal/session"
	"github.com/scoreguard/internal/signing"
	"github.com/scoreguard/internal/websocket"
	"github.com/scoreguard/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		bootLogger.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Warn("failed to load config file, using defaults", "error", err)
		cfg, err = config.DefaultConfig()
		if err != nil {
			bootLogger.Error("failed to build default config", "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.StoreConfig, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		store, err := redisstore.New(ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendREST:
		logger.Info("using REST key-value store", "url", cfg.REST.URL)
		return reststore.New(&cfg.REST, logger), nil
	case config.BackendMemory:
		logger.Warn("using in-memory store, nothing survives a restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, &cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Warn("key-value store not reachable yet", "error", err)
	}

	signer, err := signing.New(cfg.Security.SigningSecret)
	if err != nil {
		return err
	}

	var limiterOpts []ratelimit.Option
	if !cfg.RateLimit.Enabled {
		logger.Warn("rate limiting disabled")
		limiterOpts = append(limiterOpts, ratelimit.Disabled())
	}

	board, err := leaderboard.New(store, cfg.Leaderboard, logger)
	if err != nil {
		return err
	}

	handles := session.HandleRule{MinLength: cfg.Handle.MinLength, MaxLength: cfg.Handle.MaxLength}
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	scoreService := service.NewScoreService(service.Deps{
		Store:    store,
		Issuer:   session.NewIssuer(store, signer, handles, cfg.Security.SessionLifetime, cfg.Security.SessionTTL, logger),
		Consumer: session.NewConsumer(store, signer, handles, cfg.Security.UsedMarkerTTL, logger),
		Handles:  handles,
		Limiter:  ratelimit.NewLimiter(store, cfg.RateLimit.CounterTTL, logger, limiterOpts...),
		Board:    board,
		Profiles: leaderboard.NewProfiles(store, cfg.Leaderboard.ProfileTTL),
		Metrics:  reg,
	}, cfg.RateLimit, cfg.Leaderboard, logger)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(scoreService, logger)
	go wsHub.Run()
	defer wsHub.Stop()
	scoreService.SetHub(wsHub)

	// Durable audit and best-score mirror
	if cfg.Postgres.Enabled {
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		defer repo.Close()

		if err := repo.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		scoreService.SetRecorder(repo)

		syncWorker := worker.NewSyncWorker(board, repo, &cfg.Sync, logger)
		if _, err := syncWorker.SyncFromDatabase(ctx); err != nil {
			logger.Warn("failed to restore leaderboard from database", "error", err)
		}
		if cfg.Sync.Enabled {
			if err := syncWorker.Start(ctx); err != nil {
				return fmt.Errorf("starting sync worker: %w", err)
			}
			defer func() {
				if err := syncWorker.Stop(); err != nil {
					logger.Error("failed to stop sync worker", "error", err)
				}
			}()
		}
	}

	// Cross-instance fan-out of accepted runs
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka fan-out", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		producer, err := kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, broadcasting locally", "error", err)
		} else {
			defer producer.Close()

			groupID := fmt.Sprintf("%s-%s", cfg.Kafka.GroupID, uuid.NewString()[:8])
			consumer, err := kafka.NewConsumer(&cfg.Kafka, groupID, scoreService, logger)
			if err != nil {
				logger.Warn("failed to create Kafka consumer, broadcasting locally", "error", err)
			} else if err := consumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, broadcasting locally", "error", err)
			} else {
				scoreService.SetPublisher(producer)
				defer func() {
					if err := consumer.Stop(); err != nil {
						logger.Error("failed to stop Kafka consumer", "error", err)
					}
				}()
			}
		}
	}

	httpHandler := handler.NewHandler(scoreService, wsHub, reg, handler.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		DefaultLimit: cfg.Leaderboard.DefaultLimit,
	}, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"store", cfg.Store.Backend,
			"strategy", cfg.Leaderboard.Strategy,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("HTTP server: %w", err)
	}

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
