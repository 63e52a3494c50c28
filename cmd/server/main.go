package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wuwenbin0122/copilot/internal/api"
	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/db"
	"github.com/wuwenbin0122/copilot/internal/generation"
	"github.com/wuwenbin0122/copilot/internal/settings"
	"github.com/wuwenbin0122/copilot/internal/stream"
	"github.com/wuwenbin0122/copilot/internal/usage"
	"github.com/wuwenbin0122/copilot/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to build: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped cleanly")
}

// chatStore is what the relational drivers provide.
type chatStore interface {
	chat.Store
	auth.UserStore
}

type closers []func()

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *utils.Config, logger *zap.Logger) error {
	var cleanup closers
	defer func() { cleanup.closeAll() }()

	memory := db.NewMemory()

	var store chatStore
	switch cfg.Store.Driver {
	case utils.StorePostgres:
		postgres, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, postgres.Close)
		if err := postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: ping failed: %w", err)
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			return err
		}
		store = postgres
	case utils.StoreSQLite:
		sqlite, err := db.NewSQLite(ctx, cfg.SQLite)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { _ = sqlite.Close() })
		if err := sqlite.EnsureSchema(ctx); err != nil {
			return err
		}
		store = sqlite
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		store = memory
	}
	logger.Info("chat store ready", zap.String("driver", cfg.Store.Driver))

	var settingsStore settings.Store = memory
	if cfg.Mongo.Enabled() {
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				logger.Warn("mongo close error", zap.Error(err))
			}
		})
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			return err
		}
		settingsStore = mongoStore
		logger.Info("settings stored in mongo", zap.String("database", cfg.Mongo.Database))
	}

	var usageStore usage.Store = usage.NewMemoryStore()
	if cfg.Redis.Enabled() {
		client, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { _ = client.Close() })
		usageStore = usage.NewRedisStore(client)
		logger.Info("usage counters stored in redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.LLM.APIKey == "" {
		logger.Warn("llm api key is empty; generation requests will be rejected upstream")
	}
	backend := generation.NewOpenAI(generation.NewOpenAIClient(generation.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	}), cfg.LLM.Model, logger.Named("generation"))

	authService, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL, store)
	if err != nil {
		return fmt.Errorf("failed to initialise auth service: %w", err)
	}

	gate := usage.NewGate(usageStore, cfg.Usage.DailyLimit, cfg.Usage.Window, logger.Named("usage"))
	settingsService := settings.NewService(settingsStore)
	chatService, err := chat.NewService(chat.Deps{
		Store:    store,
		Settings: settingsService,
		Gate:     gate,
		Backend:  backend,
		Channel:  stream.NewChannel(logger.Named("stream")),
		Logger:   logger.Named("chat"),
	})
	if err != nil {
		return err
	}

	router := setupRouter(logger, api.NewHandler(api.Options{
		Auth:       authService,
		Chat:       chatService,
		Settings:   settingsService,
		Gate:       gate,
		UpgradeURL: cfg.Usage.UpgradeURL,
		Logger:     logger.Named("api"),
	}))

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no write timeout: answers stream for as long as the model writes
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server crashed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func setupRouter(logger *zap.Logger, handler *api.Handler) *gin.Engine {
	router := gin.New()
	router.Use(api.RequestLogger(logger.Named("http")), gin.Recovery())
	handler.RegisterRoutes(router)
	return router
}
