package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openbingo/cache"
	"openbingo/config"
	"openbingo/handlers"
	"openbingo/middleware"
	"openbingo/models"
	"openbingo/routes"
	"openbingo/services"
	"openbingo/store"
	"openbingo/utils/logger"

	"github.com/gin-gonic/gin"
)

// stateTTL bounds how long redis keeps game snapshots and arming latches.
const stateTTL = 2 * time.Hour

// backend bundles the storage side chosen by STORE_DRIVER.
type backend struct {
	store      store.Store
	users      store.Users
	latch      cache.Latch
	stateCache services.StateCache
	close      func()
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logger.Warnf("failed to load .env: %v", err)
	}
	cfg := config.Load()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warnf("unknown LOG_LEVEL %q, keeping info", cfg.LogLevel)
	}
	defer logger.Sync()

	be, err := openBackend(cfg)
	if err != nil {
		logger.Fatalf("failed to initialise storage: %v", err)
	}
	defer be.close()

	hub := services.NewHub()
	authService := services.NewAuthService(be.users, cfg.JWTSecret, cfg.JWTTTL)
	gameService := services.NewGameService(be.store, hub, be.latch, be.stateCache, cfg.Game)
	if err := gameService.Resume(context.Background()); err != nil {
		logger.Errorf("failed to resume live games: %v", err)
	}

	authHandler := handlers.NewAuthHandler(authService)
	gameHandler := handlers.NewGameHandler(gameService)

	router := gin.Default()
	router.Use(middleware.CORS(cfg.CORSOrigins))
	routes.SetupRoutes(router, authHandler, gameHandler, authService, gameService, hub)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddress, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("server starting on %s (store=%s, redis=%v)", srv.Addr, cfg.StoreDriver, cfg.RedisEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	gameService.Close()
}

func openBackend(cfg *config.Config) (*backend, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		// game ids restart with the process, so latches must not outlive it
		mem := store.NewMemoryStore()
		logger.Info("using in-memory store")
		return &backend{store: mem, users: mem, latch: cache.NewLocalLatch(), close: func() {}}, nil

	case config.StoreDriverPostgres:
		db, err := config.InitDB(cfg)
		if err != nil {
			return nil, err
		}
		err = db.AutoMigrate(
			&models.User{},
			&models.Game{},
			&models.Card{},
			&models.CardFingerprint{},
			&models.Player{},
		)
		if err != nil {
			return nil, err
		}
		gs := store.NewGormStore(db)
		be := &backend{store: gs, users: gs, latch: cache.NewLocalLatch(), close: func() {}}

		if cfg.RedisEnabled() {
			client := config.InitRedis(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Warnf("redis unavailable, falling back to in-process latches: %v", err)
				client.Close()
				return be, nil
			}
			be.latch = cache.NewRedisLatch(client, "openbingo:latch:", stateTTL)
			be.stateCache = cache.NewRedisCache(client, "openbingo:", stateTTL)
			be.close = func() { client.Close() }
		}
		return be, nil

	default:
		return nil, errors.New("unknown STORE_DRIVER " + cfg.StoreDriver)
	}
}
