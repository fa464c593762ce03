package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/blob"
	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/presence"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/responder"
	"github.com/chatsync/internal/service"
	"github.com/chatsync/internal/startup"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/ws"
)

// seedUsers — пользователи dev/memory режима.
var seedUsers = []model.User{
	{ID: "user-1", Username: "Alice Johnson", Email: "alice@example.com"},
	{ID: "user-2", Username: "Bob Smith", Email: "bob@example.com"},
	{ID: "user-3", Username: "Carol Davis", Email: "carol@example.com"},
	{ID: "ai-assistant", Username: "AI Assistant", Email: "assistant@example.com"},
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	inMemory := flag.Bool("memory", false, "keep all state in memory (no database)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	var store storage.Store
	if *inMemory {
		store = memory.New()
		logger.Info("using in-memory store")
	} else {
		if *dev {
			embeddedDB, err := startEmbeddedPostgres(cfg)
			if err != nil {
				logger.Errorf("embedded postgres: %v", err)
				os.Exit(1)
			}
			defer func() {
				logger.Info("stopping embedded postgres...")
				if err := embeddedDB.Stop(); err != nil {
					logger.Errorf("embedded postgres stop: %v", err)
				}
			}()
		}

		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool, err := startup.ConnectDB(context.Background(), poolCfg, 60*time.Second)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.RunMigrations(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("%v", err)
			pool.Close()
			os.Exit(1)
		}
		if *migrate && !*dev {
			pool.Close()
			return
		}
		store = repository.NewStore(pool)
		logger.Info("database connected, migrations applied")
	}
	defer store.Close()

	devMode := *dev || *inMemory
	if devMode {
		seed(store)
	}

	var mirror storage.PresenceMirror
	if cfg.RedisURL != "" {
		rc, err := startup.ConnectRedis(context.Background(), cfg.RedisURL, 30*time.Second)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		defer rc.Close()
		mirror = rc
		logger.Info("presence mirror: redis")
	}

	b := bus.New(cfg.SubscriberBuffer)
	defer b.Close()
	reg := presence.New(store, b, mirror)
	blobs := blob.New(cfg.UploadDir, cfg.MaxUploadSize)
	svc := service.New(store, b, reg, nil, blobs, service.Config{SendTimeout: cfg.SendTimeout})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(b, reg, svc, cfg.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	var bot *responder.Responder
	if cfg.Responder.UserID != "" {
		bot = startResponder(cfg, store, b, svc)
	}

	limiter := middleware.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Cleanup(hubCtx, time.Minute)

	identity, err := identityMiddleware(cfg, store, devMode)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	r := handler.NewRouter(handler.Deps{
		Service: svc,
		Blobs:   blobs,
		Hub:     hub,
		WS: ws.Options{
			WriteWait:      cfg.WSWriteTimeout,
			PongWait:       cfg.WSPongTimeout,
			MaxMessageSize: cfg.WSMaxMessageSize,
		},
		Identity:       identity,
		Limiter:        limiter,
		InternalSecret: cfg.InternalSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Client: handler.ClientConfig{
			MaxUploadSize:   cfg.MaxUploadSize,
			ResponderUserID: cfg.Responder.UserID,
			WSPath:          "/ws",
		},
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	if bot != nil {
		bot.Stop()
	}
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// identityMiddleware: сессии через auth-сервис, затем JWT, X-User-Id — только в dev.
func identityMiddleware(cfg *config.Config, users middleware.UserLoader, devMode bool) (func(http.Handler) http.Handler, error) {
	switch {
	case cfg.AuthServiceURL != "":
		logger.Infof("identity: auth service %s", cfg.AuthServiceURL)
		return middleware.AuthServiceValidate(cfg.AuthServiceURL, nil, users), nil
	case cfg.JWTSecret != "":
		logger.Info("identity: jwt")
		return middleware.JWTIdentity(cfg.JWTSecret, users), nil
	case devMode:
		logger.Info("identity: X-User-Id header (dev)")
		return middleware.DevHeaderIdentity(users), nil
	}
	return nil, errors.New("no identity provider: set AUTH_SERVICE_URL or JWT_SECRET, or run with -dev/-memory")
}

func seed(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()
	for _, u := range seedUsers {
		u := u
		if _, err := store.GetUser(ctx, u.ID); err == nil {
			continue
		}
		u.CreatedAt = now
		if err := store.UpsertUser(ctx, &u); err != nil {
			logger.Errorf("seed user %s: %v", u.ID, err)
		}
	}
	logger.Infof("seeded %d users", len(seedUsers))
}

func startResponder(cfg *config.Config, store storage.Store, b *bus.Bus, svc *service.Service) *responder.Responder {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	u, err := store.GetUser(ctx, cfg.Responder.UserID)
	cancel()
	if err != nil {
		logger.Errorf("responder user %s: %v (responder disabled)", cfg.Responder.UserID, err)
		return nil
	}
	bot := responder.New(u.ID, svc, b, svc, responder.Config{
		MinDelay: cfg.Responder.MinDelay,
		MaxDelay: cfg.Responder.MaxDelay,
	})
	if err := bot.Start(service.WithUser(context.Background(), u)); err != nil {
		logger.Errorf("%v", err)
		return nil
	}
	return bot
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
