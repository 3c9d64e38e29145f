package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"investigation-lab/internal/api"
	"investigation-lab/internal/api/handlers"
	"investigation-lab/internal/config"
	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/infrastructure/boshapi"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/internal/infrastructure/database"
	"investigation-lab/internal/infrastructure/database/repository"
	"investigation-lab/internal/streaming"
	"investigation-lab/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
	})
	if cfg.App.Debug {
		log = logger.NewDevelopment()
	}
	logger.SetGlobal(log)

	log.Info().
		Str("app", cfg.App.Name).
		Str("env", cfg.App.Environment).
		Str("version", cfg.App.Version).
		Msg("starting investigation lab")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, redisCache, err := initInfrastructure(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize infrastructure")
	}
	defer func() {
		if db != nil {
			db.Close()
		}
		if redisCache != nil {
			redisCache.Close()
		}
	}()

	// Query cache and persisted room sessions
	var queries services.QueryCache = cache.NewMemoryQueryCache()
	if cfg.Investigation.QueryCache == "redis" {
		queries = cache.NewRedisQueryCache(redisCache, cfg.Investigation.QueryTTL)
	}
	var sessions services.SessionStore = cache.NewMemorySessionStore()
	if redisCache != nil {
		sessions = cache.NewRedisSessionStore(redisCache)
	}

	// Reply archive
	var replies *repository.ReplyRepository
	if cfg.Investigation.ArchiveReplies && db != nil {
		replies = repository.NewReplyRepository(db.Pool())
		if err := replies.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare reply archive")
		}
		log.Info().Msg("reply archive enabled")
	}

	// Event bus, optionally relayed over NATS so several processes share one feed
	var busConn *nats.Conn
	if cfg.NATS.Enabled {
		busConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.App.Name+"-events"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
		)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, event bus stays local")
			busConn = nil
		} else {
			log.Info().Str("url", cfg.NATS.URL).Msg("connected to NATS")
		}
	}
	eventBus := streaming.NewEventBus(busConn, cfg.NATS.EventsSubject, log)
	if err := eventBus.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to relay remote events")
	}
	log.Info().Bool("nats_enabled", busConn != nil).Msg("event bus initialized")

	wsHub := streaming.NewWebSocketHub(eventBus, cfg.CORS.AllowedOrigins, log)
	go wsHub.Run(ctx)

	// Investigation session
	transport := streaming.NewNATSConn(streaming.NATSConnConfig{
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, sessions, log)

	deps := services.InvestigationDeps{
		Transport: transport,
		Fetcher: boshapi.NewClient(boshapi.Config{
			AuthURL: cfg.BOSH.AuthURL,
			Token:   cfg.BOSH.Token,
			Timeout: cfg.Investigation.RequestTimeout,
		}, log),
		Store:     sessions,
		Queries:   queries,
		Publisher: streaming.NewEventBusPublisher(eventBus),
	}
	if replies != nil {
		deps.Archive = replies
	}
	session := services.NewInvestigationSession(deps, services.InvestigationConfig{
		Identity:  models.JID(cfg.BOSH.JID).Bare(),
		Rooms:     cfg.BOSH.Rooms,
		QueueSize: cfg.Investigation.QueueSize,
	}, log)

	// HTTP API
	handlerDeps := handlers.Dependencies{
		Session:  session,
		BOSH:     cfg.BOSH,
		Version:  cfg.App.Version,
		Cache:    redisCache,
		DB:       db,
		Hub:      wsHub,
		EventBus: eventBus,
		Logger:   log,
	}
	if replies != nil {
		handlerDeps.Archive = replies
	}
	router := api.NewRouter(*cfg, handlers.NewHandlers(handlerDeps), redisCache, log)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// The session may fetch its descriptor from this very server, so it
	// starts after the listener.
	go func() {
		startCtx, startCancel := context.WithTimeout(ctx, cfg.Investigation.RequestTimeout+5*time.Second)
		defer startCancel()
		if err := session.Start(startCtx); err != nil {
			log.Error().Err(err).Msg("investigation session did not start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := session.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("investigation session shutdown error")
	}

	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	eventBus.Close()
	if busConn != nil {
		if err := busConn.Drain(); err != nil {
			log.Warn().Err(err).Msg("failed to drain NATS connection")
		}
	}

	log.Info().Msg("shutdown complete")
}

// initInfrastructure connects the optional backends. A configured backend
// that cannot be reached is fatal.
func initInfrastructure(ctx context.Context, cfg *config.Config, log *logger.Logger) (*database.PostgresDB, *cache.RedisCache, error) {
	var db *database.PostgresDB
	if cfg.Database.Enabled {
		var err error
		db, err = database.NewPostgres(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
	}

	var redisCache *cache.RedisCache
	if cfg.Redis.Enabled {
		var err error
		redisCache, err = cache.NewRedis(ctx, cfg.Redis, log)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	} else {
		log.Warn().Msg("redis disabled - query cache and sessions kept in memory")
	}

	return db, redisCache, nil
}
