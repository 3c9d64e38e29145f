package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"investigation-lab/internal/api/handlers"
	apimiddleware "investigation-lab/internal/api/middleware"
	"investigation-lab/internal/config"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/pkg/logger"
)

// Router holds dependencies for the API router
type Router struct {
	config   config.Config
	handlers *handlers.Handlers
	cache    *cache.RedisCache
	logger   *logger.Logger
}

// NewRouter creates a new Router instance. c may be nil, which disables
// rate limiting.
func NewRouter(cfg config.Config, h *handlers.Handlers, c *cache.RedisCache, log *logger.Logger) *Router {
	return &Router{
		config:   cfg,
		handlers: h,
		cache:    c,
		logger:   log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Core middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	if r.config.RateLimit.Enabled && r.cache != nil {
		router.Use(apimiddleware.RateLimiter(r.cache, r.config.RateLimit, r.logger))
	}

	// Public routes
	router.Get("/health", r.handlers.Health.Check)
	router.Get("/ready", r.handlers.Health.Ready)

	auth := apimiddleware.APIKeyAuth(r.config.JWT.Secret)

	router.Route("/auth", func(a chi.Router) {
		a.Use(auth)
		a.Get("/bosh-session", r.handlers.BOSH.Session)
	})

	router.Route("/api/v1", func(api chi.Router) {
		api.Use(auth)

		api.Route("/investigation", func(inv chi.Router) {
			// The WebSocket stays outside the request timeout
			inv.Get("/ws", r.handlers.Streaming.HandleWebSocket)

			inv.Group(func(rest chi.Router) {
				rest.Use(middleware.Timeout(60 * time.Second))

				rest.Post("/search", r.handlers.Investigation.Search)
				rest.Post("/search/file", r.handlers.Investigation.SearchFile)

				rest.Get("/responses", r.handlers.Investigation.Responses)
				rest.Get("/responses.json", r.handlers.Investigation.Snapshot)
				rest.Get("/responses/export", r.handlers.Investigation.Export)
				rest.Delete("/responses", r.handlers.Investigation.Clear)
				rest.Delete("/queries", r.handlers.Investigation.ClearQueries)

				rest.Get("/participants", r.handlers.Investigation.Participants)
				rest.Get("/status", r.handlers.Investigation.Status)
				rest.Get("/archive/{queryHash}", r.handlers.Investigation.Archive)
			})
		})

		api.Get("/streaming/stats", r.handlers.Streaming.GetStats)
	})

	return router
}
