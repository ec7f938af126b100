package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bizur-im/bizur/internal/api/middleware"
	"github.com/bizur-im/bizur/internal/handlers"
	"github.com/bizur-im/bizur/internal/relay"
	"github.com/bizur-im/bizur/internal/store"
)

// NewRouter creates and configures the HTTP router. redisStore may be nil;
// the rate limiter then uses its in-memory window.
func NewRouter(logger zerolog.Logger, st store.RelayStore, redisStore *store.RedisStore, relayHandler *relay.Handler, masterToken string, whitelist []string) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	var redisClient *redis.Client
	if redisStore != nil {
		redisClient = redisStore.Client()
	}
	limiter := middleware.NewRateLimiter(redisClient, logger, middleware.RateLimiterConfig{Whitelist: whitelist})
	r.Use(limiter.Middleware)

	// CORS - clients connect from native apps and local dev servers
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(st, redisStore, masterToken)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Relay control connection
	r.Get("/ws", relayHandler.ServeWS)

	// REST surface. Body size and content type are enforced only here;
	// the WebSocket path carries its own frame limits.
	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodySize(64 * 1024))
		r.Use(middleware.ValidateRequest)

		r.Get("/health", h.Health)
		r.Get("/version", h.GetVersion)
		r.Put("/prekeys/{identity}", h.PublishPreKeys)
		r.Get("/prekeys/{identity}", h.GetPreKeys)
		r.Post("/push/register", h.RegisterPush)
		r.Post("/auth/register", h.RegisterAuth)
	})

	return r
}
