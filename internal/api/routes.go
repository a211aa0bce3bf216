package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/maumercado/task-queue-go/internal/api/handlers"
	apiMiddleware "github.com/maumercado/task-queue-go/internal/api/middleware"
	"github.com/maumercado/task-queue-go/internal/api/websocket"
	"github.com/maumercado/task-queue-go/internal/config"
	"github.com/maumercado/task-queue-go/internal/events"
	"github.com/maumercado/task-queue-go/internal/ops"
)

// Server represents the HTTP server
type Server struct {
	router       *chi.Mux
	config       *config.Config
	scanHandler  *handlers.ScanHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	publisher    *events.RedisPubSub
}

// NewServer creates a new HTTP server wired to the operations surface.
// redisClient is used only for the admin health check.
func NewServer(cfg *config.Config, o *ops.Ops, redisClient *redis.Client, publisher *events.RedisPubSub) *Server {
	wsHub := websocket.NewHub(publisher)

	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		scanHandler:  handlers.NewScanHandler(o),
		adminHandler: handlers.NewAdminHandler(o, redisClient),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		publisher:    publisher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.Auth(authConfig(s.config.Auth)))

		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.scanHandler.Submit)
			r.Get("/{taskID}", s.scanHandler.GetStatus)
			r.Delete("/{taskID}", s.scanHandler.Cancel)
			r.Get("/", s.scanHandler.List)
			r.Get("/{taskID}/results", s.scanHandler.GetResults)
		})
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		r.Get("/health", s.adminHandler.HealthCheck)

		r.Get("/scanners", s.adminHandler.ListScanners)

		r.Get("/pools", s.adminHandler.ListPools)
		r.Get("/pools/{pool}", s.adminHandler.GetPoolStatus)

		r.Get("/queue", s.adminHandler.GetQueueStatus)

		r.Delete("/dlq/{pool}", s.adminHandler.ClearDLQ)
		r.Post("/dlq/{pool}/requeue", s.adminHandler.RequeueDLQ)
	})

	s.router.Get("/ws", s.wsHandler.ServeWS)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}

func authConfig(cfg config.AuthConfig) *apiMiddleware.AuthConfig {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &apiMiddleware.AuthConfig{
		Enabled:   cfg.Enabled,
		JWTSecret: cfg.JWTSecret,
		APIKeys:   keys,
	}
}
