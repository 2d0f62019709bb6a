package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/isdelr/backupsync/internal/api/handlers"
	"github.com/isdelr/backupsync/internal/auth"
	"github.com/isdelr/backupsync/internal/services"
	"github.com/isdelr/backupsync/internal/websocket"
)

// RouterDeps are the collaborators the HTTP API serves.
type RouterDeps struct {
	Hub     *websocket.Hub
	Topic   string // Job name, also the websocket topic
	Queue   handlers.Trigger
	Backups services.BackupServiceProvider
	Events  services.EventServiceProvider
	Auth    *auth.Authenticator
	Metrics http.Handler
}

// NewRouter creates and configures a new Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Basic middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS configuration for development
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000"}, // Adjust for your frontend URL
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Initialize handlers
	backupHandler := handlers.NewBackupHandler(deps.Backups, deps.Queue)
	eventHandler := handlers.NewEventHandler(deps.Events, deps.Topic)
	wsHandler := handlers.NewWebSocketHandler(deps.Hub, deps.Topic)

	// API versioning
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Auth.Middleware)

		// WebSocket connection endpoint
		r.Get("/ws", wsHandler.Serve)

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", backupHandler.ListAttempts)
			r.Post("/", backupHandler.Create)
			r.Get("/status", backupHandler.Status)
			r.Get("/latest", backupHandler.Latest)
			r.Get("/latest/download", backupHandler.DownloadLatest)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", eventHandler.List)
			r.Get("/alert", eventHandler.Alert)
		})
	})

	return r
}
