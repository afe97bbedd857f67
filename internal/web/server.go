package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/streamhaus/crunchyd/internal/activation"
	"github.com/streamhaus/crunchyd/internal/api"
	"github.com/streamhaus/crunchyd/internal/catalog"
	"github.com/streamhaus/crunchyd/internal/database"
	"github.com/streamhaus/crunchyd/internal/playback"
	"github.com/streamhaus/crunchyd/internal/session"
	"github.com/streamhaus/crunchyd/internal/web/events"
	"github.com/streamhaus/crunchyd/internal/web/handlers"
	"github.com/streamhaus/crunchyd/internal/web/middleware"
)

// tickInterval is how often the playback controller reconciles against the
// reported player state.
const tickInterval = time.Second

// Server is the daemon's control surface: a JSON API plus a websocket event
// feed for frontends.
type Server struct {
	db         *database.DB
	port       int
	bind       string
	allowedNet *net.IPNet
	router     *chi.Mux
	session    *session.Manager
	hub        *events.Hub
	player     *playback.RemotePlayer
	handlers   *handlers.Handlers
}

// NewServer creates a new control server around an established session
// manager.
func NewServer(db *database.DB, mgr *session.Manager, apiClient *api.Client, port int, bind string, allowedNet *net.IPNet) *Server {
	hub := events.NewHub()
	player := playback.NewRemotePlayer()
	s := &Server{
		db:         db,
		port:       port,
		bind:       bind,
		allowedNet: allowedNet,
		router:     chi.NewRouter(),
		session:    mgr,
		hub:        hub,
		player:     player,
		handlers: handlers.New(
			db,
			mgr,
			activation.NewRunner(mgr),
			catalog.New(mgr, mgr.Locale()),
			apiClient,
			hub,
			player,
		),
	}

	s.setupRoutes()
	return s
}

// Hub returns the event hub for broadcasting outside the request path.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware (applied to all routes, except timeout which is per-group)
	r.Use(chimiddleware.RequestID)
	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnet(s.allowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Event feed, long-lived, no timeout
	r.Get("/api/events", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))

		h := s.handlers

		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", h.SessionStatus)
			r.Post("/login", h.SessionLogin)
			r.Post("/refresh", h.SessionRefresh)
			r.Delete("/", h.SessionDestroy)
		})

		r.Route("/api/activation", func(r chi.Router) {
			r.Get("/", h.ActivationStatus)
			r.Post("/", h.ActivationStart)
			r.Delete("/", h.ActivationCancel)
		})

		r.Route("/api/profiles", func(r chi.Router) {
			r.Get("/", h.ProfilesList)
			r.Post("/select", h.ProfileSelect)
		})

		r.Route("/api/playback", func(r chi.Router) {
			r.Post("/{episodeID}/start", h.PlaybackStart)
			r.Post("/event", h.PlaybackEvent)
			r.Post("/state", h.PlaybackState)
			r.Post("/skip", h.PlaybackSkipAnswer)
			r.Post("/stop", h.PlaybackStop)
		})

		r.Route("/api/catalog", func(r chi.Router) {
			r.Get("/browse", h.CatalogBrowse)
			r.Get("/search", h.CatalogSearch)
			r.Get("/watchlist", h.CatalogWatchlist)
			r.Get("/history", h.CatalogHistory)
			r.Get("/resume", h.CatalogResume)
			r.Get("/objects", h.CatalogObjects)
			r.Get("/seasonal-tags", h.CatalogSeasonalTags)
			r.Get("/categories", h.CatalogCategories)
		})
	})
}

// Start runs the HTTP server plus the playback tick loop until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// ReadTimeout is for reading request body
		ReadTimeout: 15 * time.Second,
		// WriteTimeout disabled (0) to allow long-lived websocket connections
		// Chi middleware timeout (60s) protects regular requests
		WriteTimeout: 0,
		// IdleTimeout for keep-alive connections between requests
		IdleTimeout: 120 * time.Second,
	}

	go s.tickLoop(ctx)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Flush the final playhead before the process goes away.
		if ctrl := s.handlers.Controller(); ctrl != nil {
			teardownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			ctrl.Teardown(teardownCtx)
			cancel()
		}
		// Stop the event hub first to close all client connections gracefully
		s.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// tickLoop drives the active playback controller on a fixed cadence. The
// frontend only pushes state; pause transitions, seek detection, periodic
// playhead reports and skip windows all come out of these ticks.
func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctrl := s.handlers.Controller(); ctrl != nil {
				tickCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
				ctrl.Tick(tickCtx)
				cancel()
			}
		}
	}
}
