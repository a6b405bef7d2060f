// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - Which authentication strategy is active (chosen once, here)
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → Server.New()
//	  sqlite.DB ─┬─ UserService ── UserHandler
//	             └─ AuthService ─┬ GoogleProvider (x/oauth2)
//	                             └ JWTClient (external JWT service)
//	  Authenticator = DelegatedJWT | SessionCookie
//
// This is the "composition root" pattern: all dependencies are wired in
// one place (New/setupRoutes), rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/config"
	"github.com/sakif/identity-service/internal/handler"
	"github.com/sakif/identity-service/internal/middleware"
	sqliteRepo "github.com/sakif/identity-service/internal/repository/sqlite"
	"github.com/sakif/identity-service/internal/service"
)

// janitorInterval is how often expired OAuth states and sessions are purged.
const janitorInterval = 5 * time.Minute

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection. Start() closes it after the
// HTTP server has drained, so in-flight requests never see a closed DB.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	db     *sqliteRepo.DB

	authSvc *service.AuthService
}

// New opens the database and wires every layer.
//
// IMPORT ALIAS:
// repository/sqlite is imported as `sqliteRepo` so it is not confused with
// the modernc.org/sqlite driver.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// authenticator picks the strategy named in the config. config.Validate has
// already refused "session" in production.
func (s *Server) authenticator(jwt *auth.JWTClient) (auth.Authenticator, error) {
	switch s.config.AuthStrategy {
	case config.StrategyJWT:
		return auth.NewDelegatedJWT(jwt), nil
	case config.StrategySession:
		if s.config.IsProduction() {
			return nil, errors.New("session authentication is disabled in production")
		}
		s.logger.Warn("session-cookie authentication enabled; for local and test use only")
		return auth.NewSessionCookie(s.db), nil
	default:
		return nil, fmt.Errorf("unknown auth strategy %q", s.config.AuthStrategy)
	}
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /users                   → list (paged)
// POST   /users                   → create
// GET    /users/by-id/{user_id}   → fetch by numeric id (ETag / 304)
// GET    /users/by-email/{email}  → email → user id
// GET    /users/{uni}             → fetch by uni (ETag / 304)
// PUT    /users/{uni}             → replace, requires If-Match
// DELETE /users/{uni}             → delete
// GET    /users/{uni}/profile     → public profile (ETag / 304)
// GET    /auth/google/login       → 302 to Google
// GET    /auth/google/callback    → complete login
// GET    /auth/me                 → current user (active strategy)
// POST   /auth/verify-jwt         → proxy to the JWT service
// POST   /auth/logout             → end session
// GET    /healthz                 → liveness
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns a unique ID (also forwarded to the JWT service)
// 2. RealIP: extracts real client IP from proxy headers
// 3. Recoverer: catches panics and returns 500 instead of crashing
// 4. Logger: logs each request with timing info
// 5. CORS: answers preflights before routing
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match", "If-None-Match", "X-Request-Id"},
		ExposedHeaders:   []string{"ETag", "Location", "X-Request-Id"},
		AllowCredentials: !containsWildcard(s.config.CORSOrigins),
		MaxAge:           300,
	}))

	// === Collaborators ===
	jwtClient := auth.NewJWTClient(s.config.JWTServiceURL, s.config.JWTServiceTimeout, nil)
	google := auth.NewGoogleProvider(auth.GoogleConfig{
		ClientID:     s.config.GoogleClientID,
		ClientSecret: s.config.GoogleClientSecret,
		RedirectURL:  s.config.GoogleRedirectURL,
		UserInfoURL:  s.config.GoogleUserInfoURL,
		Timeout:      s.config.GoogleTimeout,
	})
	if !google.Configured() {
		s.logger.Warn("GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET not set; /auth/google/* will answer 503")
	}

	authenticator, err := s.authenticator(jwtClient)
	if err != nil {
		return err
	}

	// === Services ===
	// The session strategy creates server-side sessions on login; the JWT
	// strategy asks the JWT service for a token instead.
	opts := service.AuthOptions{
		StateTTL:   s.config.StateTTL,
		SessionTTL: s.config.SessionTTL,
	}
	if s.config.AuthStrategy == config.StrategySession {
		opts.Sessions = s.db
	} else {
		opts.Tokens = jwtClient
	}

	userService := service.NewUserService(s.db, s.logger)
	s.authSvc = service.NewAuthService(s.db, s.db, google, opts, s.logger)

	// === Handlers ===
	userHandler := handler.NewUserHandler(userService, s.logger)
	authHandler := handler.NewAuthHandler(s.authSvc, jwtClient, handler.AuthOptions{
		CallbackMode: s.config.CallbackMode,
		FrontendURL:  s.config.FrontendURL,
		CookieSecure: s.config.CookieSecure,
	}, s.logger)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Route("/users", func(r chi.Router) {
		r.Get("/", userHandler.HandleList)
		r.Post("/", userHandler.HandleCreate)
		r.Get("/by-id/{user_id}", userHandler.HandleGetByID)
		r.Get("/by-email/{email}", userHandler.HandleGetByEmail)
		r.Get("/{uni}", userHandler.HandleGetByUNI)
		r.Put("/{uni}", userHandler.HandleReplace)
		r.Delete("/{uni}", userHandler.HandleDelete)
		r.Get("/{uni}/profile", userHandler.HandleProfile)
	})

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.HandleGoogleLogin)
		r.Get("/google/callback", authHandler.HandleGoogleCallback)
		r.Post("/verify-jwt", authHandler.HandleVerifyJWT)
		r.Post("/logout", authHandler.HandleLogout)
		r.With(auth.RequireAuth(authenticator)).Get("/me", authHandler.HandleMe)
	})

	s.logger.Info("routes configured",
		slog.String("authStrategy", s.config.AuthStrategy),
		slog.String("callbackMode", s.config.CallbackMode),
	)
	return nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Stop the janitor
// 4. Close the database connection (flushes WAL, releases file lock)
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go service.NewJanitor(s.authSvc, janitorInterval, s.logger).Run(janitorCtx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("environment", s.config.Environment),
			slog.String("database", s.config.DBPath),
			slog.String("jwtService", s.config.JWTServiceURL),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}
