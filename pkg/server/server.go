// Package server exposes the controller to the host automation platform:
// named services, read-only JSON views and a settings surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/tousync/tousync/pkg/battery"
	"github.com/tousync/tousync/pkg/curtail"
	"github.com/tousync/tousync/pkg/force"
	"github.com/tousync/tousync/pkg/log"
	"github.com/tousync/tousync/pkg/pricing"
	"github.com/tousync/tousync/pkg/scheduler"
	"github.com/tousync/tousync/pkg/settings"
	"github.com/tousync/tousync/pkg/spike"
	"github.com/tousync/tousync/pkg/storage"
	"github.com/tousync/tousync/pkg/stream"
)

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Events is the subset of the event bus the server dispatches to.
type Events interface {
	Dispatch(ctx context.Context, event string, data interface{})
}

// Deps are the core components the server fronts.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Spike     *spike.Manager
	Force     *force.Manager
	Curtail   *curtail.Controller
	Batteries *battery.Map
	Pricing   *pricing.Map
	Stream    *stream.Client
	Store     storage.Store
	Settings  *settings.Manager
	Events    Events
}

func (s *Server) dispatch(ctx context.Context, event string, data interface{}) {
	if s.deps.Events != nil {
		s.deps.Events.Dispatch(ctx, event, data)
	}
}

// Server handles the HTTP API for the controller.
type Server struct {
	deps Deps

	listenAddr string
	httpServer *http.Server

	apiToken     string
	oidcAudience string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(deps Deps) *Server {
	srv := &Server{
		deps:       deps,
		serverName: "tousync",
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	apiToken := lflag.String("api-token", "", "Static bearer token for API access")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID to validate bearer tokens against")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.apiToken = *apiToken
		srv.oidcAudience = *oidcAudience

		if srv.oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: srv.oidcAudience}).Verify
		}
		if srv.apiToken == "" && srv.oidcVerifier == nil {
			srv.bypassAuth = true
			log.Ctx(context.Background()).Warn("no api-token or oidc-audience configured, API is unauthenticated")
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/service/{name}", s.handleService)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/inverter_status", s.handleInverterStatus)
	apiMux.HandleFunc("GET /api/tariff_price", s.handleTariffPrice)
	apiMux.HandleFunc("GET /api/backend_config", s.handleBackendConfig)
	apiMux.HandleFunc("GET /api/provider_config", s.handleProviderConfig)
	apiMux.HandleFunc("GET /api/stream", s.handleStreamHealth)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverHeaderMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
