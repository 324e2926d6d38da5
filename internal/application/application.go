package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/aeih-state/internal/api"
	"github.com/eugenenazirov/aeih-state/internal/config"
	"github.com/eugenenazirov/aeih-state/internal/state"
	"github.com/eugenenazirov/aeih-state/internal/store"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	manager *state.Manager
	handler *api.Handler
	router  http.Handler
	logger  *zap.Logger
	server  *http.Server
}

// New initializes the application with all dependencies from the provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	manager, err := NewStateManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	handler := api.NewHandler(manager, api.WithConfigSnapshot(cfg.Snapshot))
	apiRouter := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	return &App{
		manager: manager,
		handler: handler,
		router:  apiRouter,
		logger:  logger,
		server:  NewServer(cfg, BuildRootHandler(apiRouter)),
	}, nil
}

// NewStateManager opens the document store selected by the configuration and
// wraps it in a state manager.
func NewStateManager(ctx context.Context, cfg config.Config, logger *zap.Logger) (*state.Manager, error) {
	backend, degraded := ResolveBackend(cfg)
	if degraded {
		logger.Warn("firebase credentials missing, falling back to in-memory state",
			zap.String("credentials_path", cfg.Firebase.CredentialsPath),
		)
	}

	st, err := openStore(ctx, cfg, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", backend, err)
	}

	logger.Info("state store ready",
		zap.String("backend", string(backend)),
		zap.Bool("degraded", degraded),
	)

	collections := state.Collections{
		Modules:     cfg.Firebase.ModulesCollection,
		Performance: cfg.Firebase.PerformanceCollection,
	}
	return state.New(st, collections, logger,
		state.WithTimeout(cfg.Storage.OperationTimeout),
		state.WithBackend(string(backend), degraded),
	), nil
}

// ResolveBackend turns the configured backend into a concrete one. The auto
// strategy picks Firestore when credentials are ambient (empty path) or the
// credentials file exists, and the degraded in-memory store otherwise.
func ResolveBackend(cfg config.Config) (store.Backend, bool) {
	switch cfg.Storage.Backend {
	case store.BackendFirestore, store.BackendSQLite, store.BackendMemory:
		return cfg.Storage.Backend, false
	}

	if cfg.Firebase.CredentialsPath == "" || cfg.CredentialsAvailable() {
		return store.BackendFirestore, false
	}
	return store.BackendMemory, true
}

func openStore(ctx context.Context, cfg config.Config, backend store.Backend) (store.Store, error) {
	switch backend {
	case store.BackendFirestore:
		return store.NewFirestoreStore(ctx, store.FirestoreConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsPath: cfg.Firebase.CredentialsPath,
		})
	case store.BackendSQLite:
		return store.NewSQLiteStore(cfg.Storage.SQLitePath)
	case store.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

// BuildRootHandler mounts the API router under /api/.
func BuildRootHandler(apiHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	return mux
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Manager returns the state manager backing the API.
func (a *App) Manager() *state.Manager {
	return a.manager
}

// Close releases the document store. Call it after the server has shut down.
func (a *App) Close() error {
	return a.manager.Close()
}
