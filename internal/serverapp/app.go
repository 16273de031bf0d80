// Package serverapp wires configuration, storage, the mutation engine and the
// HTTP server into one process lifecycle: New, Init, Start, WaitForStop and
// Shutdown.
package serverapp

import (
	"fmt"
	"net/http"
	"sync"

	"nestwrite/internal/config"
	"nestwrite/internal/engine"
	"nestwrite/internal/logging"
	"nestwrite/internal/observability"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

// App owns runtime resources for the nestwrite server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider   *observability.MeterProvider
	mutationMetrics *observability.MutationMetrics
	tracerProvider  *observability.TracerProvider

	registry *schema.Registry
	adapter  storage.Adapter
	engine   *engine.Engine

	mux     *http.ServeMux
	handler http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the root HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}

// Engine returns the mutation engine. It is nil before Init.
func (a *App) Engine() *engine.Engine {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.engine
}
