package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"nestwrite/internal/schema"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	meterProvider, mutationMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}

	tracerProvider, err := initTracing(ctx, a.cfg, a.logger)
	if err != nil {
		if meterProvider != nil {
			_ = meterProvider.Shutdown(ctx, a.logger.Logger)
		}
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}

	var telemetry []telemetryProvider
	if a.loggerProvider != nil {
		telemetry = append(telemetry, telemetryProvider{"logger", a.loggerProvider.Shutdown})
	}
	if meterProvider != nil {
		telemetry = append(telemetry, telemetryProvider{"meter", meterProvider.Shutdown})
	}
	if tracerProvider != nil {
		telemetry = append(telemetry, telemetryProvider{"tracer", tracerProvider.Shutdown})
	}
	if len(telemetry) > 0 {
		cleanup.push("telemetry providers", func(shutdownCtx context.Context) error {
			return shutdownTelemetry(shutdownCtx, a.logger, telemetry)
		})
	}

	registry, err := schema.Load(a.cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}
	a.logger.Info("schema loaded",
		slog.String("path", a.cfg.Schema.Path),
		slog.Int("models", len(registry.Models())),
	)

	adapter, closeStorage, err := openStorage(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if closeStorage != nil {
		cleanup.push("storage", closeStorage)
	}

	eng, err := buildEngine(a.cfg, a.logger, registry, adapter, mutationMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize mutation engine: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, eng, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := buildServer(a.cfg, handler, serverAddr)
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.mutationMetrics = mutationMetrics
	a.tracerProvider = tracerProvider
	a.registry = registry
	a.adapter = adapter
	a.engine = eng
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
