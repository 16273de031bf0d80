package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nestwrite/internal/config"
	"nestwrite/internal/engine"
	"nestwrite/internal/logging"
	"nestwrite/internal/middleware"
	"nestwrite/internal/observability"
	"nestwrite/internal/pipeline"
	"nestwrite/internal/planner"
	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
	"nestwrite/internal/storage/docstore"
	"nestwrite/internal/storage/dynamostore"
	"nestwrite/internal/storage/sqlstore"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

// InitLogger builds the process logger and, when log export is enabled, the
// OTLP logger provider it bridges to.
func InitLogger(ctx context.Context, cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(ctx, observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	logger.Info("OpenTelemetry logging initialized successfully")

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.MutationMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(observabilityConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}

	mutationMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		_ = meterProvider.Shutdown(context.Background(), logger.Logger)
		return nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("environment", cfg.Observability.Environment),
	)
	return meterProvider, mutationMetrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Bool("insecure", tracesConfig.Insecure),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(ctx, observabilityConfig(cfg, tracesConfig))
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

// openStorage opens the configured backend. The returned cleanup releases
// backend resources and may be nil.
func openStorage(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Adapter, func(context.Context) error, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Info("using in-memory document store")
		return docstore.New(), nil, nil

	case config.BackendDynamoDB:
		dc := cfg.Storage.DynamoDB
		client, err := dynamostore.NewClient(ctx, dc.Region, dc.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		store := dynamostore.New(client, dynamostore.Config{TablePrefix: dc.TablePrefix})
		if err := store.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("dynamodb not reachable: %w", err)
		}
		logger.Info("connected to DynamoDB",
			slog.String("region", dc.Region),
			slog.Bool("endpoint_override", dc.Endpoint != ""),
			slog.String("table_prefix", dc.TablePrefix),
		)
		return store, nil, nil

	case config.BackendSQL:
		return openSQL(ctx, cfg, logger)

	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func openSQL(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Adapter, func(context.Context) error, error) {
	sc := cfg.Storage.SQL
	dialect, err := sqlstore.DialectFor(sc.Driver)
	if err != nil {
		return nil, nil, err
	}

	tracing := cfg.Observability.TracingEnabled
	commenter := cfg.Observability.SQLCommenterEnabled && tracing
	if cfg.Observability.SQLCommenterEnabled && !tracing {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	logger.Info("connecting to database",
		slog.String("driver", dialect.Name),
		slog.String("host", sc.Host),
		slog.Int("port", sc.Port),
		slog.String("database", sc.Database),
		slog.Bool("dsn_present", strings.TrimSpace(sc.ConnectionString) != ""),
	)

	db, statsReg, err := sqlstore.Open(dialect, sc.DSN(), sqlstore.OpenOptions{
		Tracing:      tracing,
		Metrics:      cfg.Observability.MetricsEnabled,
		SQLCommenter: commenter,
	})
	if err != nil {
		return nil, nil, err
	}
	closeDB := func(context.Context) error {
		if statsReg != nil {
			if err := statsReg.Unregister(); err != nil {
				logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	}

	db.SetMaxOpenConns(sc.Pool.MaxOpen)
	db.SetMaxIdleConns(sc.Pool.MaxIdle)
	db.SetConnMaxLifetime(sc.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, sc, logger, db); err != nil {
		_ = closeDB(ctx)
		return nil, nil, err
	}

	logger.Info("connected to database",
		slog.String("driver", dialect.Name),
		slog.Int("pool_max_open", sc.Pool.MaxOpen),
		slog.Int("pool_max_idle", sc.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", sc.Pool.MaxLifetime),
		slog.Bool("instrumented", statsReg != nil || tracing),
	)
	return sqlstore.New(db, dialect), closeDB, nil
}

func waitForDatabase(ctx context.Context, sc config.SQLConfig, logger *logging.Logger, db *sql.DB) error {
	timeout := sc.ConnectionTimeout
	interval := sc.RetryInterval

	// A zero timeout means a single attempt.
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		// Exponential backoff, capped at 30s
		interval = min(interval*2, 30*time.Second)
	}
}

func buildEngine(cfg *config.Config, logger *logging.Logger, reg *schema.Registry, adapter storage.Adapter, metrics *observability.MutationMetrics) (*engine.Engine, error) {
	rules, err := pipeline.NewRules(reg)
	if err != nil {
		return nil, err
	}

	eng := engine.New(reg, adapter,
		engine.WithHook(pipeline.TypeCheck()),
		engine.WithHook(rules),
		engine.WithMaxDepth(cfg.Engine.MaxDepth),
		engine.WithLimits(planner.Limits{MaxWrites: cfg.Engine.MaxWrites}),
		engine.WithIncludeWritten(cfg.Engine.IncludeWritten),
		engine.WithMetrics(metrics),
	)

	logger.Info("mutation engine ready",
		slog.Int("models", len(reg.Models())),
		slog.Int("rule_fields", rules.Len()),
		slog.Int("max_depth", cfg.Engine.MaxDepth),
		slog.Int("max_writes", cfg.Engine.MaxWrites),
		slog.Bool("foreign_keys_native", adapter.Capabilities().ForeignKeys),
	)
	return eng, nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, eng *engine.Engine, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/mutations/{model}", mutationHandler(eng))
	mux.Handle("GET /v1/records/{model}", recordsHandler(eng))
	mux.HandleFunc("GET /health", healthHandler(eng, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	handler = middleware.MaxBodyMiddleware(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.LoggingMiddleware(logger)(handler)

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low cardinality: model names are
// replaced by a placeholder.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch {
	case rawPath == "/health", rawPath == "/metrics":
		return rawPath
	case strings.HasPrefix(rawPath, "/v1/mutations/"):
		return "/v1/mutations/{model}"
	case strings.HasPrefix(rawPath, "/v1/records/"):
		return "/v1/records/{model}"
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:              serverAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("mutation_endpoint", "/v1/mutations/{model}"),
			slog.String("health_endpoint", "/health"),
			slog.String("storage_backend", cfg.Storage.Backend),
			slog.String("log_level", cfg.Observability.Logging.Level),
			slog.String("log_format", cfg.Observability.Logging.Format),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler returns an HTTP handler for health checks
func healthHandler(eng *engine.Engine, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := eng.Ping(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "storage"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			// Generic body; the cause is only logged.
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","storage":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","storage":"ok"}`)
	}
}
