package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, hint, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
	})
}

func (r *ValidationResult) warn(field, hint, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationWarning{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Hint:    hint,
	})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Server.validate(result)

	if strings.TrimSpace(c.Schema.Path) == "" {
		result.fail("schema.path", "point schema.path at the YAML model declarations", "schema path is required")
	}

	c.Storage.validate(result)
	c.Engine.validate(result)
	c.Observability.validate(result)

	return result
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", "", "port %d is out of valid range (1-65535)", s.Port)
	}

	if s.ReadTimeout < 0 {
		result.fail("server.read_timeout", "", "read_timeout cannot be negative")
	}
	if s.WriteTimeout < 0 {
		result.fail("server.write_timeout", "", "write_timeout cannot be negative")
	}
	if s.IdleTimeout < 0 {
		result.fail("server.idle_timeout", "", "idle_timeout cannot be negative")
	}
	if s.ShutdownTimeout <= 0 {
		result.fail("server.shutdown_timeout", "", "shutdown_timeout must be greater than 0")
	}
	if s.HealthCheckTimeout <= 0 {
		result.fail("server.health_check_timeout", "", "health_check_timeout must be greater than 0")
	}
	if s.MaxBodyBytes <= 0 {
		result.fail("server.max_body_bytes", "", "max_body_bytes must be greater than 0")
	}

	if s.WriteTimeout > 0 && s.ReadTimeout > s.WriteTimeout {
		result.warn("server.write_timeout",
			"set write_timeout at least as long as read_timeout",
			"write_timeout %s is shorter than read_timeout %s", s.WriteTimeout, s.ReadTimeout)
	}
}

func (s *StorageConfig) validate(result *ValidationResult) {
	switch s.Backend {
	case BackendSQL:
		s.SQL.validate(result)
	case BackendMemory:
		result.warn("storage.backend",
			"use storage.backend=sql or dynamodb to keep data across restarts",
			"the memory backend does not persist data")
	case BackendDynamoDB:
		s.DynamoDB.validate(result)
	default:
		result.fail("storage.backend", "valid values are: sql, memory, dynamodb", "invalid storage backend %q", s.Backend)
	}
}

func (s *SQLConfig) validate(result *ValidationResult) {
	validDrivers := map[string]bool{"mysql": true, "postgres": true, "sqlite": true}
	if !validDrivers[s.Driver] {
		result.fail("storage.sql.driver", "valid values are: mysql, postgres, sqlite", "invalid sql driver %q", s.Driver)
		return
	}

	if s.Driver != "sqlite" && s.ConnectionString == "" {
		if s.Port < 1 || s.Port > 65535 {
			result.fail("storage.sql.port", "", "port %d is out of valid range (1-65535)", s.Port)
		}
		if strings.TrimSpace(s.Host) == "" {
			result.fail("storage.sql.host", "set storage.sql.host or storage.sql.dsn", "host is required")
		}
	}
	if strings.TrimSpace(s.ConnectionString) == "" && strings.TrimSpace(s.Database) == "" {
		result.fail("storage.sql.database", "set storage.sql.database or storage.sql.dsn", "database is required")
	}

	if s.Pool.MaxOpen < 0 {
		result.fail("storage.sql.pool.max_open", "", "max_open cannot be negative")
	}
	if s.Pool.MaxIdle < 0 {
		result.fail("storage.sql.pool.max_idle", "", "max_idle cannot be negative")
	}
	if s.Pool.MaxOpen > 0 && s.Pool.MaxIdle > s.Pool.MaxOpen {
		result.warn("storage.sql.pool.max_idle",
			"set max_idle less than or equal to max_open",
			"max_idle (%d) exceeds max_open (%d)", s.Pool.MaxIdle, s.Pool.MaxOpen)
	}
	if s.Driver == "sqlite" && s.Pool.MaxOpen != 1 {
		result.warn("storage.sql.pool.max_open",
			"set storage.sql.pool.max_open to 1 for sqlite",
			"sqlite allows a single writer; concurrent transactions will wait on the file lock")
	}
	if s.Pool.MaxLifetime < 0 {
		result.fail("storage.sql.pool.max_lifetime", "", "max_lifetime cannot be negative")
	}
	if s.ConnectionTimeout < 0 {
		result.fail("storage.sql.connection_timeout", "", "connection_timeout cannot be negative")
	}
	if s.ConnectionTimeout > 0 && s.RetryInterval <= 0 {
		result.fail("storage.sql.connection_retry_interval", "", "connection_retry_interval must be greater than 0 when connection_timeout is set")
	}
}

func (d *DynamoDBConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(d.Region) == "" {
		result.warn("storage.dynamodb.region",
			"set storage.dynamodb.region or AWS_REGION",
			"region is empty; the AWS default chain will be used")
	}
	if d.Endpoint != "" {
		u, err := url.Parse(d.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			result.fail("storage.dynamodb.endpoint", "use a full URL such as http://localhost:8000", "invalid endpoint %q", d.Endpoint)
		}
	}
}

func (e *EngineConfig) validate(result *ValidationResult) {
	if e.MaxDepth < 1 {
		result.fail("engine.max_depth", "", "max_depth must be at least 1")
	}
	if e.MaxWrites < 0 {
		result.fail("engine.max_writes", "", "max_writes cannot be negative")
	}
	if e.MaxWrites == 0 {
		result.warn("engine.max_writes",
			"set engine.max_writes to bound the size of a single mutation",
			"mutations may plan an unbounded number of writes")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", "valid values are: debug, info, warn, error", "invalid log level %q", o.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", "valid values are: json, text", "invalid log format %q", o.Logging.Format)
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "", "trace_sample_ratio %v must be between 0 and 1", o.TraceSampleRatio)
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", "valid values are: grpc, http/protobuf", "invalid OTLP protocol %q", o.Protocol)
	}

	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", "use host:port or a full URL", "invalid OTLP endpoint %q for http/protobuf", o.Endpoint)
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", "valid values are: none, gzip", "invalid OTLP compression %q", o.Compression)
	}

	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "", "retry_max_attempts cannot be negative")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
