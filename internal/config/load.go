package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. NESTWRITE_STORAGE_SQL_DSN.
const EnvPrefix = "NESTWRITE"

// Load loads configuration from multiple sources with the following precedence:
// 1. Explicit overrides (v.Set) – used only for secrets read from files or a prompt
// 2. Command line flags
// 3. Environment variables
// 4. Config file
// 5. Default values
func Load() (*Config, error) {
	fs := pflag.CommandLine
	if fs.Lookup("config") == nil {
		DefineFlags(fs)
	}
	if !fs.Parsed() {
		if err := fs.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}
	return LoadFlags(fs)
}

// LoadFlags loads configuration using an already parsed flag set.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults (lowest priority)
	setDefaults(v)

	// --- Config file ---
	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("nestwrite")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/nestwrite/")
		v.AddConfigPath("$HOME/.nestwrite")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// --- Environment variables ---
	// Canonical keys: dot + snake_case
	// Env vars: NESTWRITE_STORAGE_SQL_POOL_MAX_OPEN
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// --- Flags binding (highest normal priority) ---
	bindChangedFlags(fs, v)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	// --- DSN from file (explicit override) ---
	if v.GetString("storage.sql.dsn") == "" && v.GetString("storage.sql.dsn_file") != "" {
		dsn, err := readSecretFile(v.GetString("storage.sql.dsn_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database DSN file: %w", err)
		}
		v.Set("storage.sql.dsn", dsn)
	}

	// --- Secure password input (explicit override) ---
	if v.GetString("storage.sql.password") == "" && v.GetString("storage.sql.password_file") != "" {
		pwd, err := readSecretFile(v.GetString("storage.sql.password_file"))
		if err != nil {
			return nil, fmt.Errorf("failed to read database password file: %w", err)
		}
		v.Set("storage.sql.password", pwd)
	}
	if v.GetString("storage.sql.password") == "" && v.GetBool("storage.sql.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("storage.sql.password", pwd)
	}

	if v.GetInt("storage.sql.port") == 0 {
		v.Set("storage.sql.port", DefaultPort(v.GetString("storage.sql.driver")))
	}

	// --- Unmarshal (strict) ---
	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// bindChangedFlags copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		// Config keys are section.key; bare flags (config, version,
		// check-schema) belong to the process.
		if !strings.Contains(f.Name, ".") {
			return
		}

		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "int64":
			val, _ := fs.GetInt64(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// DefineFlags defines all command line flags on fs using canonical snake_case keys.
func DefineFlags(fs *pflag.FlagSet) {
	// Server flags
	fs.Int("server.port", 0, "HTTP server port")
	fs.Duration("server.read_timeout", 0, "HTTP server read timeout")
	fs.Duration("server.write_timeout", 0, "HTTP server write timeout")
	fs.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	fs.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
	fs.Duration("server.health_check_timeout", 0, "Health check timeout")
	fs.Int64("server.max_body_bytes", 0, "Maximum mutation request body size in bytes")

	// Schema flags
	fs.String("schema.path", "", "Path to the YAML model and relation declarations")

	// Storage flags
	fs.String("storage.backend", "", "Storage backend (sql, memory, dynamodb)")
	fs.String("storage.sql.driver", "", "SQL driver (mysql, postgres, sqlite)")
	fs.String("storage.sql.dsn", "", "Complete driver DSN")
	fs.String("storage.sql.dsn_file", "", "Path to file containing database DSN (use @- for stdin)")
	fs.String("storage.sql.host", "", "Database host")
	fs.Int("storage.sql.port", 0, "Database port")
	fs.String("storage.sql.user", "", "Database user")
	fs.String("storage.sql.password", "", "Database password")
	fs.String("storage.sql.password_file", "", "Path to file containing database password (use @- for stdin)")
	fs.Bool("storage.sql.password_prompt", false, "Prompt for database password securely")
	fs.String("storage.sql.database", "", "Database name, or file path for sqlite")
	fs.Int("storage.sql.pool.max_open", 0, "Maximum open database connections")
	fs.Int("storage.sql.pool.max_idle", 0, "Maximum idle connections in pool")
	fs.Duration("storage.sql.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	fs.Duration("storage.sql.connection_timeout", 0, "Max time to wait for database on startup (0 = fail immediately)")
	fs.Duration("storage.sql.connection_retry_interval", 0, "Initial interval between connection retries")
	fs.String("storage.dynamodb.region", "", "AWS region for DynamoDB")
	fs.String("storage.dynamodb.endpoint", "", "DynamoDB endpoint override (e.g. http://localhost:8000)")
	fs.String("storage.dynamodb.table_prefix", "", "Prefix applied to every DynamoDB table name")

	// Engine flags
	fs.Int("engine.max_depth", 0, "Maximum nesting depth of a mutation")
	fs.Int("engine.max_writes", 0, "Maximum writes planned for one mutation (0 = unlimited)")
	fs.Bool("engine.include_written", false, "Return every written relation when include is omitted")

	// Observability flags
	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	fs.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")

	// Logging flags (under observability)
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")

	// Global OTLP flags
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	fs.String("observability.otlp.tls_cert_file", "", "Path to TLS certificate file for server verification")
	fs.String("observability.otlp.tls_client_cert_file", "", "Path to client certificate file for mTLS")
	fs.String("observability.otlp.tls_client_key_file", "", "Path to client key file for mTLS")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")
	fs.Bool("observability.otlp.retry_enabled", false, "Enable retry on transient errors")
	fs.Int("observability.otlp.retry_max_attempts", 0, "Maximum retry attempts")

	// Config file flag
	fs.StringP("config", "c", "", "Config file path")
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))

	// Schema defaults
	v.SetDefault("schema.path", "schema.yaml")

	// Storage defaults
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sql.driver", "mysql")
	v.SetDefault("storage.sql.dsn", "")
	v.SetDefault("storage.sql.dsn_file", "")
	v.SetDefault("storage.sql.host", "localhost")
	v.SetDefault("storage.sql.port", 0)
	v.SetDefault("storage.sql.user", "nestwrite")
	v.SetDefault("storage.sql.password", "")
	v.SetDefault("storage.sql.password_file", "")
	v.SetDefault("storage.sql.password_prompt", false)
	v.SetDefault("storage.sql.database", "nestwrite")
	v.SetDefault("storage.sql.pool.max_open", 25)
	v.SetDefault("storage.sql.pool.max_idle", 5)
	v.SetDefault("storage.sql.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("storage.sql.connection_timeout", 60*time.Second)
	v.SetDefault("storage.sql.connection_retry_interval", 2*time.Second)
	v.SetDefault("storage.dynamodb.region", "")
	v.SetDefault("storage.dynamodb.endpoint", "")
	v.SetDefault("storage.dynamodb.table_prefix", "")

	// Engine defaults
	v.SetDefault("engine.max_depth", 8)
	v.SetDefault("engine.max_writes", 1000)
	v.SetDefault("engine.include_written", true)

	// Observability defaults
	v.SetDefault("observability.service_name", "nestwrite")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", true)

	// Logging defaults (under observability)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)

	// Global OTLP defaults
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

// promptPassword prompts the user for a password without echoing to terminal.
func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

func readSecretFile(path string) (string, error) {
	var data []byte
	var err error

	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"storage.sql.dsn_file",
		"storage.sql.password_file",
	}

	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}

	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}

	return nil
}
