// Package mysqltest provisions throwaway MySQL databases for integration
// tests. Tests are skipped unless NESTWRITE_MYSQL_HOST, NESTWRITE_MYSQL_USER
// and NESTWRITE_MYSQL_PASSWORD are set.
package mysqltest

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"nestwrite/internal/sqlutil"
)

// TestDB is an isolated database that is dropped when the test ends.
type TestDB struct {
	DB           *sql.DB
	DatabaseName string
}

// Config holds MySQL connection information.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	TLS      string
}

// New creates a uniquely named database and registers its teardown.
func New(t *testing.T) *TestDB {
	t.Helper()

	cfg := configFromEnv(t)
	dbName := fmt.Sprintf("nestwrite_%s_%d", sanitizeName(t.Name()), time.Now().UnixMilli())
	if !isValidDatabaseName(dbName) {
		t.Fatalf("invalid database name generated: %s", dbName)
	}

	bootstrap, err := sql.Open("mysql", buildDSN(cfg, ""))
	if err != nil {
		t.Fatalf("failed to connect to MySQL: %v", err)
	}
	defer func() {
		if closeErr := bootstrap.Close(); closeErr != nil {
			t.Logf("warning: failed to close bootstrap connection: %v", closeErr)
		}
	}()
	if err := bootstrap.Ping(); err != nil {
		t.Fatalf("failed to ping MySQL: %v", err)
	}
	if _, err := bootstrap.Exec("CREATE DATABASE " + sqlutil.QuoteIdentifier(dbName)); err != nil {
		t.Fatalf("failed to create test database %s: %v", dbName, err)
	}

	db, err := sql.Open("mysql", buildDSN(cfg, dbName))
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	tdb := &TestDB{DB: db, DatabaseName: dbName}
	t.Cleanup(func() { tdb.Teardown(t) })

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping test database: %v", err)
	}
	return tdb
}

// Exec runs each semicolon separated statement of ddl.
// Semicolons inside literals are not supported.
func (tdb *TestDB) Exec(t *testing.T, ddl string) {
	t.Helper()
	for i, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tdb.DB.Exec(stmt); err != nil {
			t.Fatalf("statement %d failed: %v\n%s", i+1, err, stmt)
		}
	}
}

// Teardown drops the database and closes the connection.
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()
	if tdb.DB == nil {
		return
	}
	if isValidDatabaseName(tdb.DatabaseName) {
		if _, err := tdb.DB.Exec("DROP DATABASE IF EXISTS " + sqlutil.QuoteIdentifier(tdb.DatabaseName)); err != nil {
			t.Logf("warning: failed to drop test database %s: %v", tdb.DatabaseName, err)
		}
	}
	if err := tdb.DB.Close(); err != nil {
		t.Logf("warning: failed to close test database connection: %v", err)
	}
	tdb.DB = nil
}

func configFromEnv(t *testing.T) Config {
	t.Helper()

	cfg := Config{
		Host:     os.Getenv("NESTWRITE_MYSQL_HOST"),
		Port:     os.Getenv("NESTWRITE_MYSQL_PORT"),
		User:     os.Getenv("NESTWRITE_MYSQL_USER"),
		Password: os.Getenv("NESTWRITE_MYSQL_PASSWORD"),
		TLS:      os.Getenv("NESTWRITE_MYSQL_TLS"),
	}
	if cfg.Host == "" || cfg.User == "" || cfg.Password == "" {
		t.Skip("MySQL credentials not set. Set NESTWRITE_MYSQL_HOST, NESTWRITE_MYSQL_USER and NESTWRITE_MYSQL_PASSWORD to run integration tests")
	}
	if cfg.Port == "" {
		cfg.Port = "3306"
	}
	return cfg
}

func buildDSN(cfg Config, database string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Host + ":" + cfg.Port
	mc.DBName = database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.TLSConfig = cfg.TLS
	return mc.FormatDSN()
}

// sanitizeName makes a test name safe for use in a database name.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, ch := range name {
		if isValidDatabaseChar(ch) {
			b.WriteRune(ch)
		} else {
			b.WriteRune('_')
		}
	}
	s := b.String()
	// Leave room for the prefix and timestamp within MySQL's 64 character limit.
	if len(s) > 36 {
		s = s[:36]
	}
	return s
}

func isValidDatabaseName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if !isValidDatabaseChar(ch) {
			return false
		}
	}
	return true
}

func isValidDatabaseChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '_'
}
