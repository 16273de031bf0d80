package sqlstore

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"nestwrite/internal/sqlutil"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect struct {
	// Name is the configured driver name.
	Name string
	// DriverName is the database/sql driver the dialect opens.
	DriverName string
	// System identifies the backend in telemetry.
	System attribute.KeyValue

	placeholder sq.PlaceholderFormat
	quote       func(string) string
	emptyInsert string

	// returning is true when generated keys come back through RETURNING
	// instead of LastInsertId.
	returning bool
}

var (
	MySQL = Dialect{
		Name:        "mysql",
		DriverName:  "mysql",
		System:      semconv.DBSystemMySQL,
		placeholder: sq.Question,
		quote:       sqlutil.QuoteIdentifier,
		emptyInsert: "() VALUES ()",
	}
	Postgres = Dialect{
		Name:        "postgres",
		DriverName:  "postgres",
		System:      semconv.DBSystemPostgreSQL,
		placeholder: sq.Dollar,
		quote:       sqlutil.QuoteANSIIdentifier,
		returning:   true,
		emptyInsert: "DEFAULT VALUES",
	}
	SQLite = Dialect{
		Name:        "sqlite",
		DriverName:  "sqlite",
		System:      semconv.DBSystemSqlite,
		placeholder: sq.Question,
		quote:       sqlutil.QuoteANSIIdentifier,
		emptyInsert: "DEFAULT VALUES",
	}
)

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql", "tidb":
		return MySQL, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// Quote quotes an identifier for the dialect.
func (d Dialect) Quote(name string) string {
	return d.quote(name)
}

func (d Dialect) quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.quote(n)
	}
	return out
}
