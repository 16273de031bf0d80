package sqlstore

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
)

// OpenOptions controls driver instrumentation.
type OpenOptions struct {
	Tracing      bool
	Metrics      bool
	SQLCommenter bool
}

// Open opens a database handle for dialect. When tracing or metrics are
// enabled the handle is wrapped by otelsql, and the returned registration
// must be unregistered on shutdown.
func Open(dialect Dialect, dsn string, opts OpenOptions) (*sql.DB, interface{ Unregister() error }, error) {
	if !opts.Tracing && !opts.Metrics {
		db, err := sql.Open(dialect.DriverName, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", dialect.Name, err)
		}
		return db, nil, nil
	}

	otelOpts := []otelsql.Option{
		otelsql.WithAttributes(dialect.System),
	}
	if opts.Tracing {
		otelOpts = append(otelOpts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
		if opts.SQLCommenter {
			otelOpts = append(otelOpts, otelsql.WithSQLCommenter(true))
		}
	}

	db, err := otelsql.Open(dialect.DriverName, dsn, otelOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if !opts.Metrics {
		return db, nil, nil
	}
	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dialect.System))
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("register db stats metrics: %w", err)
	}
	return db, reg, nil
}
