package sqlstore

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"nestwrite/internal/storage"
)

// MySQL error numbers.
const (
	mysqlDuplicateEntry   = 1062
	mysqlBadNull          = 1048
	mysqlNoDefault        = 1364
	mysqlRowIsReferenced  = 1216
	mysqlNoReferencedRow  = 1217
	mysqlRowIsReferenced2 = 1451
	mysqlNoReferencedRow2 = 1452
)

// Postgres SQLSTATE codes.
const (
	pgNotNullViolation    = "23502"
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type constraint int

const (
	constraintNone constraint = iota
	constraintUnique
	constraintForeignKey
	constraintNotNull
)

// normalizeError maps driver constraint errors on model to the storage
// error types. Other errors are returned unchanged.
func normalizeError(model string, err error) error {
	if err == nil {
		return nil
	}
	switch classifyConstraint(err) {
	case constraintUnique:
		return &storage.UniqueConstraintError{Model: model, Err: err}
	case constraintForeignKey:
		return &storage.ForeignKeyError{Model: model, Err: err}
	case constraintNotNull:
		return &storage.NotNullError{Model: model, Err: err}
	default:
		return err
	}
}

func classifyConstraint(err error) constraint {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return constraintUnique
		case mysqlRowIsReferenced, mysqlNoReferencedRow, mysqlRowIsReferenced2, mysqlNoReferencedRow2:
			return constraintForeignKey
		case mysqlBadNull, mysqlNoDefault:
			return constraintNotNull
		}
		return constraintNone
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return constraintUnique
		case pgForeignKeyViolation:
			return constraintForeignKey
		case pgNotNullViolation:
			return constraintNotNull
		}
		return constraintNone
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return constraintUnique
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return constraintForeignKey
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return constraintNotNull
		}
	}

	// Fallback for wrapped or extended codes the checks above miss.
	msg := err.Error()
	switch {
	case containsAny(msg, "UNIQUE constraint failed", "violates unique constraint", "Duplicate entry"):
		return constraintUnique
	case containsAny(msg, "FOREIGN KEY constraint failed", "violates foreign key constraint"):
		return constraintForeignKey
	case containsAny(msg, "NOT NULL constraint failed", "violates not-null constraint"):
		return constraintNotNull
	}
	return constraintNone
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
