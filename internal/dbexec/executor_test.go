package dbexec

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxExecutorCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t SET a = ?").WithArgs(1).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT a FROM t").WillReturnRows(sqlmock.NewRows([]string{"a"}).AddRow(1))
	mock.ExpectCommit()

	ctx := context.Background()
	exec, err := BeginTx(ctx, db, nil)
	require.NoError(t, err)

	res, err := exec.ExecContext(ctx, "UPDATE t SET a = ?", 1)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := exec.QueryContext(ctx, "SELECT a FROM t")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var a int
	require.NoError(t, rows.Scan(&a))
	require.NoError(t, rows.Close())
	assert.Equal(t, 1, a)

	require.NoError(t, exec.Commit())
	assert.NoError(t, exec.Rollback(), "rollback after commit is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginTxWithoutDatabase(t *testing.T) {
	_, err := BeginTx(context.Background(), nil, nil)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}
