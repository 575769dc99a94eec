package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestCountAvailableWords(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM ko_word WHERE start_char = $1 AND is_use = false AND can_use = true AND available = true`)).
		WithArgs("가").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := CountAvailableWords(context.Background(), db, "가")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountAvailableWordsConnectionError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT count").WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})

	_, err := CountAvailableWords(context.Background(), db, "나")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestKV(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO kv(key, value, updated_at)`)).
		WithArgs("paused_reason", "db down").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key=$1`)).
		WithArgs("paused_reason").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("db down"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM kv WHERE key=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	ctx := context.Background()
	require.NoError(t, SetKV(ctx, db, "paused_reason", "db down"))
	v, err := GetKV(ctx, db, "paused_reason")
	require.NoError(t, err)
	assert.Equal(t, "db down", v)
	v, err = GetKV(ctx, db, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "no rows", err: sql.ErrNoRows, want: false},
		{name: "bad conn", err: fmt.Errorf("query: %w", driver.ErrBadConn), want: true},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "net op", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: true},
		{name: "pg connection exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pg admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "pg syntax error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestMigrateFallbackStatements(t *testing.T) {
	db, mock := newMock(t)
	for i := 0; i < 4; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateFallbackReportsStep(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ko_word").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS credentials").WillReturnError(errors.New("permission denied"))
	err := Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}
