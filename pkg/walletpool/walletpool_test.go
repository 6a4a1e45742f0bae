package walletpool

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kapp/pkg/security"
)

func newTestPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	secrets, err := security.NewSecretsManagerFromPassword("test-only-key")
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB, secrets), mock
}

var walletColumns = []string{
	"id", "address", "secret_ciphertext", "blockchain", "active", "locked",
	"locked_by", "locked_at", "last_used_at", "total_uses", "successful_uses",
	"failed_uses",
}

func TestAddWalletEncryptsAndReturnsWallet(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO wallets")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM wallets WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow(
			int64(1), "0xabc", []byte("ciphertext"), "base", true, false,
			nil, nil, nil, 0, 0, 0,
		))

	wallet, err := pool.AddWallet(context.Background(), "0xabc", "base", []byte("super-secret"))
	require.NoError(t, err)
	require.Equal(t, int64(1), wallet.ID)
	require.Equal(t, "0xabc", wallet.Address)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseForReturnsWalletAndWritesAssetID(t *testing.T) {
	pool, mock := newTestPool(t)

	secret, err := pool.secrets.EncryptSecret([]byte("signing-key"))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM wallets")).
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow(
			int64(9), "0xdef", secret, "base", true, false,
			nil, nil, nil, 5, 5, 0,
		))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET locked = true")).
		WithArgs(int64(9), "asset-42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET wallet_id = $2")).
		WithArgs(int64(42), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	leased, err := pool.LeaseFor(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, int64(9), leased.ID)
	require.Equal(t, []byte("signing-key"), leased.SigningSecret)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseForReturnsNilWhenNoWalletAvailable(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM wallets")).
		WillReturnRows(sqlmock.NewRows(walletColumns))
	mock.ExpectRollback()

	leased, err := pool.LeaseFor(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, leased)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseRecordsSuccess(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET locked = false")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO wallet_metrics")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := pool.Release(context.Background(), 9, true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsReportsAvailability(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "available", "in_use", "avg_uses"}).
			AddRow(10, 6, 4, 3.5))

	stats, err := pool.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, stats.Total)
	require.Equal(t, 6, stats.Available)
	require.Equal(t, 4, stats.InUse)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthReturnsTrueWhenWalletNotLocked(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked_at FROM wallets WHERE id = $1 AND locked")).
		WithArgs(int64(3)).
		WillReturnError(sql.ErrNoRows)

	healthy, err := pool.Health(context.Background(), 3)
	require.NoError(t, err)
	require.True(t, healthy)
}

func TestHealthReturnsFalseWhenLockedTooLong(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked_at FROM wallets WHERE id = $1 AND locked")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"locked_at"}).AddRow(time.Now().Add(-time.Hour)))

	healthy, err := pool.Health(context.Background(), 3)
	require.NoError(t, err)
	require.False(t, healthy)
}

func TestUnlockStuckReturnsFreedCount(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET locked = false")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := pool.UnlockStuck(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
