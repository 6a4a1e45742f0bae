package assetstore

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/types"
)

// fakeContent is a minimal in-memory content.Store for tests that never
// touch a real filesystem.
type fakeContent struct {
	savedHandle string
	savedSize   int64
}

func (f *fakeContent) Save(ctx context.Context, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	f.savedHandle = "handle-1"
	f.savedSize = int64(len(data))
	return f.savedHandle, f.savedSize, nil
}

func (f *fakeContent) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeContent) Delete(ctx context.Context, handle string) error { return nil }

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *fakeContent) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	content := &fakeContent{}
	return New(sqlxDB, content), mock, content
}

var assetColumns = []string{
	"id", "content_url", "content_size", "source", "source_id", "priority",
	"privacy", "epochs", "replications", "max_attempts", "attempt_count",
	"retry_count", "status", "wallet_id", "ual", "transaction_hash",
	"blockchain", "last_error", "batch_id", "created_at", "queued_at",
	"assigned_at", "publishing_started_at", "published_at", "next_retry_at",
	"updated_at",
}

func assetRowValues(id int64, status string) []driverValue {
	return []driverValue{
		id, "handle-1", 3, nil, nil, 50,
		"private", 2, 1, 3, 0,
		0, status, nil, nil, nil,
		nil, nil, nil, time.Now(), nil,
		nil, nil, nil, nil,
		time.Now(),
	}
}

// driverValue exists only to keep assetRowValues readable; sqlmock accepts
// []driver.Value directly, so this is just a type alias for clarity.
type driverValue = interface{}

func TestRegisterInsertsQueuedAssetAndReturnsIt(t *testing.T) {
	store, mock, content := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO assets")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM assets WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(assetColumns).AddRow(assetRowValues(1, "queued")...))

	asset, err := store.Register(context.Background(), types.RegisterInput{
		Content: []byte(`{"hello":"world"}`),
		Source:  "test-suite",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), asset.ID)
	require.Equal(t, types.AssetQueued, asset.Status)
	require.Equal(t, "handle-1", content.savedHandle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRejectsEmptyContent(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Register(context.Background(), types.RegisterInput{Source: "test-suite"})
	require.Error(t, err)
	kind, ok := kapperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, kapperr.KindValidation, kind)
}

func TestRegisterRejectsPriorityOutOfRange(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Register(context.Background(), types.RegisterInput{
		Content:  []byte(`{}`),
		Priority: 150,
	})
	require.Error(t, err)
	kind, ok := kapperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, kapperr.KindValidation, kind)
}

func TestClaimForProcessingSucceedsWhenQueued(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'assigned'")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))

	claimed, err := store.ClaimForProcessing(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimForProcessingLosesRace(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'assigned'")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'failed', last_error = 'max retries'")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := store.ClaimForProcessing(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleFailureRequeuesWhenRetriesRemain(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_count, max_attempts FROM assets WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_attempts"}).AddRow(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'queued', retry_count = retry_count + 1")).
		WithArgs(int64(3), "publish timed out").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.HandleFailure(context.Background(), 3, "publish timed out")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleFailureTerminatesAfterMaxAttempts(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT retry_count, max_attempts FROM assets WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_attempts"}).AddRow(3, 3))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'failed', last_error = $2")).
		WithArgs(int64(3), "Final failure after 3 attempts: publish timed out").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.HandleFailure(context.Background(), 3, "publish timed out")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus(t *testing.T) {
	store, mock, _ := newTestStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, count(*) AS count FROM assets GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 5).
			AddRow("published", 12))

	counts, err := store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, counts[types.AssetQueued])
	require.Equal(t, 12, counts[types.AssetPublished])
	require.NoError(t, mock.ExpectationsWereMet())
}
