package worker

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/publish"
	"github.com/cuemby/kapp/pkg/security"
	"github.com/cuemby/kapp/pkg/walletpool"
)

type fakeContentStore struct{ body []byte }

func (f *fakeContentStore) Save(ctx context.Context, r io.Reader) (string, int64, error) {
	return "handle", int64(len(f.body)), nil
}

func (f *fakeContentStore) Open(ctx context.Context, handle string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func (f *fakeContentStore) Delete(ctx context.Context, handle string) error { return nil }

type fakeDkgClient struct {
	result publish.DkgResult
	err    error
}

func (f *fakeDkgClient) Create(ctx context.Context, wrapped []byte, opts publish.CreateOptions, identity publish.Identity) (publish.DkgResult, error) {
	return f.result, f.err
}

func newTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return jobqueue.New(rdb)
}

var assetColumns = []string{
	"id", "content_url", "content_size", "source", "source_id", "priority",
	"privacy", "epochs", "replications", "max_attempts", "attempt_count",
	"retry_count", "status", "wallet_id", "ual", "transaction_hash",
	"blockchain", "last_error", "batch_id", "created_at", "queued_at",
	"assigned_at", "publishing_started_at", "published_at", "next_retry_at",
	"updated_at",
}

func assetRow(id int64, status string) []driver {
	return []driver{
		id, "aa/bb/handle", 2, "test-suite", nil, 50,
		"private", 2, 1, 3, 0,
		0, status, nil, nil, nil,
		nil, nil, nil, time.Now(), nil,
		nil, nil, nil, nil,
		time.Now(),
	}
}

type driver = interface{}

var walletColumns = []string{
	"id", "address", "secret_ciphertext", "blockchain", "active", "locked",
	"locked_by", "locked_at", "last_used_at", "total_uses", "successful_uses",
	"failed_uses",
}

func TestProcessCommitsSuccessfulPublish(t *testing.T) {
	assetDB, assetMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { assetDB.Close() })
	assets := assetstore.New(sqlx.NewDb(assetDB, "postgres"), &fakeContentStore{})

	walletDB, walletMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { walletDB.Close() })
	secrets, err := security.NewSecretsManagerFromPassword("test-only-key")
	require.NoError(t, err)
	wallets := walletpool.New(sqlx.NewDb(walletDB, "postgres"), secrets)

	queue := newTestQueue(t)

	encryptedSecret, err := secrets.EncryptSecret([]byte("signing-key"))
	require.NoError(t, err)

	dkg := &fakeDkgClient{}
	dkg.result.UAL = "did:dkg:otp:2043/0xabc/1"
	dkg.result.Operation.MintKnowledgeCollection.TransactionHash = "0xdeadbeef"
	executor := publish.New(&fakeContentStore{body: []byte(`{"@type":"Asset"}`)}, dkg)

	pool := New(assets, wallets, queue, executor, Config{WorkerCount: 1})

	// ClaimForProcessing
	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'assigned'")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))

	// Get
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM assets WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(assetColumns).AddRow(assetRow(1, "assigned")...))

	// LeaseFor
	walletMock.ExpectBegin()
	walletMock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM wallets")).
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow(
			int64(9), "0xwallet", encryptedSecret, "base", true, false,
			nil, nil, nil, 0, 0, 0,
		))
	walletMock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET locked = true")).
		WithArgs(int64(9), "asset-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	walletMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET wallet_id = $2")).
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	walletMock.ExpectCommit()

	// RecordAttempt
	assetMock.ExpectBegin()
	assetMock.ExpectQuery(regexp.QuoteMeta("UPDATE assets SET attempt_count = attempt_count + 1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"attempt_count"}).AddRow(1))
	assetMock.ExpectQuery(regexp.QuoteMeta("INSERT INTO publishing_attempts")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(500)))
	assetMock.ExpectCommit()

	// MarkPublishing
	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'publishing'")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// settleSuccess: MarkPublished
	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'published'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))

	// UpdateAttempt
	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE publishing_attempts SET status = $2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assetMock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_hourly")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Release
	walletMock.ExpectExec(regexp.QuoteMeta("UPDATE wallets SET locked = false")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	walletMock.ExpectExec(regexp.QuoteMeta("INSERT INTO wallet_metrics")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = pool.process(context.Background(), 1, 0)
	require.NoError(t, err)

	stats, err := queue.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Completed)

	require.NoError(t, assetMock.ExpectationsWereMet())
	require.NoError(t, walletMock.ExpectationsWereMet())
}

func TestProcessHandlesNoWalletAvailable(t *testing.T) {
	assetDB, assetMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { assetDB.Close() })
	assets := assetstore.New(sqlx.NewDb(assetDB, "postgres"), &fakeContentStore{})

	walletDB, walletMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { walletDB.Close() })
	secrets, err := security.NewSecretsManagerFromPassword("test-only-key")
	require.NoError(t, err)
	wallets := walletpool.New(sqlx.NewDb(walletDB, "postgres"), secrets)

	queue := newTestQueue(t)
	executor := publish.New(&fakeContentStore{}, &fakeDkgClient{})
	pool := New(assets, wallets, queue, executor, Config{WorkerCount: 1})

	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'assigned'")).
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM assets WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows(assetColumns).AddRow(assetRow(2, "assigned")...))

	walletMock.ExpectBegin()
	walletMock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM wallets")).
		WillReturnRows(sqlmock.NewRows(walletColumns))
	walletMock.ExpectRollback()

	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT retry_count, max_attempts FROM assets WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_attempts"}).AddRow(0, 3))
	assetMock.ExpectQuery(regexp.QuoteMeta("SELECT batch_id FROM assets WHERE id = $1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(nil))
	assetMock.ExpectExec(regexp.QuoteMeta("UPDATE assets SET status = 'queued', retry_count = retry_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = pool.process(context.Background(), 2, 0)
	require.NoError(t, err)

	stats, err := queue.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)

	require.NoError(t, assetMock.ExpectationsWereMet())
	require.NoError(t, walletMock.ExpectationsWereMet())
}
