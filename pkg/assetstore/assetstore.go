/*
Package assetstore implements AssetStore, the durable record of every
submitted knowledge asset and its publishing attempts.

AssetStore is the single coordination point for "who is working on this
asset?" Every state transition is expressed as a conditional SQL UPDATE
whose WHERE clause encodes the precondition, never as a read followed by
an unguarded write: two workers racing to claim the same row always leave
exactly one UPDATE matching one row.

# State machine

	pending -> queued -> assigned -> publishing -> published  (terminal)
	                                      |
	                                      v
	                                   failed --retryCount<maxAttempts--> queued
	                                      |
	                                      v (retryCount>=maxAttempts)
	                                  failed  (terminal)

HealthMonitor may force any non-terminal row back to queued after its
stage budget expires; that reset is also a conditional UPDATE and is
subject to the same "loser is a no-op" rule as a worker's own claim.

# Concurrency

RecordAttempt and AttachToBatch run inside a single sqlx.Tx, and
WalletPool.LeaseFor writes the asset's wallet_id inside its own lease
transaction. Register (an INSERT, a batch-counter UPDATE when a batch is
named, then a read-back) and RetryFailed do not open a transaction.
Single-statement conditional transitions (ClaimForProcessing,
MarkPublishing, MarkPublished) rely on Postgres evaluating the UPDATE ...
WHERE atomically under READ COMMITTED. HandleFailure reads retry_count and
max_attempts to choose a branch, and the chosen UPDATE repeats that
precondition, plus "still assigned or publishing", in its WHERE clause, so
a concurrent transition turns it into a no-op.
*/
package assetstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/content"
	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/types"
)

// Store is the durable AssetStore implementation backed by Postgres.
type Store struct {
	db      *sqlx.DB
	content content.Store
	logger  zerolog.Logger
}

// New wraps db and content as an AssetStore. db must already be migrated
// (see cmd/kapp-migrate).
func New(db *sqlx.DB, contentStore content.Store) *Store {
	return &Store{db: db, content: contentStore, logger: log.WithComponent("assetstore")}
}

type assetRow struct {
	ID                  int64          `db:"id"`
	ContentURL          string         `db:"content_url"`
	ContentSize         int64          `db:"content_size"`
	Source              sql.NullString `db:"source"`
	SourceID            sql.NullString `db:"source_id"`
	Priority            int            `db:"priority"`
	Privacy             string         `db:"privacy"`
	Epochs              int            `db:"epochs"`
	Replications        int            `db:"replications"`
	MaxAttempts         int            `db:"max_attempts"`
	AttemptCount        int            `db:"attempt_count"`
	RetryCount          int            `db:"retry_count"`
	Status              string         `db:"status"`
	WalletID            sql.NullInt64  `db:"wallet_id"`
	UAL                 sql.NullString `db:"ual"`
	TransactionHash     sql.NullString `db:"transaction_hash"`
	Blockchain          sql.NullString `db:"blockchain"`
	LastError           sql.NullString `db:"last_error"`
	BatchID             sql.NullInt64  `db:"batch_id"`
	CreatedAt           time.Time      `db:"created_at"`
	QueuedAt            sql.NullTime   `db:"queued_at"`
	AssignedAt          sql.NullTime   `db:"assigned_at"`
	PublishingStartedAt sql.NullTime   `db:"publishing_started_at"`
	PublishedAt         sql.NullTime   `db:"published_at"`
	NextRetryAt         sql.NullTime   `db:"next_retry_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r assetRow) toAsset() *types.Asset {
	a := &types.Asset{
		ID:              r.ID,
		ContentURL:      r.ContentURL,
		ContentSize:     r.ContentSize,
		Source:          r.Source.String,
		SourceID:        r.SourceID.String,
		Priority:        r.Priority,
		Privacy:         types.Privacy(r.Privacy),
		Epochs:          r.Epochs,
		Replications:    r.Replications,
		MaxAttempts:     r.MaxAttempts,
		AttemptCount:    r.AttemptCount,
		RetryCount:      r.RetryCount,
		Status:          types.AssetStatus(r.Status),
		UAL:             r.UAL.String,
		TransactionHash: r.TransactionHash.String,
		Blockchain:      r.Blockchain.String,
		LastError:       r.LastError.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.WalletID.Valid {
		a.WalletID = &r.WalletID.Int64
	}
	if r.BatchID.Valid {
		a.BatchID = &r.BatchID.Int64
	}
	if r.QueuedAt.Valid {
		a.QueuedAt = &r.QueuedAt.Time
	}
	if r.AssignedAt.Valid {
		a.AssignedAt = &r.AssignedAt.Time
	}
	if r.PublishingStartedAt.Valid {
		a.PublishingStartedAt = &r.PublishingStartedAt.Time
	}
	if r.PublishedAt.Valid {
		a.PublishedAt = &r.PublishedAt.Time
	}
	if r.NextRetryAt.Valid {
		a.NextRetryAt = &r.NextRetryAt.Time
	}
	return a
}

type attemptRow struct {
	ID              int64           `db:"id"`
	AssetID         int64           `db:"asset_id"`
	AttemptNumber   int             `db:"attempt_number"`
	WorkerID        sql.NullString  `db:"worker_id"`
	WalletAddress   sql.NullString  `db:"wallet_address"`
	WalletID        sql.NullInt64   `db:"wallet_id"`
	OtnodeURL       sql.NullString  `db:"otnode_url"`
	Blockchain      sql.NullString  `db:"blockchain"`
	Status          string          `db:"status"`
	UAL             sql.NullString  `db:"ual"`
	TransactionHash sql.NullString  `db:"transaction_hash"`
	GasUsed         sql.NullInt64   `db:"gas_used"`
	ErrorType       sql.NullString  `db:"error_type"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	StartedAt       time.Time       `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
}

func (r attemptRow) toAttempt() *types.PublishingAttempt {
	a := &types.PublishingAttempt{
		ID:              r.ID,
		AssetID:         r.AssetID,
		AttemptNumber:   r.AttemptNumber,
		WorkerID:        r.WorkerID.String,
		WalletAddress:   r.WalletAddress.String,
		WalletID:        r.WalletID.Int64,
		OtnodeURL:       r.OtnodeURL.String,
		Blockchain:      r.Blockchain.String,
		Status:          types.AttemptStatus(r.Status),
		UAL:             r.UAL.String,
		TransactionHash: r.TransactionHash.String,
		GasUsed:         r.GasUsed.Int64,
		ErrorType:       r.ErrorType.String,
		ErrorMessage:    r.ErrorMessage.String,
		StartedAt:       r.StartedAt,
		DurationSeconds: r.DurationSeconds.Float64,
	}
	if r.CompletedAt.Valid {
		a.CompletedAt = &r.CompletedAt.Time
	}
	return a
}

// Register saves content via ContentStore, inserts a queued asset row, and
// returns the new asset. Applies built-in defaults (private, 2 epochs,
// 1 replication, 3 max attempts, priority 50) for any publishOptions
// field left at its zero value. When BatchID is set, the batch's total
// and pending counters are incremented.
func (s *Store) Register(ctx context.Context, input types.RegisterInput) (*types.Asset, error) {
	if len(input.Content) == 0 {
		return nil, kapperr.Validation("content must not be empty")
	}
	if input.Priority < 0 || input.Priority > 100 {
		return nil, kapperr.Validation("priority must be within 0..100")
	}

	handle, size, err := s.content.Save(ctx, bytes.NewReader(input.Content))
	if err != nil {
		return nil, kapperr.StorageFault("save content", err)
	}

	privacy := input.Privacy
	if privacy == "" {
		privacy = types.PrivacyPrivate
	}
	epochs := input.Epochs
	if epochs <= 0 {
		epochs = 2
	}
	replications := input.Replications
	if replications <= 0 {
		replications = 1
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	priority := input.Priority
	if priority == 0 {
		priority = 50
	}

	var id int64
	err = s.db.GetContext(ctx, &id, `
		INSERT INTO assets (content_url, content_size, source, source_id, priority,
			privacy, epochs, replications, max_attempts, status, batch_id, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'queued', $10, now())
		RETURNING id`,
		handle, size, nullableString(input.Source), nullableString(input.SourceID),
		priority, privacy, epochs, replications, maxAttempts, input.BatchID)
	if err != nil {
		return nil, kapperr.StorageFault("insert asset", err)
	}
	if input.BatchID != nil {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE batches SET total = total + 1, pending = pending + 1 WHERE id = $1`,
			*input.BatchID); err != nil {
			return nil, kapperr.StorageFault("bump batch counters", err)
		}
	}

	s.logger.Info().Int64("asset_id", id).Str("source", input.Source).Msg("asset registered")
	return s.Get(ctx, id)
}

// Get fetches an asset by id, returning (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, id int64) (*types.Asset, error) {
	var row assetRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM assets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kapperr.StorageFault("get asset", err)
	}
	return row.toAsset(), nil
}

// CountByStatus returns the number of assets in each status, for metrics
// collection. Statuses with zero assets are omitted.
func (s *Store) CountByStatus(ctx context.Context) (map[types.AssetStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, count(*) AS count FROM assets GROUP BY status`); err != nil {
		return nil, kapperr.StorageFault("count assets by status", err)
	}
	out := make(map[types.AssetStatus]int, len(rows))
	for _, r := range rows {
		out[types.AssetStatus(r.Status)] = r.Count
	}
	return out, nil
}

// ListBySource returns assets matching source, newest first.
func (s *Store) ListBySource(ctx context.Context, source string, filter types.ListFilter) ([]*types.Asset, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM assets WHERE source = $1`
	args := []any{source}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, string(*filter.Status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	var rows []assetRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, kapperr.StorageFault("list assets by source", err)
	}
	out := make([]*types.Asset, len(rows))
	for i, r := range rows {
		out[i] = r.toAsset()
	}
	return out, nil
}

// RecentFailures returns the most recently failed assets, newest first,
// for the operator dashboard.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]*types.Asset, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []assetRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM assets WHERE status = 'failed' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, kapperr.StorageFault("list recent failures", err)
	}
	out := make([]*types.Asset, len(rows))
	for i, r := range rows {
		out[i] = r.toAsset()
	}
	return out, nil
}

// PendingForScheduling returns up to limit queued assets, ordered by
// priority descending then queue time ascending. It never mutates state.
func (s *Store) PendingForScheduling(ctx context.Context, limit int) ([]*types.Asset, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []assetRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM assets
		WHERE status = 'queued'
		ORDER BY priority DESC, queued_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, kapperr.StorageFault("select pending assets", err)
	}
	out := make([]*types.Asset, len(rows))
	for i, r := range rows {
		out[i] = r.toAsset()
	}
	return out, nil
}

// ClaimForProcessing atomically transitions a queued asset to assigned.
// It returns false if the asset was not in queued status (lost the race,
// or already terminal) or if the conditional retry-exhaustion branch fired
// instead.
func (s *Store) ClaimForProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'assigned', assigned_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued' AND retry_count < max_attempts`, id)
	if err != nil {
		return false, kapperr.StorageFault("claim asset", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 {
		if batchID, _ := s.batchIDOf(ctx, id); batchID != 0 {
			_ = s.settleBatchCounters(ctx, batchID, "pending", "processing")
		}
		return true, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'failed', last_error = 'max retries', updated_at = now()
		WHERE id = $1 AND status = 'queued' AND retry_count >= max_attempts`, id)
	if err != nil {
		return false, kapperr.StorageFault("fail exhausted asset", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 {
		s.logger.Warn().Int64("asset_id", id).Msg("asset exhausted retries at claim time")
		if batchID, _ := s.batchIDOf(ctx, id); batchID != 0 {
			_ = s.settleBatchCounters(ctx, batchID, "pending", "failed")
		}
	}
	return false, nil
}

// MarkPublishing transitions an assigned, queued, or failed asset to
// publishing. Returns InvalidTransition if the precondition no longer
// holds (a concurrent actor already moved the row).
func (s *Store) MarkPublishing(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'publishing', publishing_started_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('assigned', 'queued', 'failed')`, id)
	if err != nil {
		return kapperr.StorageFault("mark publishing", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return kapperr.InvalidTransition(fmt.Sprintf("asset %d not in a state that can begin publishing", id))
	}
	return nil
}

// MarkPublished records a successful publish. ual must be non-empty.
func (s *Store) MarkPublished(ctx context.Context, id int64, ual, txHash, blockchain string) error {
	if ual == "" {
		return kapperr.MissingUAL(fmt.Sprintf("asset %d: markPublished called without a ual", id))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'published', ual = $2, transaction_hash = $3, blockchain = $4,
			published_at = now(), last_error = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'published'`, id, ual, nullableString(txHash), blockchain)
	if err != nil {
		return kapperr.StorageFault("mark published", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return kapperr.InvalidTransition(fmt.Sprintf("asset %d already published or missing", id))
	}
	if batchID, _ := s.batchIDOf(ctx, id); batchID != 0 {
		_ = s.settleBatchCounters(ctx, batchID, "processing", "published")
	}
	return nil
}

// HandleFailure records a failed attempt. If retries remain, the asset is
// reset to queued with its wallet reference cleared; otherwise it is
// marked permanently failed. Either UPDATE applies only while the asset is
// still assigned or publishing; if a concurrent actor already moved it,
// the call is a no-op.
func (s *Store) HandleFailure(ctx context.Context, id int64, errMessage string) error {
	var retryCount, maxAttempts int
	err := s.db.QueryRowContext(ctx, `SELECT retry_count, max_attempts FROM assets WHERE id = $1`, id).
		Scan(&retryCount, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return kapperr.InvalidTransition(fmt.Sprintf("asset %d not found", id))
	}
	if err != nil {
		return kapperr.StorageFault("read asset for failure handling", err)
	}
	batchID, _ := s.batchIDOf(ctx, id)

	if retryCount < maxAttempts {
		res, err := s.db.ExecContext(ctx, `
			UPDATE assets SET status = 'queued', retry_count = retry_count + 1,
				wallet_id = NULL, assigned_at = NULL, publishing_started_at = NULL,
				next_retry_at = now(), last_error = $2, updated_at = now()
			WHERE id = $1 AND status IN ('assigned', 'publishing') AND retry_count < max_attempts`, id, errMessage)
		if err != nil {
			return kapperr.StorageFault("requeue failed asset", err)
		}
		if rows, _ := res.RowsAffected(); rows == 1 && batchID != 0 {
			_ = s.settleBatchCounters(ctx, batchID, "processing", "pending")
		}
		return nil
	}

	finalMsg := fmt.Sprintf("Final failure after %d attempts: %s", maxAttempts, errMessage)
	res, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'failed', last_error = $2, updated_at = now()
		WHERE id = $1 AND status IN ('assigned', 'publishing')`, id, finalMsg)
	if err != nil {
		return kapperr.StorageFault("mark asset permanently failed", err)
	}
	if rows, _ := res.RowsAffected(); rows == 1 && batchID != 0 {
		_ = s.settleBatchCounters(ctx, batchID, "processing", "failed")
	}
	return nil
}

// ResetStuckAssigned force-requeues an asset HealthMonitor found wedged in
// assigned: no worker ever marked it publishing within the stage budget.
// Unlike HandleFailure this never touches retryCount — the asset never
// began a publish attempt, so nothing was actually tried and nothing
// should count against maxAttempts. A no-op if the row already left
// assigned (claimed by a worker, or reset by a concurrent sweep).
func (s *Store) ResetStuckAssigned(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assets SET status = 'queued', wallet_id = NULL, assigned_at = NULL,
			last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'assigned'`, id, reason)
	if err != nil {
		return kapperr.StorageFault("reset stuck-assigned asset", err)
	}
	return nil
}

// LatestAttempt returns the most recently started PublishingAttempt for
// assetID, or (nil, nil) if the asset has never been attempted.
func (s *Store) LatestAttempt(ctx context.Context, assetID int64) (*types.PublishingAttempt, error) {
	var row attemptRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM publishing_attempts WHERE asset_id = $1
		ORDER BY attempt_number DESC LIMIT 1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kapperr.StorageFault("get latest attempt", err)
	}
	return row.toAttempt(), nil
}

// StuckKind selects which timeout stuckAssets checks.
type StuckKind string

const (
	StuckAssigned   StuckKind = "assigned"
	StuckPublishing StuckKind = "publishing"
)

// StuckAssets returns rows that have been in kind's state longer than
// olderThan.
func (s *Store) StuckAssets(ctx context.Context, kind StuckKind, olderThan time.Duration) ([]*types.Asset, error) {
	var rows []assetRow
	var err error
	switch kind {
	case StuckAssigned:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM assets
			WHERE status = 'assigned' AND publishing_started_at IS NULL AND assigned_at < now() - $1::interval`,
			durationToInterval(olderThan))
	case StuckPublishing:
		err = s.db.SelectContext(ctx, &rows, `
			SELECT * FROM assets
			WHERE status = 'publishing' AND publishing_started_at < now() - $1::interval`,
			durationToInterval(olderThan))
	default:
		return nil, fmt.Errorf("assetstore: unknown stuck kind %q", kind)
	}
	if err != nil {
		return nil, kapperr.StorageFault("select stuck assets", err)
	}
	out := make([]*types.Asset, len(rows))
	for i, r := range rows {
		out[i] = r.toAsset()
	}
	return out, nil
}

// RecordAttempt inserts a new started PublishingAttempt and bumps the
// asset's attemptCount, returning the new attempt id.
func (s *Store) RecordAttempt(ctx context.Context, assetID int64, walletID int64, walletAddress, blockchain, workerID string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, kapperr.StorageFault("begin attempt tx", err)
	}
	defer tx.Rollback()

	var attemptCount int
	if err := tx.GetContext(ctx, &attemptCount, `
		UPDATE assets SET attempt_count = attempt_count + 1, updated_at = now()
		WHERE id = $1 RETURNING attempt_count`, assetID); err != nil {
		return 0, kapperr.StorageFault("bump attempt count", err)
	}

	var attemptID int64
	err = tx.GetContext(ctx, &attemptID, `
		INSERT INTO publishing_attempts (asset_id, attempt_number, worker_id, wallet_id, wallet_address, blockchain, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'started') RETURNING id`,
		assetID, attemptCount, workerID, walletID, walletAddress, blockchain)
	if err != nil {
		return 0, kapperr.StorageFault("insert attempt", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, kapperr.StorageFault("commit attempt tx", err)
	}
	return attemptID, nil
}

// UpdateAttempt sets the terminal status and result of a previously
// recorded attempt, then rolls the outcome into the current hour's
// metrics_hourly row for HealthMonitor's failure-rate check.
func (s *Store) UpdateAttempt(ctx context.Context, attemptID int64, result types.AttemptResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE publishing_attempts SET status = $2, ual = $3, transaction_hash = $4, gas_used = $5,
			error_type = $6, error_message = $7, duration_seconds = $8, completed_at = now()
		WHERE id = $1`,
		attemptID, string(result.Status), nullableString(result.UAL), nullableString(result.TransactionHash),
		result.GasUsed, nullableString(result.ErrorType), nullableString(result.ErrorMessage), result.DurationSeconds)
	if err != nil {
		return kapperr.StorageFault("update attempt", err)
	}

	successInc, failInc := 0, 0
	if result.Status == types.AttemptSuccess {
		successInc = 1
	} else {
		failInc = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics_hourly (hour, attempts, successes, failures)
		VALUES (date_trunc('hour', now()), 1, $1, $2)
		ON CONFLICT (hour) DO UPDATE SET
			attempts = metrics_hourly.attempts + 1,
			successes = metrics_hourly.successes + EXCLUDED.successes,
			failures = metrics_hourly.failures + EXCLUDED.failures`,
		successInc, failInc)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to update metrics_hourly")
	}
	return nil
}

// FailureRate returns the attempt and failure counts recorded in the
// current hour's metrics_hourly row.
func (s *Store) FailureRate(ctx context.Context) (attempts, failures int64, err error) {
	row := struct {
		Attempts int64 `db:"attempts"`
		Failures int64 `db:"failures"`
	}{}
	getErr := s.db.GetContext(ctx, &row, `
		SELECT attempts, failures FROM metrics_hourly WHERE hour = date_trunc('hour', now())`)
	if errors.Is(getErr, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if getErr != nil {
		return 0, 0, kapperr.StorageFault("read hourly failure rate", getErr)
	}
	return row.Attempts, row.Failures, nil
}

// RetryFailed bulk re-queues failed assets matching filter and resets
// their retryCount to zero (attemptCount is left untouched: it tracks
// total attempts ever begun, not attempts remaining).
func (s *Store) RetryFailed(ctx context.Context, filter types.RetryFailedFilter) (int, error) {
	query := `UPDATE assets SET status = 'queued', retry_count = 0, last_error = NULL,
		queued_at = now(), updated_at = now() WHERE status = 'failed'`
	args := []any{}
	if filter.Source != "" {
		args = append(args, filter.Source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.MaxAttempts > 0 {
		args = append(args, filter.MaxAttempts)
		query += fmt.Sprintf(" AND max_attempts = $%d", len(args))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, kapperr.StorageFault("retry failed assets", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func durationToInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
