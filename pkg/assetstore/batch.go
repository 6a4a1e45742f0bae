package assetstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/types"
)

type batchRow struct {
	ID          int64          `db:"id"`
	Name        sql.NullString `db:"name"`
	Source      sql.NullString `db:"source"`
	Total       int            `db:"total"`
	Pending     int            `db:"pending"`
	Processing  int            `db:"processing"`
	Published   int            `db:"published"`
	Failed      int            `db:"failed"`
	CreatedAt   sql.NullTime   `db:"created_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func (r batchRow) toBatch() *types.Batch {
	b := &types.Batch{
		ID:     r.ID,
		Name:   r.Name.String,
		Source: r.Source.String,
		Counters: types.BatchCounters{
			Total:      r.Total,
			Pending:    r.Pending,
			Processing: r.Processing,
			Published:  r.Published,
			Failed:     r.Failed,
		},
		CreatedAt: r.CreatedAt.Time,
	}
	if r.CompletedAt.Valid {
		b.CompletedAt = &r.CompletedAt.Time
	}
	return b
}

// CreateBatch creates an empty batch. Assets are attached to it later via
// AttachToBatch (at register time, or afterward).
func (s *Store) CreateBatch(ctx context.Context, name, source string) (*types.Batch, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO batches (name, source) VALUES ($1, $2) RETURNING id`,
		nullableString(name), nullableString(source))
	if err != nil {
		return nil, kapperr.StorageFault("create batch", err)
	}
	return s.GetBatch(ctx, id)
}

// GetBatch fetches a batch by id, returning (nil, nil) if absent.
func (s *Store) GetBatch(ctx context.Context, id int64) (*types.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kapperr.StorageFault("get batch", err)
	}
	return row.toBatch(), nil
}

// AttachToBatch assigns assetID to batchID and increments the batch's
// pending and total counters. Used when a caller registers an asset after
// a batch already exists rather than passing BatchID at Register time.
func (s *Store) AttachToBatch(ctx context.Context, assetID, batchID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return kapperr.StorageFault("begin attach-to-batch tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE assets SET batch_id = $2, updated_at = now() WHERE id = $1 AND batch_id IS NULL`, assetID, batchID)
	if err != nil {
		return kapperr.StorageFault("attach asset to batch", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return kapperr.InvalidTransition("asset already belongs to a batch or does not exist")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE batches SET total = total + 1, pending = pending + 1 WHERE id = $1`, batchID); err != nil {
		return kapperr.StorageFault("increment batch counters", err)
	}

	return tx.Commit()
}

// batchIDOf returns the batch_id of asset id, or 0 if it has none.
func (s *Store) batchIDOf(ctx context.Context, assetID int64) (int64, error) {
	var batchID sql.NullInt64
	err := s.db.GetContext(ctx, &batchID, `SELECT batch_id FROM assets WHERE id = $1`, assetID)
	if err != nil {
		return 0, err
	}
	return batchID.Int64, nil
}

// settleBatchCounters moves one asset's contribution from pending into
// processing (on claim) or from processing into published/failed (on a
// terminal transition). Called with the asset's batch_id; a nil batchID
// (passed as 0) is a no-op guarded by the caller.
func (s *Store) settleBatchCounters(ctx context.Context, batchID int64, from, to string) error {
	if batchID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET `+from+` = `+from+` - 1, `+to+` = `+to+` + 1,
			completed_at = CASE WHEN pending = 0 AND processing = 0 THEN now() ELSE completed_at END
		WHERE id = $1`, batchID)
	return err
}
