/*
Package walletpool implements WalletPool, the coordination point for "who
can sign?". Exactly one LeaseFor call may hold a given wallet at a time;
that guarantee is enforced by SELECT ... FOR UPDATE SKIP LOCKED inside a
single transaction rather than by any in-process lock, the same pattern
brave-intl-bat-go's wallet datastore uses for its pg_advisory_xact_lock
acquisitions — here the row lock itself is the mutex, so no separate
advisory lock is needed.
*/
package walletpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/security"
	"github.com/cuemby/kapp/pkg/types"
)

const stuckLockAge = 30 * time.Minute

// Pool is the durable WalletPool implementation backed by Postgres.
type Pool struct {
	db      *sqlx.DB
	secrets *security.SecretsManager
	logger  zerolog.Logger
}

// New wraps db and a SecretsManager used to decrypt leased wallets'
// signing secrets on the way out and encrypt new wallets' secrets on the
// way in.
func New(db *sqlx.DB, secrets *security.SecretsManager) *Pool {
	return &Pool{db: db, secrets: secrets, logger: log.WithComponent("walletpool")}
}

type walletRow struct {
	ID               int64          `db:"id"`
	Address          string         `db:"address"`
	SecretCiphertext []byte         `db:"secret_ciphertext"`
	Blockchain       string         `db:"blockchain"`
	Active           bool           `db:"active"`
	Locked           bool           `db:"locked"`
	LockedBy         sql.NullString `db:"locked_by"`
	LockedAt         sql.NullTime   `db:"locked_at"`
	LastUsedAt       sql.NullTime   `db:"last_used_at"`
	TotalUses        int64          `db:"total_uses"`
	SuccessfulUses   int64          `db:"successful_uses"`
	FailedUses       int64          `db:"failed_uses"`
}

func (r walletRow) toWallet() *types.Wallet {
	w := &types.Wallet{
		ID:               r.ID,
		Address:          r.Address,
		SecretCiphertext: r.SecretCiphertext,
		Blockchain:       r.Blockchain,
		Active:           r.Active,
		Locked:           r.Locked,
		LockedBy:         r.LockedBy.String,
		TotalUses:        r.TotalUses,
		SuccessfulUses:   r.SuccessfulUses,
		FailedUses:       r.FailedUses,
	}
	if r.LockedAt.Valid {
		w.LockedAt = &r.LockedAt.Time
	}
	if r.LastUsedAt.Valid {
		w.LastUsedAt = &r.LastUsedAt.Time
	}
	return w
}

// AddWallet encrypts secret and inserts a new active, unlocked wallet.
func (p *Pool) AddWallet(ctx context.Context, address, blockchain string, secret []byte) (*types.Wallet, error) {
	ciphertext, err := p.secrets.EncryptSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("walletpool: encrypt wallet secret: %w", err)
	}
	var id int64
	err = p.db.GetContext(ctx, &id, `
		INSERT INTO wallets (address, secret_ciphertext, blockchain, active)
		VALUES ($1, $2, $3, true) RETURNING id`, address, ciphertext, blockchain)
	if err != nil {
		return nil, kapperr.StorageFault("insert wallet", err)
	}

	var row walletRow
	if err := p.db.GetContext(ctx, &row, `SELECT * FROM wallets WHERE id = $1`, id); err != nil {
		return nil, kapperr.StorageFault("get inserted wallet", err)
	}
	return row.toWallet(), nil
}

// LeasedWallet is a Wallet plus its decrypted signing secret, valid only
// for the duration of the lease.
type LeasedWallet struct {
	*types.Wallet
	SigningSecret []byte
}

// LeaseFor selects and locks the first active, unlocked wallet, writes
// the asset's wallet_id, and returns the wallet with its secret
// decrypted. Leasing is not scoped to any one blockchain: a wallet's
// chain identity is metadata carried downstream (recordAttempt,
// markPublished), not a selection criterion, so any idle wallet can serve
// any asset. Returns (nil, nil) if no wallet is available.
func (p *Pool) LeaseFor(ctx context.Context, assetID int64) (*LeasedWallet, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kapperr.StorageFault("begin lease tx", err)
	}
	defer tx.Rollback()

	var row walletRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM wallets
		WHERE active AND NOT locked
		ORDER BY last_used_at ASC NULLS FIRST
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kapperr.StorageFault("select wallet for lease", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET locked = true, locked_at = now(), locked_by = $2
		WHERE id = $1`, row.ID, fmt.Sprintf("asset-%d", assetID)); err != nil {
		return nil, kapperr.StorageFault("lock wallet", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE assets SET wallet_id = $2, updated_at = now() WHERE id = $1`, assetID, row.ID); err != nil {
		return nil, kapperr.StorageFault("write wallet onto asset", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, kapperr.StorageFault("commit lease tx", err)
	}

	secret, err := p.secrets.DecryptSecret(row.SecretCiphertext)
	if err != nil {
		return nil, fmt.Errorf("walletpool: decrypt leased wallet secret: %w", err)
	}

	p.logger.Debug().Int64("wallet_id", row.ID).Int64("asset_id", assetID).Msg("wallet leased")
	return &LeasedWallet{Wallet: row.toWallet(), SigningSecret: secret}, nil
}

// Release unlocks walletID and records the outcome of the work it was
// leased for.
func (p *Pool) Release(ctx context.Context, walletID int64, success bool) error {
	col := "failed_uses"
	if success {
		col = "successful_uses"
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET locked = false, locked_at = NULL, locked_by = NULL,
			last_used_at = now(), total_uses = total_uses + 1, `+col+` = `+col+` + 1
		WHERE id = $1`, walletID)
	if err != nil {
		return kapperr.StorageFault("release wallet", err)
	}

	hour := time.Now().Truncate(time.Hour)
	successInc, failInc := 0, 0
	if success {
		successInc = 1
	} else {
		failInc = 1
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO wallet_metrics (wallet_id, hour, uses, successes, failures)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (wallet_id) DO UPDATE SET
			hour = EXCLUDED.hour,
			uses = CASE WHEN wallet_metrics.hour = EXCLUDED.hour THEN wallet_metrics.uses + 1 ELSE 1 END,
			successes = CASE WHEN wallet_metrics.hour = EXCLUDED.hour THEN wallet_metrics.successes + EXCLUDED.successes ELSE EXCLUDED.successes END,
			failures = CASE WHEN wallet_metrics.hour = EXCLUDED.hour THEN wallet_metrics.failures + EXCLUDED.failures ELSE EXCLUDED.failures END`,
		walletID, hour, successInc, failInc)
	if err != nil {
		p.logger.Warn().Err(err).Int64("wallet_id", walletID).Msg("failed to update wallet_metrics")
	}
	return nil
}

type statsRow struct {
	Total     int     `db:"total"`
	Available int     `db:"available"`
	InUse     int     `db:"in_use"`
	AvgUses   float64 `db:"avg_uses"`
}

// Stats reports pool-wide wallet availability.
func (p *Pool) Stats(ctx context.Context) (types.WalletStats, error) {
	var row statsRow
	err := p.db.GetContext(ctx, &row, `
		SELECT
			count(*) AS total,
			count(*) FILTER (WHERE active AND NOT locked) AS available,
			count(*) FILTER (WHERE locked) AS in_use,
			coalesce(avg(total_uses), 0) AS avg_uses
		FROM wallets`)
	if err != nil {
		return types.WalletStats{}, kapperr.StorageFault("wallet stats", err)
	}
	return types.WalletStats{Total: row.Total, Available: row.Available, InUse: row.InUse, AvgUses: row.AvgUses}, nil
}

// Health reports false if walletID is locked longer than 30 minutes.
func (p *Pool) Health(ctx context.Context, walletID int64) (bool, error) {
	var lockedAt sql.NullTime
	err := p.db.GetContext(ctx, &lockedAt, `SELECT locked_at FROM wallets WHERE id = $1 AND locked`, walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, kapperr.StorageFault("wallet health lookup", err)
	}
	return time.Since(lockedAt.Time) <= stuckLockAge, nil
}

// UnlockStuck releases every wallet locked longer than 30 minutes and
// returns how many were freed. Idempotent.
func (p *Pool) UnlockStuck(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET locked = false, locked_at = NULL, locked_by = NULL
		WHERE locked AND locked_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(stuckLockAge.Seconds())))
	if err != nil {
		return 0, kapperr.StorageFault("unlock stuck wallets", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
