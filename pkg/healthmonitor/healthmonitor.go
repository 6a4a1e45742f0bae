/*
Package healthmonitor implements HealthMonitor, the safety net that finds
assets a crashed worker left stranded and returns them to circulation. It
is adapted from the teacher's reconciler: the same ticker-driven,
mutex-guarded cycle, pointed at asset/wallet staleness instead of
node/container staleness.

Three independent sweeps run on their own cadence:

  - stuck-assigned: assets claimed but never marked publishing within
    assignedTimeout are forced back to queued directly (no retry
    accounting — the asset never began publishing), their JobQueue job is
    Nacked out of active so the poller can enqueue it again, and their
    wallet, if any, is released.
  - stuck-publishing: assets mid-publish past publishingTimeout are
    assumed lost; their latest attempt is marked timeout, their JobQueue
    job is Nacked into the failed set, HandleFailure runs for retry
    accounting, and their wallet is released.
  - stuck-wallets: WalletPool.UnlockStuck releases leases a crashed
    worker never returned. This is a backstop for leases the two sweeps
    above miss, not how they normally release a wallet. The same sweep
    calls JobQueue.AgeOut to trim old completed and failed job records.

A fourth, hourly check logs a warning if the failure rate across the
current clock hour's attempts (the metrics_hourly row for this hour)
crosses 50%, evaluated only once that hour has at least 10 attempts so a
quiet hour doesn't look alarming.
*/
package healthmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/types"
	"github.com/cuemby/kapp/pkg/walletpool"
)

// Config controls sweep cadences and staleness thresholds.
type Config struct {
	StuckAssignedInterval   time.Duration
	StuckPublishingInterval time.Duration
	WalletUnlockInterval    time.Duration
	FailureRateInterval     time.Duration

	AssignedTimeout   time.Duration
	PublishingTimeout time.Duration
}

// DefaultConfig matches the cadences and timeouts from the design: a 5
// minute assigned sweep, a 15 minute publishing sweep, a 30 minute
// wallet-unlock sweep, and an hourly failure-rate check.
func DefaultConfig() Config {
	return Config{
		StuckAssignedInterval:   5 * time.Minute,
		StuckPublishingInterval: 15 * time.Minute,
		WalletUnlockInterval:    30 * time.Minute,
		FailureRateInterval:     time.Hour,
		AssignedTimeout:         5 * time.Minute,
		PublishingTimeout:       15 * time.Minute,
	}
}

// Monitor runs the sweeps above.
type Monitor struct {
	assets  *assetstore.Store
	wallets *walletpool.Pool
	queue   *jobqueue.Queue
	logger  zerolog.Logger
	cfg     Config

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Monitor.
func New(assets *assetstore.Store, wallets *walletpool.Pool, queue *jobqueue.Queue, cfg Config) *Monitor {
	return &Monitor{
		assets:  assets,
		wallets: wallets,
		queue:   queue,
		logger:  log.WithComponent("healthmonitor"),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches all four sweeps as independent ticker loops.
func (m *Monitor) Start(ctx context.Context) {
	sweeps := []struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		{m.cfg.StuckAssignedInterval, m.sweepStuckAssigned},
		{m.cfg.StuckPublishingInterval, m.sweepStuckPublishing},
		{m.cfg.WalletUnlockInterval, m.sweepStuckWallets},
		{m.cfg.FailureRateInterval, m.checkFailureRate},
	}
	for _, sweep := range sweeps {
		m.wg.Add(1)
		go m.loop(ctx, sweep.interval, sweep.fn)
	}
}

// Stop signals every sweep loop to exit and waits for them to drain.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) sweepStuckAssigned(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stuck, err := m.assets.StuckAssets(ctx, assetstore.StuckAssigned, m.cfg.AssignedTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("list stuck-assigned assets failed")
		return
	}
	reason := fmt.Sprintf("assigned but publishing never started within %g minutes", m.cfg.AssignedTimeout.Minutes())
	for _, asset := range stuck {
		m.logger.Warn().Int64("asset_id", asset.ID).Msg("asset stuck in assigned, resetting")

		walletID := asset.WalletID
		if err := m.assets.ResetStuckAssigned(ctx, asset.ID, reason); err != nil {
			m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("reset stuck-assigned asset failed")
			continue
		}
		if err := m.queue.Nack(ctx, asset.ID); err != nil {
			m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("clear stuck job from queue failed")
		}
		if walletID != nil {
			if err := m.wallets.Release(ctx, *walletID, false); err != nil {
				m.logger.Error().Err(err).Int64("asset_id", asset.ID).Int64("wallet_id", *walletID).Msg("release stuck-assigned wallet failed")
			}
		}
	}
}

func (m *Monitor) sweepStuckPublishing(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stuck, err := m.assets.StuckAssets(ctx, assetstore.StuckPublishing, m.cfg.PublishingTimeout)
	if err != nil {
		m.logger.Error().Err(err).Msg("list stuck-publishing assets failed")
		return
	}
	for _, asset := range stuck {
		m.logger.Warn().Int64("asset_id", asset.ID).Msg("asset stuck in publishing, resetting")

		attempt, err := m.assets.LatestAttempt(ctx, asset.ID)
		if err != nil {
			m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("look up latest attempt for stuck-publishing asset failed")
		} else if attempt != nil {
			if err := m.assets.UpdateAttempt(ctx, attempt.ID, types.AttemptResult{
				Status:          types.AttemptTimeout,
				ErrorType:       "Timeout",
				ErrorMessage:    "publish attempt exceeded timeout",
				DurationSeconds: 900,
			}); err != nil {
				m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("mark stuck-publishing attempt timed out failed")
			}
		}

		if err := m.queue.Nack(ctx, asset.ID); err != nil {
			m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("clear stuck job from queue failed")
		}
		if err := m.assets.HandleFailure(ctx, asset.ID, kapperr.Timeout("publish attempt exceeded timeout", nil).Error()); err != nil {
			m.logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("reset stuck-publishing asset failed")
		}
		if asset.WalletID != nil {
			if err := m.wallets.Release(ctx, *asset.WalletID, false); err != nil {
				m.logger.Error().Err(err).Int64("asset_id", asset.ID).Int64("wallet_id", *asset.WalletID).Msg("release stuck-publishing wallet failed")
			}
		}
	}
}

func (m *Monitor) sweepStuckWallets(ctx context.Context) {
	if err := m.queue.AgeOut(ctx); err != nil {
		m.logger.Error().Err(err).Msg("age out queue records failed")
	}
	freed, err := m.wallets.UnlockStuck(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("unlock stuck wallets failed")
		return
	}
	if freed > 0 {
		m.logger.Warn().Int("count", freed).Msg("released stuck wallet leases")
	}
}

const minFailureRateSample = 10

func (m *Monitor) checkFailureRate(ctx context.Context) {
	attempts, failures, err := m.assets.FailureRate(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("read hourly failure rate failed")
		return
	}
	if attempts < minFailureRateSample {
		return
	}
	rate := float64(failures) / float64(attempts)
	if rate > 0.5 {
		m.logger.Warn().
			Int64("attempts", attempts).
			Int64("failures", failures).
			Float64("failure_rate", rate).
			Msg("publish failure rate exceeds 50% this hour")
	}
}
