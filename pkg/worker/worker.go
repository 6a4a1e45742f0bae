/*
Package worker implements Worker, the component that turns a dequeued job
into a committed publish outcome. Its control flow is the same
ticker-plus-stopCh loop the teacher's scheduler uses, run concurrently
across a small pool of goroutines instead of a single one, since each
publish attempt blocks on a wallet lease and a network call to the DKG.

One cycle:

	claim (AssetStore.ClaimForProcessing)
	  -> lease a wallet (WalletPool.LeaseFor)
	  -> record the attempt (AssetStore.RecordAttempt)
	  -> mark publishing (AssetStore.MarkPublishing)
	  -> publish (PublishExecutor.Publish)
	  -> settle: MarkPublished/HandleFailure, UpdateAttempt, wallet Release, JobQueue Ack/Nack

Worker never retries inline; HandleFailure's retryCount/maxAttempts
bookkeeping and QueuePoller's next pass are what bring a failed asset back.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/publish"
	"github.com/cuemby/kapp/pkg/types"
	"github.com/cuemby/kapp/pkg/walletpool"
)

const walletPollInterval = 5 * time.Minute

// Pool runs a generation of goroutines pulling jobs off a Queue. The
// generation's size is not fixed: watchWalletCount recomputes it whenever
// WalletPool's total count changes and restarts the generation.
type Pool struct {
	assets   *assetstore.Store
	wallets  *walletpool.Pool
	queue    *jobqueue.Queue
	executor *publish.Executor
	logger   zerolog.Logger

	workerCount int // spec's workerCount: divisor for concurrency sizing
	idleBackoff time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup // watchWalletCount only

	genMu       sync.Mutex
	concurrency int
	genStop     chan struct{}
	genWG       sync.WaitGroup
}

// Config configures a worker Pool.
type Config struct {
	WorkerCount int           // parallel worker processes; per-process concurrency is derived from wallet count
	IdleBackoff time.Duration // sleep between empty Dequeue calls
}

// New builds a Pool. WorkerCount defaults to 1 and IdleBackoff to 2s if
// left zero.
func New(assets *assetstore.Store, wallets *walletpool.Pool, queue *jobqueue.Queue, executor *publish.Executor, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 2 * time.Second
	}
	return &Pool{
		assets:      assets,
		wallets:     wallets,
		queue:       queue,
		executor:    executor,
		logger:      log.WithComponent("worker"),
		workerCount: cfg.WorkerCount,
		idleBackoff: cfg.IdleBackoff,
		stopCh:      make(chan struct{}),
	}
}

// concurrencyFor implements spec's sizing rule: concurrency = max(1,
// ceil(totalWallets / workerCount)).
func concurrencyFor(totalWallets, workerCount int) int {
	if workerCount <= 0 {
		workerCount = 1
	}
	c := int(math.Ceil(float64(totalWallets) / float64(workerCount)))
	if c < 1 {
		c = 1
	}
	return c
}

// Start computes the initial concurrency from the current wallet count and
// launches that many goroutines, plus the wallet-count watcher. It returns
// immediately.
func (p *Pool) Start(ctx context.Context) {
	concurrency := 1
	if stats, err := p.wallets.Stats(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("wallet stats unavailable at startup, defaulting to single-goroutine concurrency")
	} else {
		concurrency = concurrencyFor(stats.Total, p.workerCount)
	}
	p.spawnGeneration(ctx, concurrency)

	p.wg.Add(1)
	go p.watchWalletCount(ctx)
}

// Stop signals every goroutine, current and past generation alike, to exit
// and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.genWG.Wait()
	p.wg.Wait()
}

// spawnGeneration replaces the active concurrency value and launches a
// fresh batch of run goroutines under a new generation-scoped stop
// channel. Callers must not hold genMu.
func (p *Pool) spawnGeneration(ctx context.Context, concurrency int) {
	p.genMu.Lock()
	p.concurrency = concurrency
	genStop := make(chan struct{})
	p.genStop = genStop
	p.genMu.Unlock()

	for i := 0; i < concurrency; i++ {
		p.genWG.Add(1)
		go p.run(ctx, i, genStop)
	}
	p.logger.Info().Int("concurrency", concurrency).Msg("worker pool generation started")
}

// restart swaps the running generation for one sized to concurrency,
// draining the old generation before the new one starts so the two never
// overlap.
func (p *Pool) restart(ctx context.Context, concurrency int) {
	p.genMu.Lock()
	if concurrency == p.concurrency {
		p.genMu.Unlock()
		return
	}
	oldStop := p.genStop
	p.genMu.Unlock()

	close(oldStop)
	p.genWG.Wait()
	p.spawnGeneration(ctx, concurrency)
}

func (p *Pool) run(ctx context.Context, slot int, genStop chan struct{}) {
	defer p.genWG.Done()
	logger := p.logger.With().Int("worker_slot", slot).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		case <-genStop:
			return
		case <-ctx.Done():
			return
		default:
		}

		assetID, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx, p.idleBackoff)
			continue
		}
		if !ok {
			p.sleep(ctx, p.idleBackoff)
			continue
		}

		if err := p.process(ctx, assetID, slot); err != nil {
			logger.Error().Err(err).Int64("asset_id", assetID).Msg("process cycle failed")
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	case <-ctx.Done():
	}
}

func (p *Pool) process(ctx context.Context, assetID int64, slot int) error {
	logger := log.WithAssetID(assetID)
	workerID := workerIDFor(slot)

	claimed, err := p.assets.ClaimForProcessing(ctx, assetID)
	if err != nil {
		return err
	}
	if !claimed {
		// Asset left queued state before we got to it (already terminal,
		// or retry-exhausted by another caller); nothing more to do here.
		return p.queue.Ack(ctx, assetID)
	}

	asset, err := p.assets.Get(ctx, assetID)
	if err != nil {
		return err
	}
	if asset == nil {
		return p.queue.Ack(ctx, assetID)
	}

	leased, err := p.wallets.LeaseFor(ctx, assetID)
	if err != nil {
		return err
	}
	if leased == nil {
		logger.Warn().Msg("no wallet available")
		if err := p.assets.HandleFailure(ctx, assetID, kapperr.NoWalletAvailable().Error()); err != nil {
			return err
		}
		return p.queue.Nack(ctx, assetID)
	}

	success := false
	defer func() {
		if relErr := p.wallets.Release(ctx, leased.ID, success); relErr != nil {
			logger.Error().Err(relErr).Int64("wallet_id", leased.ID).Msg("wallet release failed")
		}
	}()

	attemptID, err := p.assets.RecordAttempt(ctx, assetID, leased.ID, leased.Address, leased.Blockchain, workerID)
	if err != nil {
		return err
	}

	if err := p.assets.MarkPublishing(ctx, assetID); err != nil {
		return err
	}

	started := time.Now()
	identity := publish.Identity{Address: leased.Address, Secret: leased.SigningSecret}
	result, pubErr := p.executor.Publish(ctx, asset, identity)
	duration := time.Since(started).Seconds()

	if pubErr != nil {
		return p.settleFailure(ctx, assetID, attemptID, pubErr, duration)
	}

	success = true
	return p.settleSuccess(ctx, assetID, attemptID, leased.Blockchain, result, duration)
}

func (p *Pool) settleSuccess(ctx context.Context, assetID, attemptID int64, blockchain string, result publish.Result, duration float64) error {
	if err := p.assets.MarkPublished(ctx, assetID, result.UAL, result.TxHash, blockchain); err != nil {
		return err
	}
	if err := p.assets.UpdateAttempt(ctx, attemptID, types.AttemptResult{
		Status:          types.AttemptSuccess,
		UAL:             result.UAL,
		TransactionHash: result.TxHash,
		DurationSeconds: duration,
	}); err != nil {
		return err
	}
	return p.queue.Ack(ctx, assetID)
}

func (p *Pool) settleFailure(ctx context.Context, assetID, attemptID int64, pubErr error, duration float64) error {
	kind, _ := kapperr.KindOf(pubErr)
	attemptStatus := types.AttemptFailed
	if errors.Is(pubErr, context.DeadlineExceeded) || kind == kapperr.KindTimeout {
		attemptStatus = types.AttemptTimeout
	}

	if err := p.assets.UpdateAttempt(ctx, attemptID, types.AttemptResult{
		Status:          attemptStatus,
		ErrorType:       string(kind),
		ErrorMessage:    pubErr.Error(),
		DurationSeconds: duration,
	}); err != nil {
		return err
	}
	if err := p.assets.HandleFailure(ctx, assetID, pubErr.Error()); err != nil {
		return err
	}
	return p.queue.Nack(ctx, assetID)
}

func workerIDFor(slot int) string {
	return fmt.Sprintf("worker-%s-%d", time.Now().Format("20060102"), slot)
}

// watchWalletCount polls WalletPool.Stats and restarts the run-goroutine
// generation whenever the recomputed concurrency no longer matches the
// one currently running.
func (p *Pool) watchWalletCount(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(walletPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := p.wallets.Stats(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("wallet stats poll failed")
				continue
			}
			newConcurrency := concurrencyFor(stats.Total, p.workerCount)

			p.genMu.Lock()
			oldConcurrency := p.concurrency
			p.genMu.Unlock()

			if newConcurrency != oldConcurrency {
				p.logger.Info().
					Int("total", stats.Total).
					Int("available", stats.Available).
					Int("old_concurrency", oldConcurrency).
					Int("new_concurrency", newConcurrency).
					Msg("wallet pool size changed, restarting worker pool")
				p.restart(ctx, newConcurrency)
			}
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
