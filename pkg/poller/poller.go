/*
Package poller implements QueuePoller, the component that keeps JobQueue
topped up from AssetStore. It is the teacher's scheduler loop
(ticker + stopCh, one exported Start/Stop pair) pointed at a different
question: not "does every service have enough containers" but "does the
queue have enough jobs to keep every wallet busy".
*/
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/log"
	"github.com/cuemby/kapp/pkg/walletpool"
)

// Poller periodically schedules pending assets onto JobQueue.
type Poller struct {
	assets  *assetstore.Store
	wallets *walletpool.Pool
	queue   *jobqueue.Queue
	logger  zerolog.Logger

	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a Poller that runs every interval.
func New(assets *assetstore.Store, wallets *walletpool.Pool, queue *jobqueue.Queue, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		assets:   assets,
		wallets:  wallets,
		queue:    queue,
		logger:   log.WithComponent("poller"),
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop in a new goroutine.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish its current
// cycle.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := p.poll(ctx); err != nil {
				p.logger.Error().Err(err).Msg("poll cycle failed")
			}
			if elapsed := time.Since(start); elapsed > p.interval {
				p.logger.Warn().Dur("elapsed", elapsed).Dur("interval", p.interval).Msg("poll cycle exceeded its interval")
			}
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// poll runs one scheduling cycle: compute free wallet capacity, pull that
// many pending assets ordered by priority, and enqueue each one.
func (p *Poller) poll(ctx context.Context) error {
	stats, err := p.wallets.Stats(ctx)
	if err != nil {
		return err
	}
	if stats.Available == 0 {
		return nil
	}

	queueStats, err := p.queue.Stats(ctx)
	if err != nil {
		return err
	}

	availableSlots := stats.Total - int(queueStats.Waiting+queueStats.Active)
	if availableSlots <= 0 {
		return nil
	}

	assets, err := p.assets.PendingForScheduling(ctx, availableSlots)
	if err != nil {
		return err
	}

	for _, asset := range assets {
		if err := p.queue.Enqueue(ctx, asset.ID, asset.Priority); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn().Err(err).Int64("asset_id", asset.ID).Msg("enqueue failed, will retry next cycle")
			continue
		}
	}
	return nil
}
