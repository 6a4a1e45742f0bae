package metrics

import (
	"context"
	"time"

	"github.com/cuemby/kapp/pkg/assetstore"
	"github.com/cuemby/kapp/pkg/jobqueue"
	"github.com/cuemby/kapp/pkg/types"
	"github.com/cuemby/kapp/pkg/walletpool"
)

// Collector polls AssetStore, WalletPool, and JobQueue on an interval and
// publishes their current counts as gauges.
type Collector struct {
	assets  *assetstore.Store
	wallets *walletpool.Pool
	queue   *jobqueue.Queue
	stopCh  chan struct{}
}

// NewCollector builds a Collector over the three durable components that
// carry queryable state.
func NewCollector(assets *assetstore.Store, wallets *walletpool.Pool, queue *jobqueue.Queue) *Collector {
	return &Collector{
		assets:  assets,
		wallets: wallets,
		queue:   queue,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	c.collectAssetMetrics(ctx)
	c.collectWalletMetrics(ctx)
	c.collectQueueMetrics(ctx)
}

func (c *Collector) collectAssetMetrics(ctx context.Context) {
	counts, err := c.assets.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range []types.AssetStatus{
		types.AssetPending, types.AssetQueued, types.AssetAssigned,
		types.AssetPublishing, types.AssetPublished, types.AssetFailed,
	} {
		AssetsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectWalletMetrics(ctx context.Context) {
	stats, err := c.wallets.Stats(ctx)
	if err != nil {
		return
	}
	WalletsTotal.Set(float64(stats.Total))
	WalletsAvailable.Set(float64(stats.Available))
	WalletsInUse.Set(float64(stats.InUse))
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return
	}
	QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
	QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
	QueueDepth.WithLabelValues("completed").Set(float64(stats.Completed))
	QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
}
