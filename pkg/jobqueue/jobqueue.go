/*
Package jobqueue implements JobQueue, a Redis-backed priority queue for one
named queue, "knowledge-asset-publishing". It is the coordination point for
"is this asset already scheduled?": job ids are deterministic
("asset-"+assetID), so Enqueue is naturally idempotent against the
duplicate-enqueue race QueuePoller and a crash-restart can both trigger.

The queue is modeled as a handful of Redis keys rather than a single
opaque structure, following the same key-per-concern layout
flyingrobots-go-redis-work-queue's backend types imply for a Redis
QueueBackend:

	kapp:queue:waiting    sorted set, member=jobID, score=priority rank
	kapp:queue:active     set of jobIDs currently leased to a worker
	kapp:queue:completed  sorted set, member=jobID, score=completion unix time
	kapp:queue:failed     sorted set, member=jobID, score=failure unix time
	kapp:queue:job:<id>   hash: asset_id, priority, state, enqueued_at
	kapp:queue:paused     string flag; presence pauses Dequeue

Delivery is at-least-once: Dequeue moves a job from waiting to active, but
a crash between that move and the worker's eventual Ack/Nack leaves it in
active until HealthMonitor's stuck-assigned or stuck-publishing sweep
Nacks it and the poller re-enqueues the asset once AssetStore has
returned it to queued.
*/
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cuemby/kapp/pkg/kapperr"
	"github.com/cuemby/kapp/pkg/log"
)

const (
	queueName = "knowledge-asset-publishing"

	keyWaiting   = "kapp:queue:waiting"
	keyActive    = "kapp:queue:active"
	keyCompleted = "kapp:queue:completed"
	keyFailed    = "kapp:queue:failed"
	keyPaused    = "kapp:queue:paused"
	jobKeyPrefix = "kapp:queue:job:"

	removeOnCompleteAfter = 24 * time.Hour
	removeOnCompleteCount = 100
	removeOnFailAfter     = 7 * 24 * time.Hour
	removeOnFailCount     = 50
)

// State is a job's place in the queue lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Stats summarizes queue depth by state.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64 // always 0: kapp retries at the application layer, not via delayed jobs
}

// Queue is the Redis-backed JobQueue implementation.
type Queue struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, logger: log.WithComponent("jobqueue")}
}

func jobID(assetID int64) string {
	return fmt.Sprintf("asset-%d", assetID)
}

// Enqueue adds assetID to the queue with the given priority. The job id is
// derived deterministically from assetID, so a second Enqueue call for the
// same asset while it is waiting, active, or delayed is a no-op. If the
// prior job already completed or failed, that stale record is discarded
// and replaced.
func (q *Queue) Enqueue(ctx context.Context, assetID int64, priority int) error {
	id := jobID(assetID)
	jobKey := jobKeyPrefix + id

	state, err := q.rdb.HGet(ctx, jobKey, "state").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return kapperr.StorageFault("read job state", err)
	}
	switch State(state) {
	case StateWaiting, StateActive:
		return nil // already scheduled; idempotent no-op
	case StateCompleted, StateFailed:
		if err := q.removeFromTerminalSets(ctx, id); err != nil {
			return err
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: rankScore(priority), Member: id})
	pipe.HSet(ctx, jobKey, map[string]any{
		"asset_id":    assetID,
		"priority":    priority,
		"state":       string(StateWaiting),
		"enqueued_at": time.Now().Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return kapperr.StorageFault("enqueue job", err)
	}
	return nil
}

// rankScore orders the waiting sorted set by priority descending (higher
// priority pops first) with insertion time breaking ties in FIFO order.
func rankScore(priority int) float64 {
	return float64(100-priority)*1e13 + float64(time.Now().UnixNano()%1e13)
}

func (q *Queue) removeFromTerminalSets(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyCompleted, id)
	pipe.ZRem(ctx, keyFailed, id)
	pipe.Del(ctx, jobKeyPrefix+id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return kapperr.StorageFault("clear stale terminal job record", err)
	}
	return nil
}

// Dequeue moves the highest-priority waiting job into active and returns
// its asset id. Returns (0, false, nil) if the queue is empty or paused.
func (q *Queue) Dequeue(ctx context.Context) (int64, bool, error) {
	paused, err := q.rdb.Exists(ctx, keyPaused).Result()
	if err != nil {
		return 0, false, kapperr.StorageFault("check paused flag", err)
	}
	if paused == 1 {
		return 0, false, nil
	}

	result, err := q.rdb.ZPopMin(ctx, keyWaiting, 1).Result()
	if err != nil {
		return 0, false, kapperr.StorageFault("pop job", err)
	}
	if len(result) == 0 {
		return 0, false, nil
	}
	id, ok := result[0].Member.(string)
	if !ok {
		return 0, false, fmt.Errorf("jobqueue: unexpected member type in waiting set")
	}

	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, keyActive, id)
	pipe.HSet(ctx, jobKeyPrefix+id, "state", string(StateActive))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, kapperr.StorageFault("mark job active", err)
	}

	assetID, err := q.rdb.HGet(ctx, jobKeyPrefix+id, "asset_id").Int64()
	if err != nil {
		return 0, false, kapperr.StorageFault("read job asset id", err)
	}
	return assetID, true, nil
}

// Ack marks assetID's job completed and schedules it for aging out per
// removeOnComplete policy.
func (q *Queue) Ack(ctx context.Context, assetID int64) error {
	return q.settle(ctx, assetID, keyCompleted, StateCompleted)
}

// Nack marks assetID's job failed and schedules it for aging out per
// removeOnFail policy. The worker has already invoked AssetStore's own
// retry accounting; JobQueue's failed record exists only for operator
// visibility and stats.
func (q *Queue) Nack(ctx context.Context, assetID int64) error {
	return q.settle(ctx, assetID, keyFailed, StateFailed)
}

func (q *Queue) settle(ctx context.Context, assetID int64, destKey string, state State) error {
	id := jobID(assetID)
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, keyActive, id)
	pipe.ZAdd(ctx, destKey, redis.Z{Score: float64(time.Now().Unix()), Member: id})
	pipe.HSet(ctx, jobKeyPrefix+id, "state", string(state))
	if _, err := pipe.Exec(ctx); err != nil {
		return kapperr.StorageFault("settle job", err)
	}
	return nil
}

// Stats reports queue depth by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	active := pipe.SCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, kapperr.StorageFault("queue stats", err)
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Pause stops Dequeue from returning jobs until Resume is called.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.rdb.Set(ctx, keyPaused, "1", 0).Err(); err != nil {
		return kapperr.StorageFault("pause queue", err)
	}
	return nil
}

// Resume clears a prior Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.rdb.Del(ctx, keyPaused).Err(); err != nil {
		return kapperr.StorageFault("resume queue", err)
	}
	return nil
}

// ClearCompleted deletes every completed job record immediately, ignoring
// the normal removeOnComplete aging policy.
func (q *Queue) ClearCompleted(ctx context.Context) (int, error) {
	return q.clearSet(ctx, keyCompleted)
}

// ClearFailed deletes every failed job record immediately.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	return q.clearSet(ctx, keyFailed)
}

func (q *Queue) clearSet(ctx context.Context, key string) (int, error) {
	ids, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, kapperr.StorageFault("list jobs to clear", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for _, id := range ids {
		pipe.Del(ctx, jobKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, kapperr.StorageFault("clear jobs", err)
	}
	return len(ids), nil
}

// RetryFailed moves every failed job back to waiting at its original
// priority. This is an operator control distinct from AssetStore's own
// RetryFailed: it only affects jobs that reached JobQueue's failed set,
// not assets that AssetStore already re-queued on its own.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRange(ctx, keyFailed, 0, -1).Result()
	if err != nil {
		return 0, kapperr.StorageFault("list failed jobs", err)
	}
	moved := 0
	for _, id := range ids {
		priority, err := q.rdb.HGet(ctx, jobKeyPrefix+id, "priority").Int()
		if err != nil {
			continue
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyFailed, id)
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: rankScore(priority), Member: id})
		pipe.HSet(ctx, jobKeyPrefix+id, "state", string(StateWaiting))
		if _, err := pipe.Exec(ctx); err == nil {
			moved++
		}
	}
	return moved, nil
}

// AgeOut deletes completed jobs older than removeOnComplete and failed
// jobs older than removeOnFail, keeping at most removeOnCompleteCount /
// removeOnFailCount of the most recent records in each set regardless of
// age. HealthMonitor calls this from its stuck-wallets sweep; it is not
// triggered inline by settle to keep Ack/Nack cheap.
func (q *Queue) AgeOut(ctx context.Context) error {
	if err := q.ageOutSet(ctx, keyCompleted, removeOnCompleteAfter, removeOnCompleteCount); err != nil {
		return err
	}
	return q.ageOutSet(ctx, keyFailed, removeOnFailAfter, removeOnFailCount)
}

func (q *Queue) ageOutSet(ctx context.Context, key string, maxAge time.Duration, keepCount int64) error {
	cutoff := float64(time.Now().Add(-maxAge).Unix())
	if err := q.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", cutoff)).Err(); err != nil {
		return kapperr.StorageFault("age out by time", err)
	}

	count, err := q.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return kapperr.StorageFault("count set for age-out", err)
	}
	if count > keepCount {
		if err := q.rdb.ZRemRangeByRank(ctx, key, 0, count-keepCount-1).Err(); err != nil {
			return kapperr.StorageFault("age out by count", err)
		}
	}
	return nil
}
