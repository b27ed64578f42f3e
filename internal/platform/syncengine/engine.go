package syncengine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skids/eyear/internal/errs"
	"github.com/skids/eyear/internal/platform/syncqueue"
	"github.com/skids/eyear/internal/platform/telemetry"
)

// Uploader is the remote side of a sync cycle.
type Uploader interface {
	MintCycleToken() (string, error)
	Upload(ctx context.Context, token string, item *syncqueue.Item) error
}

// Finalizer records a remote acceptance against the local stores.
type Finalizer interface {
	FinalizeSynced(ctx context.Context, item *syncqueue.Item, at time.Time) error
}

// Options tunes engine housekeeping.
type Options struct {
	// SyncedRetention is how long confirmed items stay in the queue before
	// Prune removes them.
	SyncedRetention time.Duration
}

// Engine drains the sync queue against the remote API. One cycle claims
// items until the queue is empty, the network drops, or the context is
// cancelled. Item failures are isolated: a rejected item never aborts the
// cycle, only an unreachable network does.
type Engine struct {
	queue    syncqueue.Store
	client   Uploader
	finalize Finalizer
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	opts     Options
}

func New(queue syncqueue.Store, client Uploader, finalize Finalizer, metrics *telemetry.Metrics, log zerolog.Logger, opts Options) *Engine {
	if opts.SyncedRetention <= 0 {
		opts.SyncedRetention = 7 * 24 * time.Hour
	}
	return &Engine{queue: queue, client: client, finalize: finalize, metrics: metrics, log: log, opts: opts}
}

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	Synced      int
	Retried     int
	Rejected    int
	Unreachable bool
}

// RunSyncCycle claims and uploads eligible items in dependency order until
// none remain. Returns the stats even on early halt.
func (e *Engine) RunSyncCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	var stats CycleStats
	defer func() {
		e.metrics.ObserveCycle(time.Since(start))
		if depth, err := e.queue.Depth(ctx); err == nil {
			e.metrics.SetQueueDepth(depth)
		}
	}()

	token, err := e.client.MintCycleToken()
	if err != nil {
		return stats, err
	}

	for {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		item, err := e.queue.ClaimNext(ctx)
		if err != nil {
			return stats, err
		}
		if item == nil {
			break
		}

		uploadErr := e.client.Upload(ctx, token, item)
		if ctx.Err() != nil {
			// Cancelled mid-upload: hand the claim back uncharged.
			e.releaseQuietly(item)
			return stats, ctx.Err()
		}

		switch {
		case uploadErr == nil:
			now := time.Now().UTC()
			if err := e.finalize.FinalizeSynced(ctx, item, now); err != nil {
				// Local bookkeeping failed; keep the item retryable, the
				// remote upsert makes the replay harmless.
				e.log.Error().Err(err).Str("item_id", item.ID.String()).Msg("finalize after upload failed")
				e.markFailed(ctx, item, "finalize: "+err.Error(), &stats)
				continue
			}
			if err := e.queue.MarkSynced(ctx, item.ID); err != nil {
				e.log.Error().Err(err).Str("item_id", item.ID.String()).Msg("mark synced failed")
				continue
			}
			stats.Synced++
			e.metrics.ObserveAttempt(telemetry.OutcomeSynced)
			e.log.Info().Str("item_id", item.ID.String()).Str("type", item.Type).Msg("item synced")

		case errs.IsTransientNetwork(uploadErr):
			// Network is down. No attempt charged; stop trying until
			// connectivity comes back.
			e.releaseQuietly(item)
			stats.Unreachable = true
			e.metrics.ObserveAttempt(telemetry.OutcomeUnreachable)
			e.log.Warn().Err(uploadErr).Msg("network unreachable, sync cycle halted")
			return stats, nil

		case errs.IsValidation(uploadErr):
			if err := e.queue.MarkFailedPermanent(ctx, item.ID, uploadErr.Error()); err != nil {
				e.log.Error().Err(err).Str("item_id", item.ID.String()).Msg("mark failed permanent failed")
				continue
			}
			stats.Rejected++
			e.metrics.ObserveAttempt(telemetry.OutcomePermanent)
			e.log.Warn().Err(uploadErr).Str("item_id", item.ID.String()).Str("type", item.Type).
				Msg("item rejected by remote, needs user attention")

		default:
			// Server fault or timeout: charge the attempt and back off.
			e.markFailed(ctx, item, uploadErr.Error(), &stats)
			e.log.Warn().Err(uploadErr).Str("item_id", item.ID.String()).
				Int("attempts", item.Attempts+1).Msg("upload failed, will retry")
		}
	}
	return stats, nil
}

func (e *Engine) markFailed(ctx context.Context, item *syncqueue.Item, reason string, stats *CycleStats) {
	if err := e.queue.MarkFailed(ctx, item.ID, reason); err != nil {
		e.log.Error().Err(err).Str("item_id", item.ID.String()).Msg("mark failed failed")
		return
	}
	stats.Retried++
	e.metrics.ObserveAttempt(telemetry.OutcomeRetry)
}

func (e *Engine) releaseQuietly(item *syncqueue.Item) {
	// Use a fresh context; the cycle's may already be dead.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.queue.Release(ctx, item.ID); err != nil {
		e.log.Error().Err(err).Str("item_id", item.ID.String()).Msg("release claim failed")
	}
}

// Prune drops synced items past the retention window.
func (e *Engine) Prune(ctx context.Context) (int, error) {
	return e.queue.PruneSynced(ctx, time.Now().UTC().Add(-e.opts.SyncedRetention))
}
