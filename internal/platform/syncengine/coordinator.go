package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event wakes the coordinator.
type Event string

const (
	EventConnectivityRestored Event = "connectivity-restored"
	EventItemEnqueued         Event = "item-enqueued"
	EventManualTrigger        Event = "manual-trigger"
)

// CoordinatorOptions tunes the coordinator's timers.
type CoordinatorOptions struct {
	// PollInterval bounds how long a backed-off item waits for its next
	// attempt when no event arrives.
	PollInterval time.Duration
	// PruneInterval is how often synced items are pruned.
	PruneInterval time.Duration
}

// Coordinator serializes sync cycles on a single goroutine. Events arriving
// while a cycle runs coalesce into at most one follow-up cycle, so a burst
// of enqueues cannot pile up concurrent cycles.
type Coordinator struct {
	engine *Engine
	log    zerolog.Logger
	opts   CoordinatorOptions

	events chan Event
	wg     sync.WaitGroup
}

func NewCoordinator(engine *Engine, log zerolog.Logger, opts CoordinatorOptions) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	return &Coordinator{
		engine: engine,
		log:    log,
		opts:   opts,
		// One slot: a pending wake-up is all the state a cycle needs.
		events: make(chan Event, 1),
	}
}

// Notify requests a sync cycle. Never blocks; if a wake-up is already
// pending the event is coalesced into it.
func (c *Coordinator) Notify(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// Start runs the event loop until ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Wait blocks until the event loop has exited.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	prune := time.NewTicker(c.opts.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.runCycle(ctx, string(ev))
		case <-poll.C:
			// Backed-off items become eligible by clock, not by event.
			c.runCycle(ctx, "poll")
		case <-prune.C:
			if n, err := c.engine.Prune(ctx); err != nil {
				c.log.Error().Err(err).Msg("prune synced items failed")
			} else if n > 0 {
				c.log.Info().Int("pruned", n).Msg("synced queue items pruned")
			}
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context, trigger string) {
	stats, err := c.engine.RunSyncCycle(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Str("trigger", trigger).Msg("sync cycle failed")
		}
		return
	}
	c.log.Info().
		Str("trigger", trigger).
		Int("synced", stats.Synced).
		Int("retried", stats.Retried).
		Int("rejected", stats.Rejected).
		Bool("unreachable", stats.Unreachable).
		Msg("sync cycle finished")
}
