// Package syncqueue is the durable log of pending mutations awaiting upload.
// Items move pending → syncing → synced | failed; a failed item becomes
// eligible again after a backoff delay until the attempt ceiling, after
// which it stays failed until an explicit user retry. Claims are exclusive:
// two concurrent callers never receive the same item.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Item statuses.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

// Item types. Profile and roster items referencing a child sort ahead of
// screening results for the same child.
const (
	TypeScreeningResult = "screening_result"
	TypeChildProfile    = "child_profile"
	TypeRosterUpdate    = "roster_update"
)

// Item is one queued mutation. ChildID is the dependency key: a
// screening_result is not claimable while an unsynced child_profile or
// roster_update for the same child is still in flight.
type Item struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	ChildID      string          `json:"childId,omitempty"`
	Data         json.RawMessage `json:"data"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastAttempt  *time.Time      `json:"lastAttempt,omitempty"`
	NextEligible *time.Time      `json:"nextEligible,omitempty"`
}

// Terminal reports whether the item can never be claimed again without
// explicit user action.
func (i *Item) Terminal() bool {
	return i.Status == StatusSynced || (i.Status == StatusFailed && i.NextEligible == nil)
}

// Store is the persistence contract for the queue.
type Store interface {
	// Enqueue appends a new item with status pending and zero attempts.
	Enqueue(ctx context.Context, item *Item) error
	// EnqueueTx is Enqueue inside a caller-owned transaction, so a result
	// write and its queue entry commit or roll back together.
	EnqueueTx(ctx context.Context, tx *sql.Tx, item *Item) error
	// ClaimNext atomically selects the oldest claimable item, transitions it
	// to syncing, and returns it. Returns (nil, nil) when nothing is
	// claimable. Claimable means: pending; or failed with an elapsed backoff
	// delay; or syncing with a stale claim (a cycle died mid-item).
	ClaimNext(ctx context.Context) (*Item, error)
	// MarkSynced transitions a syncing item to its terminal synced state.
	// Idempotent on already-synced items.
	MarkSynced(ctx context.Context, id uuid.UUID) error
	// MarkFailed charges an attempt and records the error. Below the attempt
	// ceiling the item becomes eligible again after an exponential backoff
	// delay; at the ceiling it is terminally failed.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// MarkFailedPermanent skips the backoff ladder: the payload can never
	// succeed (validation rejection), so the item is terminally failed at
	// once.
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, reason string) error
	// Release returns a syncing item to pending without charging an attempt.
	// Used when the remote was unreachable: the cycle halts and the item is
	// not penalized.
	Release(ctx context.Context, id uuid.UUID) error
	// ResetForRetry is the explicit user action on a terminally failed item:
	// attempts back to zero, status back to pending.
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	// InFlight reports whether the child already has an item of the given
	// type that will still be uploaded: pending, syncing, or failed with a
	// retry ahead of it. Lets callers skip enqueueing duplicates.
	InFlight(ctx context.Context, childID, itemType string) (bool, error)
	// InFlightTx is InFlight inside a caller-owned transaction.
	InFlightTx(ctx context.Context, tx *sql.Tx, childID, itemType string) (bool, error)
	// ListFailed returns terminally failed items for the retry UI.
	ListFailed(ctx context.Context) ([]*Item, error)
	// Get returns a single item by id.
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	// PruneSynced deletes synced items older than the retention cutoff and
	// returns how many were removed.
	PruneSynced(ctx context.Context, olderThan time.Time) (int, error)
	// Depth returns the item count per status.
	Depth(ctx context.Context) (map[string]int, error)
}
