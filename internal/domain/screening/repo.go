package screening

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repository is the Local Result Store: the device-side source of truth for
// screening results until the sync engine confirms a remote write.
type Repository interface {
	// Put persists or overwrites a result by id.
	Put(ctx context.Context, r *ScreeningResult) error
	// PutTx is Put inside a caller-owned transaction, so the result write
	// and its sync-queue entry commit together.
	PutTx(ctx context.Context, tx *sql.Tx, r *ScreeningResult) error
	Get(ctx context.Context, id uuid.UUID) (*ScreeningResult, error)
	ListByChild(ctx context.Context, childID string) ([]*ScreeningResult, error)
	// ListPending returns results not yet confirmed by the remote.
	ListPending(ctx context.Context) ([]*ScreeningResult, error)
	// MarkSynced records the remote confirmation time. Once set, syncedAt is
	// never cleared or rewritten: a replayed confirmation is a no-op.
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}
