package identity

import (
	"context"
	"time"
)

// Repository is the on-device profile store.
type Repository interface {
	// Put persists or overwrites a profile by childId.
	Put(ctx context.Context, p *ChildProfile) error
	Get(ctx context.Context, childID string) (*ChildProfile, error)
	List(ctx context.Context) ([]*ChildProfile, error)
	// MarkSynced records the remote confirmation time. A profile already
	// synced keeps its original timestamp.
	MarkSynced(ctx context.Context, childID string, at time.Time) error
}
