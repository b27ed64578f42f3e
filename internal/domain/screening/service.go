package screening

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skids/eyear/internal/domain/identity"
	"github.com/skids/eyear/internal/errs"
	"github.com/skids/eyear/internal/platform/hl7v2"
	"github.com/skids/eyear/internal/platform/syncqueue"
)

// Service owns result creation and the enqueue side of the sync pipeline.
// The result write and its queue entries commit in one transaction: a
// result is never persisted without a pending upload, and never enqueued
// without a persisted record.
type Service struct {
	db       *sql.DB
	results  Repository
	profiles identity.Repository
	queue    syncqueue.Store
	log      zerolog.Logger
	notify   func() // wakes the sync coordinator after an enqueue; may be nil
}

func NewService(db *sql.DB, results Repository, profiles identity.Repository, queue syncqueue.Store, log zerolog.Logger) *Service {
	return &Service{db: db, results: results, profiles: profiles, queue: queue, log: log}
}

// SetNotify registers the coordinator wake-up hook.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

func (s *Service) wake() {
	if s.notify != nil {
		s.notify()
	}
}

// CreateResultInput is the screening UI's completion payload.
type CreateResultInput struct {
	Profile     identity.ChildProfile `json:"profile"`
	Vision      *VisionResult         `json:"vision,omitempty"`
	Hearing     *HearingResult        `json:"hearing,omitempty"`
	OfflineMode bool                  `json:"offlineMode"`
	ScreenedAt  time.Time             `json:"screenedAt"`
}

// CreateResult assigns the result its permanent UUID, derives the pass
// status, persists it, and enqueues the upload. When the child's profile
// has not yet been confirmed by the remote, a child_profile item is
// enqueued ahead of the result so the queue's dependency ordering holds.
func (s *Service) CreateResult(ctx context.Context, in CreateResultInput) (*ScreeningResult, error) {
	now := time.Now().UTC()
	if in.ScreenedAt.IsZero() {
		in.ScreenedAt = now
	}

	result := &ScreeningResult{
		ID:          uuid.New(),
		Profile:     in.Profile.Snapshot(),
		Vision:      in.Vision,
		Hearing:     in.Hearing,
		OfflineMode: in.OfflineMode,
		ScreenedAt:  in.ScreenedAt,
		CreatedAt:   now,
	}
	result.Derive()
	if err := result.Validate(); err != nil {
		return nil, err
	}

	// Keep the local profile store current before the transactional part.
	profile := in.Profile
	if err := s.profiles.Put(ctx, &profile); err != nil {
		return nil, err
	}
	// The store, not the request payload, decides whether the profile still
	// needs an upload. A client claiming syncedAt proves nothing.
	stored, err := s.profiles.Get(ctx, profile.ChildID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errs.StorageError{Op: "begin create tx", Err: err}
	}
	defer tx.Rollback()

	if err := s.results.PutTx(ctx, tx, result); err != nil {
		return nil, err
	}

	needProfile := stored.SyncedAt == nil
	if needProfile {
		// Don't stack a second profile item when one is already awaiting
		// upload for this child.
		queued, err := s.queue.InFlightTx(ctx, tx, profile.ChildID, syncqueue.TypeChildProfile)
		if err != nil {
			return nil, err
		}
		needProfile = !queued
	}
	if needProfile {
		profileData, err := json.Marshal(stored.Snapshot())
		if err != nil {
			return nil, &errs.StorageError{Op: "encode profile payload", Err: err}
		}
		if err := s.queue.EnqueueTx(ctx, tx, &syncqueue.Item{
			Type:      syncqueue.TypeChildProfile,
			ChildID:   profile.ChildID,
			Data:      profileData,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	resultData, err := json.Marshal(result)
	if err != nil {
		return nil, &errs.StorageError{Op: "encode result payload", Err: err}
	}
	if err := s.queue.EnqueueTx(ctx, tx, &syncqueue.Item{
		Type:      syncqueue.TypeScreeningResult,
		ChildID:   result.Profile.ChildID,
		Data:      resultData,
		CreatedAt: now.Add(time.Nanosecond), // after its profile item
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, &errs.StorageError{Op: "commit create tx", Err: err}
	}

	s.log.Info().
		Str("result_id", result.ID.String()).
		Str("child_id", result.Profile.ChildID).
		Str("pass_status", result.PassStatus).
		Bool("offline", result.OfflineMode).
		Msg("screening result recorded")

	s.wake()
	return result, nil
}

// EnrollChild registers a child from a scanned enrollment QR payload and
// queues the profile for upload unless the remote already knows it.
func (s *Service) EnrollChild(ctx context.Context, raw []byte) (*identity.ChildProfile, error) {
	profile, err := identity.DecodeQR(raw)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.Put(ctx, profile); err != nil {
		return nil, err
	}
	stored, err := s.profiles.Get(ctx, profile.ChildID)
	if err != nil {
		return nil, err
	}

	if stored.SyncedAt == nil {
		queued, err := s.queue.InFlight(ctx, stored.ChildID, syncqueue.TypeChildProfile)
		if err != nil {
			return nil, err
		}
		if !queued {
			data, err := json.Marshal(stored.Snapshot())
			if err != nil {
				return nil, &errs.StorageError{Op: "encode profile payload", Err: err}
			}
			if err := s.queue.Enqueue(ctx, &syncqueue.Item{
				Type:    syncqueue.TypeChildProfile,
				ChildID: stored.ChildID,
				Data:    data,
			}); err != nil {
				return nil, err
			}
			s.wake()
		}
	}

	s.log.Info().Str("child_id", stored.ChildID).Msg("child enrolled")
	return stored, nil
}

// ChildQR renders a child's enrollment QR payload, for re-printing a badge
// or handing the child off to another device.
func (s *Service) ChildQR(ctx context.Context, childID string) ([]byte, error) {
	profile, err := s.profiles.Get(ctx, childID)
	if err != nil {
		return nil, err
	}
	return identity.EncodeQR(profile)
}

// UpdateRoster applies a roster change locally and enqueues it for upload.
func (s *Service) UpdateRoster(ctx context.Context, update identity.RosterUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	profile, err := s.profiles.Get(ctx, update.ChildID)
	if err != nil {
		return err
	}
	profile.SchoolCode = &update.SchoolCode
	if update.GradeLevel != "" {
		profile.GradeLevel = &update.GradeLevel
	}
	if err := s.profiles.Put(ctx, profile); err != nil {
		return err
	}

	data, err := json.Marshal(update)
	if err != nil {
		return &errs.StorageError{Op: "encode roster payload", Err: err}
	}
	if err := s.queue.Enqueue(ctx, &syncqueue.Item{
		Type:    syncqueue.TypeRosterUpdate,
		ChildID: update.ChildID,
		Data:    data,
	}); err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*ScreeningResult, error) {
	return s.results.Get(ctx, id)
}

func (s *Service) ListByChild(ctx context.Context, childID string) ([]*ScreeningResult, error) {
	return s.results.ListByChild(ctx, childID)
}

func (s *Service) ListPending(ctx context.Context) ([]*ScreeningResult, error) {
	return s.results.ListPending(ctx)
}

// ListFailedSync returns terminally failed queue items for the retry UI.
func (s *Service) ListFailedSync(ctx context.Context) ([]*syncqueue.Item, error) {
	return s.queue.ListFailed(ctx)
}

// RetryFailed resets a terminally failed item on explicit user action.
// Attempts are never reset automatically.
func (s *Service) RetryFailed(ctx context.Context, itemID uuid.UUID) error {
	if err := s.queue.ResetForRetry(ctx, itemID); err != nil {
		return err
	}
	s.log.Info().Str("item_id", itemID.String()).Msg("failed sync item reset by user")
	s.wake()
	return nil
}

// FinalizeSynced records a remote confirmation against the local stores.
// Called by the sync engine after the remote accepts an item; idempotent,
// since an acknowledgment may be replayed after a lost response.
func (s *Service) FinalizeSynced(ctx context.Context, item *syncqueue.Item, at time.Time) error {
	switch item.Type {
	case syncqueue.TypeScreeningResult:
		var payload struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.Unmarshal(item.Data, &payload); err != nil {
			return fmt.Errorf("decode result payload: %w", err)
		}
		return s.results.MarkSynced(ctx, payload.ID, at)
	case syncqueue.TypeChildProfile:
		return s.profiles.MarkSynced(ctx, item.ChildID, at)
	case syncqueue.TypeRosterUpdate:
		// Roster changes have no local sync marker beyond the queue item.
		return nil
	default:
		return fmt.Errorf("finalize: unknown item type %q", item.Type)
	}
}

// Export renders a synced or pending result in the requested interop
// format. The bundle timestamp is the export moment.
func (s *Service) ExportFHIR(ctx context.Context, id uuid.UUID) ([]byte, error) {
	result, err := s.results.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	bundle, err := ToFHIRBundle(result, time.Now())
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(bundle, "", "  ")
}

// ExportHL7 renders a result as an HL7 v2 ORU^R01 message.
func (s *Service) ExportHL7(ctx context.Context, id uuid.UUID) ([]byte, error) {
	result, err := s.results.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	bundle, err := ToFHIRBundle(result, time.Now())
	if err != nil {
		return nil, err
	}
	return hl7v2.GenerateORU(bundle)
}

// IsNotFound reports whether err is a missing-record error from either the
// result or profile store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, identity.ErrNotFound) || errors.Is(err, syncqueue.ErrNotFound)
}
