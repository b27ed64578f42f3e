package screening

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skids/eyear/internal/domain/identity"
	"github.com/skids/eyear/internal/errs"
)

// ErrNotFound is returned when no result exists for the id.
var ErrNotFound = errors.New("screening: result not found")

const timeFormat = time.RFC3339Nano

// SQLiteRepository persists screening results in the agent database. The
// profile snapshot and sub-results are stored as JSON columns; the derived
// fields are denormalized for querying.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Put(ctx context.Context, res *ScreeningResult) error {
	return r.put(ctx, r.db, res)
}

func (r *SQLiteRepository) PutTx(ctx context.Context, tx *sql.Tx, res *ScreeningResult) error {
	return r.put(ctx, tx, res)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) put(ctx context.Context, ex execer, res *ScreeningResult) error {
	if err := res.Validate(); err != nil {
		return err
	}
	profileJSON, err := json.Marshal(res.Profile)
	if err != nil {
		return &errs.StorageError{Op: "encode profile", Err: err}
	}
	var visionJSON, hearingJSON any
	if res.Vision != nil {
		b, err := json.Marshal(res.Vision)
		if err != nil {
			return &errs.StorageError{Op: "encode vision", Err: err}
		}
		visionJSON = string(b)
	}
	if res.Hearing != nil {
		b, err := json.Marshal(res.Hearing)
		if err != nil {
			return &errs.StorageError{Op: "encode hearing", Err: err}
		}
		hearingJSON = string(b)
	}
	var syncedAt any
	if res.SyncedAt != nil {
		syncedAt = res.SyncedAt.UTC().Format(timeFormat)
	}

	_, err = ex.ExecContext(ctx,
		`INSERT INTO screening_results (id, child_id, profile_json, vision_json, hearing_json,
		   pass_status, referral_needed, offline_mode, screened_at, synced_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   profile_json = excluded.profile_json,
		   vision_json = excluded.vision_json,
		   hearing_json = excluded.hearing_json,
		   pass_status = excluded.pass_status,
		   referral_needed = excluded.referral_needed,
		   offline_mode = excluded.offline_mode,
		   screened_at = excluded.screened_at`,
		res.ID.String(), res.Profile.ChildID, string(profileJSON), visionJSON, hearingJSON,
		res.PassStatus, boolInt(res.ReferralNeeded), boolInt(res.OfflineMode),
		res.ScreenedAt.UTC().Format(timeFormat), syncedAt, res.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return &errs.StorageError{Op: "put result", Err: err}
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*ScreeningResult, error) {
	row := r.db.QueryRowContext(ctx, selectResult+` WHERE id = ?`, id.String())
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &errs.StorageError{Op: "get result", Err: err}
	}
	return res, nil
}

func (r *SQLiteRepository) ListByChild(ctx context.Context, childID string) ([]*ScreeningResult, error) {
	return r.list(ctx, selectResult+` WHERE child_id = ? ORDER BY screened_at`, childID)
}

func (r *SQLiteRepository) ListPending(ctx context.Context) ([]*ScreeningResult, error) {
	return r.list(ctx, selectResult+` WHERE synced_at IS NULL ORDER BY screened_at`)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*ScreeningResult, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.StorageError{Op: "list results", Err: err}
	}
	defer rows.Close()

	var results []*ScreeningResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, &errs.StorageError{Op: "scan result", Err: err}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// MarkSynced sets synced_at once; replayed confirmations never rewrite it.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE screening_results SET synced_at = ? WHERE id = ? AND synced_at IS NULL`,
		at.UTC().Format(timeFormat), id.String())
	if err != nil {
		return &errs.StorageError{Op: "mark result synced", Err: err}
	}
	return nil
}

const selectResult = `SELECT id, profile_json, vision_json, hearing_json,
	pass_status, referral_needed, offline_mode, screened_at, synced_at, created_at
	FROM screening_results`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*ScreeningResult, error) {
	var (
		idStr, profileJSON, passStatus string
		visionJSON, hearingJSON        sql.NullString
		referral, offline              int
		screenedAt, createdAt          string
		syncedAt                       sql.NullString
	)
	if err := row.Scan(&idStr, &profileJSON, &visionJSON, &hearingJSON,
		&passStatus, &referral, &offline, &screenedAt, &syncedAt, &createdAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse result id %q: %w", idStr, err)
	}
	res := &ScreeningResult{
		ID:             id,
		PassStatus:     passStatus,
		ReferralNeeded: referral != 0,
		OfflineMode:    offline != 0,
	}
	var profile identity.ChildProfile
	if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	res.Profile = profile
	if visionJSON.Valid && visionJSON.String != "" {
		res.Vision = &VisionResult{}
		if err := json.Unmarshal([]byte(visionJSON.String), res.Vision); err != nil {
			return nil, fmt.Errorf("decode vision: %w", err)
		}
	}
	if hearingJSON.Valid && hearingJSON.String != "" {
		res.Hearing = &HearingResult{}
		if err := json.Unmarshal([]byte(hearingJSON.String), res.Hearing); err != nil {
			return nil, fmt.Errorf("decode hearing: %w", err)
		}
	}
	if res.ScreenedAt, err = time.Parse(timeFormat, screenedAt); err != nil {
		return nil, fmt.Errorf("parse screened_at: %w", err)
	}
	if res.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if syncedAt.Valid && syncedAt.String != "" {
		t, err := time.Parse(timeFormat, syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse synced_at: %w", err)
		}
		res.SyncedAt = &t
	}
	return res, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
