package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skids/eyear/internal/errs"
)

var (
	// ErrNotFound is returned when the item id is unknown.
	ErrNotFound = errors.New("syncqueue: item not found")
	// ErrIllegalTransition is returned when an operation does not match the
	// item's current status.
	ErrIllegalTransition = errors.New("syncqueue: illegal status transition")
)

// Options tunes the queue's retry ladder and claim staleness window.
type Options struct {
	// MaxAttempts is the ceiling after which a failed item is terminal.
	MaxAttempts int
	// BackoffBase is the delay after the first failed attempt; it doubles
	// per attempt up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// ClaimTTL is how long a syncing claim may stand before a later cycle
	// may reclaim the item (the previous cycle is presumed dead).
	ClaimTTL time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 5 * time.Minute
	}
}

// SQLiteStore is the durable queue backed by the agent database.
type SQLiteStore struct {
	db      *sql.DB
	opts    Options
	nowFunc func() time.Time // for testing; defaults to time.Now
}

// NewSQLiteStore wraps db as a queue store. The sync_queue table must
// already exist (db.Migrate).
func NewSQLiteStore(db *sql.DB, opts Options) *SQLiteStore {
	opts.applyDefaults()
	return &SQLiteStore{db: db, opts: opts, nowFunc: time.Now}
}

// timeFormat keeps timestamps lexically comparable inside SQL.
const timeFormat = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

// Backoff returns the re-eligibility delay after the given failed attempt
// count: base doubled per prior attempt, capped.
func (s *SQLiteStore) Backoff(attempts int) time.Duration {
	d := s.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.opts.BackoffCap {
			return s.opts.BackoffCap
		}
	}
	if d > s.opts.BackoffCap {
		return s.opts.BackoffCap
	}
	return d
}

func (s *SQLiteStore) Enqueue(ctx context.Context, item *Item) error {
	return s.enqueue(ctx, s.db, item)
}

func (s *SQLiteStore) EnqueueTx(ctx context.Context, tx *sql.Tx, item *Item) error {
	return s.enqueue(ctx, tx, item)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) enqueue(ctx context.Context, ex execer, item *Item) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	switch item.Type {
	case TypeScreeningResult, TypeChildProfile, TypeRosterUpdate:
	default:
		return &errs.ValidationError{Reason: fmt.Sprintf("unknown queue item type %q", item.Type)}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.nowFunc()
	}
	item.Status = StatusPending
	item.Attempts = 0

	_, err := ex.ExecContext(ctx,
		`INSERT INTO sync_queue (id, type, child_id, data, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		item.ID.String(), item.Type, item.ChildID, string(item.Data), StatusPending, fmtTime(item.CreatedAt))
	if err != nil {
		return &errs.StorageError{Op: "enqueue", Err: err}
	}
	return nil
}

// ClaimNext claims in createdAt order, skipping screening_result items whose
// child still has an unsynced profile or roster item in flight. Permanently
// failed dependencies do not block: the dependent is sent and surfaces its
// own server-side rejection instead of stalling silently. The claim is one
// UPDATE statement, so concurrent callers cannot take the same row.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*Item, error) {
	now := s.nowFunc()
	staleBefore := now.Add(-s.opts.ClaimTTL)

	row := s.db.QueryRowContext(ctx,
		`UPDATE sync_queue SET status = ?, last_attempt = ?
		 WHERE id = (
		   SELECT q.id FROM sync_queue q
		   WHERE (
		     q.status = 'pending'
		     OR (q.status = 'failed' AND q.next_eligible IS NOT NULL AND q.next_eligible <= ?)
		     OR (q.status = 'syncing' AND q.last_attempt IS NOT NULL AND q.last_attempt <= ?)
		   )
		   AND NOT (
		     q.type = 'screening_result' AND EXISTS (
		       SELECT 1 FROM sync_queue d
		       WHERE d.child_id = q.child_id
		         AND d.id <> q.id
		         AND d.type IN ('child_profile', 'roster_update')
		         AND d.status IN ('pending', 'syncing')
		     )
		   )
		   AND NOT (
		     q.type = 'screening_result' AND EXISTS (
		       SELECT 1 FROM sync_queue d
		       WHERE d.child_id = q.child_id
		         AND d.id <> q.id
		         AND d.type IN ('child_profile', 'roster_update')
		         AND d.status = 'failed' AND d.next_eligible IS NOT NULL
		     )
		   )
		   ORDER BY q.created_at, q.id
		   LIMIT 1
		 )
		 RETURNING id, type, child_id, data, status, attempts, error, created_at, last_attempt, next_eligible`,
		StatusSyncing, fmtTime(now), fmtTime(now), fmtTime(staleBefore))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StorageError{Op: "claim next", Err: err}
	}
	return item, nil
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, error = NULL, next_eligible = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		StatusSynced, id.String(), StatusSyncing, StatusSynced)
	if err != nil {
		return &errs.StorageError{Op: "mark synced", Err: err}
	}
	return s.checkTransition(ctx, res, id, StatusSynced)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusSyncing {
		return fmt.Errorf("%w: %s -> failed", ErrIllegalTransition, item.Status)
	}

	now := s.nowFunc()
	attempts := item.Attempts + 1
	var nextEligible any
	if attempts < s.opts.MaxAttempts {
		nextEligible = fmtTime(now.Add(s.Backoff(attempts)))
	}

	// The claim is exclusive, so only this cycle mutates the item; the
	// status guard still protects against a stale-claim reclaimer racing us.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = ?, error = ?, last_attempt = ?, next_eligible = ?
		 WHERE id = ? AND status = ?`,
		StatusFailed, attempts, reason, fmtTime(now), nextEligible, id.String(), StatusSyncing)
	if err != nil {
		return &errs.StorageError{Op: "mark failed", Err: err}
	}
	return s.checkTransition(ctx, res, id, StatusFailed)
}

func (s *SQLiteStore) MarkFailedPermanent(ctx context.Context, id uuid.UUID, reason string) error {
	now := s.nowFunc()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = attempts + 1, error = ?, last_attempt = ?, next_eligible = NULL
		 WHERE id = ? AND status = ?`,
		StatusFailed, reason, fmtTime(now), id.String(), StatusSyncing)
	if err != nil {
		return &errs.StorageError{Op: "mark failed permanent", Err: err}
	}
	return s.checkTransition(ctx, res, id, StatusFailed)
}

func (s *SQLiteStore) Release(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_attempt = NULL
		 WHERE id = ? AND status = ?`,
		StatusPending, id.String(), StatusSyncing)
	if err != nil {
		return &errs.StorageError{Op: "release", Err: err}
	}
	return s.checkTransition(ctx, res, id, StatusPending)
}

func (s *SQLiteStore) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = 0, error = NULL, next_eligible = NULL
		 WHERE id = ? AND status = ?`,
		StatusPending, id.String(), StatusFailed)
	if err != nil {
		return &errs.StorageError{Op: "reset for retry", Err: err}
	}
	return s.checkTransition(ctx, res, id, StatusPending)
}

func (s *SQLiteStore) InFlight(ctx context.Context, childID, itemType string) (bool, error) {
	return s.inFlight(ctx, s.db, childID, itemType)
}

func (s *SQLiteStore) InFlightTx(ctx context.Context, tx *sql.Tx, childID, itemType string) (bool, error) {
	return s.inFlight(ctx, tx, childID, itemType)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inFlight counts pending, syncing, and still-retryable failed items; a
// terminally failed item does not count, it needs a fresh enqueue or an
// explicit retry.
func (s *SQLiteStore) inFlight(ctx context.Context, q querier, childID, itemType string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM sync_queue
		   WHERE child_id = ? AND type = ?
		     AND (status IN ('pending', 'syncing')
		          OR (status = 'failed' AND next_eligible IS NOT NULL))
		 )`, childID, itemType).Scan(&exists)
	if err != nil {
		return false, &errs.StorageError{Op: "in flight", Err: err}
	}
	return exists, nil
}

// checkTransition distinguishes "no such item" from "wrong current status"
// after a guarded UPDATE matched zero rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id uuid.UUID, to string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &errs.StorageError{Op: "rows affected", Err: err}
	}
	if n > 0 {
		return nil
	}
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, item.Status, to)
}

func (s *SQLiteStore) ListFailed(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, child_id, data, status, attempts, error, created_at, last_attempt, next_eligible
		 FROM sync_queue
		 WHERE status = ? AND next_eligible IS NULL
		 ORDER BY created_at`, StatusFailed)
	if err != nil {
		return nil, &errs.StorageError{Op: "list failed", Err: err}
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, &errs.StorageError{Op: "scan failed item", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &errs.StorageError{Op: "list failed", Err: err}
	}
	return items, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, child_id, data, status, attempts, error, created_at, last_attempt, next_eligible
		 FROM sync_queue WHERE id = ?`, id.String())
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &errs.StorageError{Op: "get item", Err: err}
	}
	return item, nil
}

func (s *SQLiteStore) PruneSynced(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND created_at < ?`,
		StatusSynced, fmtTime(olderThan))
	if err != nil {
		return 0, &errs.StorageError{Op: "prune synced", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &errs.StorageError{Op: "prune synced", Err: err}
	}
	return int(n), nil
}

func (s *SQLiteStore) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return nil, &errs.StorageError{Op: "queue depth", Err: err}
	}
	defer rows.Close()

	depth := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &errs.StorageError{Op: "queue depth", Err: err}
		}
		depth[status] = n
	}
	return depth, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		idStr, typ, data, status      string
		childID, errMsg               sql.NullString
		attempts                      int
		createdAt                     string
		lastAttempt, nextEligible     sql.NullString
	)
	if err := row.Scan(&idStr, &typ, &childID, &data, &status, &attempts, &errMsg, &createdAt, &lastAttempt, &nextEligible); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse item id %q: %w", idStr, err)
	}
	created, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	last, err := parseTime(lastAttempt)
	if err != nil {
		return nil, err
	}
	next, err := parseTime(nextEligible)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:           id,
		Type:         typ,
		ChildID:      childID.String,
		Data:         []byte(data),
		Status:       status,
		Attempts:     attempts,
		CreatedAt:    created,
		LastAttempt:  last,
		NextEligible: next,
	}
	if errMsg.Valid && errMsg.String != "" {
		item.Error = &errMsg.String
	}
	return item, nil
}
