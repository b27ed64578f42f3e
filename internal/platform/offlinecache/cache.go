// Package offlinecache keeps GET responses from the remote API available
// while the device is off network. Entries live in SQLite under a named
// generation; bumping the generation invalidates everything from prior
// app versions at activation time.
package offlinecache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skids/eyear/internal/errs"
)

// ErrMiss is returned when no entry exists for the URL in the active
// generation.
var ErrMiss = errors.New("offlinecache: miss")

const timeFormat = time.RFC3339Nano

// Entry is one cached GET response.
type Entry struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Store persists responses for one named generation.
type Store struct {
	db         *sql.DB
	generation string
}

func NewStore(db *sql.DB, generation string) *Store {
	return &Store{db: db, generation: generation}
}

// Generation returns the active generation name.
func (s *Store) Generation() string { return s.generation }

// Activate purges every generation other than the active one. Run once at
// startup, the service-worker activation analogue.
func (s *Store) Activate(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE generation <> ?`, s.generation)
	if err != nil {
		return 0, &errs.StorageError{Op: "activate cache generation", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &errs.StorageError{Op: "activate cache generation", Err: err}
	}
	return int(n), nil
}

// Put stores a successful GET response, replacing any prior entry for the
// URL. Only 200 responses are worth keeping; callers filter.
func (s *Store) Put(ctx context.Context, e *Entry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (generation, url, status_code, content_type, body, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, url) DO UPDATE SET
		   status_code = excluded.status_code,
		   content_type = excluded.content_type,
		   body = excluded.body,
		   fetched_at = excluded.fetched_at`,
		s.generation, e.URL, e.StatusCode, e.ContentType, e.Body, e.FetchedAt.UTC().Format(timeFormat))
	if err != nil {
		return &errs.StorageError{Op: "cache put", Err: err}
	}
	return nil
}

// Get returns the cached response for the URL, ErrMiss if absent.
func (s *Store) Get(ctx context.Context, url string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, status_code, content_type, body, fetched_at
		 FROM response_cache WHERE generation = ? AND url = ?`, s.generation, url)

	var e Entry
	var fetchedAt string
	err := row.Scan(&e.URL, &e.StatusCode, &e.ContentType, &e.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &errs.StorageError{Op: "cache get", Err: err}
	}
	if e.FetchedAt, err = time.Parse(timeFormat, fetchedAt); err != nil {
		return nil, &errs.StorageError{Op: "cache get", Err: err}
	}
	return &e, nil
}

// Len counts entries in the active generation.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM response_cache WHERE generation = ?`, s.generation).Scan(&n)
	if err != nil {
		return 0, &errs.StorageError{Op: "cache len", Err: err}
	}
	return n, nil
}
