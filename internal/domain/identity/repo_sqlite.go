package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skids/eyear/internal/errs"
)

// ErrNotFound is returned when no profile exists for the childId.
var ErrNotFound = errors.New("identity: profile not found")

const timeFormat = time.RFC3339Nano

// SQLiteRepository persists profiles in the agent database.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Put(ctx context.Context, p *ChildProfile) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO child_profiles (child_id, name, date_of_birth, school_code, grade_level, parent_email, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(child_id) DO UPDATE SET
		   name = excluded.name,
		   date_of_birth = excluded.date_of_birth,
		   school_code = excluded.school_code,
		   grade_level = excluded.grade_level,
		   parent_email = excluded.parent_email,
		   updated_at = excluded.updated_at`,
		p.ChildID, p.Name, p.DateOfBirth, p.SchoolCode, p.GradeLevel, p.ParentEmail,
		p.CreatedAt.Format(timeFormat), p.UpdatedAt.Format(timeFormat))
	if err != nil {
		return &errs.StorageError{Op: "put profile", Err: err}
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, childID string) (*ChildProfile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT child_id, name, date_of_birth, school_code, grade_level, parent_email, synced_at, created_at, updated_at
		 FROM child_profiles WHERE child_id = ?`, childID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &errs.StorageError{Op: "get profile", Err: err}
	}
	return p, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*ChildProfile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT child_id, name, date_of_birth, school_code, grade_level, parent_email, synced_at, created_at, updated_at
		 FROM child_profiles ORDER BY name`)
	if err != nil {
		return nil, &errs.StorageError{Op: "list profiles", Err: err}
	}
	defer rows.Close()

	var profiles []*ChildProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, &errs.StorageError{Op: "scan profile", Err: err}
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// MarkSynced sets synced_at once; a replayed confirmation is a no-op.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, childID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE child_profiles SET synced_at = ? WHERE child_id = ? AND synced_at IS NULL`,
		at.UTC().Format(timeFormat), childID)
	if err != nil {
		return &errs.StorageError{Op: "mark profile synced", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*ChildProfile, error) {
	var (
		p                  ChildProfile
		school, grade, email, syncedAt sql.NullString
		createdAt, updatedAt           string
	)
	if err := row.Scan(&p.ChildID, &p.Name, &p.DateOfBirth, &school, &grade, &email, &syncedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if school.Valid {
		p.SchoolCode = &school.String
	}
	if grade.Valid {
		p.GradeLevel = &grade.String
	}
	if email.Valid {
		p.ParentEmail = &email.String
	}
	if syncedAt.Valid && syncedAt.String != "" {
		t, err := time.Parse(timeFormat, syncedAt.String)
		if err != nil {
			return nil, err
		}
		p.SyncedAt = &t
	}
	var err error
	if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
