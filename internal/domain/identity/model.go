// Package identity manages child identities: the on-device profile store,
// roster updates, and the QR enrollment payload.
package identity

import (
	"fmt"
	"time"

	"github.com/skids/eyear/internal/errs"
)

// ChildProfile identifies one child. A screening result embeds a copy of
// the profile at screening time, so later edits never rewrite history.
type ChildProfile struct {
	ChildID     string     `json:"childId"`
	Name        string     `json:"name"`
	DateOfBirth string     `json:"dateOfBirth"` // YYYY-MM-DD
	SchoolCode  *string    `json:"schoolCode,omitempty"`
	GradeLevel  *string    `json:"gradeLevel,omitempty"`
	ParentEmail *string    `json:"parentEmail,omitempty"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Validate checks required fields and the date-of-birth format.
func (p *ChildProfile) Validate() error {
	if p.ChildID == "" {
		return &errs.ValidationError{Reason: "childId is required"}
	}
	if p.Name == "" {
		return &errs.ValidationError{Reason: "name is required"}
	}
	if _, err := time.Parse("2006-01-02", p.DateOfBirth); err != nil {
		return &errs.ValidationError{Reason: fmt.Sprintf("dateOfBirth %q is not YYYY-MM-DD", p.DateOfBirth)}
	}
	return nil
}

// Snapshot returns an identity copy stripped of sync bookkeeping, suitable
// for embedding in a screening result.
func (p *ChildProfile) Snapshot() ChildProfile {
	snap := *p
	snap.SyncedAt = nil
	snap.CreatedAt = time.Time{}
	snap.UpdatedAt = time.Time{}
	return snap
}

// RosterUpdate is a school roster change for one child, synced through the
// same queue path as profiles.
type RosterUpdate struct {
	ChildID    string `json:"childId"`
	SchoolCode string `json:"schoolCode"`
	GradeLevel string `json:"gradeLevel"`
}

// Validate checks the roster payload.
func (r *RosterUpdate) Validate() error {
	if r.ChildID == "" {
		return &errs.ValidationError{Reason: "childId is required"}
	}
	if r.SchoolCode == "" {
		return &errs.ValidationError{Reason: "schoolCode is required"}
	}
	return nil
}
