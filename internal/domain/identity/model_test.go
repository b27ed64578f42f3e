package identity

import (
	"testing"
	"time"

	"github.com/skids/eyear/internal/errs"
)

func TestProfileValidate(t *testing.T) {
	p := &ChildProfile{ChildID: "c1", Name: "Asha", DateOfBirth: "2018-03-14"}
	if err := p.Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}

	bad := *p
	bad.ChildID = ""
	if err := bad.Validate(); !errs.IsValidation(err) {
		t.Errorf("missing childId: got %v, want ValidationError", err)
	}

	bad = *p
	bad.DateOfBirth = "14-03-2018"
	if err := bad.Validate(); !errs.IsValidation(err) {
		t.Errorf("bad dob: got %v, want ValidationError", err)
	}
}

func TestSnapshotStripsBookkeeping(t *testing.T) {
	now := time.Now()
	p := &ChildProfile{
		ChildID: "c1", Name: "Asha", DateOfBirth: "2018-03-14",
		SyncedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	snap := p.Snapshot()
	if snap.SyncedAt != nil || !snap.CreatedAt.IsZero() || !snap.UpdatedAt.IsZero() {
		t.Errorf("snapshot kept bookkeeping: %+v", snap)
	}
	if snap.ChildID != "c1" || snap.Name != "Asha" {
		t.Errorf("snapshot lost identity: %+v", snap)
	}
}

func TestRosterUpdateValidate(t *testing.T) {
	r := &RosterUpdate{ChildID: "c1", SchoolCode: "SCH-9", GradeLevel: "3"}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid roster update rejected: %v", err)
	}
	r.SchoolCode = ""
	if err := r.Validate(); !errs.IsValidation(err) {
		t.Errorf("missing school: got %v, want ValidationError", err)
	}
}
