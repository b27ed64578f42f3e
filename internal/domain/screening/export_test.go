package screening

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skids/eyear/internal/platform/hl7v2"
)

func completeResult(t *testing.T) *ScreeningResult {
	t.Helper()
	r := &ScreeningResult{
		ID:         uuid.MustParse("a3a4bb8c-2c9e-4cf4-9d3f-7a61f64fdc01"),
		Profile:    testProfile(),
		Vision:     failVision(),
		Hearing:    passHearing(),
		ScreenedAt: time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC),
		CreatedAt:  time.Date(2026, 8, 20, 9, 31, 0, 0, time.UTC),
	}
	r.Derive()
	return r
}

func TestToFHIRBundleStructure(t *testing.T) {
	r := completeResult(t)
	exportedAt := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)

	bundle, err := ToFHIRBundle(r, exportedAt)
	if err != nil {
		t.Fatalf("ToFHIRBundle: %v", err)
	}

	if bundle.Timestamp != "2026-08-25T14:00:00Z" {
		t.Errorf("bundle timestamp = %q, want export moment", bundle.Timestamp)
	}

	patient, err := bundle.Patient()
	if err != nil {
		t.Fatalf("bundle has no patient: %v", err)
	}
	if patient.ID() != r.Profile.ChildID {
		t.Errorf("patient id = %q, want %q", patient.ID(), r.Profile.ChildID)
	}

	obs := bundle.Observations()
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2 (vision + hearing)", len(obs))
	}
	if report := bundle.DiagnosticReport(); report == nil {
		t.Fatal("bundle has no DiagnosticReport")
	} else if report["conclusion"] != StatusRefer {
		t.Errorf("report conclusion = %v, want refer", report["conclusion"])
	}
}

func TestToFHIRBundleSkippedTestOmitsObservation(t *testing.T) {
	r := completeResult(t)
	r.Hearing = nil
	r.Derive()

	bundle, err := ToFHIRBundle(r, time.Now())
	if err != nil {
		t.Fatalf("ToFHIRBundle: %v", err)
	}
	if got := len(bundle.Observations()); got != 1 {
		t.Errorf("got %d observations, want 1 for vision-only result", got)
	}
}

func TestToFHIRBundleRejectsInvalidResult(t *testing.T) {
	r := completeResult(t)
	r.PassStatus = StatusPass // contradicts the failed vision test
	if _, err := ToFHIRBundle(r, time.Now()); err == nil {
		t.Fatal("expected validation error for tampered result")
	}
}

// Round-trip property: a complete result produces an ORU message with
// exactly two OBX segments numbered 1 and 2 in bundle entry order.
func TestFHIRToHL7RoundTrip(t *testing.T) {
	r := completeResult(t)
	bundle, err := ToFHIRBundle(r, time.Now())
	if err != nil {
		t.Fatalf("ToFHIRBundle: %v", err)
	}

	msg, err := hl7v2.GenerateORU(bundle)
	if err != nil {
		t.Fatalf("GenerateORU: %v", err)
	}

	segments := strings.Split(string(msg), "\r")
	var obx []string
	for _, seg := range segments {
		if strings.HasPrefix(seg, "OBX|") {
			obx = append(obx, seg)
		}
	}
	if len(obx) != 2 {
		t.Fatalf("got %d OBX segments, want 2:\n%s", len(obx), strings.Join(segments, "\n"))
	}
	if !strings.HasPrefix(obx[0], "OBX|1|") || !strings.HasPrefix(obx[1], "OBX|2|") {
		t.Errorf("OBX sequence numbers wrong:\n%s\n%s", obx[0], obx[1])
	}
	// Vision observation precedes hearing in entry order.
	if !strings.Contains(obx[0], loincVisionAcuity) {
		t.Errorf("first OBX should carry the vision LOINC code: %s", obx[0])
	}
	if !strings.Contains(obx[1], loincHearingScreen) {
		t.Errorf("second OBX should carry the hearing LOINC code: %s", obx[1])
	}
	// The failed vision screen is flagged abnormal.
	if !strings.Contains(obx[0], "|A|") {
		t.Errorf("failed vision OBX should carry abnormal flag: %s", obx[0])
	}
}

func TestSplitName(t *testing.T) {
	cases := []struct {
		in, family, given string
	}{
		{"Asha Rao", "Rao", "Asha"},
		{"Maria del Carmen Ortiz", "Ortiz", "Maria"},
		{"Cher", "Cher", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		family, given := splitName(tc.in)
		if family != tc.family || given != tc.given {
			t.Errorf("splitName(%q) = (%q, %q), want (%q, %q)", tc.in, family, given, tc.family, tc.given)
		}
	}
}
