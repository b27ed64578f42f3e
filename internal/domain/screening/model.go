package screening

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skids/eyear/internal/domain/identity"
	"github.com/skids/eyear/internal/errs"
)

// Pass status values for a screening result.
const (
	StatusPass       = "pass"
	StatusRefer      = "refer"
	StatusIncomplete = "incomplete"
)

// Audiometry frequencies tested by the hearing screen, in Hz.
var HearingFrequencies = []int{1000, 2000, 4000}

// VisionResult is the outcome of one visual acuity screen.
type VisionResult struct {
	LogMAR       float64 `json:"logMAR"`
	Pass         bool    `json:"pass"`
	Confidence   float64 `json:"confidence"`     // 0..100
	TestDuration int64   `json:"testDurationMs"` // milliseconds
}

// Validate bounds-checks the vision value object.
func (v *VisionResult) Validate() error {
	if v.LogMAR < -1.0 || v.LogMAR > 2.0 {
		return &errs.ValidationError{Reason: fmt.Sprintf("logMAR %.2f outside [-1.0, 2.0]", v.LogMAR)}
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return &errs.ValidationError{Reason: fmt.Sprintf("vision confidence %.1f outside [0, 100]", v.Confidence)}
	}
	if v.TestDuration < 0 {
		return &errs.ValidationError{Reason: "vision testDuration must be non-negative"}
	}
	return nil
}

// FrequencyReading is the detection outcome at a single audiometry frequency.
type FrequencyReading struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
}

// HearingResult is the outcome of one audiometry screen across the fixed
// frequency set.
type HearingResult struct {
	Frequencies  map[int]FrequencyReading `json:"frequencies"`
	Pass         bool                     `json:"pass"`
	Confidence   float64                  `json:"confidence"`
	TestDuration int64                    `json:"testDurationMs"`
}

// Validate bounds-checks the hearing value object and rejects frequencies
// outside the fixed 1000/2000/4000 Hz set.
func (h *HearingResult) Validate() error {
	if h.Confidence < 0 || h.Confidence > 100 {
		return &errs.ValidationError{Reason: fmt.Sprintf("hearing confidence %.1f outside [0, 100]", h.Confidence)}
	}
	if h.TestDuration < 0 {
		return &errs.ValidationError{Reason: "hearing testDuration must be non-negative"}
	}
	for freq, reading := range h.Frequencies {
		known := false
		for _, f := range HearingFrequencies {
			if freq == f {
				known = true
				break
			}
		}
		if !known {
			return &errs.ValidationError{Reason: fmt.Sprintf("unsupported audiometry frequency %d Hz", freq)}
		}
		if reading.Confidence < 0 || reading.Confidence > 100 {
			return &errs.ValidationError{Reason: fmt.Sprintf("confidence at %d Hz outside [0, 100]", freq)}
		}
	}
	return nil
}

// ScreeningResult is the aggregate record for one screening session.
// Vision and Hearing are nil when the test was not administered, which is
// distinct from a failed test.
type ScreeningResult struct {
	ID             uuid.UUID             `json:"id"`
	Profile        identity.ChildProfile `json:"profile"`
	Vision         *VisionResult         `json:"vision,omitempty"`
	Hearing        *HearingResult        `json:"hearing,omitempty"`
	PassStatus     string                `json:"passStatus"`
	ReferralNeeded bool                  `json:"referralNeeded"`
	OfflineMode    bool                  `json:"offlineMode"`
	ScreenedAt     time.Time             `json:"screenedAt"`
	SyncedAt       *time.Time            `json:"syncedAt,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// ComputePassStatus derives the aggregate status from the two sub-results:
// incomplete when both are absent, refer when any present result failed,
// otherwise pass.
func ComputePassStatus(vision *VisionResult, hearing *HearingResult) string {
	if vision == nil && hearing == nil {
		return StatusIncomplete
	}
	if vision != nil && !vision.Pass {
		return StatusRefer
	}
	if hearing != nil && !hearing.Pass {
		return StatusRefer
	}
	return StatusPass
}

// ComputeReferralNeeded derives the referral flag; it degrades to whichever
// tests exist and is false for an incomplete result.
func ComputeReferralNeeded(vision *VisionResult, hearing *HearingResult) bool {
	return ComputePassStatus(vision, hearing) == StatusRefer
}

// Derive recomputes PassStatus and ReferralNeeded from the sub-results.
func (r *ScreeningResult) Derive() {
	r.PassStatus = ComputePassStatus(r.Vision, r.Hearing)
	r.ReferralNeeded = ComputeReferralNeeded(r.Vision, r.Hearing)
}

// Validate checks the aggregate and both sub-results, and that the derived
// fields match the sub-results.
func (r *ScreeningResult) Validate() error {
	if r.ID == uuid.Nil {
		return &errs.ValidationError{Reason: "result id is required"}
	}
	if err := r.Profile.Validate(); err != nil {
		return err
	}
	if r.Vision != nil {
		if err := r.Vision.Validate(); err != nil {
			return err
		}
	}
	if r.Hearing != nil {
		if err := r.Hearing.Validate(); err != nil {
			return err
		}
	}
	if want := ComputePassStatus(r.Vision, r.Hearing); r.PassStatus != want {
		return &errs.ValidationError{Reason: fmt.Sprintf("passStatus %q does not match sub-results (want %q)", r.PassStatus, want)}
	}
	if want := ComputeReferralNeeded(r.Vision, r.Hearing); r.ReferralNeeded != want {
		return &errs.ValidationError{Reason: "referralNeeded does not match sub-results"}
	}
	return nil
}
