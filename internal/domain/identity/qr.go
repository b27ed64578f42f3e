package identity

import (
	"encoding/json"
	"fmt"

	"github.com/skids/eyear/internal/errs"
)

// QRVersion is the only enrollment payload version this agent accepts.
const QRVersion = "1.0"

// QRPayload is the JSON carried by an enrollment QR code.
type QRPayload struct {
	Skids   string `json:"skids"`
	ChildID string `json:"childId"`
	Name    string `json:"name"`
	DOB     string `json:"dob"` // YYYY-MM-DD
}

// EncodeQR serializes an enrollment payload for the given profile.
func EncodeQR(p *ChildProfile) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(QRPayload{
		Skids:   QRVersion,
		ChildID: p.ChildID,
		Name:    p.Name,
		DOB:     p.DateOfBirth,
	})
}

// DecodeQR parses an enrollment payload. The version field is checked
// before anything else: an unsupported version is rejected outright, never
// partially parsed into a profile.
func DecodeQR(data []byte) (*ChildProfile, error) {
	var payload QRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &errs.ValidationError{Reason: fmt.Sprintf("malformed QR payload: %v", err)}
	}
	if payload.Skids != QRVersion {
		return nil, &errs.ValidationError{Reason: fmt.Sprintf("unsupported QR payload version %q (want %q)", payload.Skids, QRVersion)}
	}
	profile := &ChildProfile{
		ChildID:     payload.ChildID,
		Name:        payload.Name,
		DateOfBirth: payload.DOB,
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}
