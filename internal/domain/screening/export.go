package screening

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skids/eyear/internal/platform/fhir"
)

// Fixed code mappings for the exported observations.
const (
	loincVisionAcuity        = "79880-1"
	loincVisionAcuityDisplay = "Visual acuity log MAR"
	loincHearingScreen       = "28615-3"
	loincHearingDisplay      = "Audiology study"

	screeningPanelSystem  = "urn:skids:codes"
	screeningPanelCode    = "EYEAR-SCREEN"
	screeningPanelDisplay = "Pediatric vision and hearing screening"

	interpretationSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
)

// ToFHIRBundle renders a screening result as a FHIR collection bundle:
// Patient, one Observation per administered test, and a DiagnosticReport.
// Deterministic for a given result except the bundle timestamp, which is
// the moment of export, not of screening.
func ToFHIRBundle(r *ScreeningResult, exportedAt time.Time) (*fhir.Bundle, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	bundle := fhir.NewCollectionBundle(exportedAt)
	bundle.Add(patientResource(r))

	if r.Vision != nil {
		bundle.Add(visionObservation(r))
	}
	if r.Hearing != nil {
		bundle.Add(hearingObservation(r))
	}
	bundle.Add(diagnosticReport(r))

	return bundle, nil
}

func patientResource(r *ScreeningResult) fhir.Resource {
	family, given := splitName(r.Profile.Name)
	name := map[string]interface{}{"text": r.Profile.Name}
	if family != "" {
		name["family"] = family
	}
	if given != "" {
		name["given"] = []interface{}{given}
	}
	return fhir.Resource{
		"resourceType": "Patient",
		"id":           r.Profile.ChildID,
		"identifier": []interface{}{
			map[string]interface{}{"system": "urn:skids:child-id", "value": r.Profile.ChildID},
		},
		"name":      []interface{}{name},
		"birthDate": r.Profile.DateOfBirth,
	}
}

func visionObservation(r *ScreeningResult) fhir.Resource {
	obs := observationBase(r, r.ID.String()+"-vision", fhir.Coding{
		System: fhir.LOINCSystem, Code: loincVisionAcuity, Display: loincVisionAcuityDisplay,
	}, r.Vision.Pass)
	obs["valueQuantity"] = map[string]interface{}{
		"value": r.Vision.LogMAR,
		"unit":  "logMAR",
	}
	return obs
}

func hearingObservation(r *ScreeningResult) fhir.Resource {
	obs := observationBase(r, r.ID.String()+"-hearing", fhir.Coding{
		System: fhir.LOINCSystem, Code: loincHearingScreen, Display: loincHearingDisplay,
	}, r.Hearing.Pass)
	if r.Hearing.Pass {
		obs["valueString"] = "pass"
	} else {
		obs["valueString"] = "refer"
	}

	// One component per tested frequency, in ascending frequency order so
	// repeated exports are byte-identical.
	freqs := make([]int, 0, len(r.Hearing.Frequencies))
	for f := range r.Hearing.Frequencies {
		freqs = append(freqs, f)
	}
	sort.Ints(freqs)
	var components []interface{}
	for _, f := range freqs {
		reading := r.Hearing.Frequencies[f]
		detected := "not detected"
		if reading.Detected {
			detected = "detected"
		}
		components = append(components, map[string]interface{}{
			"code": map[string]interface{}{
				"text": fmt.Sprintf("Tone detection at %d Hz", f),
			},
			"valueString": detected,
		})
	}
	if len(components) > 0 {
		obs["component"] = components
	}
	return obs
}

func observationBase(r *ScreeningResult, id string, code fhir.Coding, pass bool) fhir.Resource {
	interpretation := "A"
	if pass {
		interpretation = "N"
	}
	return fhir.Resource{
		"resourceType": "Observation",
		"id":           id,
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": code.System, "code": code.Code, "display": code.Display},
			},
			"text": code.Display,
		},
		"subject":           map[string]interface{}{"reference": fhir.FormatReference("Patient", r.Profile.ChildID)},
		"effectiveDateTime": r.ScreenedAt.UTC().Format(time.RFC3339),
		"interpretation": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{"system": interpretationSystem, "code": interpretation},
				},
			},
		},
	}
}

func diagnosticReport(r *ScreeningResult) fhir.Resource {
	var results []interface{}
	if r.Vision != nil {
		results = append(results, map[string]interface{}{
			"reference": fhir.FormatReference("Observation", r.ID.String()+"-vision"),
		})
	}
	if r.Hearing != nil {
		results = append(results, map[string]interface{}{
			"reference": fhir.FormatReference("Observation", r.ID.String()+"-hearing"),
		})
	}
	report := fhir.Resource{
		"resourceType": "DiagnosticReport",
		"id":           r.ID.String(),
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": screeningPanelSystem, "code": screeningPanelCode, "display": screeningPanelDisplay},
			},
			"text": screeningPanelDisplay,
		},
		"subject":           map[string]interface{}{"reference": fhir.FormatReference("Patient", r.Profile.ChildID)},
		"effectiveDateTime": r.ScreenedAt.UTC().Format(time.RFC3339),
		"conclusion":        r.PassStatus,
	}
	if results != nil {
		report["result"] = results
	}
	return report
}

// splitName derives family^given parts from a display name: the last word
// is the family name, the first the given name. A single-word name maps to
// family only.
func splitName(name string) (family, given string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[len(parts)-1], parts[0]
	}
}
