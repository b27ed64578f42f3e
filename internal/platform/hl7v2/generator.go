// Package hl7v2 renders a screening FHIR bundle as an HL7 v2.5.1 ORU^R01
// observation result message for downstream clinical systems. Segments are
// produced by substitution into fixed templates; the message is
// deterministic apart from the MSH timestamp and control ID.
package hl7v2

import (
	"fmt"
	"strings"
	"time"

	"github.com/skids/eyear/internal/platform/fhir"
)

// GenerateORU generates an ORU^R01 message from a screening bundle:
// MSH, PID, OBR, then one OBX per Observation entry, sequence numbers
// assigned in bundle entry order starting at 1. A bundle without a Patient
// entry is rejected before any segment is emitted.
func GenerateORU(bundle *fhir.Bundle) ([]byte, error) {
	if bundle == nil {
		return nil, fmt.Errorf("hl7v2: bundle is required")
	}
	patient, err := bundle.Patient()
	if err != nil {
		return nil, fmt.Errorf("hl7v2: %w", err)
	}

	var segments []string

	segments = append(segments, buildMSH("ORU", "R01"))
	segments = append(segments, buildPID(patient))
	segments = append(segments, buildOBR(bundle.DiagnosticReport(), bundle.Timestamp))

	for i, obs := range bundle.Observations() {
		segments = append(segments, buildOBX(i+1, obs))
	}

	return []byte(strings.Join(segments, "\r")), nil
}

// buildMSH constructs the MSH segment header for the given message type and
// trigger event.
func buildMSH(msgType, trigger string) string {
	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := fmt.Sprintf("MSG%s", now.Format("20060102150405.000"))

	return fmt.Sprintf("MSH|^~\\&|SKIDS|EYEAR|Destination|DestFac|%s||%s^%s|%s|P|2.5.1",
		timestamp, msgType, trigger, controlID)
}

// buildPID constructs a PID (patient identification) segment from a FHIR
// Patient resource.
func buildPID(patient fhir.Resource) string {
	if patient == nil {
		return "PID|1"
	}

	// PID-3: Patient Identifier
	patientID := ""
	if ids, ok := getArray(patient, "identifier"); ok && len(ids) > 0 {
		if id, ok := ids[0].(map[string]interface{}); ok {
			if val, ok := getString(id, "value"); ok {
				patientID = escapeHL7(val)
			}
		}
	}

	// PID-5: Patient Name (family^given)
	patientName := ""
	if names, ok := getArray(patient, "name"); ok && len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			family := ""
			given := ""
			if f, ok := getString(name, "family"); ok {
				family = escapeHL7(f)
			}
			if givens, ok := getArray(name, "given"); ok && len(givens) > 0 {
				if g, ok := givens[0].(string); ok {
					given = escapeHL7(g)
				}
			}
			patientName = family + "^" + given
		}
	}

	// PID-7: Date of Birth
	dob := ""
	if birthDate, ok := getString(patient, "birthDate"); ok {
		dob = strings.ReplaceAll(birthDate, "-", "")
	}

	return fmt.Sprintf("PID|1||%s||%s||%s", patientID, patientName, dob)
}

// buildOBR constructs an OBR (observation request) segment from a FHIR
// DiagnosticReport resource; the bundle timestamp is the fallback
// observation datetime.
func buildOBR(report fhir.Resource, bundleTimestamp string) string {
	code := ""
	display := ""
	system := ""

	if report != nil {
		if codeObj, ok := getNestedMap(report, "code"); ok {
			if codings, ok := getArray(codeObj, "coding"); ok && len(codings) > 0 {
				if c, ok := codings[0].(map[string]interface{}); ok {
					if cd, ok := getString(c, "code"); ok {
						code = cd
					}
					if d, ok := getString(c, "display"); ok {
						display = d
					}
					if s, ok := getString(c, "system"); ok {
						system = mapFHIRSystemToShort(s)
					}
				}
			}
		}
	}

	universalID := ""
	if code != "" {
		universalID = escapeHL7(code) + "^" + escapeHL7(display) + "^" + escapeHL7(system)
	}

	timestamp := ""
	if report != nil {
		if dt, ok := getString(report, "effectiveDateTime"); ok {
			timestamp = convertFHIRDateTimeToHL7(dt)
		}
	}
	if timestamp == "" {
		timestamp = convertFHIRDateTimeToHL7(bundleTimestamp)
	}

	return fmt.Sprintf("OBR|1|||%s|||%s", universalID, timestamp)
}

// buildOBX constructs an OBX (observation result) segment from a FHIR
// Observation resource.
func buildOBX(setID int, obs fhir.Resource) string {
	// OBX-2: Value Type
	valueType := "NM" // default to numeric

	// OBX-3: Observation Identifier
	code := ""
	display := ""
	system := ""
	if codeObj, ok := getNestedMap(obs, "code"); ok {
		if codings, ok := getArray(codeObj, "coding"); ok && len(codings) > 0 {
			if c, ok := codings[0].(map[string]interface{}); ok {
				if cd, ok := getString(c, "code"); ok {
					code = cd
				}
				if d, ok := getString(c, "display"); ok {
					display = d
				}
				if s, ok := getString(c, "system"); ok {
					system = mapFHIRSystemToShort(s)
				}
			}
		}
	}

	observationID := ""
	if code != "" {
		observationID = escapeHL7(code) + "^" + escapeHL7(display) + "^" + escapeHL7(system)
	}

	// OBX-5: Observation Value, OBX-6: Units
	value := ""
	unit := ""
	if vq, ok := getNestedMap(obs, "valueQuantity"); ok {
		if v, exists := vq["value"]; exists {
			value = fmt.Sprintf("%v", v)
		}
		if u, ok := getString(vq, "unit"); ok {
			unit = u
		}
	} else if vs, ok := getString(obs, "valueString"); ok {
		valueType = "ST"
		value = escapeHL7(vs)
	}

	// OBX-8: Abnormal Flags. A when the observation carries a refer
	// interpretation, N otherwise.
	abnormalFlag := "N"
	if interps, ok := getArray(obs, "interpretation"); ok && len(interps) > 0 {
		if interp, ok := interps[0].(map[string]interface{}); ok {
			if codings, ok := getArray(interp, "coding"); ok && len(codings) > 0 {
				if c, ok := codings[0].(map[string]interface{}); ok {
					if cd, ok := getString(c, "code"); ok && cd == "A" {
						abnormalFlag = "A"
					}
				}
			}
		}
	}

	// OBX-11: Observation Result Status
	status := "F"
	if s, ok := getString(obs, "status"); ok {
		status = mapObservationStatus(s)
	}

	return fmt.Sprintf("OBX|%d|%s|%s||%s|%s||%s|||%s",
		setID, valueType, observationID, value, unit, abnormalFlag, status)
}

// escapeHL7 escapes HL7 special characters in a string.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func escapeHL7(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

// ---- FHIR Map Accessor Helpers ----

func getString(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func getArray(m map[string]interface{}, key string) ([]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	arr, ok := v.([]interface{})
	return arr, ok
}

func getNestedMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	nested, ok := v.(map[string]interface{})
	return nested, ok
}

// ---- Mapping Helpers ----

// mapFHIRSystemToShort converts a FHIR code system URL to a short identifier.
func mapFHIRSystemToShort(system string) string {
	switch system {
	case "http://loinc.org":
		return "LN"
	case "http://snomed.info/sct":
		return "SCT"
	default:
		return system
	}
}

// mapObservationStatus converts a FHIR observation status to HL7v2 result status.
func mapObservationStatus(status string) string {
	switch status {
	case "final":
		return "F"
	case "preliminary":
		return "P"
	case "cancelled":
		return "X"
	case "corrected":
		return "C"
	default:
		return "F"
	}
}

// convertFHIRDateTimeToHL7 converts a FHIR datetime string to HL7v2 timestamp format.
func convertFHIRDateTimeToHL7(dt string) string {
	for _, layout := range []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, dt); err == nil {
			return t.Format("20060102150405")
		}
	}
	// Fallback: remove common separators
	result := strings.ReplaceAll(dt, "-", "")
	result = strings.ReplaceAll(result, "T", "")
	result = strings.ReplaceAll(result, ":", "")
	result = strings.ReplaceAll(result, "Z", "")
	return result
}
