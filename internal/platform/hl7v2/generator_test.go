package hl7v2

import (
	"strings"
	"testing"
	"time"

	"github.com/skids/eyear/internal/platform/fhir"
)

func testBundle() *fhir.Bundle {
	b := fhir.NewCollectionBundle(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	b.Add(fhir.Resource{
		"resourceType": "Patient",
		"id":           "child-9",
		"identifier": []interface{}{
			map[string]interface{}{"value": "child-9"},
		},
		"name": []interface{}{
			map[string]interface{}{"family": "Rao", "given": []interface{}{"Asha"}},
		},
		"birthDate": "2018-03-14",
	})
	b.Add(fhir.Resource{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code": map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "79880-1", "display": "Visual acuity log MAR"},
			},
		},
		"valueQuantity": map[string]interface{}{"value": 0.3, "unit": "logMAR"},
	})
	return b
}

func TestGenerateORUSegments(t *testing.T) {
	msg, err := GenerateORU(testBundle())
	if err != nil {
		t.Fatalf("GenerateORU: %v", err)
	}
	segments := strings.Split(string(msg), "\r")
	if len(segments) != 4 {
		t.Fatalf("got %d segments, want MSH+PID+OBR+OBX: %q", len(segments), segments)
	}
	if !strings.HasPrefix(segments[0], "MSH|^~\\&|SKIDS|EYEAR|") {
		t.Errorf("MSH header: %s", segments[0])
	}
	if !strings.HasPrefix(segments[1], "PID|1||child-9||Rao^Asha||20180314") {
		t.Errorf("PID segment: %s", segments[1])
	}
	if !strings.HasPrefix(segments[3], "OBX|1|NM|79880-1^Visual acuity log MAR^LN||0.3|logMAR|") {
		t.Errorf("OBX segment: %s", segments[3])
	}
}

func TestGenerateORUFailsWithoutPatient(t *testing.T) {
	b := fhir.NewCollectionBundle(time.Now())
	b.Add(fhir.Resource{"resourceType": "Observation", "id": "o1"})

	if _, err := GenerateORU(b); err == nil {
		t.Fatal("expected error for bundle without Patient entry")
	} else if !strings.Contains(err.Error(), "Patient") {
		t.Errorf("error should name the missing entry: %v", err)
	}
}

func TestGenerateORUNilBundle(t *testing.T) {
	if _, err := GenerateORU(nil); err == nil {
		t.Fatal("expected error for nil bundle")
	}
}

func TestEscapeHL7(t *testing.T) {
	got := escapeHL7(`A|B^C~D\E&F`)
	want := `A\F\B\S\C\R\D\E\E\T\F`
	if got != want {
		t.Errorf("escapeHL7 = %q, want %q", got, want)
	}
}
