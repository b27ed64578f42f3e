// Package fhir holds the minimal FHIR R4 vocabulary the agent produces:
// collection bundles of Patient, Observation, and DiagnosticReport
// resources. Resources are maps, matching the wire shape, with typed
// helpers for the common datatypes.
package fhir

import (
	"fmt"
	"time"
)

// LOINCSystem is the canonical LOINC code system URL.
const LOINCSystem = "http://loinc.org"

// Coding is a FHIR Coding datatype.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept datatype.
type CodeableConcept struct {
	Coding []Coding `json:"coding"`
	Text   string   `json:"text,omitempty"`
}

// Reference is a FHIR Reference datatype.
type Reference struct {
	Reference string `json:"reference"`
	Display   string `json:"display,omitempty"`
}

// Quantity is a FHIR Quantity datatype.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Resource is a FHIR resource in wire shape.
type Resource map[string]interface{}

// Type returns the resource's resourceType, or "".
func (r Resource) Type() string {
	t, _ := r["resourceType"].(string)
	return t
}

// ID returns the resource's id, or "".
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// BundleEntry is one entry in a bundle.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource"`
}

// Bundle is a FHIR collection bundle. Entry order is significant for
// downstream HL7 generation: OBX sequence numbers follow it.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp"`
	Entry        []BundleEntry `json:"entry"`
}

// NewCollectionBundle creates an empty collection bundle stamped with the
// export moment.
func NewCollectionBundle(timestamp time.Time) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Timestamp:    timestamp.UTC().Format(time.RFC3339),
	}
}

// Add appends a resource entry.
func (b *Bundle) Add(r Resource) {
	entry := BundleEntry{Resource: r}
	if t, id := r.Type(), r.ID(); t != "" && id != "" {
		entry.FullURL = fmt.Sprintf("urn:%s:%s", t, id)
	}
	b.Entry = append(b.Entry, entry)
}

// Patient returns the bundle's Patient resource, or an error when absent.
// Exporters call this before emitting any downstream message so a bundle
// missing its subject fails fast instead of producing ambiguous output.
func (b *Bundle) Patient() (Resource, error) {
	for _, e := range b.Entry {
		if e.Resource.Type() == "Patient" {
			return e.Resource, nil
		}
	}
	return nil, fmt.Errorf("fhir: bundle has no Patient entry")
}

// Observations returns the bundle's Observation resources in entry order.
func (b *Bundle) Observations() []Resource {
	var out []Resource
	for _, e := range b.Entry {
		if e.Resource.Type() == "Observation" {
			out = append(out, e.Resource)
		}
	}
	return out
}

// DiagnosticReport returns the bundle's DiagnosticReport resource, or nil.
func (b *Bundle) DiagnosticReport() Resource {
	for _, e := range b.Entry {
		if e.Resource.Type() == "DiagnosticReport" {
			return e.Resource
		}
	}
	return nil
}

// FormatReference renders a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
