// Package fhir renders prescriptions as FHIR R5 resources for exchange with
// clinical systems.
package fhir

import "time"

// Bundle is a FHIR R5 collection bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"` // collection
	Timestamp    time.Time     `json:"timestamp"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string             `json:"fullUrl,omitempty"`
	Resource *MedicationRequest `json:"resource"`
}

// MedicationRequest represents the subset of the FHIR R5 MedicationRequest
// resource a medicine line maps to.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`

	Identifier []Identifier `json:"identifier,omitempty"`

	Status       string           `json:"status"` // active | on-hold | ended | stopped | completed | cancelled | entered-in-error | draft | unknown
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`
	Intent       string           `json:"intent"`

	// schedule class of the medicine
	Category []CodeableConcept `json:"category,omitempty"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn time.Time         `json:"authoredOn"`
	Requester  *Reference        `json:"requester,omitempty"`
	Note       []Annotation      `json:"note,omitempty"`

	DosageInstruction []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest   *DispenseRequest `json:"dispenseRequest,omitempty"`

	Extension []Extension `json:"extension,omitempty"`
}

// DispenseRequest carries the prescribed quantity and validity.
type DispenseRequest struct {
	ValidityPeriod *Period   `json:"validityPeriod,omitempty"`
	Quantity       *Quantity `json:"quantity,omitempty"`
}

// Dosage is a free-text dosage instruction.
type Dosage struct {
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is new in FHIR R5 - can be either a CodeableConcept or a Reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string     `json:"authorString,omitempty"`
	Time         *time.Time `json:"time,omitempty"`
	Text         string     `json:"text"`
}

// Extension carries values FHIR has no element for.
type Extension struct {
	URL          string `json:"url"`
	ValueInteger *int   `json:"valueInteger,omitempty"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
}
