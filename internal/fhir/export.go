package fhir

import (
	"fmt"
	"time"

	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

const (
	systemPrescriptionID = "urn:rxcore:prescription-id"
	systemRegistration   = "urn:rxcore:doctor-registration"
	systemCustomer       = "urn:rxcore:customer-ref"
	systemSchedule       = "urn:rxcore:drug-schedule"

	extFulfilledQuantity = "urn:rxcore:extension:fulfilled-quantity"
	extInStockAtCheck    = "urn:rxcore:extension:in-stock-at-check"
)

// Status values of a MedicationRequest.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusEnded     = "ended"
)

// FromPrescription renders p as a collection bundle holding one
// MedicationRequest per medicine line, in line order. now decides whether an
// unfinished line has ended through expiry.
func FromPrescription(p prescription.Prescription, now time.Time) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           p.ID,
		Type:         "collection",
		Timestamp:    now.UTC(),
		Entry:        make([]BundleEntry, 0, len(p.Lines)),
	}
	for i, line := range p.Lines {
		mr := medicationRequest(p, i, line, now)
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  "urn:uuid:" + mr.ID,
			Resource: mr,
		})
	}
	return b
}

func medicationRequest(p prescription.Prescription, i int, line prescription.MedicineLine, now time.Time) *MedicationRequest {
	uploaded := p.UploadedAt.UTC()
	expires := p.ExpiresAt.UTC()
	fulfilled := line.FulfilledQuantity
	inStock := line.InStockAtCheck
	schedule := line.ScheduleType
	if schedule == "" {
		schedule = prescription.ScheduleOTC
	}

	mr := &MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           fmt.Sprintf("%s-%d", p.ID, i),
		Identifier: []Identifier{{
			Use:    "official",
			System: systemPrescriptionID,
			Value:  fmt.Sprintf("%s/%d", p.ID, i),
		}},
		Status: lineStatus(p, line, now),
		Intent: "order",
		Category: []CodeableConcept{{
			Coding: []Coding{{System: systemSchedule, Code: string(schedule)}},
		}},
		Medication: CodeableReference{Concept: &CodeableConcept{Text: line.Name}},
		Subject: Reference{
			Type:       "Patient",
			Identifier: &Identifier{System: systemCustomer, Value: p.CustomerRef},
		},
		AuthoredOn: uploaded,
		DispenseRequest: &DispenseRequest{
			ValidityPeriod: &Period{Start: &uploaded, End: &expires},
			Quantity:       &Quantity{Value: float64(line.PrescribedQuantity), Unit: "unit"},
		},
		Extension: []Extension{
			{URL: extFulfilledQuantity, ValueInteger: &fulfilled},
			{URL: extInStockAtCheck, ValueBoolean: &inStock},
		},
	}

	if p.Doctor.Name != "" || p.Doctor.RegistrationNumber != "" {
		mr.Requester = &Reference{
			Type:       "Practitioner",
			Display:    p.Doctor.Name,
			Identifier: &Identifier{System: systemRegistration, Value: p.Doctor.RegistrationNumber},
		}
	}
	if line.DosageInstruction != "" {
		mr.DosageInstruction = []Dosage{{Sequence: 1, Text: line.DosageInstruction}}
	}
	if p.ValidationStatus == prescription.ValidationRejected {
		mr.StatusReason = &CodeableConcept{Text: p.ValidationNotes}
	} else if p.ValidationNotes != "" {
		mr.Note = []Annotation{{AuthorString: p.ValidatedBy, Time: p.ValidatedAt, Text: p.ValidationNotes}}
	}
	return mr
}

func lineStatus(p prescription.Prescription, line prescription.MedicineLine, now time.Time) string {
	switch {
	case p.ValidationStatus == prescription.ValidationRejected:
		return StatusCancelled
	case p.ValidationStatus == prescription.ValidationPending:
		return StatusDraft
	case line.IsFulfilled():
		return StatusCompleted
	case p.IsExpired(now):
		return StatusEnded
	default:
		return StatusActive
	}
}
