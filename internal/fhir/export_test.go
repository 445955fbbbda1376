package fhir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

var uploaded = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func samplePrescription() prescription.Prescription {
	fulfilledAt := uploaded.Add(2 * time.Hour)
	return prescription.Prescription{
		ID:           "RX0007",
		CustomerRef:  "CUST-17",
		Doctor:       prescription.Doctor{Name: "Dr. Meera Rao", RegistrationNumber: "KMC-4471"},
		UploadedAt:   uploaded,
		ValidityDays: 30,
		ExpiresAt:    uploaded.AddDate(0, 0, 30),
		Lines: []prescription.MedicineLine{
			{Name: "Amoxicillin 250mg", DosageInstruction: "1-0-1 after food", PrescribedQuantity: 6,
				ScheduleType: prescription.ScheduleH, FulfilledQuantity: 6, FulfilledAt: &fulfilledAt},
			{Name: "Cetirizine 10mg", PrescribedQuantity: 10, FulfilledQuantity: 4, FulfilledAt: &fulfilledAt},
		},
		ValidationStatus: prescription.ValidationApproved,
		ValidatedBy:      "pharmacist-1",
		ValidationNotes:  "verified with clinic",
	}
}

func TestFromPrescription(t *testing.T) {
	p := samplePrescription()
	b := FromPrescription(p, uploaded.AddDate(0, 0, 1))

	assert.Equal(t, "Bundle", b.ResourceType)
	assert.Equal(t, "collection", b.Type)
	require.Len(t, b.Entry, 2)

	first := b.Entry[0].Resource
	assert.Equal(t, "RX0007-0", first.ID)
	assert.Equal(t, "urn:uuid:RX0007-0", b.Entry[0].FullURL)
	assert.Equal(t, StatusCompleted, first.Status)
	assert.Equal(t, "order", first.Intent)
	assert.Equal(t, "Amoxicillin 250mg", first.Medication.Concept.Text)
	assert.Equal(t, "H", first.Category[0].Coding[0].Code)
	assert.Equal(t, "CUST-17", first.Subject.Identifier.Value)
	assert.Equal(t, "KMC-4471", first.Requester.Identifier.Value)
	assert.Equal(t, "1-0-1 after food", first.DosageInstruction[0].Text)
	assert.Equal(t, 6.0, first.DispenseRequest.Quantity.Value)
	assert.Equal(t, p.ExpiresAt, *first.DispenseRequest.ValidityPeriod.End)
	require.Len(t, first.Note, 1)
	assert.Equal(t, "pharmacist-1", first.Note[0].AuthorString)

	second := b.Entry[1].Resource
	assert.Equal(t, StatusActive, second.Status)
	assert.Equal(t, "OTC", second.Category[0].Coding[0].Code)
	assert.Empty(t, second.DosageInstruction)
	assert.Equal(t, 4, *second.Extension[0].ValueInteger)
}

func TestLineStatus(t *testing.T) {
	p := samplePrescription()
	open := p.Lines[1]

	tests := []struct {
		name   string
		status prescription.ValidationStatus
		now    time.Time
		want   string
	}{
		{"pending", prescription.ValidationPending, uploaded, StatusDraft},
		{"rejected", prescription.ValidationRejected, uploaded, StatusCancelled},
		{"approved", prescription.ValidationApproved, uploaded, StatusActive},
		{"expired", prescription.ValidationApproved, uploaded.AddDate(0, 0, 31), StatusEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.ValidationStatus = tt.status
			assert.Equal(t, tt.want, lineStatus(p, open, tt.now))
		})
	}
}

func TestRejectedCarriesReason(t *testing.T) {
	p := samplePrescription()
	p.ValidationStatus = prescription.ValidationRejected
	p.ValidationNotes = "illegible signature"

	mr := FromPrescription(p, uploaded).Entry[1].Resource
	require.NotNil(t, mr.StatusReason)
	assert.Equal(t, "illegible signature", mr.StatusReason.Text)
	assert.Empty(t, mr.Note)

	data, err := json.Marshal(mr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resourceType":"MedicationRequest"`)
	assert.NotContains(t, string(data), `"requester":null`)
}
