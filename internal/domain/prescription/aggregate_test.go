package prescription

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcore/internal/domain"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func twoLines() Prescription {
	return Prescription{
		ID:           "RX0001",
		UploadedAt:   day0,
		ValidityDays: 30,
		ExpiresAt:    day0.AddDate(0, 0, 30),
		Lines: []MedicineLine{
			{Name: "Amoxicillin 500mg", PrescribedQuantity: 10, ScheduleType: ScheduleH},
			{Name: "Paracetamol 500mg", PrescribedQuantity: 20, ScheduleType: ScheduleOTC},
		},
		ValidationStatus: ValidationPending,
	}
}

func TestFulfillmentStatus(t *testing.T) {
	p := twoLines()
	assert.Equal(t, FulfillmentPending, p.FulfillmentStatus())
	assert.Equal(t, 0, p.FulfillmentProgress())

	p.Lines[0].FulfilledQuantity = 4
	assert.Equal(t, FulfillmentPartial, p.FulfillmentStatus())
	assert.Equal(t, 0, p.FulfillmentProgress())

	p.Lines[0].FulfilledQuantity = 10
	assert.Equal(t, FulfillmentPartial, p.FulfillmentStatus())
	assert.Equal(t, 50, p.FulfillmentProgress())

	p.Lines[1].FulfilledQuantity = 20
	assert.Equal(t, FulfillmentFulfilled, p.FulfillmentStatus())
	assert.Equal(t, 100, p.FulfillmentProgress())
}

func TestFulfillmentProgressRounds(t *testing.T) {
	p := twoLines()
	p.Lines = append(p.Lines, MedicineLine{Name: "Cetirizine 10mg", PrescribedQuantity: 5})
	p.Lines[0].FulfilledQuantity = 10
	assert.Equal(t, 33, p.FulfillmentProgress())

	p.Lines[1].FulfilledQuantity = 20
	assert.Equal(t, 67, p.FulfillmentProgress())
}

func TestHasRestrictedMedicines(t *testing.T) {
	p := twoLines()
	assert.True(t, p.HasRestrictedMedicines())

	p.Lines[0].ScheduleType = ScheduleOTC
	assert.False(t, p.HasRestrictedMedicines())

	for _, s := range []ScheduleType{ScheduleH, ScheduleH1, ScheduleX} {
		assert.True(t, s.Restricted(), s)
	}
}

func TestExpiryBucket(t *testing.T) {
	p := twoLines()

	tests := []struct {
		name    string
		now     time.Time
		bucket  ExpiryBucket
		days    int
		expired bool
	}{
		{"fresh", day0, ExpiryValid, 30, false},
		{"eight days left", day0.AddDate(0, 0, 22), ExpiryValid, 8, false},
		{"seven days left", day0.AddDate(0, 0, 23), ExpiryExpiring, 7, false},
		{"partial day rounds up", day0.AddDate(0, 0, 29).Add(time.Hour), ExpiryExpiring, 1, false},
		{"at expiry instant", day0.AddDate(0, 0, 30), ExpiryExpiring, 0, false},
		{"past expiry", day0.AddDate(0, 0, 31), ExpiryExpired, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bucket, p.ExpiryBucket(tt.now))
			assert.Equal(t, tt.days, p.DaysRemaining(tt.now))
			assert.Equal(t, tt.expired, p.IsExpired(tt.now))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := twoLines()
	at := day0
	p.Lines[0].FulfilledAt = &at
	p.ValidatedAt = &at
	p.LinkedInvoiceIDs = []string{"INV-1"}

	c := p.Clone()
	c.Lines[0].FulfilledQuantity = 3
	*c.Lines[0].FulfilledAt = day0.Add(time.Hour)
	*c.ValidatedAt = day0.Add(time.Hour)
	c.LinkedInvoiceIDs[0] = "INV-2"

	assert.Equal(t, 0, p.Lines[0].FulfilledQuantity)
	assert.Equal(t, day0, *p.Lines[0].FulfilledAt)
	assert.Equal(t, day0, *p.ValidatedAt)
	assert.Equal(t, []string{"INV-1"}, p.LinkedInvoiceIDs)
}

func TestDraftValidate(t *testing.T) {
	valid := func() Draft {
		return Draft{
			CustomerRef: "CUST-1",
			Doctor:      Doctor{Name: "Dr. Rao", RegistrationNumber: "MCI-12345"},
			Lines:       []LineDraft{{Name: "Paracetamol 500mg", PrescribedQuantity: 10}},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Draft)
	}{
		{"no lines", func(d *Draft) { d.Lines = nil }},
		{"zero quantity", func(d *Draft) { d.Lines[0].PrescribedQuantity = 0 }},
		{"negative quantity", func(d *Draft) { d.Lines[0].PrescribedQuantity = -2 }},
		{"blank name", func(d *Draft) { d.Lines[0].Name = "   " }},
		{"unknown schedule", func(d *Draft) { d.Lines[0].ScheduleType = "Z" }},
		{"validity too long", func(d *Draft) { d.ValidityDays = MaxValidityDays + 1 }},
		{"negative validity", func(d *Draft) { d.ValidityDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidDraft))
		})
	}
}

func TestDraftDefaults(t *testing.T) {
	d := Draft{Lines: []LineDraft{{Name: " Ibuprofen 400mg ", PrescribedQuantity: 6}}}
	require.NoError(t, d.Validate())

	assert.Equal(t, DefaultValidityDays, d.validityDays())
	lines := d.lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "Ibuprofen 400mg", lines[0].Name)
	assert.Equal(t, ScheduleOTC, lines[0].ScheduleType)
	assert.Equal(t, 0, lines[0].FulfilledQuantity)
}

func TestFilterMatch(t *testing.T) {
	p := twoLines()
	p.CustomerRef = "CUST-77"
	p.Doctor = Doctor{Name: "Dr. Anita Sharma", RegistrationNumber: "MCI-998"}
	p.ValidationNotes = "checked with prescriber"

	tests := []struct {
		name  string
		f     Filter
		match bool
	}{
		{"empty filter", Filter{}, true},
		{"validation status", Filter{ValidationStatus: ValidationPending}, true},
		{"wrong validation status", Filter{ValidationStatus: ValidationApproved}, false},
		{"fulfillment status", Filter{FulfillmentStatus: FulfillmentPending}, true},
		{"expiry bucket", Filter{ExpiryBucket: ExpiryValid}, true},
		{"wrong expiry bucket", Filter{ExpiryBucket: ExpiryExpired}, false},
		{"schedule on any line", Filter{ScheduleType: ScheduleH}, true},
		{"schedule absent", Filter{ScheduleType: ScheduleX}, false},
		{"doctor case-insensitive", Filter{DoctorNameContains: "sharma"}, true},
		{"free text medicine", Filter{FreeTextContains: "AMOXI"}, true},
		{"free text notes", Filter{FreeTextContains: "prescriber"}, true},
		{"free text registration", Filter{FreeTextContains: "mci-998"}, true},
		{"free text miss", Filter{FreeTextContains: "insulin"}, false},
		{"conjunctive miss", Filter{ScheduleType: ScheduleH, DoctorNameContains: "gupta"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, tt.f.Match(p, day0))
		})
	}
}
