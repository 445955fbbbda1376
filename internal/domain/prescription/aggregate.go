// Package prescription implements the prescription aggregate and its store.
package prescription

import (
	"math"
	"slices"
	"time"
)

// ScheduleType is the regulatory restriction class of a medicine.
type ScheduleType string

const (
	ScheduleOTC ScheduleType = "OTC"
	ScheduleH   ScheduleType = "H"
	ScheduleH1  ScheduleType = "H1"
	ScheduleX   ScheduleType = "X"
)

// Valid reports whether s is a known schedule.
func (s ScheduleType) Valid() bool {
	switch s {
	case ScheduleOTC, ScheduleH, ScheduleH1, ScheduleX:
		return true
	}
	return false
}

// Restricted reports whether dispensing requires a prescription and heightened audit.
func (s ScheduleType) Restricted() bool {
	return s == ScheduleH || s == ScheduleH1 || s == ScheduleX
}

// ValidationStatus is the state of the validation state machine.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationApproved ValidationStatus = "approved"
	ValidationRejected ValidationStatus = "rejected"
)

// Terminal reports whether no further validation is possible.
func (s ValidationStatus) Terminal() bool {
	return s == ValidationApproved || s == ValidationRejected
}

// FulfillmentStatus is derived from the medicine lines.
type FulfillmentStatus string

const (
	FulfillmentPending   FulfillmentStatus = "pending"
	FulfillmentPartial   FulfillmentStatus = "partial"
	FulfillmentFulfilled FulfillmentStatus = "fulfilled"
)

// ExpiryBucket classifies a prescription by time left before it expires.
type ExpiryBucket string

const (
	ExpiryValid    ExpiryBucket = "valid"
	ExpiryExpiring ExpiryBucket = "expiring"
	ExpiryExpired  ExpiryBucket = "expired"
)

// ExpiringWindowDays is how close to expiry a prescription counts as expiring.
const ExpiringWindowDays = 7

// Doctor identifies the prescribing doctor.
type Doctor struct {
	Name               string `json:"name"`
	RegistrationNumber string `json:"registration_number"`
	Specialization     string `json:"specialization,omitempty"`
}

// MedicineLine is one drug entry of a prescription.
type MedicineLine struct {
	Name               string       `json:"name"`
	DosageInstruction  string       `json:"dosage_instruction"`
	PrescribedQuantity int          `json:"prescribed_quantity"`
	ScheduleType       ScheduleType `json:"schedule_type"`
	FulfilledQuantity  int          `json:"fulfilled_quantity"`
	FulfilledAt        *time.Time   `json:"fulfilled_at,omitempty"`
	InStockAtCheck     bool         `json:"in_stock_at_check"`
}

// Remaining returns the quantity still to be dispensed.
func (l MedicineLine) Remaining() int {
	return l.PrescribedQuantity - l.FulfilledQuantity
}

// IsFulfilled reports whether the whole prescribed quantity was dispensed.
func (l MedicineLine) IsFulfilled() bool {
	return l.FulfilledQuantity >= l.PrescribedQuantity
}

// Prescription is the aggregate root. Values handed out by the store are
// deep copies; mutating them has no effect on stored state.
type Prescription struct {
	ID               string           `json:"id"`
	CustomerRef      string           `json:"customer_ref"`
	Doctor           Doctor           `json:"doctor"`
	UploadedAt       time.Time        `json:"uploaded_at"`
	UploadedBy       string           `json:"uploaded_by,omitempty"`
	ValidityDays     int              `json:"validity_days"`
	ExpiresAt        time.Time        `json:"expires_at"`
	Lines            []MedicineLine   `json:"lines"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	ValidationNotes  string           `json:"validation_notes,omitempty"`
	ValidatedBy      string           `json:"validated_by,omitempty"`
	ValidatedAt      *time.Time       `json:"validated_at,omitempty"`
	LinkedInvoiceIDs []string         `json:"linked_invoice_ids"`
}

// FulfillmentStatus derives the fulfillment state from the lines.
func (p Prescription) FulfillmentStatus() FulfillmentStatus {
	if len(p.Lines) == 0 {
		return FulfillmentPending
	}
	all, started := true, false
	for _, l := range p.Lines {
		if !l.IsFulfilled() {
			all = false
		}
		if l.FulfilledQuantity > 0 {
			started = true
		}
	}
	switch {
	case all:
		return FulfillmentFulfilled
	case started:
		return FulfillmentPartial
	default:
		return FulfillmentPending
	}
}

// HasRestrictedMedicines reports whether any line is a scheduled drug.
func (p Prescription) HasRestrictedMedicines() bool {
	for _, l := range p.Lines {
		if l.ScheduleType.Restricted() {
			return true
		}
	}
	return false
}

// FulfilledLineCount returns the number of fully dispensed lines.
func (p Prescription) FulfilledLineCount() int {
	n := 0
	for _, l := range p.Lines {
		if l.IsFulfilled() {
			n++
		}
	}
	return n
}

// FulfillmentProgress returns the percentage of fully dispensed lines, rounded.
func (p Prescription) FulfillmentProgress() int {
	if len(p.Lines) == 0 {
		return 0
	}
	return int(math.Round(float64(p.FulfilledLineCount()) / float64(len(p.Lines)) * 100))
}

// IsExpired reports whether now is past the expiry instant.
func (p Prescription) IsExpired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// DaysRemaining returns whole days until expiry, rounded up. It is negative
// once the prescription has expired.
func (p Prescription) DaysRemaining(now time.Time) int {
	return int(math.Ceil(p.ExpiresAt.Sub(now).Hours() / 24))
}

// ExpiryBucket classifies the prescription at instant now.
func (p Prescription) ExpiryBucket(now time.Time) ExpiryBucket {
	if p.IsExpired(now) {
		return ExpiryExpired
	}
	if d := p.DaysRemaining(now); d >= 0 && d <= ExpiringWindowDays {
		return ExpiryExpiring
	}
	return ExpiryValid
}

// HasInvoice reports whether the invoice is already linked.
func (p Prescription) HasInvoice(invoiceID string) bool {
	return slices.Contains(p.LinkedInvoiceIDs, invoiceID)
}

// Clone returns a deep copy.
func (p Prescription) Clone() Prescription {
	c := p
	c.Lines = make([]MedicineLine, len(p.Lines))
	for i, l := range p.Lines {
		if l.FulfilledAt != nil {
			at := *l.FulfilledAt
			l.FulfilledAt = &at
		}
		c.Lines[i] = l
	}
	if p.ValidatedAt != nil {
		at := *p.ValidatedAt
		c.ValidatedAt = &at
	}
	c.LinkedInvoiceIDs = append([]string{}, p.LinkedInvoiceIDs...)
	return c
}
