package prescription

import (
	"strings"
	"time"
)

// Filter selects prescriptions. Zero-valued fields are ignored; set fields
// must all match.
type Filter struct {
	ValidationStatus   ValidationStatus
	FulfillmentStatus  FulfillmentStatus
	ExpiryBucket       ExpiryBucket
	ScheduleType       ScheduleType
	DoctorNameContains string
	FreeTextContains   string
}

// Match reports whether p satisfies the filter at instant now.
func (f Filter) Match(p Prescription, now time.Time) bool {
	if f.ValidationStatus != "" && p.ValidationStatus != f.ValidationStatus {
		return false
	}
	if f.FulfillmentStatus != "" && p.FulfillmentStatus() != f.FulfillmentStatus {
		return false
	}
	if f.ExpiryBucket != "" && p.ExpiryBucket(now) != f.ExpiryBucket {
		return false
	}
	if f.ScheduleType != "" && !hasSchedule(p, f.ScheduleType) {
		return false
	}
	if f.DoctorNameContains != "" && !containsFold(p.Doctor.Name, f.DoctorNameContains) {
		return false
	}
	if f.FreeTextContains != "" && !matchesText(p, f.FreeTextContains) {
		return false
	}
	return true
}

func hasSchedule(p Prescription, s ScheduleType) bool {
	for _, l := range p.Lines {
		if l.ScheduleType == s {
			return true
		}
	}
	return false
}

func matchesText(p Prescription, text string) bool {
	fields := []string{p.ID, p.CustomerRef, p.Doctor.Name, p.Doctor.RegistrationNumber, p.ValidationNotes}
	for _, l := range p.Lines {
		fields = append(fields, l.Name)
	}
	for _, f := range fields {
		if containsFold(f, text) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
