package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

// parseFilter maps query parameters onto a prescription filter:
// validation_status, fulfillment_status, expiry, schedule, doctor, q.
func parseFilter(r *http.Request) (prescription.Filter, error) {
	q := r.URL.Query()
	f := prescription.Filter{
		ValidationStatus:   prescription.ValidationStatus(q.Get("validation_status")),
		FulfillmentStatus:  prescription.FulfillmentStatus(q.Get("fulfillment_status")),
		ExpiryBucket:       prescription.ExpiryBucket(q.Get("expiry")),
		ScheduleType:       prescription.ScheduleType(q.Get("schedule")),
		DoctorNameContains: q.Get("doctor"),
		FreeTextContains:   q.Get("q"),
	}

	switch f.ValidationStatus {
	case "", prescription.ValidationPending, prescription.ValidationApproved, prescription.ValidationRejected:
	default:
		return f, fmt.Errorf("unknown validation_status %q", f.ValidationStatus)
	}
	switch f.FulfillmentStatus {
	case "", prescription.FulfillmentPending, prescription.FulfillmentPartial, prescription.FulfillmentFulfilled:
	default:
		return f, fmt.Errorf("unknown fulfillment_status %q", f.FulfillmentStatus)
	}
	switch f.ExpiryBucket {
	case "", prescription.ExpiryValid, prescription.ExpiryExpiring, prescription.ExpiryExpired:
	default:
		return f, fmt.Errorf("unknown expiry %q", f.ExpiryBucket)
	}
	if f.ScheduleType != "" && !f.ScheduleType.Valid() {
		return f, fmt.Errorf("unknown schedule %q", f.ScheduleType)
	}
	return f, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
