// Package audit defines prescription audit entries and the append-only log
// that holds them.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of lifecycle step an entry records.
type Action string

const (
	ActionUploaded  Action = "Uploaded"
	ActionValidated Action = "Validated"
	ActionDispensed Action = "Dispensed"
)

// Entry is an immutable audit record.
type Entry struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
	Action         Action    `json:"action"`
	PrescriptionID string    `json:"prescription_id"`
	Details        string    `json:"details"`
	Restricted     bool      `json:"restricted,omitempty"`
}

// NewEntry creates an entry for a prescription. Seq is assigned when the
// entry is appended to a log.
func NewEntry(prescriptionID string, action Action, actor, details string) Entry {
	return Entry{
		ID:             uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		Actor:          actor,
		Action:         action,
		PrescriptionID: prescriptionID,
		Details:        details,
	}
}

// WithRestricted flags the entry as concerning scheduled (H, H1, X) medicines.
func (e Entry) WithRestricted(restricted bool) Entry {
	e.Restricted = restricted
	return e
}

// Recorder appends entries to the audit trail.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}
