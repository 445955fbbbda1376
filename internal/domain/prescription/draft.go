package prescription

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-rxcore/internal/domain"
)

const (
	// DefaultValidityDays applies when a draft leaves validity unset.
	DefaultValidityDays = 30
	// MaxValidityDays is the longest validity a prescription may carry.
	MaxValidityDays = 365
)

// LineDraft is the input for one medicine line.
type LineDraft struct {
	Name               string       `json:"name"`
	DosageInstruction  string       `json:"dosage_instruction"`
	PrescribedQuantity int          `json:"prescribed_quantity"`
	ScheduleType       ScheduleType `json:"schedule_type"`
}

// Draft is the upload input for a new prescription.
type Draft struct {
	CustomerRef  string      `json:"customer_ref"`
	Doctor       Doctor      `json:"doctor"`
	ValidityDays int         `json:"validity_days"`
	Lines        []LineDraft `json:"lines"`
	UploadedBy   string      `json:"uploaded_by"`
}

// Validate checks the draft invariants. A missing schedule type means OTC
// and a zero validity means DefaultValidityDays.
func (d Draft) Validate() error {
	if len(d.Lines) == 0 {
		return fmt.Errorf("%w: at least one medicine line is required", domain.ErrInvalidDraft)
	}
	if d.ValidityDays < 0 || d.ValidityDays > MaxValidityDays {
		return fmt.Errorf("%w: validity_days must be between 1 and %d, got %d",
			domain.ErrInvalidDraft, MaxValidityDays, d.ValidityDays)
	}
	for i, l := range d.Lines {
		if strings.TrimSpace(l.Name) == "" {
			return fmt.Errorf("%w: line %d has no medicine name", domain.ErrInvalidDraft, i)
		}
		if l.PrescribedQuantity <= 0 {
			return fmt.Errorf("%w: line %d prescribed_quantity must be positive, got %d",
				domain.ErrInvalidDraft, i, l.PrescribedQuantity)
		}
		if l.ScheduleType != "" && !l.ScheduleType.Valid() {
			return fmt.Errorf("%w: line %d has unknown schedule type %q", domain.ErrInvalidDraft, i, l.ScheduleType)
		}
	}
	return nil
}

func (d Draft) validityDays() int {
	if d.ValidityDays == 0 {
		return DefaultValidityDays
	}
	return d.ValidityDays
}

func (d Draft) lines() []MedicineLine {
	lines := make([]MedicineLine, len(d.Lines))
	for i, l := range d.Lines {
		schedule := l.ScheduleType
		if schedule == "" {
			schedule = ScheduleOTC
		}
		lines[i] = MedicineLine{
			Name:               strings.TrimSpace(l.Name),
			DosageInstruction:  l.DosageInstruction,
			PrescribedQuantity: l.PrescribedQuantity,
			ScheduleType:       schedule,
		}
	}
	return lines
}
