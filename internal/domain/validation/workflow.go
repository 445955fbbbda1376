// Package validation implements the pending -> approved/rejected review step
// that precedes any dispensing.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

// Decision is the outcome a validator chooses.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source for validation stamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// Workflow transitions prescriptions out of the pending state. A prescription
// is validated exactly once.
type Workflow struct {
	store    *prescription.Store
	recorder audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewWorkflow creates a workflow over store, recording every transition.
func NewWorkflow(store *prescription.Store, recorder audit.Recorder, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{
		store:    store,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Approve marks a pending prescription approved. Notes are optional.
func (w *Workflow) Approve(ctx context.Context, id, validator, notes string) (prescription.Prescription, error) {
	return w.transition(ctx, id, validator, notes, DecisionApprove)
}

// Reject marks a pending prescription rejected. Notes are mandatory.
func (w *Workflow) Reject(ctx context.Context, id, validator, notes string) (prescription.Prescription, error) {
	return w.transition(ctx, id, validator, notes, DecisionReject)
}

func (w *Workflow) transition(ctx context.Context, id, validator, notes string, d Decision) (prescription.Prescription, error) {
	notes = strings.TrimSpace(notes)

	p, err := w.store.Update(ctx, id, func(p *prescription.Prescription) error {
		if p.ValidationStatus.Terminal() {
			return fmt.Errorf("%w: %s is %s", domain.ErrAlreadyValidated, p.ID, p.ValidationStatus)
		}
		if d == DecisionReject && notes == "" {
			return fmt.Errorf("%w: %s", domain.ErrMissingNotes, p.ID)
		}

		at := w.now()
		p.ValidationStatus = prescription.ValidationApproved
		if d == DecisionReject {
			p.ValidationStatus = prescription.ValidationRejected
		}
		p.ValidationNotes = notes
		p.ValidatedBy = validator
		p.ValidatedAt = &at

		if w.recorder == nil {
			return nil
		}
		_, err := w.recorder.Record(ctx, audit.NewEntry(p.ID, audit.ActionValidated, validator, details(*p)).
			WithRestricted(p.HasRestrictedMedicines()))
		return err
	})
	if err != nil {
		w.logger.Debug("validation refused",
			zap.String("prescription_id", id),
			zap.String("decision", string(d)),
			zap.Error(err))
		return prescription.Prescription{}, err
	}

	w.logger.Info("prescription validated",
		zap.String("prescription_id", p.ID),
		zap.String("status", string(p.ValidationStatus)),
		zap.String("validator", validator),
		zap.Bool("restricted", p.HasRestrictedMedicines()))
	return p, nil
}

func details(p prescription.Prescription) string {
	var b strings.Builder
	b.WriteString(string(p.ValidationStatus))
	if p.HasRestrictedMedicines() {
		var scheduled []string
		for _, l := range p.Lines {
			if l.ScheduleType.Restricted() {
				scheduled = append(scheduled, fmt.Sprintf("%s (%s)", l.Name, l.ScheduleType))
			}
		}
		b.WriteString("; restricted: ")
		b.WriteString(strings.Join(scheduled, ", "))
	}
	if p.ValidationNotes != "" {
		b.WriteString("; notes: ")
		b.WriteString(p.ValidationNotes)
	}
	return b.String()
}
