// Package compliance keeps the append-only audit trail of the prescription
// lifecycle and derives retention and validation metrics from it.
package compliance

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

const (
	// RetentionYears is the regulatory minimum for keeping prescription records.
	RetentionYears = 2
	// ApproachingRetentionDays flags records this close to leaving the window.
	ApproachingRetentionDays = 30
)

// Sink durably stores audit entries outside the process.
type Sink interface {
	AppendAudit(ctx context.Context, e audit.Entry) error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink persists each entry before it becomes visible in the log.
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithClock overrides the time source for entry timestamps and summaries.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder appends audit entries. It implements audit.Recorder.
type Recorder struct {
	mu     sync.Mutex
	log    *audit.Log
	sink   Sink
	now    func() time.Time
	logger *zap.Logger
}

// NewRecorder creates a recorder writing to log.
func NewRecorder(log *audit.Log, logger *zap.Logger, opts ...Option) *Recorder {
	if log == nil {
		log = audit.NewLog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps e and appends it. Sequence numbers follow append order even
// when a sink is configured; a sink failure leaves the log untouched and is
// reported as storage unavailability.
func (r *Recorder) Record(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Timestamp = r.now()
	e.Seq = r.log.NextSeq()

	if r.sink != nil {
		if err := r.sink.AppendAudit(ctx, e); err != nil {
			r.logger.Warn("audit entry not persisted",
				zap.String("prescription_id", e.PrescriptionID),
				zap.String("action", string(e.Action)),
				zap.Error(err))
			return audit.Entry{}, domain.Unavailable("persist audit entry", err)
		}
	}

	stored := r.log.Append(e)
	r.logger.Debug("audit entry recorded",
		zap.String("prescription_id", stored.PrescriptionID),
		zap.String("action", string(stored.Action)),
		zap.Int64("seq", stored.Seq))
	return stored, nil
}

// AuditTrail returns the entries of one prescription, oldest first.
func (r *Recorder) AuditTrail(prescriptionID string) []audit.Entry {
	return r.log.Trail(prescriptionID)
}

// Entries returns the whole trail in creation order.
func (r *Recorder) Entries() []audit.Entry {
	return r.log.All()
}

// LastSeq returns the sequence number of the latest entry.
func (r *Recorder) LastSeq() int64 {
	return r.log.LastSeq()
}

// Restore reloads a saved trail.
func (r *Recorder) Restore(entries []audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log.Restore(entries)
}

// Summary aggregates compliance metrics.
type Summary struct {
	Total                     int       `json:"total"`
	RetentionCompliantCount   int       `json:"retention_compliant_count"`
	ApproachingRetentionCount int       `json:"approaching_retention_count"`
	RestrictedMedicineCount   int       `json:"restricted_medicine_count"`
	ApprovedCount             int       `json:"approved_count"`
	RejectedCount             int       `json:"rejected_count"`
	ValidatedRatio            float64   `json:"validated_ratio"`
	DispenseEntries           int       `json:"dispense_entries"`
	GeneratedAt               time.Time `json:"generated_at"`
}

// Summary aggregates over the given prescriptions and the audit log. It is a
// pure in-memory read over every prescription: records leaving the retention
// window are only counted, never removed.
func (r *Recorder) Summary(prescriptions iter.Seq[prescription.Prescription]) Summary {
	now := r.now()
	s := Summary{GeneratedAt: now}

	for p := range prescriptions {
		s.Total++

		windowEnd := p.UploadedAt.AddDate(RetentionYears, 0, 0)
		if !now.After(windowEnd) {
			s.RetentionCompliantCount++
			if windowEnd.Sub(now) <= ApproachingRetentionDays*24*time.Hour {
				s.ApproachingRetentionCount++
			}
		}
		if p.HasRestrictedMedicines() {
			s.RestrictedMedicineCount++
		}
		switch p.ValidationStatus {
		case prescription.ValidationApproved:
			s.ApprovedCount++
		case prescription.ValidationRejected:
			s.RejectedCount++
		}
	}

	if s.Total > 0 {
		s.ValidatedRatio = float64(s.ApprovedCount+s.RejectedCount) / float64(s.Total)
	}
	s.DispenseEntries = r.log.CountAction(audit.ActionDispensed)
	return s
}
