// Package lifecycle wires the prescription lifecycle components together and
// is the single entry point used by the HTTP API and the dispense consumer.
package lifecycle

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/compliance"
	"github.com/drfirst/go-rxcore/internal/domain/fulfillment"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
	"github.com/drfirst/go-rxcore/internal/domain/validation"
	"github.com/drfirst/go-rxcore/internal/observability/metrics"
	"github.com/drfirst/go-rxcore/internal/observability/tracing"
)

// Config holds engine configuration
type Config struct {
	// StoreTimeout bounds each operation once a durable journal is attached.
	// Zero disables the bound.
	StoreTimeout time.Duration
	// LowStockThreshold marks medicines at or below it as low.
	LowStockThreshold int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		StoreTimeout:      5 * time.Second,
		LowStockThreshold: 10,
	}
}

// Deps are the optional collaborators of the engine. Nil fields disable the
// corresponding feature.
type Deps struct {
	AuditSink    compliance.Sink
	StockJournal stock.Journal
	Metrics      *metrics.Metrics
	Clock        func() time.Time
}

// Engine is the prescription lifecycle core.
type Engine struct {
	cfg Config

	store       *prescription.Store
	ledger      *stock.Ledger
	recorder    *compliance.Recorder
	workflow    *validation.Workflow
	fulfillment *fulfillment.Engine

	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New creates an engine with empty state.
func New(cfg Config, deps Deps, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	recorderOpts := []compliance.Option{compliance.WithClock(now)}
	if deps.AuditSink != nil {
		recorderOpts = append(recorderOpts, compliance.WithSink(deps.AuditSink))
	}
	recorder := compliance.NewRecorder(audit.NewLog(), logger.Named("compliance"), recorderOpts...)

	ledgerOpts := []stock.Option{stock.WithClock(now)}
	if deps.StockJournal != nil {
		ledgerOpts = append(ledgerOpts, stock.WithJournal(deps.StockJournal))
	}
	ledger := stock.NewLedger(logger.Named("stock"), ledgerOpts...)

	store := prescription.NewStore(recorder, logger.Named("prescriptions"), prescription.WithClock(now))

	return &Engine{
		cfg:         cfg,
		store:       store,
		ledger:      ledger,
		recorder:    recorder,
		workflow:    validation.NewWorkflow(store, recorder, logger.Named("validation"), validation.WithClock(now)),
		fulfillment: fulfillment.NewEngine(store, ledger, recorder, logger.Named("fulfillment"), fulfillment.WithClock(now)),
		metrics:     deps.Metrics,
		tracer:      tracing.Tracer(),
		logger:      logger,
	}
}

// Upload stores a new pending prescription.
func (e *Engine) Upload(ctx context.Context, d prescription.Draft) (p prescription.Prescription, err error) {
	ctx, done := e.begin(ctx, "upload")
	defer func() { done(err, attribute.String("prescription.id", p.ID)) }()

	p, err = e.store.Create(ctx, d)
	if err == nil {
		e.metrics.Uploaded()
	}
	return p, e.mapErr("upload", err)
}

// Find returns one prescription.
func (e *Engine) Find(ctx context.Context, id string) (prescription.Prescription, error) {
	return e.store.Find(ctx, id)
}

// Query returns a lazy, restartable sequence of matching prescriptions.
func (e *Engine) Query(f prescription.Filter) iter.Seq[prescription.Prescription] {
	return e.store.Query(f)
}

// Approve validates a pending prescription.
func (e *Engine) Approve(ctx context.Context, id, validator, notes string) (p prescription.Prescription, err error) {
	ctx, done := e.begin(ctx, "approve", attribute.String("prescription.id", id))
	defer func() { done(err) }()

	p, err = e.workflow.Approve(ctx, id, validator, notes)
	e.metrics.Validated(outcome(string(p.ValidationStatus), err))
	return p, e.mapErr("approve", err)
}

// Reject refuses a pending prescription. Notes are mandatory.
func (e *Engine) Reject(ctx context.Context, id, validator, notes string) (p prescription.Prescription, err error) {
	ctx, done := e.begin(ctx, "reject", attribute.String("prescription.id", id))
	defer func() { done(err) }()

	p, err = e.workflow.Reject(ctx, id, validator, notes)
	e.metrics.Validated(outcome(string(p.ValidationStatus), err))
	return p, e.mapErr("reject", err)
}

// FulfillLine dispenses part or all of one medicine line.
func (e *Engine) FulfillLine(ctx context.Context, req fulfillment.Request) (res fulfillment.Result, err error) {
	ctx, done := e.begin(ctx, "fulfill_line",
		attribute.String("prescription.id", req.PrescriptionID),
		attribute.Int("line.index", req.LineIndex),
		attribute.Int("quantity", req.Quantity))
	defer func() { done(err) }()

	res, err = e.fulfillment.FulfillLine(ctx, req)
	e.metrics.Dispensed(outcome("ok", err))
	if err == nil {
		e.publishStock(res.Movement.Medicine, res.Movement.Balance)
	}
	return res, e.mapErr("fulfill line", err)
}

// Progress returns the percentage of fully dispensed lines.
func (e *Engine) Progress(ctx context.Context, id string) (int, error) {
	return e.fulfillment.Progress(ctx, id)
}

// CheckAvailability refreshes the in-stock flags of every line.
func (e *Engine) CheckAvailability(ctx context.Context, id string) (prescription.Prescription, error) {
	return e.fulfillment.CheckAvailability(ctx, id)
}

// AuditTrail returns the audit entries of an existing prescription, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]audit.Entry, error) {
	if _, err := e.store.Find(ctx, id); err != nil {
		return nil, err
	}
	return e.recorder.AuditTrail(id), nil
}

// ComplianceSummary aggregates retention and validation metrics over the
// current store contents and the audit log. It always covers every stored
// prescription.
func (e *Engine) ComplianceSummary(ctx context.Context) compliance.Summary {
	_, span := e.tracer.Start(ctx, "lifecycle.compliance_summary")
	s := e.recorder.Summary(e.store.All())
	tracing.End(span, nil, attribute.Int("prescriptions.total", s.Total))
	return s
}

// Now returns the engine clock reading used for derived expiry fields.
func (e *Engine) Now() time.Time {
	return e.store.Now()
}

// Available returns the stock balance of one medicine.
func (e *Engine) Available(medicine string) int {
	return e.ledger.Available(medicine)
}

// StockLevels returns every known medicine ordered by name.
func (e *Engine) StockLevels() []stock.Level {
	return e.ledger.Levels()
}

// LowStock returns medicines at or below the configured threshold.
func (e *Engine) LowStock() []stock.Level {
	return e.ledger.LowStock(e.cfg.LowStockThreshold)
}

// Movements returns the movement history of one medicine, or all when empty.
func (e *Engine) Movements(medicine string) []stock.Movement {
	return e.ledger.Movements(medicine)
}

// Restock adds units of a medicine.
func (e *Engine) Restock(ctx context.Context, medicine string, qty int, reason string) (mv stock.Movement, err error) {
	ctx, done := e.begin(ctx, "restock", attribute.String("medicine", medicine), attribute.Int("quantity", qty))
	defer func() { done(err) }()

	if reason == "" {
		reason = "restock"
	}
	mv, err = e.ledger.Increment(ctx, medicine, qty, reason)
	if err == nil {
		e.publishStock(mv.Medicine, mv.Balance)
	}
	return mv, e.mapErr("restock", err)
}

// begin starts a span and a timer, and bounds ctx with the store timeout.
// The returned func ends all three.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error, ...attribute.KeyValue)) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))

	cancel := context.CancelFunc(func() {})
	if e.cfg.StoreTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
	}
	return ctx, func(err error, more ...attribute.KeyValue) {
		cancel()
		if err != nil {
			more = append(more, attribute.String("error.kind", domain.Kind(err)))
		}
		tracing.End(span, err, more...)
		e.metrics.ObserveOperation(op, start)
	}
}

// mapErr turns a blown deadline into storage unavailability so callers never
// read a timeout as a business rejection.
func (e *Engine) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrStorageUnavailable) {
		return domain.Unavailable(op, err)
	}
	return err
}

func (e *Engine) publishStock(medicine string, balance int) {
	if e.metrics == nil {
		return
	}
	e.metrics.SetStock(medicine, balance)
	e.metrics.SetLowStock(len(e.LowStock()))
}

func outcome(ok string, err error) string {
	if err != nil {
		return domain.Kind(err)
	}
	return ok
}
