// Package fulfillment dispenses approved prescriptions line by line against
// the stock ledger.
package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
)

// Request asks to dispense quantity units of one medicine line.
type Request struct {
	PrescriptionID string `json:"prescription_id"`
	LineIndex      int    `json:"line_index"`
	Quantity       int    `json:"quantity"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

// Result describes a successful dispense.
type Result struct {
	Prescription prescription.Prescription `json:"prescription"`
	Movement     stock.Movement            `json:"movement"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source for fulfillment stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine applies dispenses. It never retries: stock shortages are business
// outcomes reported to the caller.
type Engine struct {
	store    *prescription.Store
	ledger   *stock.Ledger
	recorder audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine creates a fulfillment engine.
func NewEngine(store *prescription.Store, ledger *stock.Ledger, recorder audit.Recorder, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FulfillLine dispenses req.Quantity of one line. Either the stock decrement,
// the line update, the invoice link and the Dispensed audit entry all happen,
// or none of them do.
func (e *Engine) FulfillLine(ctx context.Context, req Request) (Result, error) {
	var mv stock.Movement

	p, err := e.store.Update(ctx, req.PrescriptionID, func(p *prescription.Prescription) error {
		line, err := checkLine(p, req)
		if err != nil {
			return err
		}

		reason := fmt.Sprintf("%s line %d", p.ID, req.LineIndex)
		mv, err = e.ledger.ReserveAndDecrement(ctx, line.Name, req.Quantity, reason)
		if err != nil {
			return err
		}

		at := e.now()
		line.FulfilledQuantity += req.Quantity
		line.FulfilledAt = &at
		line.InStockAtCheck = mv.Balance > 0
		if inv := strings.TrimSpace(req.InvoiceID); inv != "" && !p.HasInvoice(inv) {
			p.LinkedInvoiceIDs = append(p.LinkedInvoiceIDs, inv)
		}

		if e.recorder == nil {
			return nil
		}
		entry := audit.NewEntry(p.ID, audit.ActionDispensed, req.Actor, dispenseDetails(*line, req)).
			WithRestricted(line.ScheduleType.Restricted())
		if _, err := e.recorder.Record(ctx, entry); err != nil {
			e.compensate(ctx, line.Name, req.Quantity, reason, err)
			return domain.Unavailable("record dispense", err)
		}
		return nil
	})
	if err != nil {
		e.logger.Debug("dispense refused",
			zap.String("prescription_id", req.PrescriptionID),
			zap.Int("line", req.LineIndex),
			zap.Int("quantity", req.Quantity),
			zap.Error(err))
		return Result{}, err
	}

	e.logger.Info("line dispensed",
		zap.String("prescription_id", p.ID),
		zap.Int("line", req.LineIndex),
		zap.Int("quantity", req.Quantity),
		zap.Int("stock_balance", mv.Balance),
		zap.String("fulfillment_status", string(p.FulfillmentStatus())))
	return Result{Prescription: p, Movement: mv}, nil
}

func checkLine(p *prescription.Prescription, req Request) (*prescription.MedicineLine, error) {
	if p.ValidationStatus != prescription.ValidationApproved {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotApproved, p.ID, p.ValidationStatus)
	}
	if req.LineIndex < 0 || req.LineIndex >= len(p.Lines) {
		return nil, fmt.Errorf("%w: %s has %d line(s), got index %d",
			domain.ErrLineNotFound, p.ID, len(p.Lines), req.LineIndex)
	}
	line := &p.Lines[req.LineIndex]
	if line.IsFulfilled() {
		return nil, fmt.Errorf("%w: %s line %d", domain.ErrAlreadyFulfilled, p.ID, req.LineIndex)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, req.Quantity)
	}
	if req.Quantity > line.Remaining() {
		return nil, fmt.Errorf("%w: %d requested, %d remaining", domain.ErrExceedsPrescribed, req.Quantity, line.Remaining())
	}
	return line, nil
}

// compensate puts back stock taken for a dispense that could not be recorded.
func (e *Engine) compensate(ctx context.Context, medicine string, qty int, reason string, cause error) {
	if _, err := e.ledger.Increment(context.WithoutCancel(ctx), medicine, qty, "compensate "+reason); err != nil {
		e.logger.Error("stock compensation failed",
			zap.String("medicine", medicine),
			zap.Int("quantity", qty),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// Progress returns the percentage of fully dispensed lines.
func (e *Engine) Progress(ctx context.Context, id string) (int, error) {
	p, err := e.store.Find(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.FulfillmentProgress(), nil
}

// CheckAvailability refreshes each line's InStockAtCheck flag against the
// current stock: a line is in stock when its remaining quantity can be covered.
func (e *Engine) CheckAvailability(ctx context.Context, id string) (prescription.Prescription, error) {
	return e.store.Update(ctx, id, func(p *prescription.Prescription) error {
		for i := range p.Lines {
			l := &p.Lines[i]
			l.InStockAtCheck = l.IsFulfilled() || e.ledger.Available(l.Name) >= l.Remaining()
		}
		return nil
	})
}

func dispenseDetails(l prescription.MedicineLine, req Request) string {
	d := fmt.Sprintf("dispensed %d of %s (line %d), %d/%d fulfilled",
		req.Quantity, l.Name, req.LineIndex, l.FulfilledQuantity, l.PrescribedQuantity)
	if req.InvoiceID != "" {
		d += ", invoice " + strings.TrimSpace(req.InvoiceID)
	}
	return d
}
