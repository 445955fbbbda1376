package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/fulfillment"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
	"github.com/drfirst/go-rxcore/internal/observability/metrics"
	"github.com/drfirst/go-rxcore/pkg/circuitbreaker"
)

func newEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	return New(DefaultConfig(), deps, nil)
}

func paracetamolDraft(qty int) prescription.Draft {
	return prescription.Draft{
		CustomerRef: "CUST-1",
		Doctor:      prescription.Doctor{Name: "Dr. Rao", RegistrationNumber: "MCI-12345"},
		Lines: []prescription.LineDraft{
			{Name: "Paracetamol 500mg", PrescribedQuantity: qty, ScheduleType: prescription.ScheduleOTC},
		},
		UploadedBy: "front-desk",
	}
}

func actions(entries []audit.Entry) []audit.Action {
	out := make([]audit.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestScenarioInsufficientStock(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	_, err := e.Restock(ctx, "Paracetamol 500mg", 15, "delivery")
	require.NoError(t, err)

	p, err := e.Upload(ctx, paracetamolDraft(20))
	require.NoError(t, err)
	_, err = e.Approve(ctx, p.ID, "pharmacist-1", "")
	require.NoError(t, err)

	_, err = e.FulfillLine(ctx, fulfillment.Request{PrescriptionID: p.ID, LineIndex: 0, Quantity: 20})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))

	assert.Equal(t, 15, e.Available("Paracetamol 500mg"))
	got, err := e.Find(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Lines[0].FulfilledQuantity)
	assert.Equal(t, prescription.FulfillmentPending, got.FulfillmentStatus())
}

func TestScenarioFullDispense(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	_, err := e.Restock(ctx, "Paracetamol 500mg", 20, "delivery")
	require.NoError(t, err)

	p, err := e.Upload(ctx, paracetamolDraft(20))
	require.NoError(t, err)
	_, err = e.Approve(ctx, p.ID, "pharmacist-1", "")
	require.NoError(t, err)

	res, err := e.FulfillLine(ctx, fulfillment.Request{PrescriptionID: p.ID, LineIndex: 0, Quantity: 20, InvoiceID: "INV-100"})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Available("Paracetamol 500mg"))
	assert.Equal(t, prescription.FulfillmentFulfilled, res.Prescription.FulfillmentStatus())

	trail, err := e.AuditTrail(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []audit.Action{audit.ActionUploaded, audit.ActionValidated, audit.ActionDispensed}, actions(trail))
}

func TestScenarioRejectWithoutNotes(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	p, err := e.Upload(ctx, paracetamolDraft(5))
	require.NoError(t, err)

	_, err = e.Reject(ctx, p.ID, "pharmacist-1", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingNotes))

	got, err := e.Find(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, prescription.ValidationPending, got.ValidationStatus)
}

func TestScenarioPartial(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	_, err := e.Restock(ctx, "Amoxicillin 500mg", 30, "delivery")
	require.NoError(t, err)

	d := paracetamolDraft(10)
	d.Lines = append(d.Lines, prescription.LineDraft{Name: "Amoxicillin 500mg", PrescribedQuantity: 15, ScheduleType: prescription.ScheduleH})
	p, err := e.Upload(ctx, d)
	require.NoError(t, err)
	_, err = e.Approve(ctx, p.ID, "pharmacist-1", "")
	require.NoError(t, err)

	res, err := e.FulfillLine(ctx, fulfillment.Request{PrescriptionID: p.ID, LineIndex: 1, Quantity: 15})
	require.NoError(t, err)
	assert.Equal(t, prescription.FulfillmentPartial, res.Prescription.FulfillmentStatus())

	progress, err := e.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, progress)
}

func TestScenarioConcurrentDispenseSameMedicine(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	_, err := e.Restock(ctx, "Paracetamol 500mg", 10, "delivery")
	require.NoError(t, err)

	ids := make([]string, 2)
	for i := range ids {
		p, err := e.Upload(ctx, paracetamolDraft(8))
		require.NoError(t, err)
		_, err = e.Approve(ctx, p.ID, "pharmacist-1", "")
		require.NoError(t, err)
		ids[i] = p.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.FulfillLine(ctx, fulfillment.Request{PrescriptionID: id, Quantity: 8})
		}()
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if errors.Is(err, domain.ErrInsufficientStock) {
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 2, e.Available("Paracetamol 500mg"))
}

func TestAuditTrailUnknownPrescription(t *testing.T) {
	e := newEngine(t, Deps{})
	_, err := e.AuditTrail(context.Background(), "RX0404")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestComplianceSummary(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, Deps{})
	_, err := e.Restock(ctx, "Paracetamol 500mg", 100, "delivery")
	require.NoError(t, err)

	approved, err := e.Upload(ctx, paracetamolDraft(5))
	require.NoError(t, err)
	_, err = e.Approve(ctx, approved.ID, "pharmacist-1", "")
	require.NoError(t, err)
	_, err = e.FulfillLine(ctx, fulfillment.Request{PrescriptionID: approved.ID, Quantity: 5})
	require.NoError(t, err)

	restricted := paracetamolDraft(1)
	restricted.Lines[0] = prescription.LineDraft{Name: "Codeine 30mg", PrescribedQuantity: 1, ScheduleType: prescription.ScheduleX}
	rejected, err := e.Upload(ctx, restricted)
	require.NoError(t, err)
	_, err = e.Reject(ctx, rejected.ID, "pharmacist-1", "forged signature")
	require.NoError(t, err)

	_, err = e.Upload(ctx, paracetamolDraft(2))
	require.NoError(t, err)

	s := e.ComplianceSummary(ctx)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.RetentionCompliantCount)
	assert.Equal(t, 1, s.RestrictedMedicineCount)
	assert.InDelta(t, 2.0/3.0, s.ValidatedRatio, 1e-9)
	assert.Equal(t, 1, s.DispenseEntries)
}

func TestComplianceSummaryCoversEveryPrescription(t *testing.T) {
	e := newEngine(t, Deps{})
	for range 5 {
		_, err := e.Upload(context.Background(), paracetamolDraft(1))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := e.ComplianceSummary(ctx)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 5, s.RetentionCompliantCount)
}

func TestStockQueries(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := New(Config{LowStockThreshold: 5}, Deps{Metrics: m}, nil)

	_, err := e.Restock(ctx, "Paracetamol 500mg", 40, "")
	require.NoError(t, err)
	_, err = e.Restock(ctx, "Cetirizine 10mg", 3, "")
	require.NoError(t, err)

	assert.Equal(t, []stock.Level{
		{Medicine: "Cetirizine 10mg", Available: 3},
		{Medicine: "Paracetamol 500mg", Available: 40},
	}, e.StockLevels())
	assert.Equal(t, []stock.Level{{Medicine: "Cetirizine 10mg", Available: 3}}, e.LowStock())

	mv := e.Movements("Paracetamol 500mg")
	require.Len(t, mv, 1)
	assert.Equal(t, "restock", mv[0].Reason)

	_, err = e.Restock(ctx, "Paracetamol 500mg", 0, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidQuantity))

	assert.Equal(t, 40.0, testutil.ToFloat64(m.StockAvailable.WithLabelValues("Paracetamol 500mg")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LowStockItems))
}

type failingSink struct{ calls int }

func (s *failingSink) AppendAudit(context.Context, audit.Entry) error {
	s.calls++
	return errors.New("connection refused")
}

func TestOpenBreakerFailsFast(t *testing.T) {
	ctx := context.Background()
	cfg := circuitbreaker.DefaultConfig("audit-journal")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	sink := &failingSink{}
	e := newEngine(t, Deps{AuditSink: GuardAudit(sink, cb)})

	for range 4 {
		_, err := e.Upload(ctx, paracetamolDraft(1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
		assert.Equal(t, "StorageUnavailable", domain.Kind(err))
	}
	assert.Equal(t, 2, sink.calls)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
	assert.Equal(t, 0, e.store.Len())
}

type blockingJournal struct{}

func (blockingJournal) AppendMovement(ctx context.Context, _ stock.Movement) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeoutIsStorageUnavailable(t *testing.T) {
	e := New(Config{StoreTimeout: 20 * time.Millisecond}, Deps{StockJournal: blockingJournal{}}, nil)

	_, err := e.Restock(context.Background(), "Paracetamol 500mg", 5, "")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.Equal(t, 0, e.Available("Paracetamol 500mg"))
}
