package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
	"github.com/drfirst/go-rxcore/internal/lifecycle"
)

func openStore(t *testing.T) (*SnapshotStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "rxcore.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestLoadEmpty(t *testing.T) {
	s, _ := openStore(t)
	_, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	takenAt := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	dispensed := takenAt.Add(-time.Hour)
	snap := lifecycle.Snapshot{
		TakenAt: takenAt,
		Prescriptions: []prescription.Prescription{{
			ID:               "RX0007",
			CustomerRef:      "CUST-7",
			UploadedAt:       takenAt.AddDate(0, 0, -1),
			ValidityDays:     30,
			ExpiresAt:        takenAt.AddDate(0, 0, 29),
			ValidationStatus: prescription.ValidationApproved,
			Lines: []prescription.MedicineLine{{
				Name: "Paracetamol 500mg", PrescribedQuantity: 10, ScheduleType: prescription.ScheduleOTC,
				FulfilledQuantity: 4, FulfilledAt: &dispensed,
			}},
			LinkedInvoiceIDs: []string{"INV-3"},
		}},
		StockLevels:    []stock.Level{{Medicine: "Paracetamol 500mg", Available: 16}},
		StockMovements: []stock.Movement{{Seq: 1, Medicine: "Paracetamol 500mg", Delta: 20, Balance: 20, At: takenAt}},
		AuditEntries:   []audit.Entry{{ID: "a1", Seq: 1, PrescriptionID: "RX0007", Action: audit.ActionUploaded, Timestamp: takenAt}},
	}
	require.NoError(t, s.Save(ctx, snap))

	// saving again overwrites the buckets
	snap.StockLevels[0].Available = 12
	require.NoError(t, s.Save(ctx, snap))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, takenAt.Equal(got.TakenAt))
	require.Len(t, got.Prescriptions, 1)
	assert.Equal(t, "RX0007", got.Prescriptions[0].ID)
	assert.Equal(t, 4, got.Prescriptions[0].Lines[0].FulfilledQuantity)
	require.NotNil(t, got.Prescriptions[0].Lines[0].FulfilledAt)
	assert.True(t, dispensed.Equal(*got.Prescriptions[0].Lines[0].FulfilledAt))
	assert.Equal(t, []stock.Level{{Medicine: "Paracetamol 500mg", Available: 12}}, got.StockLevels)
	assert.Len(t, got.StockMovements, 1)
	assert.Len(t, got.AuditEntries, 1)
	assert.Equal(t, path, reopened.Path())
}

func TestCheckpointerWithSQLite(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	src := lifecycle.New(lifecycle.DefaultConfig(), lifecycle.Deps{}, nil)
	_, err := src.Restock(ctx, "Cetirizine 10mg", 12, "delivery")
	require.NoError(t, err)
	p, err := src.Upload(ctx, prescription.Draft{
		Lines: []prescription.LineDraft{{Name: "Cetirizine 10mg", PrescribedQuantity: 5}},
	})
	require.NoError(t, err)

	cp := lifecycle.NewCheckpointer(src, s, lifecycle.DefaultCheckpointerConfig(), nil)
	require.NoError(t, cp.Checkpoint(ctx))

	dst := lifecycle.New(lifecycle.DefaultConfig(), lifecycle.Deps{}, nil)
	require.NoError(t, dst.Hydrate(ctx, s))

	got, err := dst.Find(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Lines, got.Lines)
	assert.Equal(t, 12, dst.Available("Cetirizine 10mg"))
}
