package prescription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
)

type memRecorder struct {
	mu  sync.Mutex
	log *audit.Log
	err error
}

func newMemRecorder() *memRecorder { return &memRecorder{log: audit.NewLog()} }

func (r *memRecorder) Record(_ context.Context, e audit.Entry) (audit.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return audit.Entry{}, r.err
	}
	return r.log.Append(e), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func draft(lines ...LineDraft) Draft {
	if len(lines) == 0 {
		lines = []LineDraft{{Name: "Paracetamol 500mg", PrescribedQuantity: 10}}
	}
	return Draft{
		CustomerRef:  "CUST-1",
		Doctor:       Doctor{Name: "Dr. Rao", RegistrationNumber: "MCI-12345"},
		ValidityDays: 30,
		Lines:        lines,
		UploadedBy:   "pharmacist-1",
	}
}

func newTestStore(t *testing.T) (*Store, *memRecorder, *clock) {
	t.Helper()
	rec := newMemRecorder()
	clk := &clock{now: day0}
	return NewStore(rec, nil, WithClock(clk.Now)), rec, clk
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newTestStore(t)

	p, err := s.Create(ctx, draft(
		LineDraft{Name: "Amoxicillin 500mg", PrescribedQuantity: 10, ScheduleType: ScheduleH},
		LineDraft{Name: "Paracetamol 500mg", PrescribedQuantity: 20},
	))
	require.NoError(t, err)

	assert.Equal(t, "RX0001", p.ID)
	assert.Equal(t, ValidationPending, p.ValidationStatus)
	assert.Equal(t, FulfillmentPending, p.FulfillmentStatus())
	assert.Equal(t, day0, p.UploadedAt)
	assert.Equal(t, day0.AddDate(0, 0, 30), p.ExpiresAt)
	assert.Empty(t, p.LinkedInvoiceIDs)

	trail := rec.log.Trail(p.ID)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionUploaded, trail[0].Action)
	assert.Equal(t, "pharmacist-1", trail[0].Actor)
	assert.True(t, trail[0].Restricted)

	p2, err := s.Create(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, "RX0002", p2.ID)
	assert.Equal(t, 2, s.Len())
}

func TestCreateRejectsInvalidDraft(t *testing.T) {
	s, rec, _ := newTestStore(t)

	_, err := s.Create(context.Background(), Draft{CustomerRef: "CUST-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidDraft))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, rec.log.Len())
}

func TestCreateAuditFailureStoresNothing(t *testing.T) {
	s, rec, _ := newTestStore(t)
	rec.err = domain.Unavailable("audit append", errors.New("disk full"))

	_, err := s.Create(context.Background(), draft())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.Equal(t, 0, s.Len())
}

func TestCreateConcurrentIDsAreUnique(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Create(ctx, draft())
			if err == nil {
				ids <- p.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.True(t, seen["RX0001"])
	assert.True(t, seen["RX0050"])
}

// lookupRecorder asserts that the prescription an entry refers to can be found
// at the moment the entry is recorded.
type lookupRecorder struct {
	store   *Store
	mu      sync.Mutex
	missing []string
}

func (r *lookupRecorder) Record(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if _, err := r.store.Find(ctx, e.PrescriptionID); err != nil {
		r.mu.Lock()
		r.missing = append(r.missing, e.PrescriptionID)
		r.mu.Unlock()
	}
	return e, nil
}

func TestCreateConcurrentKeepsIDOrder(t *testing.T) {
	rec := &lookupRecorder{}
	s := NewStore(rec, nil)
	rec.store = s
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, draft())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var ids []string
	for p := range s.All() {
		ids = append(ids, p.ID)
	}
	require.Len(t, ids, 40)
	for i, id := range ids {
		assert.Equal(t, FormatID(int64(i+1)), id)
	}
	assert.Empty(t, rec.missing)
}

func TestCreateAuditFailureDoesNotReuseID(t *testing.T) {
	ctx := context.Background()
	s, rec, _ := newTestStore(t)
	rec.err = domain.Unavailable("audit append", errors.New("timeout after commit"))

	_, err := s.Create(ctx, draft())
	require.Error(t, err)
	_, err = s.Find(ctx, "RX0001")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = s.Update(ctx, "RX0001", func(*Prescription) error { return nil })
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	rec.err = nil
	p, err := s.Create(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, "RX0002", p.ID)
	assert.Equal(t, 1, s.Len())
}

func TestFindReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	created, err := s.Create(ctx, draft())
	require.NoError(t, err)

	got, err := s.Find(ctx, created.ID)
	require.NoError(t, err)
	got.Lines[0].FulfilledQuantity = 10
	got.LinkedInvoiceIDs = append(got.LinkedInvoiceIDs, "INV-1")

	again, err := s.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Lines[0].FulfilledQuantity)
	assert.Empty(t, again.LinkedInvoiceIDs)

	_, err = s.Find(ctx, "RX9999")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	created, err := s.Create(ctx, draft())
	require.NoError(t, err)

	t.Run("error discards changes", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.Update(ctx, created.ID, func(p *Prescription) error {
			p.ValidationStatus = ValidationApproved
			p.Lines[0].FulfilledQuantity = 5
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Find(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, ValidationPending, got.ValidationStatus)
		assert.Equal(t, 0, got.Lines[0].FulfilledQuantity)
	})

	t.Run("success publishes changes", func(t *testing.T) {
		updated, err := s.Update(ctx, created.ID, func(p *Prescription) error {
			p.ValidationStatus = ValidationApproved
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, ValidationApproved, updated.ValidationStatus)

		got, err := s.Find(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, ValidationApproved, got.ValidationStatus)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Update(ctx, "RX0404", func(*Prescription) error { return nil })
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestUpdateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	created, err := s.Create(ctx, draft(LineDraft{Name: "Cetirizine 10mg", PrescribedQuantity: 100}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, created.ID, func(p *Prescription) error {
				p.Lines[0].FulfilledQuantity++
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Lines[0].FulfilledQuantity)
	assert.Equal(t, FulfillmentFulfilled, got.FulfillmentStatus())
}

func collect(s *Store, f Filter) []string {
	var ids []string
	for p := range s.Query(f) {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s, _, clk := newTestStore(t)

	_, err := s.Create(ctx, draft(LineDraft{Name: "Alprazolam 0.5mg", PrescribedQuantity: 10, ScheduleType: ScheduleX}))
	require.NoError(t, err)
	short := draft()
	short.ValidityDays = 5
	_, err = s.Create(ctx, short)
	require.NoError(t, err)
	_, err = s.Create(ctx, draft())
	require.NoError(t, err)

	t.Run("filters by schedule", func(t *testing.T) {
		assert.Equal(t, []string{"RX0001"}, collect(s, Filter{ScheduleType: ScheduleX}))
	})

	t.Run("is restartable and sees new writes", func(t *testing.T) {
		seq := s.Query(Filter{ValidationStatus: ValidationApproved})
		count := func() int {
			n := 0
			for range seq {
				n++
			}
			return n
		}
		assert.Equal(t, 0, count())

		_, err := s.Update(ctx, "RX0003", func(p *Prescription) error {
			p.ValidationStatus = ValidationApproved
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count())
		assert.Equal(t, 1, count())
	})

	t.Run("expiry bucket uses clock at iteration time", func(t *testing.T) {
		seq := s.Query(Filter{ExpiryBucket: ExpiryExpired})
		assert.Empty(t, collect(s, Filter{ExpiryBucket: ExpiryExpired}))
		assert.Equal(t, []string{"RX0002"}, collect(s, Filter{ExpiryBucket: ExpiryExpiring}))

		clk.Advance(6 * 24 * time.Hour)
		var expired []string
		for p := range seq {
			expired = append(expired, p.ID)
		}
		assert.Equal(t, []string{"RX0002"}, expired)
	})

	t.Run("early break stops iteration", func(t *testing.T) {
		n := 0
		for range s.All() {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})
}

func TestRestoreContinuesIDs(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	saved := twoLines()
	saved.ID = "RX0041"
	s.Restore([]Prescription{saved})

	got, err := s.Find(ctx, "RX0041")
	require.NoError(t, err)
	assert.Equal(t, saved.Lines, got.Lines)

	next, err := s.Create(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, "RX0042", next.ID)
	assert.Equal(t, 2, s.Len())
}

func TestAdvanceIDs(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	s.AdvanceIDs("RX0017")
	s.AdvanceIDs("RX0009")
	s.AdvanceIDs("not-an-id")

	p, err := s.Create(ctx, draft())
	require.NoError(t, err)
	assert.Equal(t, "RX0018", p.ID)
}
