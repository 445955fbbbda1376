package prescription

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
)

// IDPrefix starts every prescription id.
const IDPrefix = "RX"

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for upload stamps and expiry buckets.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store owns the prescription aggregates. Each aggregate has its own lock
// for writers; readers load an immutable version without locking it.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	counter int64

	recorder audit.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

type entry struct {
	mu sync.Mutex
	rx atomic.Pointer[Prescription]
	// gone is set under mu when a create is rolled back.
	gone bool
}

// NewStore creates an empty store. Uploads are recorded through recorder.
func NewStore(recorder audit.Recorder, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		entries:  make(map[string]*entry),
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Create validates the draft and stores a new pending prescription. Ids are
// assigned in insertion order. The prescription is withdrawn again if its
// upload cannot be recorded.
func (s *Store) Create(ctx context.Context, d Draft) (Prescription, error) {
	if err := d.Validate(); err != nil {
		return Prescription{}, err
	}

	uploadedAt := s.now()
	validity := d.validityDays()
	p := Prescription{
		CustomerRef:      d.CustomerRef,
		Doctor:           d.Doctor,
		UploadedAt:       uploadedAt,
		UploadedBy:       d.UploadedBy,
		ValidityDays:     validity,
		ExpiresAt:        uploadedAt.AddDate(0, 0, validity),
		Lines:            d.lines(),
		ValidationStatus: ValidationPending,
		LinkedInvoiceIDs: []string{},
	}

	e := s.insert(&p)
	if s.recorder != nil {
		details := fmt.Sprintf("uploaded with %d line(s), valid %d day(s)", len(p.Lines), validity)
		entry := audit.NewEntry(p.ID, audit.ActionUploaded, d.UploadedBy, details).
			WithRestricted(p.HasRestrictedMedicines())
		if _, err := s.recorder.Record(ctx, entry); err != nil {
			s.remove(p.ID, e)
			return Prescription{}, err
		}
	}
	e.mu.Unlock()

	s.logger.Info("prescription uploaded",
		zap.String("prescription_id", p.ID),
		zap.Int("lines", len(p.Lines)),
		zap.Bool("restricted", p.HasRestrictedMedicines()))
	return p.Clone(), nil
}

// Find returns a copy of the prescription.
func (s *Store) Find(_ context.Context, id string) (Prescription, error) {
	e := s.lookup(id)
	if e == nil {
		return Prescription{}, fmt.Errorf("%w: prescription %s", domain.ErrNotFound, id)
	}
	return e.rx.Load().Clone(), nil
}

// Update applies fn to a private copy of the prescription under its lock and
// publishes the copy only if fn succeeds.
func (s *Store) Update(_ context.Context, id string, fn func(*Prescription) error) (Prescription, error) {
	e := s.lookup(id)
	if e == nil {
		return Prescription{}, fmt.Errorf("%w: prescription %s", domain.ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Prescription{}, fmt.Errorf("%w: prescription %s", domain.ErrNotFound, id)
	}

	next := e.rx.Load().Clone()
	if err := fn(&next); err != nil {
		return Prescription{}, err
	}
	e.rx.Store(&next)
	return next.Clone(), nil
}

// Query returns a lazy sequence of matching prescriptions in upload order.
// Each iteration reads the current state afresh, so the sequence can be
// ranged over more than once.
func (s *Store) Query(f Filter) iter.Seq[Prescription] {
	return func(yield func(Prescription) bool) {
		now := s.now()
		for _, e := range s.snapshot() {
			p := e.rx.Load()
			if !f.Match(*p, now) {
				continue
			}
			if !yield(p.Clone()) {
				return
			}
		}
	}
}

// All is Query with an empty filter.
func (s *Store) All() iter.Seq[Prescription] {
	return s.Query(Filter{})
}

// Len returns the number of stored prescriptions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Restore replaces the store content with previously saved prescriptions.
// New ids continue after the highest restored one.
func (s *Store) Restore(list []Prescription) {
	entries := make(map[string]*entry, len(list))
	order := make([]string, 0, len(list))
	var maxID int64
	for _, p := range list {
		e := &entry{}
		c := p.Clone()
		e.rx.Store(&c)
		entries[p.ID] = e
		order = append(order, p.ID)
		if n := parseID(p.ID); n > maxID {
			maxID = n
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.order = order
	s.counter = maxID
}

// AdvanceIDs makes new ids continue after last when it is higher than any id
// handed out so far.
func (s *Store) AdvanceIDs(last string) {
	n := parseID(last)
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.counter {
		s.counter = n
	}
}

// insert assigns p the next id and publishes it. The returned entry is
// locked, so writers wait until the create is confirmed or withdrawn.
func (s *Store) insert(p *Prescription) *entry {
	e := &entry{}
	e.mu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	p.ID = FormatID(s.counter)
	stored := p.Clone()
	e.rx.Store(&stored)
	s.entries[p.ID] = e
	s.order = append(s.order, p.ID)
	return e
}

// remove withdraws a prescription whose create failed and unlocks its entry.
// Its id is not handed out again: the audit sink may have kept the entry.
func (s *Store) remove(id string, e *entry) {
	e.gone = true
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

// FormatID renders the n-th prescription id.
func FormatID(n int64) string {
	return fmt.Sprintf("%s%04d", IDPrefix, n)
}

func parseID(id string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(id, IDPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
