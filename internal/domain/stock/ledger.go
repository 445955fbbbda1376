// Package stock implements the stock ledger: available quantity per medicine
// with an append-only movement log.
//
// Medicines are keyed by display name. Two batches of the same medicine share
// one balance.
package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
)

// Movement is one entry of the stock audit trail.
type Movement struct {
	Seq      int64     `json:"seq"`
	Medicine string    `json:"medicine"`
	Delta    int       `json:"delta"`
	Reason   string    `json:"reason"`
	Balance  int       `json:"balance"`
	At       time.Time `json:"at"`
}

// Level is the available quantity of one medicine.
type Level struct {
	Medicine  string `json:"medicine"`
	Available int    `json:"available"`
}

// Journal persists a movement before it takes effect in memory.
type Journal interface {
	AppendMovement(ctx context.Context, mv Movement) error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal makes every mutation durable before it is applied.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock overrides the time source used to stamp movements.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the authoritative record of available quantity per medicine.
// Mutations of one medicine are serialized by that medicine's lock.
type Ledger struct {
	mu    sync.RWMutex
	items map[string]*item

	logMu     sync.Mutex
	seq       int64
	movements []Movement

	journal Journal
	now     func() time.Time
	logger  *zap.Logger
}

type item struct {
	mu        sync.Mutex
	available int
}

// NewLedger creates an empty ledger.
func NewLedger(logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		items:  make(map[string]*item),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Available returns the current quantity. Unknown medicines have none.
func (l *Ledger) Available(medicine string) int {
	it := l.lookup(medicine)
	if it == nil {
		return 0
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.available
}

// ReserveAndDecrement removes quantity from the medicine's balance if enough
// is available. It either applies the whole decrement or nothing.
func (l *Ledger) ReserveAndDecrement(ctx context.Context, medicine string, quantity int, reason string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	medicine = normalize(medicine)
	it := l.lookup(medicine)
	if it == nil {
		return Movement{}, fmt.Errorf("%w: %s has 0 available, %d requested", domain.ErrInsufficientStock, medicine, quantity)
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.available < quantity {
		return Movement{}, fmt.Errorf("%w: %s has %d available, %d requested",
			domain.ErrInsufficientStock, medicine, it.available, quantity)
	}

	mv := l.newMovement(medicine, -quantity, reason, it.available-quantity)
	if err := l.persist(ctx, mv); err != nil {
		return Movement{}, err
	}
	it.available = mv.Balance
	l.record(mv)
	return mv, nil
}

// Increment adds stock back, creating the medicine if it is unknown.
// Only a journal failure can make it fail.
func (l *Ledger) Increment(ctx context.Context, medicine string, quantity int, reason string) (Movement, error) {
	if quantity <= 0 {
		return Movement{}, fmt.Errorf("%w: %d", domain.ErrInvalidQuantity, quantity)
	}
	medicine = normalize(medicine)
	it := l.getOrCreate(medicine)

	it.mu.Lock()
	defer it.mu.Unlock()

	mv := l.newMovement(medicine, quantity, reason, it.available+quantity)
	if err := l.persist(ctx, mv); err != nil {
		return Movement{}, err
	}
	it.available = mv.Balance
	l.record(mv)
	return mv, nil
}

// Levels returns every known medicine ordered by name.
func (l *Ledger) Levels() []Level {
	l.mu.RLock()
	names := make([]string, 0, len(l.items))
	for name := range l.items {
		names = append(names, name)
	}
	l.mu.RUnlock()
	sort.Strings(names)

	levels := make([]Level, 0, len(names))
	for _, name := range names {
		levels = append(levels, Level{Medicine: name, Available: l.Available(name)})
	}
	return levels
}

// LowStock returns medicines at or below threshold.
func (l *Ledger) LowStock(threshold int) []Level {
	var low []Level
	for _, lv := range l.Levels() {
		if lv.Available <= threshold {
			low = append(low, lv)
		}
	}
	return low
}

// Movements returns the movement history of one medicine, or of all
// medicines when medicine is empty, in the order they were applied.
func (l *Ledger) Movements(medicine string) []Movement {
	medicine = normalize(medicine)
	l.logMu.Lock()
	defer l.logMu.Unlock()

	out := make([]Movement, 0, len(l.movements))
	for _, mv := range l.movements {
		if medicine == "" || mv.Medicine == medicine {
			out = append(out, mv)
		}
	}
	return out
}

// LastSeq returns the sequence number of the latest movement.
func (l *Ledger) LastSeq() int64 {
	l.logMu.Lock()
	defer l.logMu.Unlock()
	return l.seq
}

// Restore replaces the ledger state with a previously saved one. New
// movements are numbered after the highest restored seq.
func (l *Ledger) Restore(levels []Level, movements []Movement) {
	items := make(map[string]*item, len(levels))
	for _, lv := range levels {
		items[normalize(lv.Medicine)] = &item{available: lv.Available}
	}

	l.mu.Lock()
	l.items = items
	l.mu.Unlock()

	l.logMu.Lock()
	defer l.logMu.Unlock()
	l.movements = append([]Movement(nil), movements...)
	l.seq = 0
	for _, mv := range movements {
		if mv.Seq > l.seq {
			l.seq = mv.Seq
		}
	}
}

func (l *Ledger) lookup(medicine string) *item {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.items[normalize(medicine)]
}

func (l *Ledger) getOrCreate(medicine string) *item {
	if it := l.lookup(medicine); it != nil {
		return it
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if it, ok := l.items[medicine]; ok {
		return it
	}
	it := &item{}
	l.items[medicine] = it
	return it
}

func (l *Ledger) newMovement(medicine string, delta int, reason string, balance int) Movement {
	l.logMu.Lock()
	l.seq++
	seq := l.seq
	l.logMu.Unlock()

	return Movement{
		Seq:      seq,
		Medicine: medicine,
		Delta:    delta,
		Reason:   reason,
		Balance:  balance,
		At:       l.now(),
	}
}

func (l *Ledger) persist(ctx context.Context, mv Movement) error {
	if l.journal == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.Unavailable("journal movement", err)
	}
	if err := l.journal.AppendMovement(ctx, mv); err != nil {
		l.logger.Error("stock movement not journaled",
			zap.String("medicine", mv.Medicine),
			zap.Int("delta", mv.Delta),
			zap.Error(err))
		if domain.IsTransient(err) {
			return err
		}
		return domain.Unavailable("journal movement", err)
	}
	return nil
}

func (l *Ledger) record(mv Movement) {
	l.logMu.Lock()
	l.movements = append(l.movements, mv)
	l.logMu.Unlock()

	l.logger.Debug("stock moved",
		zap.String("medicine", mv.Medicine),
		zap.Int("delta", mv.Delta),
		zap.Int("balance", mv.Balance),
		zap.String("reason", mv.Reason))
}

func normalize(medicine string) string {
	return strings.TrimSpace(medicine)
}
