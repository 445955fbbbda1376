package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
)

// Snapshot is the full engine state at one instant.
type Snapshot struct {
	TakenAt        time.Time                   `json:"taken_at"`
	Prescriptions  []prescription.Prescription `json:"prescriptions"`
	StockLevels    []stock.Level               `json:"stock_levels"`
	StockMovements []stock.Movement            `json:"stock_movements"`
	AuditEntries   []audit.Entry               `json:"audit_entries"`
}

// SnapshotStore saves and loads snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	// Load returns the latest snapshot; ok is false when none was saved yet.
	Load(ctx context.Context) (s Snapshot, ok bool, err error)
}

// Snapshot captures the current state. Each component is read consistently;
// writes racing with the capture may land in one component and not another.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		TakenAt:        time.Now().UTC(),
		Prescriptions:  slices.Collect(e.store.All()),
		StockLevels:    e.ledger.Levels(),
		StockMovements: e.ledger.Movements(""),
		AuditEntries:   e.recorder.Entries(),
	}
}

// Restore replaces the engine state. Prescription ids continue after the
// highest restored one.
func (e *Engine) Restore(s Snapshot) {
	e.store.Restore(s.Prescriptions)
	e.ledger.Restore(s.StockLevels, s.StockMovements)
	e.recorder.Restore(s.AuditEntries)

	for _, lv := range s.StockLevels {
		e.publishStock(lv.Medicine, lv.Available)
	}
	e.logger.Info("state restored",
		zap.Time("taken_at", s.TakenAt),
		zap.Int("prescriptions", len(s.Prescriptions)),
		zap.Int("medicines", len(s.StockLevels)),
		zap.Int("audit_entries", len(s.AuditEntries)))
}

// Hydrate loads the latest snapshot from store into the engine, if there is one.
func (e *Engine) Hydrate(ctx context.Context, store SnapshotStore) error {
	s, ok, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if ok {
		e.Restore(s)
	}
	return nil
}

// CheckpointerConfig holds checkpoint configuration
type CheckpointerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultCheckpointerConfig returns default configuration
func DefaultCheckpointerConfig() CheckpointerConfig {
	return CheckpointerConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Checkpointer periodically saves engine snapshots.
type Checkpointer struct {
	engine *Engine
	store  SnapshotStore
	config CheckpointerConfig
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCheckpointer creates a checkpointer.
func NewCheckpointer(engine *Engine, store SnapshotStore, config CheckpointerConfig, logger *zap.Logger) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpointer{
		engine: engine,
		store:  store,
		config: config,
		logger: logger,
	}
}

// Start begins periodic checkpoints.
func (c *Checkpointer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)

	c.logger.Info("checkpointer started", zap.Duration("interval", c.config.Interval))
}

// Stop halts the loop and writes a final checkpoint.
func (c *Checkpointer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return c.Checkpoint(ctx)
}

// Checkpoint saves one snapshot now.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	s := c.engine.Snapshot()
	err := c.store.Save(ctx, s)
	c.engine.metrics.Snapshot(err)
	if err != nil {
		c.logger.Error("checkpoint failed", zap.Error(err))
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.logger.Debug("checkpoint saved",
		zap.Int("prescriptions", len(s.Prescriptions)),
		zap.Int("audit_entries", len(s.AuditEntries)))
	return nil
}

func (c *Checkpointer) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Checkpoint(ctx)
		}
	}
}
