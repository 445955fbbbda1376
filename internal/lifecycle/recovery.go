package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
)

// JournalState is what a durable journal holds beyond a snapshot.
type JournalState struct {
	// StockLevels is the latest journaled balance of every medicine.
	StockLevels []stock.Level
	// StockMovements and AuditEntries are the rows newer than the requested
	// sequence numbers, in sequence order.
	StockMovements []stock.Movement
	AuditEntries   []audit.Entry
	// LastPrescriptionID is the highest prescription id the journal mentions.
	LastPrescriptionID string
}

// JournalReader reads a durable journal back.
type JournalReader interface {
	ReadJournal(ctx context.Context, afterMovement, afterAudit int64) (JournalState, error)
}

// CatchUp brings the engine up to date with the journal. It runs at start,
// after any snapshot was restored and before requests are served. The journal
// is authoritative for stock and the audit trail: every movement and entry
// was journaled before it took effect.
func (e *Engine) CatchUp(ctx context.Context, r JournalReader) error {
	afterMovement := e.ledger.LastSeq()
	afterAudit := e.recorder.LastSeq()

	js, err := r.ReadJournal(ctx, afterMovement, afterAudit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	levels := make(map[string]int)
	var names []string
	for _, lv := range e.ledger.Levels() {
		levels[lv.Medicine] = lv.Available
		names = append(names, lv.Medicine)
	}
	for _, lv := range js.StockLevels {
		if _, ok := levels[lv.Medicine]; !ok {
			names = append(names, lv.Medicine)
		}
		levels[lv.Medicine] = lv.Available
	}
	merged := make([]stock.Level, 0, len(names))
	for _, name := range names {
		merged = append(merged, stock.Level{Medicine: name, Available: levels[name]})
	}

	e.ledger.Restore(merged, append(e.ledger.Movements(""), js.StockMovements...))
	if len(js.AuditEntries) > 0 {
		e.recorder.Restore(append(e.recorder.Entries(), js.AuditEntries...))
	}
	e.store.AdvanceIDs(js.LastPrescriptionID)

	for _, lv := range merged {
		e.publishStock(lv.Medicine, lv.Available)
	}
	e.logger.Info("caught up with journal",
		zap.Int64("after_movement", afterMovement),
		zap.Int64("after_audit", afterAudit),
		zap.Int("movements", len(js.StockMovements)),
		zap.Int("audit_entries", len(js.AuditEntries)),
		zap.Int64("movement_seq", e.ledger.LastSeq()),
		zap.String("last_prescription_id", js.LastPrescriptionID))
	return nil
}
