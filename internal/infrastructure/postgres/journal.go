package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
	"github.com/drfirst/go-rxcore/internal/lifecycle"
)

// JournalConfig names the topics journal rows are relayed to.
type JournalConfig struct {
	AuditTopic    string
	MovementTopic string
}

// Journal durably records audit entries and stock movements. Each row is
// written in the same transaction as its outbox entry, so the relay publishes
// exactly what was committed.
type Journal struct {
	db     DB
	config JournalConfig
	logger *zap.Logger
}

// NewJournal creates a journal.
func NewJournal(db DB, cfg JournalConfig, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, config: cfg, logger: logger}
}

// AppendAudit implements compliance.Sink.
func (j *Journal) AppendAudit(ctx context.Context, e audit.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return j.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO audit_entries (id, seq, prescription_id, action, actor, details, restricted, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.Seq, e.PrescriptionID, string(e.Action), e.Actor, e.Details, e.Restricted, e.Timestamp)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   e.PrescriptionID,
			AggregateType: "prescription",
			EventType:     string(e.Action),
			Payload:       payload,
			KafkaTopic:    j.config.AuditTopic,
			KafkaKey:      e.PrescriptionID,
		})
	})
}

// AppendMovement implements stock.Journal.
func (j *Journal) AppendMovement(ctx context.Context, mv stock.Movement) error {
	payload, err := json.Marshal(mv)
	if err != nil {
		return fmt.Errorf("encode stock movement: %w", err)
	}
	return j.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO stock_movements (seq, medicine, delta, balance, reason, moved_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			mv.Seq, mv.Medicine, mv.Delta, mv.Balance, mv.Reason, mv.At)
		if err != nil {
			return fmt.Errorf("insert stock movement: %w", err)
		}
		return WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   mv.Medicine,
			AggregateType: "stock",
			EventType:     movementType(mv),
			Payload:       payload,
			KafkaTopic:    j.config.MovementTopic,
			KafkaKey:      mv.Medicine,
		})
	})
}

var _ lifecycle.JournalReader = (*Journal)(nil)

// ReadJournal implements lifecycle.JournalReader. Stock levels are the
// balance of the latest movement per medicine.
func (j *Journal) ReadJournal(ctx context.Context, afterMovement, afterAudit int64) (lifecycle.JournalState, error) {
	var js lifecycle.JournalState

	rows, err := j.db.Query(ctx, `
		SELECT DISTINCT ON (medicine) medicine, balance
		FROM stock_movements
		ORDER BY medicine, seq DESC`)
	if err != nil {
		return js, fmt.Errorf("query stock levels: %w", err)
	}
	js.StockLevels, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (stock.Level, error) {
		var lv stock.Level
		err := row.Scan(&lv.Medicine, &lv.Available)
		return lv, err
	})
	if err != nil {
		return js, fmt.Errorf("scan stock levels: %w", err)
	}

	rows, err = j.db.Query(ctx, `
		SELECT seq, medicine, delta, balance, reason, moved_at
		FROM stock_movements
		WHERE seq > $1
		ORDER BY seq`, afterMovement)
	if err != nil {
		return js, fmt.Errorf("query stock movements: %w", err)
	}
	js.StockMovements, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (stock.Movement, error) {
		var mv stock.Movement
		err := row.Scan(&mv.Seq, &mv.Medicine, &mv.Delta, &mv.Balance, &mv.Reason, &mv.At)
		return mv, err
	})
	if err != nil {
		return js, fmt.Errorf("scan stock movements: %w", err)
	}

	rows, err = j.db.Query(ctx, `
		SELECT id::text, seq, prescription_id, action, actor, details, restricted, recorded_at
		FROM audit_entries
		WHERE seq > $1
		ORDER BY seq`, afterAudit)
	if err != nil {
		return js, fmt.Errorf("query audit entries: %w", err)
	}
	js.AuditEntries, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Entry, error) {
		var (
			e      audit.Entry
			action string
		)
		err := row.Scan(&e.ID, &e.Seq, &e.PrescriptionID, &action, &e.Actor, &e.Details, &e.Restricted, &e.Timestamp)
		e.Action = audit.Action(action)
		return e, err
	})
	if err != nil {
		return js, fmt.Errorf("scan audit entries: %w", err)
	}

	var last int64
	err = j.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(CAST(SUBSTRING(prescription_id FROM $2) AS BIGINT)), 0)
		FROM audit_entries
		WHERE prescription_id ~ $1`,
		"^"+prescription.IDPrefix+"[0-9]+$", len(prescription.IDPrefix)+1).Scan(&last)
	if err != nil {
		return js, fmt.Errorf("query last prescription id: %w", err)
	}
	if last > 0 {
		js.LastPrescriptionID = prescription.FormatID(last)
	}

	j.logger.Info("journal read",
		zap.Int("medicines", len(js.StockLevels)),
		zap.Int("movements", len(js.StockMovements)),
		zap.Int("audit_entries", len(js.AuditEntries)),
		zap.String("last_prescription_id", js.LastPrescriptionID))
	return js, nil
}

func (j *Journal) inTx(ctx context.Context, fn func(pgx.Tx) error) (retErr error) {
	tx, err := j.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				j.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func movementType(mv stock.Movement) string {
	if mv.Delta < 0 {
		return "StockDecremented"
	}
	return "StockIncremented"
}
