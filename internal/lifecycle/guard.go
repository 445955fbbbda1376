package lifecycle

import (
	"context"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/audit"
	"github.com/drfirst/go-rxcore/internal/domain/compliance"
	"github.com/drfirst/go-rxcore/internal/domain/stock"
	"github.com/drfirst/go-rxcore/pkg/circuitbreaker"
)

// GuardAudit routes audit writes through cb. While cb is open, writes fail
// fast with ErrStorageUnavailable.
func GuardAudit(sink compliance.Sink, cb *circuitbreaker.CircuitBreaker) compliance.Sink {
	return guardedAudit{sink: sink, cb: cb}
}

// GuardStock routes movement writes through cb.
func GuardStock(j stock.Journal, cb *circuitbreaker.CircuitBreaker) stock.Journal {
	return guardedStock{journal: j, cb: cb}
}

type guardedAudit struct {
	sink compliance.Sink
	cb   *circuitbreaker.CircuitBreaker
}

func (g guardedAudit) AppendAudit(ctx context.Context, e audit.Entry) error {
	return guard(ctx, g.cb, "append audit entry", func(ctx context.Context) error {
		return g.sink.AppendAudit(ctx, e)
	})
}

type guardedStock struct {
	journal stock.Journal
	cb      *circuitbreaker.CircuitBreaker
}

func (g guardedStock) AppendMovement(ctx context.Context, mv stock.Movement) error {
	return guard(ctx, g.cb, "append stock movement", func(ctx context.Context) error {
		return g.journal.AppendMovement(ctx, mv)
	})
}

func guard(ctx context.Context, cb *circuitbreaker.CircuitBreaker, op string, fn func(context.Context) error) error {
	err := cb.Execute(ctx, fn)
	if err == nil {
		return nil
	}
	if domain.IsTransient(err) {
		return err
	}
	return domain.Unavailable(op, err)
}
