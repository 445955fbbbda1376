package postgres

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx records statements and answers queries from canned values keyed by
// a SQL fragment. Methods not overridden panic through the nil embedded Tx.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	execs      []string
	execArgs   [][]any
	execErr    map[string]error
	rowValues  map[string][]any
	rowErr     map[string]error
	rows       map[string][][]any
	committed  bool
	rolledBack bool
	commitErr  error
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		execErr:   map[string]error{},
		rowValues: map[string][]any{},
		rowErr:    map[string]error{},
		rows:      map[string][][]any{},
	}
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execs = append(t.execs, sql)
	t.execArgs = append(t.execArgs, args)
	for frag, err := range t.execErr {
		if strings.Contains(sql, frag) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	for frag, err := range t.rowErr {
		if strings.Contains(sql, frag) {
			return fakeRow{err: err}
		}
	}
	for frag, values := range t.rowValues {
		if strings.Contains(sql, frag) {
			return fakeRow{values: values}
		}
	}
	return fakeRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (t *fakeTx) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for frag, rows := range t.rows {
		if strings.Contains(sql, frag) {
			return &fakeRows{values: rows}, nil
		}
	}
	return &fakeRows{}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *fakeTx) executed(frag string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sql := range t.execs {
		if strings.Contains(sql, frag) {
			n++
		}
	}
	return n
}

// fakeDB hands out the same transaction for every Begin.
type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return d.tx.Exec(ctx, sql, args...)
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.tx.Query(ctx, sql, args...)
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.tx.QueryRow(ctx, sql, args...)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	pgx.Rows
	values [][]any
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.values[r.pos-1]) }
func (r *fakeRows) Close()                 { r.closed = true }
func (r *fakeRows) Err() error             { return nil }

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}
