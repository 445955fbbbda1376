// Package idempotency provides an inbox for exactly-once command handling
// over an at-least-once transport.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Stats counts entries by status.
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// Store persists inbox entries.
type Store interface {
	// Get returns nil, nil when the key is unknown.
	Get(ctx context.Context, key string) (*Entry, error)
	// Start inserts a STARTED entry, or flips a RECOVERABLE one back to
	// STARTED. Any other existing entry yields ErrDuplicateMessage.
	Start(ctx context.Context, key, handlerName string, payload json.RawMessage, expiresAt time.Time) error
	Mark(ctx context.Context, key string, status Status, result json.RawMessage) error
	// Cleanup deletes entries that expired before now.
	Cleanup(ctx context.Context, now time.Time) (int64, error)
	// RecoverStale marks STARTED entries untouched since before as RECOVERABLE.
	RecoverStale(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
}

// Config holds configuration for the inbox.
type Config struct {
	// TTL is how long an entry is kept after it was started
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage indicates another handler claimed the key first.
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates the key is being processed right now.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed permanently before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Option configures an Inbox.
type Option func(*Inbox)

// WithTerminal sets the classifier deciding which handler errors are
// permanent. By default every error is retryable.
func WithTerminal(isTerminal func(error) bool) Option {
	return func(i *Inbox) { i.isTerminal = isTerminal }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// Inbox runs handlers at most once per idempotency key.
type Inbox struct {
	store      Store
	config     Config
	isTerminal func(error) bool
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox over store.
func NewInbox(store Store, cfg Config, logger *zap.Logger, opts ...Option) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	i := &Inbox{
		store:      store,
		config:     cfg,
		isTerminal: func(error) bool { return false },
		now:        time.Now,
		logger:     logger,
		tracer:     otel.Tracer("github.com/drfirst/go-rxcore/pkg/idempotency"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result is the outcome of Process.
type Result struct {
	// Duplicate is true when the stored result was returned without
	// running the handler.
	Duplicate    bool
	WasRecovered bool
	Value        json.RawMessage
}

// HandlerFunc is an idempotent handler body.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn unless key was already handled. A finished key returns
// the stored result with Duplicate set. A key that failed permanently returns
// ErrPreviouslyFailed along with the stored failure.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn HandlerFunc) (res *Result, retErr error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("inbox.key", key),
			attribute.String("inbox.handler", handlerName),
		))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("inbox.duplicate", true))
			return &Result{Duplicate: true, Value: entry.Result}, nil

		case StatusFailed:
			span.SetAttributes(attribute.Bool("inbox.previously_failed", true))
			return &Result{Duplicate: true, Value: entry.Result}, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)

		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.Mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true

		case StatusRecoverable:
			recovered = true
		}
	}

	if err := i.store.Start(ctx, key, handlerName, payload, i.now().Add(i.config.TTL)); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	value, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if i.isTerminal(handlerErr) {
			status = StatusFailed
		}
		failure, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.Mark(context.WithoutCancel(ctx), key, status, failure); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		return nil, handlerErr
	}

	if err := i.store.Mark(context.WithoutCancel(ctx), key, StatusFinished, value); err != nil {
		// the handler already took effect; a redelivery will find the entry
		// STARTED and wait out RecoveryTimeout
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &Result{WasRecovered: recovered, Value: value}, nil
}

// StartCleanup starts the background cleanup goroutine.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup removes expired entries and recovers abandoned ones.
func (i *Inbox) Cleanup(ctx context.Context) error {
	now := i.now()
	deleted, err := i.store.Cleanup(ctx, now)
	if err != nil {
		return fmt.Errorf("delete expired: %w", err)
	}
	recovered, err := i.store.RecoverStale(ctx, now.Add(-i.config.RecoveryTimeout))
	if err != nil {
		return fmt.Errorf("recover stale: %w", err)
	}
	if deleted > 0 || recovered > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", deleted),
			zap.Int64("recovered", recovered))
	}
	return nil
}

// GetStats returns current inbox statistics.
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	return i.store.Stats(ctx)
}
