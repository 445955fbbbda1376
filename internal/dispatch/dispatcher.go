// Package dispatch executes dispense commands consumed from the event log and
// publishes their outcomes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/fulfillment"
	"github.com/drfirst/go-rxcore/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxcore/pkg/idempotency"
	"github.com/drfirst/go-rxcore/pkg/workerpool"
)

const handlerName = "fulfill_line"

// Command asks for one line of a prescription to be dispensed.
type Command struct {
	CommandID      string `json:"command_id,omitempty"`
	PrescriptionID string `json:"prescription_id"`
	LineIndex      int    `json:"line_index"`
	Quantity       int    `json:"quantity"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

// ErrMissingCommandID rejects commands that cannot be deduplicated. Two
// dispenses with equal contents are distinct operations, so the sender must
// name each one.
var ErrMissingCommandID = errors.New("dispense command has no command_id")

// Validate reports whether the command can enter the inbox.
func (c Command) Validate() error {
	if c.CommandID == "" {
		return ErrMissingCommandID
	}
	if c.PrescriptionID == "" {
		return errors.New("dispense command has no prescription_id")
	}
	return nil
}

// Status values of an Outcome.
const (
	StatusDispensed = "dispensed"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

// Outcome is published to the results topic for every handled command.
type Outcome struct {
	CommandKey        string    `json:"command_key"`
	PrescriptionID    string    `json:"prescription_id"`
	LineIndex         int       `json:"line_index"`
	Status            string    `json:"status"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`
	FulfilledQuantity int       `json:"fulfilled_quantity,omitempty"`
	FulfillmentStatus string    `json:"fulfillment_status,omitempty"`
	StockBalance      int       `json:"stock_balance,omitempty"`
	Replayed          bool      `json:"replayed,omitempty"`
	ProcessedAt       time.Time `json:"processed_at"`
}

// Fulfiller dispenses prescription lines.
type Fulfiller interface {
	FulfillLine(ctx context.Context, req fulfillment.Request) (fulfillment.Result, error)
}

// Publisher publishes one record.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds dispatcher configuration.
type Config struct {
	ResultsTopic    string
	DeadLetterTopic string
	Pool            workerpool.Config
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ResultsTopic:    redpanda.TopicDispenseResults,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Pool:            workerpool.DefaultConfig(),
	}
}

// retryableRejection carries a rejection that may succeed on a later attempt,
// such as a dispense refused for lack of stock. The inbox keeps the command
// recoverable instead of storing the rejection.
type retryableRejection struct {
	outcome Outcome
	err     error
}

func (r *retryableRejection) Error() string { return r.err.Error() }
func (r *retryableRejection) Unwrap() error { return r.err }

type job struct {
	key     string
	cmd     Command
	payload json.RawMessage
	outcome *Outcome
}

// Dispatcher runs commands through the inbox on a worker pool.
type Dispatcher struct {
	config    Config
	fulfiller Fulfiller
	inbox     *idempotency.Inbox
	publisher Publisher
	pool      *workerpool.Pool[*job]
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a dispatcher. Transient failures are retried by the pool.
func New(cfg Config, f Fulfiller, inbox *idempotency.Inbox, pub Publisher, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		config:    cfg,
		fulfiller: f,
		inbox:     inbox,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}

	poolCfg := cfg.Pool
	poolCfg.Retryable = func(err error) bool {
		return domain.IsTransient(err) || errors.Is(err, idempotency.ErrMessageInProgress)
	}
	pool, err := workerpool.New(poolCfg, d.run, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the workers.
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued commands.
func (d *Dispatcher) Stop() error { return d.pool.Stop() }

// Handle implements redpanda.MessageHandler. It returns an error only when
// the message must be redelivered.
func (d *Dispatcher) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var cmd Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		d.logger.Warn("malformed dispense command",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return d.deadLetter(ctx, string(msg.Key), msg.Value, err)
	}
	if err := cmd.Validate(); err != nil {
		d.logger.Warn("invalid dispense command",
			zap.String("prescription_id", cmd.PrescriptionID),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return d.deadLetter(ctx, string(msg.Key), msg.Value, err)
	}

	j := &job{key: cmd.CommandID, cmd: cmd, payload: msg.Value}
	err := d.pool.SubmitWait(ctx, j.key, j)

	var rejection *retryableRejection
	switch {
	case err == nil:
	case errors.As(err, &rejection):
		out := rejection.outcome
		j.outcome = &out
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		d.logger.Debug("dispense command claimed elsewhere", zap.String("key", j.key))
		return nil
	case ctx.Err() != nil, errors.Is(err, workerpool.ErrPoolClosed), errors.Is(err, workerpool.ErrShutdownTimeout):
		return err
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		j.outcome = d.failed(cmd, j.key, err)
	default:
		j.outcome = d.failed(cmd, j.key, err)
		if dlErr := d.deadLetter(ctx, cmd.PrescriptionID, msg.Value, err); dlErr != nil {
			return dlErr
		}
	}
	return d.publish(ctx, j.outcome)
}

// run executes one command under the inbox. Final business rejections are
// stored as outcomes so a redelivery replays the same rejection.
func (d *Dispatcher) run(ctx context.Context, j *job) error {
	res, err := d.inbox.Process(ctx, j.key, handlerName, j.payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := d.execute(ctx, j.key, j.cmd)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return err
	}

	var out Outcome
	if err := json.Unmarshal(res.Value, &out); err != nil {
		return fmt.Errorf("decode stored outcome: %w", err)
	}
	out.Replayed = res.Duplicate
	j.outcome = &out
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, key string, cmd Command) (Outcome, error) {
	out := Outcome{
		CommandKey:     key,
		PrescriptionID: cmd.PrescriptionID,
		LineIndex:      cmd.LineIndex,
		ProcessedAt:    d.now(),
	}

	res, err := d.fulfiller.FulfillLine(ctx, fulfillment.Request{
		PrescriptionID: cmd.PrescriptionID,
		LineIndex:      cmd.LineIndex,
		Quantity:       cmd.Quantity,
		InvoiceID:      cmd.InvoiceID,
		Actor:          cmd.Actor,
	})
	if err != nil {
		if !domain.IsBusiness(err) {
			return Outcome{}, err
		}
		out.Status = StatusRejected
		out.ErrorKind = domain.Kind(err)
		out.Error = err.Error()
		d.logger.Info("dispense command rejected",
			zap.String("key", key),
			zap.String("prescription_id", cmd.PrescriptionID),
			zap.String("kind", out.ErrorKind))
		if errors.Is(err, domain.ErrInsufficientStock) {
			return Outcome{}, &retryableRejection{outcome: out, err: err}
		}
		return out, nil
	}

	out.Status = StatusDispensed
	out.FulfilledQuantity = res.Prescription.Lines[cmd.LineIndex].FulfilledQuantity
	out.FulfillmentStatus = string(res.Prescription.FulfillmentStatus())
	out.StockBalance = res.Movement.Balance
	return out, nil
}

func (d *Dispatcher) failed(cmd Command, key string, err error) *Outcome {
	d.logger.Error("dispense command failed",
		zap.String("key", key),
		zap.String("prescription_id", cmd.PrescriptionID),
		zap.Error(err))
	return &Outcome{
		CommandKey:     key,
		PrescriptionID: cmd.PrescriptionID,
		LineIndex:      cmd.LineIndex,
		Status:         StatusFailed,
		ErrorKind:      domain.Kind(err),
		Error:          err.Error(),
		ProcessedAt:    d.now(),
	}
}

func (d *Dispatcher) publish(ctx context.Context, out *Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := d.publisher.Publish(ctx, d.config.ResultsTopic, out.PrescriptionID, data); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

type deadLetter struct {
	Source  string          `json:"source"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload"`
}

func (d *Dispatcher) deadLetter(ctx context.Context, key string, payload []byte, cause error) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		raw, _ = json.Marshal(string(payload))
	}
	data, err := json.Marshal(deadLetter{Source: redpanda.TopicDispenseRequests, Reason: cause.Error(), Payload: raw})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := d.publisher.Publish(ctx, d.config.DeadLetterTopic, key, data); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
