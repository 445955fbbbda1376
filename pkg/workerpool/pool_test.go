package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFatal = errors.New("fatal")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.RetryDelay = time.Millisecond
	cfg.GracefulShutdownTimeout = time.Second
	return cfg
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New[int](testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestSubmitWait(t *testing.T) {
	var sum atomic.Int64
	p, err := New(testConfig(), func(_ context.Context, n int) error {
		sum.Add(int64(n))
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	for i := range 10 {
		require.NoError(t, p.SubmitWait(context.Background(), "t", i))
	}
	assert.Equal(t, int64(45), sum.Load())
	assert.Equal(t, int64(10), p.Stats().TasksCompleted)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	p, err := New(testConfig(), func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	require.NoError(t, p.SubmitWait(context.Background(), "t", "x"))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	var calls atomic.Int32
	p, err := New(cfg, func(context.Context, string) error {
		calls.Add(1)
		return errors.New("still down")
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	err = p.SubmitWait(context.Background(), "t", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNonRetryableFailsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }
	var calls atomic.Int32
	p, err := New(cfg, func(context.Context, string) error {
		calls.Add(1)
		return errFatal
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	err = p.SubmitWait(context.Background(), "t", "x")
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestStopDrainsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	var done atomic.Int32
	p, err := New(cfg, func(context.Context, int) error {
		time.Sleep(time.Millisecond)
		done.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()

	for i := range 8 {
		require.NoError(t, p.TrySubmit(Task[int]{ID: "t", Payload: i}))
	}
	require.NoError(t, p.Stop())
	assert.Equal(t, int32(8), done.Load())

	assert.ErrorIs(t, p.TrySubmit(Task[int]{}), ErrPoolClosed)
	assert.ErrorIs(t, p.Submit(context.Background(), Task[int]{}), ErrPoolClosed)
	assert.NoError(t, p.Stop())
}

func TestTrySubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p, err := New(cfg, func(context.Context, int) error { return nil }, nil)
	require.NoError(t, err)

	// workers not started: the queue fills up
	require.NoError(t, p.TrySubmit(Task[int]{Payload: 1}))
	assert.ErrorIs(t, p.TrySubmit(Task[int]{Payload: 2}), ErrQueueFull)
	assert.False(t, p.IsHealthy())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, Task[int]{Payload: 3}), context.DeadlineExceeded)

	p.Start()
	require.NoError(t, p.Stop())
}

func TestStopTimeoutCancelsWork(t *testing.T) {
	cfg := testConfig()
	cfg.GracefulShutdownTimeout = 10 * time.Millisecond
	started := make(chan struct{})
	p, err := New(cfg, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.TrySubmit(Task[int]{Payload: 1}))
	<-started
	assert.ErrorIs(t, p.Stop(), ErrShutdownTimeout)
}
