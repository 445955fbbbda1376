package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig("journal")
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	return cfg
}

func TestExecutePassesThrough(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	calls := 0
	err = cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	err = cb.Execute(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrOpen))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("connection refused")
	for range 3 {
		_ = cb.Execute(ctx, func(context.Context) error { return boom })
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err = cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOpen))
	assert.False(t, called)
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cb, err := New(testConfig(), nil)
	require.NoError(t, err)

	for range 10 {
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestManager(t *testing.T) {
	m := NewManager(nil)

	a, err := m.GetOrCreate("stock-journal", testConfig())
	require.NoError(t, err)
	again, err := m.GetOrCreate("stock-journal", testConfig())
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, "stock-journal", a.Name())

	_, err = m.GetOrCreate("audit-journal", testConfig())
	require.NoError(t, err)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "audit-journal", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
}
