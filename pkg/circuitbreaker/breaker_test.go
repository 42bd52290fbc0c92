package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRequests = 1
	return cfg
}

func TestTripsAndRecovers(t *testing.T) {
	var transitions []State
	cfg := testConfig("profile-store")
	cfg.OnStateChange = func(name string, to State) {
		assert.Equal(t, "profile-store", name)
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("redis down")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }
	ctx := context.Background()

	assert.ErrorIs(t, cb.Do(ctx, fail), boom)
	assert.ErrorIs(t, cb.Do(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err = cb.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Do(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestIsFailureFiltersErrors(t *testing.T) {
	notFound := errors.New("not found")
	cfg := testConfig("lookup")
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, notFound) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Do(context.Background(), func(context.Context) error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestHealth(t *testing.T) {
	cfg := testConfig("redis")
	cfg.Timeout = time.Minute
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	down := func(context.Context) error { return errors.New("down") }

	_ = cb.Do(context.Background(), down)
	h := cb.Health()
	assert.Equal(t, "redis", h.Name)
	assert.Equal(t, "closed", h.State)
	assert.Equal(t, uint32(1), h.Requests)
	assert.Equal(t, uint32(1), h.Failures)
	assert.True(t, h.Healthy)

	_ = cb.Do(context.Background(), down)
	h = cb.Health()
	assert.Equal(t, "open", h.State)
	assert.False(t, h.Healthy)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
