package circuitbreaker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dispensary/pkg/circuitbreaker"
)

var errBroker = errors.New("broker unavailable")

type stubPublisher struct {
	err   error
	calls int
}

func (p *stubPublisher) Publish(context.Context, string, string, []byte) error {
	p.calls++
	return p.err
}

func newBreaker(t *testing.T, changes *[]circuitbreaker.State) *circuitbreaker.CircuitBreaker {
	t.Helper()
	var mu sync.Mutex
	cfg := circuitbreaker.DefaultConfig("test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to circuitbreaker.State) {
		mu.Lock()
		defer mu.Unlock()
		*changes = append(*changes, to)
	}
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)
	return cb
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	// GIVEN a breaker that trips after two failures
	var changes []circuitbreaker.State
	cb := newBreaker(t, &changes)
	pub := &stubPublisher{err: errBroker}
	guarded := circuitbreaker.Guard(pub, cb)
	ctx := context.Background()

	// WHEN the broker fails twice
	assert.ErrorIs(t, guarded.Publish(ctx, "inventory.events", "m-1", nil), errBroker)
	assert.ErrorIs(t, guarded.Publish(ctx, "inventory.events", "m-1", nil), errBroker)

	// THEN the next call fails fast without reaching the broker
	err := guarded.Publish(ctx, "inventory.events", "m-1", nil)
	assert.True(t, circuitbreaker.IsOpenError(err))
	assert.Equal(t, 2, pub.calls)
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())
	assert.Equal(t, []circuitbreaker.State{circuitbreaker.StateOpen}, changes)
}

func TestBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	var changes []circuitbreaker.State
	cb := newBreaker(t, &changes)

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, circuitbreaker.StateClosed, cb.GetState())
	assert.Empty(t, changes)
	assert.False(t, circuitbreaker.IsOpenError(errBroker))
}

func TestState_Level(t *testing.T) {
	assert.Equal(t, 0, circuitbreaker.StateClosed.Level())
	assert.Equal(t, 1, circuitbreaker.StateHalfOpen.Level())
	assert.Equal(t, 2, circuitbreaker.StateOpen.Level())
}
