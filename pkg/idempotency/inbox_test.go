package idempotency_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-dispensary/pkg/idempotency"
)

func TestPermanent(t *testing.T) {
	// GIVEN a payload error marked permanent
	cause := errors.New("invalid event data")
	err := fmt.Errorf("handle: %w", idempotency.Permanent(cause))

	// THEN it survives wrapping and still unwraps to the cause
	assert.True(t, idempotency.IsPermanent(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "handle: invalid event data", err.Error())

	assert.False(t, idempotency.IsPermanent(cause))
	assert.NoError(t, idempotency.Permanent(nil))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "stock-alerts:evt-1", idempotency.Key("stock-alerts", "evt-1"))
	assert.NotEqual(t,
		idempotency.Key("stock-alerts", "evt-1"),
		idempotency.Key("audit", "evt-1"))
}
