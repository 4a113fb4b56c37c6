package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-dispensary/pkg/workerpool"
)

func testConfig() workerpool.Config {
	return workerpool.Config{
		Workers:                 2,
		QueueSize:               10,
		MaxRetries:              2,
		RetryDelay:              time.Millisecond,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestPool_ProcessesEveryTask(t *testing.T) {
	// GIVEN a pool recording task ids
	var mu sync.Mutex
	seen := map[string]bool{}
	pool, err := workerpool.New(testConfig(), func(_ context.Context, task *workerpool.Task) error {
		mu.Lock()
		seen[task.ID] = true
		mu.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	// WHEN tasks are submitted and the pool is stopped
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, pool.Submit(&workerpool.Task{ID: id}))
	}
	require.NoError(t, pool.Stop())

	// THEN all ran before Stop returned
	assert.Len(t, seen, 3)
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.TasksCompleted)
	assert.Equal(t, int64(0), stats.QueueDepth)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	// GIVEN a task that fails twice
	var calls int32
	pool, err := workerpool.New(testConfig(), func(context.Context, *workerpool.Task) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&workerpool.Task{ID: "alert"}))
	require.NoError(t, pool.Stop())

	// THEN the third attempt completes it
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(2), stats.TasksRetried)
	assert.Equal(t, int64(0), stats.TasksFailed)
}

func TestPool_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	pool, err := workerpool.New(testConfig(), func(context.Context, *workerpool.Task) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("broker unavailable")
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&workerpool.Task{ID: "alert"}))
	require.NoError(t, pool.Stop())

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), pool.Stats().TasksFailed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, err := workerpool.New(testConfig(), func(context.Context, *workerpool.Task) error { return nil }, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(&workerpool.Task{ID: "late"}), workerpool.ErrStopped)
	// Stop is idempotent
	assert.NoError(t, pool.Stop())
}

func TestPool_QueueFull(t *testing.T) {
	// GIVEN a single worker blocked on its first task
	release := make(chan struct{})
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	started := make(chan struct{}, 1)
	pool, err := workerpool.New(cfg, func(context.Context, *workerpool.Task) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&workerpool.Task{ID: "1"}))
	<-started
	require.NoError(t, pool.Submit(&workerpool.Task{ID: "2"}))

	// WHEN the queue is already at capacity
	err = pool.Submit(&workerpool.Task{ID: "3"})

	// THEN the submit is refused instead of blocking
	assert.ErrorIs(t, err, workerpool.ErrQueueFull)
	assert.False(t, pool.IsHealthy())

	close(release)
	require.NoError(t, pool.Stop())
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := workerpool.New(testConfig(), nil, nil)
	assert.Error(t, err)
}
