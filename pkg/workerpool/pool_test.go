package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolProcessesTasks(t *testing.T) {
	var processed atomic.Int64
	pool, err := New(Config{Workers: 2, QueueSize: 10}, func(ctx context.Context, task *Task) error {
		processed.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(&Task{ID: "t"}))
	}
	pool.Stop()

	assert.Equal(t, int64(5), processed.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.TasksSubmitted)
	assert.Equal(t, int64(5), stats.TasksCompleted)
}

func TestPoolRetries(t *testing.T) {
	var attempts atomic.Int64
	var mu sync.Mutex
	var results []*Result

	pool, err := New(Config{
		Workers:    1,
		QueueSize:  1,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnResult: func(r *Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	}, func(ctx context.Context, task *Task) error {
		attempts.Add(1)
		return errors.New("broker down")
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "evt-1"}))
	pool.Stop()

	assert.Equal(t, int64(3), attempts.Load())
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int64(1), pool.Stats().TasksFailed)
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	pool.Start()

	// one task in flight, one queued, the next must be rejected
	require.NoError(t, pool.Submit(&Task{ID: "1"}))
	require.Eventually(t, func() bool { return len(pool.tasks) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(&Task{ID: "2"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "3"}), ErrQueueFull)

	close(release)
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(&Task{ID: "4"}), ErrStopped)
	assert.Equal(t, int64(2), pool.Stats().TasksRejected)
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
