package boxfs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := newTransferPool(2)
	var running, peak atomic.Int32

	var tasks []*task[int]
	for i := 0; i < 6; i++ {
		tk, err := spawn(pool, context.Background(), func(ctx context.Context) (int, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}, func(int, error) {})
		require.NoError(t, err)
		tasks = append(tasks, tk)
	}

	for i, tk := range tasks {
		v, err := tk.join(time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestTaskJoinTimeoutCancels(t *testing.T) {
	pool := newTransferPool(1)
	cancelled := make(chan struct{})

	tk, err := spawn(pool, context.Background(), func(ctx context.Context) (struct{}, error) {
		<-ctx.Done()
		close(cancelled)
		return struct{}{}, ctx.Err()
	}, func(struct{}, error) {})
	require.NoError(t, err)

	_, err = tk.join(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task was not cancelled after the join timed out")
	}
}

func TestTaskFinishRunsBeforeDone(t *testing.T) {
	pool := newTransferPool(1)
	boom := errors.New("boom")
	var seen error

	tk, err := spawn(pool, context.Background(), func(ctx context.Context) (int, error) {
		return 0, boom
	}, func(_ int, err error) { seen = err })
	require.NoError(t, err)

	_, err = tk.join(time.Second)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
	assert.True(t, tk.finished())
}

func TestPoolCloseRejectsNewTasks(t *testing.T) {
	pool := newTransferPool(1)
	require.NoError(t, pool.close(time.Second))

	_, err := spawn(pool, context.Background(), func(ctx context.Context) (int, error) {
		return 1, nil
	}, func(int, error) {})
	assert.ErrorIs(t, err, ErrClosed)
}
