package boxfs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// transferPool runs one background task per open stream and bounds how many
// of them talk to the backend at once.
type transferPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

func newTransferPool(max int) *transferPool {
	return &transferPool{
		sem:     semaphore.NewWeighted(int64(max)),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// task is the handle of one background transfer.
type task[T any] struct {
	done   chan struct{}
	val    T
	err    error
	cancel context.CancelFunc
}

// spawn starts fn in the background. The task waits for a pool slot before
// calling fn, so spawning never blocks. finish runs after fn returns and
// before the task is marked done.
func spawn[T any](p *transferPool, ctx context.Context, fn func(ctx context.Context) (T, error), finish func(T, error)) (*task[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &task[T]{done: make(chan struct{}), cancel: cancel}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	id := p.nextID
	p.nextID++
	p.cancels[id] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.cancels, id)
			p.mu.Unlock()
			cancel()
			close(t.done)
		}()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			t.err = err
			finish(t.val, t.err)
			return
		}
		defer p.sem.Release(1)

		t.val, t.err = fn(ctx)
		finish(t.val, t.err)
	}()
	return t, nil
}

// join waits up to timeout for the task. On overrun the task is cancelled
// and abandoned, and ErrTimeout is returned.
func (t *task[T]) join(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.val, t.err
	case <-timer.C:
		t.cancel()
		var zero T
		return zero, ErrTimeout
	}
}

// finished reports whether the task has completed.
func (t *task[T]) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// close cancels every running task and waits up to timeout for them to exit.
func (p *transferPool) close(timeout time.Duration) error {
	p.mu.Lock()
	p.closed = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}
