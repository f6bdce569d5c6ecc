package correlator

import (
	"context"
	"sync"
	"time"
)

// Future is a value resolved exactly once by a reply, a timeout or a cancel.
type Future[T any] struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result T
	timer  *time.Timer
}

func newFuture[T any](id string) *Future[T] {
	return &Future[T]{id: id, done: make(chan struct{})}
}

// ID returns the command or query id the future waits for.
func (f *Future[T]) ID() string { return f.id }

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Result returns the resolved value. ok is false while still pending.
func (f *Future[T]) Result() (v T, ok bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return v, false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolve stores v unless the future already resolved.
func (f *Future[T]) resolve(v T) bool {
	resolved := false
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.result = v
		close(f.done)
		resolved = true
	})
	return resolved
}
