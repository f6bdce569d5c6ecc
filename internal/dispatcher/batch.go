package dispatcher

import (
	"errors"
	"sync"
	"time"
)

// batchTracker counts the settled events of each command batch. A batch is
// done once every one of its events settled, whichever partition ran them.
type batchTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	batches map[string]*batch
}

type batch struct {
	size    int
	settled map[string]struct{}
	errs    []error
	opened  time.Time
}

// newBatchTracker forgets batches that stay open longer than ttl.
func newBatchTracker(ttl time.Duration) *batchTracker {
	return &batchTracker{
		ttl:     ttl,
		now:     time.Now,
		batches: make(map[string]*batch),
	}
}

// settle records the outcome of eventID in the batch of cmdID. It reports
// whether the batch just finished, together with the joined failures of all
// its events. Settling the same event twice counts once.
func (t *batchTracker) settle(cmdID, eventID string, size int, err error) (bool, error) {
	if size < 1 {
		size = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.expire(now)

	b, ok := t.batches[cmdID]
	if !ok {
		b = &batch{size: size, settled: make(map[string]struct{}, size), opened: now}
		t.batches[cmdID] = b
	}
	if _, seen := b.settled[eventID]; seen {
		return false, nil
	}
	b.settled[eventID] = struct{}{}
	if err != nil {
		b.errs = append(b.errs, err)
	}
	if len(b.settled) < b.size {
		return false, nil
	}
	delete(t.batches, cmdID)
	return true, errors.Join(b.errs...)
}

func (t *batchTracker) expire(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	for id, b := range t.batches {
		if now.Sub(b.opened) > t.ttl {
			delete(t.batches, id)
		}
	}
}

func (t *batchTracker) open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}
