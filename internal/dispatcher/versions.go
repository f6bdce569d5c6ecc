package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"relay/internal/logger"
	"relay/internal/models"
	"relay/internal/storage"
)

// handledVersions holds event versions whose handlers all succeeded while an
// earlier version of the same aggregate was still unpublished.
type handledVersions struct {
	mu       sync.Mutex
	versions map[storage.AggregateKey]map[int]struct{}
}

func newHandledVersions() *handledVersions {
	return &handledVersions{versions: make(map[storage.AggregateKey]map[int]struct{})}
}

func (h *handledVersions) add(key storage.AggregateKey, v int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.versions[key] == nil {
		h.versions[key] = make(map[int]struct{})
	}
	h.versions[key][v] = struct{}{}
}

// take removes v and reports whether it was held.
func (h *handledVersions) take(key storage.AggregateKey, v int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	held := h.versions[key]
	if _, ok := held[v]; !ok {
		return false
	}
	delete(held, v)
	if len(held) == 0 {
		delete(h.versions, key)
	}
	return true
}

func (h *handledVersions) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, held := range h.versions {
		n += len(held)
	}
	return n
}

// advanceVersion publishes the version of evt once all its handlers
// succeeded. When that closes a gap it keeps publishing the later versions
// that were already handled, so a redelivered event never leaves the
// aggregate stuck below them.
func (d *Dispatcher) advanceVersion(ctx context.Context, evt models.Event) error {
	key := storage.AggregateKey{Type: evt.AggregateRootType(), ID: evt.AggregateRootID()}
	v := evt.EventVersion()

	advanced, err := d.versions.AddOrUpdatePublishedVersion(ctx, key.Type, key.ID, v, v)
	if err != nil {
		return fmt.Errorf("advance published version: %w", err)
	}
	if !advanced {
		current, err := d.versions.GetPublishedVersion(ctx, key.Type, key.ID)
		if err != nil {
			return fmt.Errorf("read published version: %w", err)
		}
		if current < v {
			d.handled.add(key, v)
		}
		log := logger.WithMessage("dispatcher", evt.MessageID(), models.TypeCode(evt))
		log.Debug().
			Str("aggregate_id", key.ID).
			Int("version", v).
			Int("published", current).
			Msg("published version not advanced")
		return nil
	}

	var (
		stored []storage.EventRecord
		loaded bool
	)
	for next := v + 1; ; next++ {
		ready := d.handled.take(key, next)
		if !ready {
			if !loaded {
				if stored, err = d.events.FindEvents(ctx, key, v); err != nil {
					return fmt.Errorf("load later events: %w", err)
				}
				loaded = true
			}
			if ready, err = d.storedEventHandled(ctx, stored, next); err != nil {
				return err
			}
		}
		if !ready {
			return nil
		}
		ok, err := d.versions.AddOrUpdatePublishedVersion(ctx, key.Type, key.ID, next, next)
		if err != nil {
			return fmt.Errorf("advance published version: %w", err)
		}
		if !ok {
			return nil
		}
	}
}

// storedEventHandled reports whether the persisted event at version has a
// handler record for every one of its handlers. Events nobody handles are
// left to their own dispatch.
func (d *Dispatcher) storedEventHandled(ctx context.Context, stored []storage.EventRecord, version int) (bool, error) {
	for _, rec := range stored {
		if rec.Version != version {
			continue
		}
		msg, err := d.codec.Types().Decode(rec.TypeName, rec.Payload)
		if err != nil {
			return false, nil
		}
		handlers := d.registry.EventHandlers(msg)
		if len(handlers) == 0 {
			return false, nil
		}
		for _, h := range handlers {
			exists, err := d.records.Exists(ctx, rec.EventID, rec.TypeName, h.Name)
			if err != nil {
				return false, fmt.Errorf("check handler record: %w", err)
			}
			if !exists {
				return false, nil
			}
		}
		return true, nil
	}
	return false, nil
}
