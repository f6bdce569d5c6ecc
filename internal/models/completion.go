package models

import (
	"runtime/debug"
	"sync"

	"relay/internal/logger"
)

// CompletionBus fans out EnvelopeCompleted notifications to subscribers such
// as offset trackers and alert rules. One bus is created by the process
// bootstrap and handed to every component that needs it.
type CompletionBus struct {
	mu        sync.RWMutex
	listeners []CompletionCallback
}

// NewCompletionBus creates an empty bus.
func NewCompletionBus() *CompletionBus {
	return &CompletionBus{}
}

// Subscribe adds a listener.
func (b *CompletionBus) Subscribe(l CompletionCallback) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish notifies every listener. A panicking listener is logged and skipped.
func (b *CompletionBus) Publish(source string, env *Envelope) {
	if b == nil {
		return
	}
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, l := range listeners {
		b.notify(l, source, env)
	}
}

func (b *CompletionBus) notify(l CompletionCallback, source string, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log := logger.WithComponent("completion_bus")
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("message_id", env.MessageID()).
				Msg("completion listener panic recovered")
		}
	}()
	l(source, env)
}
