package models

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"relay/internal/logger"
)

// EnvelopeHandler receives envelopes drained from a partition or a transport.
type EnvelopeHandler func(ctx context.Context, env *Envelope)

// CompletionCallback runs once when an envelope completes.
type CompletionCallback func(source string, env *Envelope)

// Envelope wraps a message with routing metadata and lifecycle timestamps.
// Body is never replaced after construction; timestamps and ProcessTime are
// written by the partition consumer that owns the envelope.
type Envelope struct {
	Body     Message
	Metadata Metadata

	CreatedAt   time.Time
	EnqueuedAt  time.Time
	DequeuedAt  time.Time
	ProcessTime time.Duration

	completed atomic.Bool
	mu        sync.Mutex
	callbacks []CompletionCallback
}

// NewEnvelope wraps body, deriving its kind from the body type.
func NewEnvelope(body Message) *Envelope {
	return NewEnvelopeWithKind(body, KindOf(body))
}

// NewEnvelopeWithKind wraps body with an explicit kind.
func NewEnvelopeWithKind(body Message, kind Kind) *Envelope {
	typeName, namespace, assembly := sourceNames(body)
	md := Metadata{
		MetadataKind:               string(kind),
		MetadataSourceTypeName:     typeName,
		MetadataSourceNamespace:    namespace,
		MetadataSourceAssemblyName: assembly,
		MetadataTypeCode:           TypeCode(body),
	}
	if body != nil {
		md[MetadataMessageID] = body.MessageID()
		md[MetadataCorrelationID] = body.MessageID()
	}
	if reply, ok := body.(*CommandReply); ok {
		md[MetadataCommandID] = reply.CommandID
		md[MetadataCorrelationID] = reply.CommandID
		md[MetadataReplyType] = string(reply.ReplyType)
	}

	return &Envelope{
		Body:      body,
		Metadata:  md,
		CreatedAt: time.Now().UTC(),
	}
}

// WithCorrelationID sets the correlation id and returns the envelope.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.SetMetadata(MetadataCorrelationID, id)
	return e
}

// GetMetadata returns the metadata value for key, or "" when absent.
func (e *Envelope) GetMetadata(key string) string {
	if e == nil {
		return ""
	}
	return e.Metadata.Get(key)
}

// SetMetadata stores a metadata value.
func (e *Envelope) SetMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	e.Metadata[key] = value
}

// Kind returns the kind recorded in metadata.
func (e *Envelope) Kind() Kind {
	return Kind(e.GetMetadata(MetadataKind))
}

// MessageID returns the id of the wrapped message.
func (e *Envelope) MessageID() string {
	if id := e.GetMetadata(MetadataMessageID); id != "" {
		return id
	}
	if e != nil && e.Body != nil {
		return e.Body.MessageID()
	}
	return ""
}

// RoutingKey returns the routing key stamped at send time.
func (e *Envelope) RoutingKey() string {
	return e.GetMetadata(MetadataRoutingKey)
}

// CorrelationID returns the correlation id.
func (e *Envelope) CorrelationID() string {
	return e.GetMetadata(MetadataCorrelationID)
}

// WaitTime is how long the envelope sat in its partition queue.
func (e *Envelope) WaitTime() time.Duration {
	if e.EnqueuedAt.IsZero() || e.DequeuedAt.IsZero() {
		return 0
	}
	return e.DequeuedAt.Sub(e.EnqueuedAt)
}

// OnComplete registers a callback run by Complete.
func (e *Envelope) OnComplete(fn CompletionCallback) {
	e.mu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

// Complete marks the envelope done and runs its callbacks. Only the first call
// has an effect; it returns false for repeated calls.
func (e *Envelope) Complete(source string) bool {
	if !e.completed.CompareAndSwap(false, true) {
		log := logger.WithComponent("envelope")
		log.Warn().
			Str("message_id", e.MessageID()).
			Str("source", source).
			Msg("envelope completed more than once")
		return false
	}

	e.mu.Lock()
	callbacks := e.callbacks
	e.callbacks = nil
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(source, e)
	}
	return true
}

// Completed reports whether Complete has been called.
func (e *Envelope) Completed() bool {
	return e.completed.Load()
}
