// Package transport moves encoded envelopes between processes. Outbound,
// a Forwarder encodes envelopes and hands them to a Pusher; inbound, a
// receiver decodes payloads and delivers them to a bound handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"relay/internal/logger"
	"relay/internal/models"
	"relay/internal/routing"
)

var (
	ErrNilPusher   = errors.New("transport: pusher is required")
	ErrNilCodec    = errors.New("transport: codec is required")
	ErrEmptyTopic  = errors.New("transport: topic is required")
	ErrNilEnvelope = errors.New("transport: envelope is nil")
)

// Pusher writes an encoded payload to topic, partitioned by key.
type Pusher interface {
	Push(ctx context.Context, topic, key string, payload []byte) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, topic, key string, payload []byte) error

func (f PusherFunc) Push(ctx context.Context, topic, key string, payload []byte) error {
	return f(ctx, topic, key, payload)
}

// Forwarder sends envelopes to a remote transport. It satisfies the
// dispatcher's Sender contract so a remote sink can replace the local hub.
type Forwarder struct {
	pusher Pusher
	codec  *models.Codec
	topic  string
	router routing.Provider

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithRouter overrides how routing keys are derived for unkeyed envelopes.
func WithRouter(p routing.Provider) ForwarderOption {
	return func(f *Forwarder) {
		if p != nil {
			f.router = p
		}
	}
}

func NewForwarder(pusher Pusher, codec *models.Codec, topic string, opts ...ForwarderOption) (*Forwarder, error) {
	if pusher == nil {
		return nil, ErrNilPusher
	}
	if codec == nil {
		return nil, ErrNilCodec
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	f := &Forwarder{
		pusher: pusher,
		codec:  codec,
		topic:  topic,
		router: routing.Default,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Send encodes env and pushes it keyed by its routing key.
func (f *Forwarder) Send(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	key := env.RoutingKey()
	if key == "" {
		key = f.router.GetRoutingKey(env.Body)
		if key != "" {
			env.SetMetadata(models.MetadataRoutingKey, key)
		}
	}

	data, err := f.codec.Encode(env)
	if err != nil {
		f.failed.Add(1)
		return err
	}
	if err := f.pusher.Push(ctx, f.topic, key, data); err != nil {
		f.failed.Add(1)
		log := logger.WithComponent("forwarder")
		log.Warn().
			Err(err).
			Str("message_id", env.MessageID()).
			Str("topic", f.topic).
			Msg("forward failed")
		return fmt.Errorf("forward %s: %w", env.MessageID(), err)
	}
	f.forwarded.Add(1)
	return nil
}

// ForwarderStats counts forwarded envelopes.
type ForwarderStats struct {
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Forwarded: f.forwarded.Load(),
		Failed:    f.failed.Load(),
	}
}

// handlerSlot holds the handler a receiver delivers to. A nil handler
// means deliveries are dropped.
type handlerSlot struct {
	p atomic.Pointer[models.EnvelopeHandler]
}

func (s *handlerSlot) set(h models.EnvelopeHandler) {
	if h == nil {
		s.p.Store(nil)
		return
	}
	s.p.Store(&h)
}

func (s *handlerSlot) get() models.EnvelopeHandler {
	if h := s.p.Load(); h != nil {
		return *h
	}
	return nil
}
