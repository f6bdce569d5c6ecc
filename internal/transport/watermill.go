package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
)

// Watermill metadata keys set on outbound messages.
const (
	HeaderRoutingKey = "routing_key"
	transportName    = "watermill"
)

var ErrNilSubscriber = errors.New("transport: subscriber is required")

// WatermillPusher pushes payloads through any watermill publisher.
type WatermillPusher struct {
	publisher message.Publisher
}

func NewWatermillPusher(publisher message.Publisher) *WatermillPusher {
	return &WatermillPusher{publisher: publisher}
}

func (p *WatermillPusher) Push(ctx context.Context, topic, key string, payload []byte) error {
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(HeaderRoutingKey, key)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		metrics.TransportMessagesTotal.WithLabelValues(transportName, "out", "failed").Inc()
		return err
	}
	metrics.TransportMessagesTotal.WithLabelValues(transportName, "out", "success").Inc()
	return nil
}

func (p *WatermillPusher) Close() error {
	return p.publisher.Close()
}

// WatermillReceiver subscribes to a topic and delivers decoded envelopes
// to the bound handler. Messages are acked once the handler returns.
type WatermillReceiver struct {
	subscriber message.Subscriber
	codec      *models.Codec
	topic      string
	handler    handlerSlot

	received    atomic.Uint64
	undecodable atomic.Uint64
}

func NewWatermillReceiver(subscriber message.Subscriber, codec *models.Codec, topic string) (*WatermillReceiver, error) {
	if subscriber == nil {
		return nil, ErrNilSubscriber
	}
	if codec == nil {
		return nil, ErrNilCodec
	}
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	return &WatermillReceiver{subscriber: subscriber, codec: codec, topic: topic}, nil
}

// EnvelopeReceived binds the handler. Passing nil unbinds it.
func (r *WatermillReceiver) EnvelopeReceived(handler models.EnvelopeHandler) {
	r.handler.set(handler)
}

// Run consumes until ctx is done or the subscription closes.
func (r *WatermillReceiver) Run(ctx context.Context) error {
	msgs, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *WatermillReceiver) handle(ctx context.Context, msg *message.Message) {
	log := logger.WithComponent("watermill_receiver")
	defer msg.Ack()

	env, err := r.codec.Decode(msg.Payload)
	if err != nil {
		r.undecodable.Add(1)
		metrics.TransportMessagesTotal.WithLabelValues(transportName, "in", "undecodable").Inc()
		log.Error().Err(err).Str("uuid", msg.UUID).Msg("dropping undecodable message")
		return
	}

	handler := r.handler.get()
	if handler == nil {
		metrics.TransportMessagesTotal.WithLabelValues(transportName, "in", "unhandled").Inc()
		log.Warn().Str("message_id", env.MessageID()).Msg("no receiver bound, dropping envelope")
		return
	}

	r.received.Add(1)
	metrics.TransportMessagesTotal.WithLabelValues(transportName, "in", "delivered").Inc()
	handler(ctx, env)
}

// ReceiverStats counts inbound traffic.
type ReceiverStats struct {
	Received    uint64 `json:"received"`
	Undecodable uint64 `json:"undecodable"`
}

func (r *WatermillReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		Received:    r.received.Load(),
		Undecodable: r.undecodable.Load(),
	}
}

func (r *WatermillReceiver) Close() error {
	return r.subscriber.Close()
}

// zerologAdapter lets watermill components log through zerolog.
type zerologAdapter struct {
	log zerolog.Logger
}

// NewLoggerAdapter wraps log as a watermill.LoggerAdapter.
func NewLoggerAdapter(log zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{log: log}
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.log.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{log: a.log.With().Fields(map[string]any(fields)).Logger()}
}
