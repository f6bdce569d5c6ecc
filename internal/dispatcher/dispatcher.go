package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relay/internal/correlator"
	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/registry"
	"relay/internal/storage"
)

// completionSource identifies the dispatcher in EnvelopeCompleted notifications.
const completionSource = "dispatcher"

var (
	ErrUnclassified   = errors.New("dispatcher: envelope kind cannot be classified")
	ErrMissingDep     = errors.New("dispatcher: missing dependency")
	ErrUnexpectedBody = errors.New("dispatcher: body does not match envelope kind")
)

// Strategy dispatches envelopes of one kind.
type Strategy interface {
	Dispatch(ctx context.Context, env *models.Envelope) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, env *models.Envelope) error

func (f StrategyFunc) Dispatch(ctx context.Context, env *models.Envelope) error { return f(ctx, env) }

// Sender accepts outbound envelopes (events raised by commands, replies).
type Sender interface {
	Send(ctx context.Context, env *models.Envelope) error
}

// Receiver delivers inbound envelopes to a bound handler. The partition hub,
// the Kafka consumer and the Watermill receiver all implement it.
type Receiver interface {
	EnvelopeReceived(handler models.EnvelopeHandler)
}

// Config holds dispatcher dependencies
type Config struct {
	Registry   *registry.Registry
	Correlator *correlator.Correlator
	Sender     Sender

	Events   storage.EventStore
	Records  storage.HandlerRecordStore
	Versions storage.PublishedVersionStore

	// Codec serializes event payloads. Defaults to one over Registry.Types().
	Codec       *models.Codec
	Completions *models.CompletionBus
	Receivers   []Receiver

	// SendTimeout bounds every outbound send made while dispatching.
	SendTimeout   time.Duration
	SlowThreshold time.Duration
	Tracer        trace.Tracer
}

// Dispatcher classifies envelopes, runs the strategy for their kind and
// completes them.
type Dispatcher struct {
	registry    *registry.Registry
	correlator  *correlator.Correlator
	sender      Sender
	events      storage.EventStore
	records     storage.HandlerRecordStore
	versions    storage.PublishedVersionStore
	codec       *models.Codec
	completions *models.CompletionBus
	tracer      trace.Tracer

	sendTimeout   time.Duration
	slowThreshold time.Duration

	batches *batchTracker
	handled *handledVersions

	strategyMu sync.RWMutex
	strategies map[models.Kind]Strategy

	lifecycle sync.Mutex
	running   bool
	receivers []Receiver

	dispatched atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a dispatcher with the built-in strategy for every kind.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry", ErrMissingDep)
	}
	if cfg.Correlator == nil {
		return nil, fmt.Errorf("%w: correlator", ErrMissingDep)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%w: sender", ErrMissingDep)
	}
	if cfg.Events == nil || cfg.Records == nil || cfg.Versions == nil {
		mem := storage.NewMemory()
		if cfg.Events == nil {
			cfg.Events = mem
		}
		if cfg.Records == nil {
			cfg.Records = mem
		}
		if cfg.Versions == nil {
			cfg.Versions = mem
		}
	}
	if cfg.Codec == nil {
		cfg.Codec = models.NewCodec(cfg.Registry.Types())
	}
	if cfg.Completions == nil {
		cfg.Completions = models.NewCompletionBus()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("relay/dispatcher")
	}

	d := &Dispatcher{
		registry:      cfg.Registry,
		correlator:    cfg.Correlator,
		sender:        cfg.Sender,
		events:        cfg.Events,
		records:       cfg.Records,
		versions:      cfg.Versions,
		codec:         cfg.Codec,
		completions:   cfg.Completions,
		tracer:        cfg.Tracer,
		sendTimeout:   cfg.SendTimeout,
		slowThreshold: cfg.SlowThreshold,
		receivers:     cfg.Receivers,
		batches:       newBatchTracker(cfg.Correlator.Timeout()),
		handled:       newHandledVersions(),
	}
	d.strategies = map[models.Kind]Strategy{
		models.KindCommand:      &commandStrategy{d: d},
		models.KindEvent:        &eventStrategy{d: d},
		models.KindQuery:        &queryStrategy{d: d},
		models.KindCommandReply: &replyStrategy{d: d},
		models.KindMessage:      &messageStrategy{d: d},
	}
	return d, nil
}

// AddDispatcher installs or replaces the strategy for kind.
func (d *Dispatcher) AddDispatcher(kind models.Kind, s Strategy) {
	d.strategyMu.Lock()
	d.strategies[kind] = s
	d.strategyMu.Unlock()
}

func (d *Dispatcher) strategy(kind models.Kind) Strategy {
	d.strategyMu.RLock()
	defer d.strategyMu.RUnlock()
	return d.strategies[kind]
}

// Completions returns the bus EnvelopeCompleted notifications go to.
func (d *Dispatcher) Completions() *models.CompletionBus {
	return d.completions
}

// AddReceiver binds r on the next Start, or right away when already running.
func (d *Dispatcher) AddReceiver(r Receiver) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.receivers = append(d.receivers, r)
	if d.running {
		r.EnvelopeReceived(d.HandleEnvelope)
	}
}

// Start binds the dispatcher to every receiver. It is idempotent.
func (d *Dispatcher) Start() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running {
		return
	}
	for _, r := range d.receivers {
		r.EnvelopeReceived(d.HandleEnvelope)
	}
	d.running = true
	log := logger.WithComponent("dispatcher")
	log.Info().Int("receivers", len(d.receivers)).Msg("dispatcher started")
}

// Stop unbinds the dispatcher from every receiver. It is idempotent.
func (d *Dispatcher) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running {
		return
	}
	for _, r := range d.receivers {
		r.EnvelopeReceived(nil)
	}
	d.running = false
	log := logger.WithComponent("dispatcher")
	log.Info().Msg("dispatcher stopped")
}

// HandleEnvelope is the models.EnvelopeHandler bound to receivers. Failures
// are logged and counted inside Dispatch.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env *models.Envelope) {
	_ = d.Dispatch(ctx, env)
}

// Classify reads the Kind metadata, falling back to the body type when it is
// missing. A present but unknown value yields KindUnknown.
func (d *Dispatcher) Classify(env *models.Envelope) models.Kind {
	if env == nil {
		return models.KindUnknown
	}
	if raw := env.GetMetadata(models.MetadataKind); raw != "" {
		kind, _ := models.ParseKind(raw)
		return kind
	}
	return models.KindOf(env.Body)
}

// Dispatch runs the strategy for the envelope kind, records ProcessTime and
// completes the envelope. Unclassifiable envelopes are dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return ErrUnclassified
	}
	start := time.Now()
	kind := d.Classify(env)

	log := logger.WithMessage("dispatcher", env.MessageID(), env.GetMetadata(models.MetadataSourceTypeName)).With().
		Str("kind", string(kind)).
		Str("routing_key", env.RoutingKey()).
		Logger()

	s := d.strategy(kind)
	if kind == models.KindUnknown || s == nil || env.Body == nil {
		d.dropped.Add(1)
		metrics.DroppedTotal.WithLabelValues("unclassified").Inc()
		log.Warn().Str("raw_kind", env.GetMetadata(models.MetadataKind)).Msg("envelope cannot be classified, dropped")
		env.ProcessTime = time.Since(start)
		d.complete(env)
		return ErrUnclassified
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+string(kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("message.id", env.MessageID()),
			attribute.String("message.type", env.GetMetadata(models.MetadataTypeCode)),
			attribute.String("message.routing_key", env.RoutingKey()),
		),
	)
	defer span.End()

	err := d.run(ctx, s, env)
	env.ProcessTime = time.Since(start)

	d.dispatched.Add(1)
	metrics.DispatchDuration.WithLabelValues(string(kind)).Observe(env.ProcessTime.Seconds())
	if err != nil {
		d.failed.Add(1)
		metrics.DispatchTotal.WithLabelValues(string(kind), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Dur("duration", env.ProcessTime).Msg("dispatch failed")
	} else {
		metrics.DispatchTotal.WithLabelValues(string(kind), "success").Inc()
		log.Debug().Dur("duration", env.ProcessTime).Msg("envelope dispatched")
	}
	if d.slowThreshold > 0 && env.ProcessTime > d.slowThreshold {
		log.Warn().Dur("duration", env.ProcessTime).Dur("threshold", d.slowThreshold).Msg("slow dispatch")
	}

	d.complete(env)
	return err
}

// run invokes s and turns a panic into a HandlerFailed failure so the
// partition keeps draining.
func (d *Dispatcher) run(ctx context.Context, s Strategy, env *models.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.recovered(r, env)
		}
	}()
	return s.Dispatch(ctx, env)
}

func (d *Dispatcher) recovered(r any, env *models.Envelope) error {
	log := logger.WithComponent("dispatcher")
	log.Error().
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Str("message_id", env.MessageID()).
		Msg("dispatch panic recovered")
	metrics.PanicsRecovered.WithLabelValues("dispatcher").Inc()
	return models.NewFailure(models.CodeHandlerFailed, fmt.Sprintf("panic: %v", r), nil)
}

func (d *Dispatcher) complete(env *models.Envelope) {
	if env.Complete(completionSource) {
		d.completions.Publish(completionSource, env)
	}
}

// send pushes an outbound envelope, giving up after the send timeout so a
// consumer never blocks forever on a full partition.
func (d *Dispatcher) send(ctx context.Context, env *models.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.sender.Send(ctx, env); err != nil {
		return models.NewFailure(models.CodePublishFailed, err.Error(), err)
	}
	return nil
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:   d.dispatched.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		OpenBatches:  d.batches.open(),
		HeldVersions: d.handled.len(),
	}
}

// Stats holds dispatcher counters
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	// OpenBatches counts commands whose raised events have not all settled.
	OpenBatches int `json:"open_batches"`
	// HeldVersions counts handled event versions waiting on an earlier one.
	HeldVersions int `json:"held_versions"`
}
