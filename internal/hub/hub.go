package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/routing"
)

var (
	ErrInvalidPartitions = errors.New("hub: partition count must be > 0")
	ErrInvalidCapacity   = errors.New("hub: partition capacity must be > 0")
	ErrNilEnvelope       = errors.New("hub: envelope cannot be nil")
	ErrHubClosed         = errors.New("hub: closed")
)

// Config holds hub configuration
type Config struct {
	Partitions int
	Capacity   int
	// Router derives routing keys for envelopes that do not carry one.
	// Defaults to routing.Default.
	Router routing.Provider
}

// Hub owns a fixed set of bounded partition queues, each drained by exactly
// one consumer goroutine. Envelopes sharing a routing key always land in the
// same partition and are delivered in send order.
type Hub struct {
	partitions []*partition
	router     routing.Provider
	handler    atomic.Pointer[models.EnvelopeHandler]

	// lifecycle serializes Start, Stop and Close
	lifecycle sync.Mutex
	running   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
	unhandled atomic.Uint64
}

type partition struct {
	index     int
	label     string
	queue     chan *models.Envelope
	running   atomic.Bool
	processed atomic.Uint64
}

// New creates a stopped hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPartitions, cfg.Partitions)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, cfg.Capacity)
	}
	if cfg.Router == nil {
		cfg.Router = routing.Default
	}

	h := &Hub{
		partitions: make([]*partition, cfg.Partitions),
		router:     cfg.Router,
		done:       make(chan struct{}),
	}
	for i := range h.partitions {
		h.partitions[i] = &partition{
			index: i,
			label: strconv.Itoa(i),
			queue: make(chan *models.Envelope, cfg.Capacity),
		}
	}
	metrics.HubQueueCapacity.Set(float64(cfg.Capacity))
	return h, nil
}

// EnvelopeReceived sets the callback invoked for every drained envelope.
// Passing nil unbinds the current callback.
func (h *Hub) EnvelopeReceived(handler models.EnvelopeHandler) {
	if handler == nil {
		h.handler.Store(nil)
		return
	}
	h.handler.Store(&handler)
}

// Send stamps the routing key and enqueue time, then appends env to its
// partition. It blocks while the partition is full until space frees up,
// ctx is done or the hub is closed.
func (h *Hub) Send(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return ErrNilEnvelope
	}
	if h.closed.Load() {
		return ErrHubClosed
	}

	key := env.RoutingKey()
	if key == "" {
		key = h.router.GetRoutingKey(env.Body)
		env.SetMetadata(models.MetadataRoutingKey, key)
	}
	p := h.partitions[h.PartitionFor(key)]
	env.EnqueuedAt = time.Now()

	select {
	case p.queue <- env:
	default:
		metrics.HubSendBlocked.Inc()
		log := logger.WithPartition("hub", p.index)
		log.Debug().
			Str("message_id", env.MessageID()).
			Msg("partition full, waiting for capacity")

		select {
		case p.queue <- env:
		case <-h.done:
			return ErrHubClosed
		case <-ctx.Done():
			return fmt.Errorf("hub: send to partition %d: %w", p.index, ctx.Err())
		}
	}

	h.sent.Add(1)
	metrics.HubEnqueuedTotal.WithLabelValues(p.label).Inc()
	metrics.HubQueueDepth.WithLabelValues(p.label).Set(float64(len(p.queue)))
	return nil
}

// PartitionFor returns the partition a routing key maps to. Empty keys go to
// the currently least-loaded partition.
func (h *Hub) PartitionFor(key string) int {
	if key == "" {
		loads := make([]int, len(h.partitions))
		for i, p := range h.partitions {
			loads[i] = len(p.queue)
		}
		return routing.LeastLoaded(loads)
	}
	return routing.Partition(key, len(h.partitions))
}

// Start spawns one consumer per partition. Calling Start on a running hub is a no-op.
func (h *Hub) Start() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.closed.Load() {
		return ErrHubClosed
	}
	if h.running.Load() {
		return nil
	}

	log := logger.WithComponent("hub")
	log.Info().
		Int("partitions", len(h.partitions)).
		Int("capacity", cap(h.partitions[0].queue)).
		Msg("starting partition consumers")

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	for _, p := range h.partitions {
		h.wg.Add(1)
		p.running.Store(true)
		go h.consume(ctx, p)
	}
	h.running.Store(true)
	return nil
}

// Stop cancels every consumer and waits for them to exit. An envelope already
// taken from a queue finishes its handler first. Envelopes still queued stay
// there until the next Start. Stop must not be called from inside a handler.
func (h *Hub) Stop() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.stopLocked()
}

func (h *Hub) stopLocked() {
	if !h.running.Load() {
		return
	}

	log := logger.WithComponent("hub")
	log.Info().Msg("stopping partition consumers")
	h.cancel()
	h.wg.Wait()
	h.running.Store(false)
	log.Info().Uint64("delivered", h.delivered.Load()).Msg("partition consumers stopped")
}

// Close stops the hub for good. Further sends, and sends still waiting for
// capacity, fail with ErrHubClosed.
func (h *Hub) Close() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.closed.CompareAndSwap(false, true) {
		close(h.done)
	}
	h.stopLocked()
}

// Running reports whether consumers are active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

func (h *Hub) consume(ctx context.Context, p *partition) {
	defer h.wg.Done()
	defer p.running.Store(false)

	log := logger.WithPartition("hub", p.index)
	log.Debug().Msg("partition consumer started")
	defer log.Debug().Msg("partition consumer stopped")

	// handlers outlive Stop's cancellation so in-flight work can finish
	handlerCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			h.deliver(handlerCtx, p, env, log)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, p *partition, env *models.Envelope, log zerolog.Logger) {
	env.DequeuedAt = time.Now()
	p.processed.Add(1)
	h.delivered.Add(1)
	metrics.HubDequeuedTotal.WithLabelValues(p.label).Inc()
	metrics.HubQueueDepth.WithLabelValues(p.label).Set(float64(len(p.queue)))
	metrics.HubWaitDuration.Observe(env.WaitTime().Seconds())

	handler := h.handler.Load()
	if handler == nil {
		h.unhandled.Add(1)
		metrics.HubUnhandledTotal.Inc()
		log.Warn().
			Str("message_id", env.MessageID()).
			Str("kind", string(env.Kind())).
			Msg("no receiver bound, envelope dropped")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("message_id", env.MessageID()).
				Msg("envelope handler panic recovered")
			metrics.PanicsRecovered.WithLabelValues("hub").Inc()
		}
	}()
	(*handler)(ctx, env)
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	s := Stats{
		Running:    h.running.Load(),
		Sent:       h.sent.Load(),
		Delivered:  h.delivered.Load(),
		Unhandled:  h.unhandled.Load(),
		Partitions: make([]PartitionStats, len(h.partitions)),
	}
	for i, p := range h.partitions {
		s.Partitions[i] = PartitionStats{
			Index:     p.index,
			Depth:     len(p.queue),
			Capacity:  cap(p.queue),
			Processed: p.processed.Load(),
			Running:   p.running.Load(),
		}
	}
	return s
}

// Stats holds hub metrics
type Stats struct {
	Running    bool             `json:"running"`
	Sent       uint64           `json:"sent"`
	Delivered  uint64           `json:"delivered"`
	Unhandled  uint64           `json:"unhandled"`
	Partitions []PartitionStats `json:"partitions"`
}

// PartitionStats describes one partition queue.
type PartitionStats struct {
	Index     int    `json:"index"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Processed uint64 `json:"processed"`
	Running   bool   `json:"running"`
}
