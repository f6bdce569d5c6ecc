package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/alerts"
	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/correlator"
	"relay/internal/dispatcher"
	"relay/internal/handlers"
	"relay/internal/hub"
	"relay/internal/kafka"
	"relay/internal/logger"
	"relay/internal/middleware"
	"relay/internal/models"
	"relay/internal/offset"
	"relay/internal/registry"
	"relay/internal/transport"
)

// inbound is a transport that feeds envelopes into the hub.
type inbound interface {
	EnvelopeReceived(handler models.EnvelopeHandler)
	Close() error
}

// Processor wires the hub, dispatcher, bus and transports into one process
// and serves the HTTP surface.
type Processor struct {
	cfg      *config.Config
	registry *registry.Registry
	codec    *models.Codec

	stores     *stores
	hub        *hub.Hub
	correlator *correlator.Correlator
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	offsets    *offset.Manager
	monitor    *alerts.Monitor

	forwarder *transport.Forwarder
	producer  *kafka.Producer
	consumer  *kafka.Consumer
	pubSub    *gochannel.GoChannel
	receiver  *transport.WatermillReceiver
	inbound   inbound

	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New builds every component from cfg. Handlers must already be registered
// on reg; nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, reg *registry.Registry) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Processor{
		cfg:        cfg,
		registry:   reg,
		codec:      models.NewCodec(reg.Types()),
		correlator: correlator.New(cfg.Correlator.Timeout),
		offsets:    offset.NewManager(),
	}

	var err error
	if p.stores, err = openStores(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if p.hub, err = hub.New(hub.Config{Partitions: cfg.Hub.Partitions, Capacity: cfg.Hub.Capacity}); err != nil {
		p.stores.Close()
		return nil, err
	}

	sender, err := p.initTransport()
	if err != nil {
		p.stores.Close()
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	p.dispatcher, err = dispatcher.New(dispatcher.Config{
		Registry:      reg,
		Correlator:    p.correlator,
		Sender:        sender,
		Events:        p.stores.events,
		Records:       p.stores.records,
		Versions:      p.stores.versions,
		Codec:         p.codec,
		Receivers:     []dispatcher.Receiver{p.hub},
		SendTimeout:   cfg.Dispatcher.SendTimeout,
		SlowThreshold: cfg.Dispatcher.SlowThreshold,
	})
	if err != nil {
		p.closeTransport()
		p.stores.Close()
		return nil, err
	}
	p.bus = bus.New(sender, p.correlator)
	p.offsets.Listen(p.dispatcher.Completions())

	if cfg.Alerts.Enabled {
		p.monitor = alerts.NewMonitor(alerts.NewThresholdEngine(cfg.Alerts.Cooldown), alerts.DefaultRules(cfg.Alerts)...)
		p.monitor.Listen(p.dispatcher.Completions())
	}

	p.handler = p.routes()
	return p, nil
}

// initTransport picks where outbound envelopes go. With Kafka or the
// watermill bridge enabled, envelopes leave through a Forwarder and come
// back through a receiver that feeds the hub; otherwise the hub is the sender.
func (p *Processor) initTransport() (dispatcher.Sender, error) {
	log := logger.WithComponent("processor")
	cfg := p.cfg

	switch {
	case cfg.Kafka.Enabled:
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
		if err != nil {
			return nil, err
		}
		consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, cfg.Kafka.Consumer, p.codec, p.offsets)
		if err != nil {
			producer.Close()
			return nil, err
		}
		fwd, err := transport.NewForwarder(producer, p.codec, cfg.Kafka.Topic)
		if err != nil {
			producer.Close()
			consumer.Close()
			return nil, err
		}
		p.producer, p.consumer, p.forwarder, p.inbound = producer, consumer, fwd, consumer
		log.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Str("group_id", cfg.Kafka.GroupID).
			Msg("kafka transport initialized")

	case cfg.Bridge.Enabled:
		p.pubSub = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.Bridge.Buffer,
		}, transport.NewLoggerAdapter(logger.WithComponent("watermill")))
		fwd, err := transport.NewForwarder(transport.NewWatermillPusher(p.pubSub), p.codec, cfg.Bridge.Topic)
		if err != nil {
			return nil, err
		}
		receiver, err := transport.NewWatermillReceiver(p.pubSub, p.codec, cfg.Bridge.Topic)
		if err != nil {
			return nil, err
		}
		p.forwarder, p.receiver, p.inbound = fwd, receiver, receiver
		log.Info().Str("topic", cfg.Bridge.Topic).Msg("watermill bridge initialized")

	default:
		return p.hub, nil
	}

	p.inbound.EnvelopeReceived(p.ingest)
	return p.forwarder, nil
}

// ingest moves a transport delivery into its hub partition. Envelopes that
// cannot be queued stay unacked so the transport redelivers them.
func (p *Processor) ingest(ctx context.Context, env *models.Envelope) {
	if err := p.hub.Send(ctx, env); err != nil {
		log := logger.WithComponent("processor")
		log.Warn().
			Err(err).
			Str("message_id", env.MessageID()).
			Msg("failed to queue inbound envelope")
	}
}

func (p *Processor) routes() http.Handler {
	mux := http.NewServeMux()

	handlers.New(handlers.Config{
		Bus:              p.bus,
		Registry:         p.registry,
		DefaultReplyMode: correlator.ReplyOnHandled,
	}).Register(mux)
	mux.HandleFunc("GET /health", p.healthHandler)
	mux.HandleFunc("GET /stats", p.statsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.Logging,
		middleware.Recovery,
	)
}

// Handler exposes the HTTP surface.
func (p *Processor) Handler() http.Handler { return p.handler }

// Bus exposes the producer API for in-process callers.
func (p *Processor) Bus() *bus.Bus { return p.bus }

// Addr is the bound HTTP address once Run is listening.
func (p *Processor) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().
		Int("partitions", p.cfg.Hub.Partitions).
		Int("capacity", p.cfg.Hub.Capacity).
		Str("store", p.cfg.Store.Backend).
		Msg("processor starting")

	p.dispatcher.Start()
	if err := p.hub.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.stop()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()
	p.httpServer = &http.Server{
		Handler:      p.handler,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	inboundCtx, stopInbound := context.WithCancel(ctx)
	defer stopInbound()
	if p.consumer != nil {
		p.goRun(inboundCtx, "kafka consumer", p.consumer.Consume)
	}
	if p.receiver != nil {
		p.goRun(inboundCtx, "watermill receiver", p.receiver.Run)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	return p.shutdown()
}

func (p *Processor) goRun(ctx context.Context, name string, run func(context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := run(ctx); err != nil {
			log := logger.WithComponent("processor")
			log.Error().Err(err).Str("transport", name).Msg("inbound transport stopped")
		}
	}()
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// inbound transports and the stats loop exit on ctx; in-flight envelopes
	// finish before the hub stops
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("processor stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timeout - forcing exit")
	}
	return nil
}

// stop releases every component; safe to call once the loops have exited.
func (p *Processor) stop() {
	log := logger.WithComponent("processor")
	p.hub.Stop()
	p.dispatcher.Stop()
	p.correlator.Close()
	if p.monitor != nil {
		p.monitor.Close()
	}
	p.closeTransport()
	p.hub.Close()
	if err := p.stores.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
	}
}

func (p *Processor) closeTransport() {
	log := logger.WithComponent("processor")
	if p.inbound != nil {
		if err := p.inbound.Close(); err != nil {
			log.Error().Err(err).Msg("inbound transport close error")
		}
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			ev := log.Info().
				Uint64("hub_sent", s.Hub.Sent).
				Uint64("hub_delivered", s.Hub.Delivered).
				Uint64("dispatched", s.Dispatcher.Dispatched).
				Uint64("dispatch_failed", s.Dispatcher.Failed).
				Uint64("dropped", s.Dispatcher.Dropped).
				Int("pending_futures", s.PendingFutures)
			if s.Producer != nil {
				ev = ev.Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed)
			}
			if s.Consumer != nil {
				ev = ev.Uint64("consumer_received", s.Consumer.Received)
			}
			ev.Msg("stats")
		}
	}
}

// Stats is the snapshot served on /stats.
type Stats struct {
	Hub            hub.Stats                 `json:"hub"`
	Dispatcher     dispatcher.Stats          `json:"dispatcher"`
	PendingFutures int                       `json:"pending_futures"`
	Forwarder      *transport.ForwarderStats `json:"forwarder,omitempty"`
	Producer       *kafka.ProducerStats      `json:"producer,omitempty"`
	Consumer       *kafka.ConsumerStats      `json:"consumer,omitempty"`
	Receiver       *transport.ReceiverStats  `json:"receiver,omitempty"`
	Alerts         []alerts.Alert            `json:"alerts,omitempty"`
}

func (p *Processor) Stats() Stats {
	s := Stats{
		Hub:            p.hub.Stats(),
		Dispatcher:     p.dispatcher.Stats(),
		PendingFutures: p.correlator.Pending(),
	}
	if p.forwarder != nil {
		fs := p.forwarder.Stats()
		s.Forwarder = &fs
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	if p.receiver != nil {
		rs := p.receiver.Stats()
		s.Receiver = &rs
	}
	if p.monitor != nil {
		s.Alerts = p.monitor.Recent()
	}
	return s
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if !p.hub.Running() {
		http.Error(w, "unhealthy: hub not running", http.StatusServiceUnavailable)
		return
	}
	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			http.Error(w, fmt.Sprintf("unhealthy: %v", err), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p.Stats())
}
