package kafka

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/offset"
)

var (
	ErrNoGroup       = errors.New("group id is required")
	ErrConsumerSetup = errors.New("consumer requires a codec and an offset manager")
)

// messageReader is the subset of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads envelopes from a consumer group and hands them to the
// bound handler. Offsets are committed only once every earlier offset on
// the same partition has completed, as reported by the offset manager.
type Consumer struct {
	reader  messageReader
	topic   string
	codec   *models.Codec
	offsets *offset.Manager

	commitInterval time.Duration
	handler        atomic.Pointer[models.EnvelopeHandler]

	mu        sync.Mutex
	committed map[int]int64

	received    atomic.Uint64
	undecodable atomic.Uint64
	commits     atomic.Uint64
	closed      atomic.Bool
}

// NewConsumer joins groupID on topic.
func NewConsumer(brokers []string, topic, groupID string, cfg config.ConsumerConfig, codec *models.Codec, offsets *offset.Manager) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, ErrNoTopic
	}
	if groupID == "" {
		return nil, ErrNoGroup
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
		// commits are issued explicitly from the offset manager
		CommitInterval: 0,
	})
	return newConsumer(reader, topic, cfg.CommitInterval, codec, offsets)
}

func newConsumer(reader messageReader, topic string, commitInterval time.Duration, codec *models.Codec, offsets *offset.Manager) (*Consumer, error) {
	if codec == nil || offsets == nil {
		return nil, ErrConsumerSetup
	}
	if commitInterval <= 0 {
		commitInterval = time.Second
	}
	return &Consumer{
		reader:         reader,
		topic:          topic,
		codec:          codec,
		offsets:        offsets,
		commitInterval: commitInterval,
		committed:      make(map[int]int64),
	}, nil
}

// EnvelopeReceived binds the handler. Passing nil unbinds it.
func (c *Consumer) EnvelopeReceived(handler models.EnvelopeHandler) {
	if handler == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handler)
}

// Consume fetches until ctx is done. Completed offsets are committed every
// commit interval and once more on the way out.
func (c *Consumer) Consume(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")

	commitCtx, stopCommits := context.WithCancel(ctx)
	commitDone := make(chan struct{})
	go func() {
		defer close(commitDone)
		ticker := time.NewTicker(c.commitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-commitCtx.Done():
				return
			case <-ticker.C:
				if err := c.Commit(commitCtx); err != nil && commitCtx.Err() == nil {
					log.Warn().Err(err).Msg("offset commit failed")
				}
			}
		}
	}()

	defer func() {
		stopCommits()
		<-commitDone
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Commit(flushCtx); err != nil {
			log.Warn().Err(err).Msg("final offset commit failed")
		}
	}()

	backoff := 100 * time.Millisecond
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) || c.closed.Load() {
				return nil
			}
			log.Error().Err(err).Dur("backoff", backoff).Msg("fetch failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, 5*time.Second)
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 100 * time.Millisecond
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log := logger.WithComponent("kafka_consumer")
	c.offsets.Track(m.Topic, m.Partition, m.Offset)

	env, err := c.codec.Decode(m.Value)
	if err != nil {
		c.undecodable.Add(1)
		metrics.KafkaConsumedTotal.WithLabelValues("undecodable").Inc()
		log.Error().
			Err(err).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("skipping undecodable message")
		c.offsets.Ack(m.Topic, m.Partition, m.Offset)
		return
	}
	offset.Stamp(env, m.Topic, m.Partition, m.Offset)

	h := c.handler.Load()
	if h == nil {
		metrics.KafkaConsumedTotal.WithLabelValues("unhandled").Inc()
		log.Warn().Str("message_id", env.MessageID()).Msg("no receiver bound, dropping envelope")
		c.offsets.Ack(m.Topic, m.Partition, m.Offset)
		return
	}

	c.received.Add(1)
	metrics.KafkaConsumedTotal.WithLabelValues("delivered").Inc()
	(*h)(ctx, env)
}

// Commit writes the committable offset of every partition seen so far.
func (c *Consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []kafka.Message
	for _, p := range c.offsets.Partitions(c.topic) {
		off, ok := c.offsets.Committable(c.topic, p)
		if !ok {
			continue
		}
		if last, seen := c.committed[p]; seen && off <= last {
			continue
		}
		msgs = append(msgs, kafka.Message{Topic: c.topic, Partition: p, Offset: off})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		return err
	}
	for _, m := range msgs {
		c.committed[m.Partition] = m.Offset
		metrics.KafkaCommittedOffset.WithLabelValues(m.Topic, strconv.Itoa(m.Partition)).Set(float64(m.Offset))
	}
	c.commits.Add(uint64(len(msgs)))
	return nil
}

// Committed returns the last offset committed for partition.
func (c *Consumer) Committed(partition int) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.committed[partition]
	return off, ok
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Received    uint64 `json:"received"`
	Undecodable uint64 `json:"undecodable"`
	Commits     uint64 `json:"commits"`
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:    c.received.Load(),
		Undecodable: c.undecodable.Load(),
		Commits:     c.commits.Load(),
	}
}

func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.reader.Close()
}
