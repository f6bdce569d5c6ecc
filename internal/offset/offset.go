package offset

import (
	"math"
	"sort"
	"strconv"
	"sync"

	"relay/internal/logger"
	"relay/internal/models"
)

type topicPartition struct {
	topic     string
	partition int
}

type tracker struct {
	inflight    map[int64]struct{}
	acked       map[int64]struct{}
	committable int64
}

// Manager tracks consumed transport offsets and reports, per topic
// partition, the highest offset below which everything was processed.
// Envelopes complete out of order across hub partitions, so the committable
// offset only moves past an offset once it and all earlier ones were acked.
type Manager struct {
	mu     sync.Mutex
	states map[topicPartition]*tracker
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{states: make(map[topicPartition]*tracker)}
}

func (m *Manager) state(topic string, partition int) *tracker {
	k := topicPartition{topic, partition}
	t, ok := m.states[k]
	if !ok {
		t = &tracker{
			inflight:    make(map[int64]struct{}),
			acked:       make(map[int64]struct{}),
			committable: -1,
		}
		m.states[k] = t
	}
	return t
}

// Track registers an offset that was read but not yet processed.
func (m *Manager) Track(topic string, partition int, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(topic, partition).inflight[offset] = struct{}{}
}

// Ack marks an offset processed. Acking an untracked offset is ignored.
func (m *Manager) Ack(topic string, partition int, offset int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.state(topic, partition)
	if _, ok := t.inflight[offset]; !ok {
		return false
	}
	delete(t.inflight, offset)
	t.acked[offset] = struct{}{}
	return true
}

// Committable returns the highest acked offset that has no unacked offset
// below it. ok is false when nothing can be committed yet.
func (m *Manager) Committable(topic string, partition int) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.states[topicPartition{topic, partition}]
	if !ok {
		return 0, false
	}

	lowest := int64(math.MaxInt64)
	for o := range t.inflight {
		if o < lowest {
			lowest = o
		}
	}

	best := t.committable
	for o := range t.acked {
		if o < lowest && o > best {
			best = o
		}
	}
	// acked offsets at or below the committable one are no longer needed
	for o := range t.acked {
		if o <= best {
			delete(t.acked, o)
		}
	}
	t.committable = best
	return best, best >= 0
}

// Partitions lists the partitions of topic that have been tracked, in order.
func (m *Manager) Partitions(topic string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for k := range m.states {
		if k.topic == topic {
			out = append(out, k.partition)
		}
	}
	sort.Ints(out)
	return out
}

// Pending returns how many tracked offsets are still unacked.
func (m *Manager) Pending(topic string, partition int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.states[topicPartition{topic, partition}]; ok {
		return len(t.inflight)
	}
	return 0
}

// Listen acks envelopes that carry transport offset metadata as they complete.
func (m *Manager) Listen(bus *models.CompletionBus) {
	bus.Subscribe(func(_ string, env *models.Envelope) {
		topic, partition, offset, ok := Position(env)
		if !ok {
			return
		}
		if !m.Ack(topic, partition, offset) {
			log := logger.WithComponent("offset")
			log.Debug().
				Str("topic", topic).
				Int("partition", partition).
				Int64("offset", offset).
				Msg("ack for untracked offset ignored")
		}
	})
}

// Stamp records the transport position of env in its metadata.
func Stamp(env *models.Envelope, topic string, partition int, offset int64) {
	env.SetMetadata(models.MetadataKafkaTopic, topic)
	env.SetMetadata(models.MetadataKafkaPartition, strconv.Itoa(partition))
	env.SetMetadata(models.MetadataKafkaOffset, strconv.FormatInt(offset, 10))
}

// Position reads the transport position stamped by Stamp.
func Position(env *models.Envelope) (topic string, partition int, offset int64, ok bool) {
	topic = env.GetMetadata(models.MetadataKafkaTopic)
	if topic == "" {
		return "", 0, 0, false
	}
	partition, err := strconv.Atoi(env.GetMetadata(models.MetadataKafkaPartition))
	if err != nil {
		return "", 0, 0, false
	}
	offset, err = strconv.ParseInt(env.GetMetadata(models.MetadataKafkaOffset), 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return topic, partition, offset, true
}
