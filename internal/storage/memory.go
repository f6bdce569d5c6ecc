package storage

import (
	"context"
	"sync"
	"time"
)

type recordKey struct {
	messageID, messageType, handlerType string
}

// Memory is a mutex-guarded in-process Store.
type Memory struct {
	mu            sync.RWMutex
	streams       map[AggregateKey][]EventRecord
	byCorrelation map[string][]EventRecord
	records       map[recordKey]HandlerRecord
	versions      map[AggregateKey]int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		streams:       make(map[AggregateKey][]EventRecord),
		byCorrelation: make(map[string][]EventRecord),
		records:       make(map[recordKey]HandlerRecord),
		versions:      make(map[AggregateKey]int),
	}
}

func (m *Memory) SaveEvents(_ context.Context, key AggregateKey, correlationID string, events []EventRecord) error {
	if !key.valid() {
		return ErrEmptyKey
	}
	if len(events) == 0 {
		return nil
	}
	return m.save(correlationID, []streamEvents{{key: key, events: events}}, events)
}

func (m *Memory) SaveBatch(_ context.Context, correlationID string, events []EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	streams, err := groupStreams(events)
	if err != nil {
		return err
	}
	return m.save(correlationID, streams, events)
}

// save checks every stream before appending anything, all under one lock hold.
func (m *Memory) save(correlationID string, streams []streamEvents, events []EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range streams {
		stream := m.streams[st.key]
		if correlationID != "" && hasCorrelation(stream, correlationID) {
			return ErrDuplicateCorrelation
		}
		if err := checkContiguous(st.key, len(stream), st.events); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, e := range events {
		e.CorrelationID = correlationID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		m.streams[e.Key()] = append(m.streams[e.Key()], e)
		if correlationID != "" {
			m.byCorrelation[correlationID] = append(m.byCorrelation[correlationID], e)
		}
	}
	return nil
}

func (m *Memory) FindEvents(_ context.Context, key AggregateKey, afterVersion int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []EventRecord
	for _, e := range m.streams[key] {
		if e.Version > afterVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) EventPersisted(_ context.Context, key AggregateKey, correlationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return hasCorrelation(m.streams[key], correlationID), nil
}

func (m *Memory) EventsByCorrelation(_ context.Context, correlationID string) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventRecord(nil), m.byCorrelation[correlationID]...), nil
}

func (m *Memory) Exists(_ context.Context, messageID, messageTypeCode, handlerTypeCode string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[recordKey{messageID, messageTypeCode, handlerTypeCode}]
	return ok, nil
}

func (m *Memory) Add(_ context.Context, rec HandlerRecord) (bool, error) {
	k := recordKey{rec.MessageID, rec.MessageTypeCode, rec.HandlerTypeCode}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[k]; ok {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[k] = rec
	return true, nil
}

func (m *Memory) GetPublishedVersion(_ context.Context, aggregateType, aggregateID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[AggregateKey{aggregateType, aggregateID}], nil
}

func (m *Memory) AddOrUpdatePublishedVersion(_ context.Context, aggregateType, aggregateID string, start, end int) (bool, error) {
	if err := checkRange(start, end); err != nil {
		return false, err
	}
	key := AggregateKey{aggregateType, aggregateID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[key]+1 != start {
		return false, nil
	}
	m.versions[key] = end
	return true, nil
}

func (m *Memory) Close() error { return nil }

func hasCorrelation(stream []EventRecord, correlationID string) bool {
	if correlationID == "" {
		return false
	}
	for _, e := range stream {
		if e.CorrelationID == correlationID {
			return true
		}
	}
	return false
}
