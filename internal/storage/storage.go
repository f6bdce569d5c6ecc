package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionConflict means the events do not continue the stored stream.
	// Callers may retry the whole command from scratch.
	ErrVersionConflict = errors.New("storage: event version conflict")
	// ErrDuplicateCorrelation means events for this correlation id were already saved.
	ErrDuplicateCorrelation = errors.New("storage: events already persisted for correlation id")
	ErrInvalidRange         = errors.New("storage: invalid version range")
	ErrEmptyKey             = errors.New("storage: aggregate key is incomplete")
	ErrKeyMismatch          = errors.New("storage: event does not belong to aggregate")
	ErrClosed               = errors.New("storage: closed")
)

// AggregateKey identifies one event stream.
type AggregateKey struct {
	Type string
	ID   string
}

func (k AggregateKey) valid() bool {
	return k.Type != "" && k.ID != ""
}

// EventRecord is a persisted domain event.
type EventRecord struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id"`
	EventID       string    `json:"event_id"`
	TypeName      string    `json:"type_name"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}

// Key returns the stream the record belongs to.
func (r EventRecord) Key() AggregateKey {
	return AggregateKey{Type: r.AggregateType, ID: r.AggregateID}
}

// HandlerRecord notes that a handler already processed a message.
// MessageID, MessageTypeCode and HandlerTypeCode form its identity.
type HandlerRecord struct {
	MessageID         string    `json:"message_id"`
	MessageTypeCode   string    `json:"message_type_code"`
	HandlerTypeCode   string    `json:"handler_type_code"`
	AggregateRootID   string    `json:"aggregate_root_id,omitempty"`
	AggregateRootType string    `json:"aggregate_root_type,omitempty"`
	Version           int       `json:"version,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// EventStore is the event-sourced persistence contract.
type EventStore interface {
	// SaveEvents appends events to the stream of key. Versions must continue
	// the stored stream without gaps, otherwise ErrVersionConflict is returned
	// and nothing is written.
	SaveEvents(ctx context.Context, key AggregateKey, correlationID string, events []EventRecord) error
	// SaveBatch saves events spanning any number of streams under
	// correlationID. Each stream is checked as by SaveEvents and any failure
	// leaves every stream untouched.
	SaveBatch(ctx context.Context, correlationID string, events []EventRecord) error
	// FindEvents returns events with a version greater than afterVersion, ascending.
	FindEvents(ctx context.Context, key AggregateKey, afterVersion int) ([]EventRecord, error)
	// EventPersisted reports whether correlationID already produced events on key.
	EventPersisted(ctx context.Context, key AggregateKey, correlationID string) (bool, error)
	// EventsByCorrelation returns every event saved under correlationID, in save order.
	EventsByCorrelation(ctx context.Context, correlationID string) ([]EventRecord, error)
}

// HandlerRecordStore tracks which handlers already processed which messages.
// Implementations must be safe for concurrent use by all partitions.
type HandlerRecordStore interface {
	Exists(ctx context.Context, messageID, messageTypeCode, handlerTypeCode string) (bool, error)
	// Add inserts rec unless it already exists and reports whether it was inserted.
	Add(ctx context.Context, rec HandlerRecord) (bool, error)
}

// PublishedVersionStore tracks the highest contiguously published event
// version per aggregate.
type PublishedVersionStore interface {
	// GetPublishedVersion returns 0 for an unknown aggregate.
	GetPublishedVersion(ctx context.Context, aggregateType, aggregateID string) (int, error)
	// AddOrUpdatePublishedVersion moves the stored version to end only when it
	// currently equals start-1 (an unknown aggregate counts as 0). It reports
	// whether the version moved. Ranges already covered and gaps are no-ops.
	AddOrUpdatePublishedVersion(ctx context.Context, aggregateType, aggregateID string, start, end int) (bool, error)
}

// Store bundles the three persistence contracts.
type Store interface {
	EventStore
	HandlerRecordStore
	PublishedVersionStore
	Close() error
}

// streamEvents is the slice of a batch that belongs to one stream.
type streamEvents struct {
	key    AggregateKey
	events []EventRecord
}

// groupStreams splits events by stream, keeping first-seen stream order.
func groupStreams(events []EventRecord) ([]streamEvents, error) {
	var out []streamEvents
	index := make(map[AggregateKey]int)
	for _, e := range events {
		k := e.Key()
		if !k.valid() {
			return nil, ErrEmptyKey
		}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, streamEvents{key: k})
		}
		out[i].events = append(out[i].events, e)
	}
	return out, nil
}

// checkContiguous verifies events continue a stream currently at current.
func checkContiguous(key AggregateKey, current int, events []EventRecord) error {
	next := current + 1
	for _, e := range events {
		if e.Key() != key {
			return ErrKeyMismatch
		}
		if e.Version != next {
			return ErrVersionConflict
		}
		next++
	}
	return nil
}

func checkRange(start, end int) error {
	if start <= 0 || end < start {
		return ErrInvalidRange
	}
	return nil
}
