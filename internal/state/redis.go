package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/storage"
)

// advanceVersionLua moves the published version to ARGV[2] only when it
// currently equals ARGV[1]-1. A missing key counts as 0.
const advanceVersionLua = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur + 1 ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`

var advanceVersion = redis.NewScript(advanceVersionLua)

// RedisStore keeps handler records and published versions in Redis so several
// relay processes can share idempotency state.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	recordTTL time.Duration
}

var (
	_ storage.HandlerRecordStore    = (*RedisStore)(nil)
	_ storage.PublishedVersionStore = (*RedisStore)(nil)
)

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix namespaces every key. Defaults to "relay:".
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithRecordTTL expires handler records after ttl. Zero keeps them forever.
func WithRecordTTL(ttl time.Duration) Option {
	return func(s *RedisStore) { s.recordTTL = ttl }
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "relay:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, db int, opts ...Option) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("state: ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client, opts...), nil
}

// Key parts are length-prefixed so ids containing ':' cannot collide.
func (s *RedisStore) recordKey(messageID, messageTypeCode, handlerTypeCode string) string {
	return s.keyPrefix + "handler:" + lengthPrefixed(messageID) + lengthPrefixed(messageTypeCode) + handlerTypeCode
}

func (s *RedisStore) versionKey(aggregateType, aggregateID string) string {
	return s.keyPrefix + "version:" + lengthPrefixed(aggregateType) + aggregateID
}

func lengthPrefixed(part string) string {
	return strconv.Itoa(len(part)) + ":" + part + ":"
}

func (s *RedisStore) Exists(ctx context.Context, messageID, messageTypeCode, handlerTypeCode string) (bool, error) {
	n, err := s.client.Exists(ctx, s.recordKey(messageID, messageTypeCode, handlerTypeCode)).Result()
	if err != nil {
		return false, fmt.Errorf("state: check handler record: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Add(ctx context.Context, rec storage.HandlerRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("state: encode handler record: %w", err)
	}

	key := s.recordKey(rec.MessageID, rec.MessageTypeCode, rec.HandlerTypeCode)
	added, err := s.client.SetNX(ctx, key, payload, s.recordTTL).Result()
	if err != nil {
		return false, fmt.Errorf("state: add handler record: %w", err)
	}
	return added, nil
}

// Record returns the stored handler record, if any.
func (s *RedisStore) Record(ctx context.Context, messageID, messageTypeCode, handlerTypeCode string) (storage.HandlerRecord, bool, error) {
	var rec storage.HandlerRecord
	raw, err := s.client.Get(ctx, s.recordKey(messageID, messageTypeCode, handlerTypeCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("state: get handler record: %w", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, fmt.Errorf("state: decode handler record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) GetPublishedVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	raw, err := s.client.Get(ctx, s.versionKey(aggregateType, aggregateID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("state: get published version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("state: corrupt published version %q: %w", raw, err)
	}
	return v, nil
}

func (s *RedisStore) AddOrUpdatePublishedVersion(ctx context.Context, aggregateType, aggregateID string, start, end int) (bool, error) {
	if start <= 0 || end < start {
		return false, storage.ErrInvalidRange
	}
	res, err := advanceVersion.Run(ctx, s.client,
		[]string{s.versionKey(aggregateType, aggregateID)},
		start, end,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("state: advance published version: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
