package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Codec errors
var (
	ErrUnknownType     = errors.New("unknown message type")
	ErrNotMessage      = errors.New("type does not implement Message")
	ErrSerializeFailed = errors.New("failed to serialize envelope")
	ErrDecodeFailed    = errors.New("failed to decode envelope")
)

// TypeRegistry maps type codes to concrete message types so bodies can be
// rebuilt from bytes at the transport and persistence boundaries.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeRegistry returns a registry that already knows CommandReply.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]reflect.Type)}
	RegisterType[*CommandReply](r)
	return r
}

// RegisterType records T under its type code and returns the code.
func RegisterType[T Message](r *TypeRegistry) string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	code := typeCode(t)

	r.mu.Lock()
	r.types[code] = t
	r.mu.Unlock()
	return code
}

// Register records the concrete type of sample.
func (r *TypeRegistry) Register(sample Message) (string, error) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return "", ErrNotMessage
	}
	code := typeCode(t)

	r.mu.Lock()
	r.types[code] = t
	r.mu.Unlock()
	return code, nil
}

// Codes lists the registered type codes in sorted order.
func (r *TypeRegistry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codes := make([]string, 0, len(r.types))
	for code := range r.types {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Lookup resolves a type code. Short names ("OpenAccount") are accepted when
// they match exactly one registered type.
func (r *TypeRegistry) Lookup(code string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.types[code]; ok {
		return t, true
	}

	var found reflect.Type
	for _, t := range r.types {
		elem := t
		if elem.Kind() == reflect.Ptr {
			elem = elem.Elem()
		}
		if elem.Name() == code {
			if found != nil {
				return nil, false
			}
			found = t
		}
	}
	return found, found != nil
}

// Decode builds a message of the given type from JSON.
func (r *TypeRegistry) Decode(code string, data []byte) (Message, error) {
	t, ok := r.Lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, code)
	}

	var target reflect.Value
	if t.Kind() == reflect.Ptr {
		target = reflect.New(t.Elem())
	} else {
		target = reflect.New(t)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
	}
	if t.Kind() != reflect.Ptr {
		target = target.Elem()
	}

	msg, ok := target.Interface().(Message)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMessage, code)
	}
	return msg, nil
}

// wireEnvelope is the JSON shape written to transports.
type wireEnvelope struct {
	Type      string          `json:"type"`
	Metadata  Metadata        `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	Body      json.RawMessage `json:"body"`
}

// Codec converts envelopes to and from their wire form.
type Codec struct {
	types *TypeRegistry
}

// NewCodec returns a codec resolving bodies through types.
func NewCodec(types *TypeRegistry) *Codec {
	return &Codec{types: types}
}

// Types exposes the registry behind the codec.
func (c *Codec) Types() *TypeRegistry {
	return c.types
}

// Encode serializes env. Per-process timestamps other than CreatedAt are not carried.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	code := env.GetMetadata(MetadataTypeCode)
	if code == "" {
		code = TypeCode(env.Body)
	}

	data, err := json.Marshal(wireEnvelope{
		Type:      code,
		Metadata:  env.Metadata,
		CreatedAt: env.CreatedAt,
		Body:      body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return data, nil
}

// Decode rebuilds an envelope from bytes produced by Encode.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	body, err := c.types.Decode(wire.Type, wire.Body)
	if err != nil {
		return nil, err
	}

	env := NewEnvelope(body)
	for k, v := range wire.Metadata {
		env.Metadata[k] = v
	}
	if !wire.CreatedAt.IsZero() {
		env.CreatedAt = wire.CreatedAt
	}
	return env, nil
}
