package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/samber/lo"

	"relay/internal/models"
)

var (
	ErrEmptyHandlerName = errors.New("registry: handler name cannot be empty")
	ErrDuplicateHandler = errors.New("registry: handler already registered")
	ErrWrongMessageType = errors.New("registry: message does not match handler type")
)

// CommandFunc handles a command and returns the events its aggregate raised.
type CommandFunc func(ctx context.Context, cmd models.Command) ([]models.Event, error)

// MessageFunc handles an event or a plain message.
type MessageFunc func(ctx context.Context, msg models.Message) error

// QueryFunc fetches the result of a query.
type QueryFunc func(ctx context.Context, q models.Query) (any, error)

// CommandHandler is a registered command handler.
type CommandHandler struct {
	Name   string
	Handle CommandFunc
}

// Handler is a registered event or message handler. Name identifies it in
// handler records, so it must stay stable across releases.
type Handler struct {
	Name   string
	Handle MessageFunc
}

// QueryHandler is a registered query fetcher.
type QueryHandler struct {
	Name   string
	Handle QueryFunc
}

// Registry maps concrete message types to their handlers. It is filled once
// at startup and then only read from the dispatch path.
type Registry struct {
	mu       sync.RWMutex
	commands map[reflect.Type][]CommandHandler
	events   map[reflect.Type][]Handler
	queries  map[reflect.Type][]QueryHandler
	messages map[reflect.Type][]Handler
	types    *models.TypeRegistry
}

// New creates an empty registry. Every registered message type is also
// recorded in types so transports can decode it.
func New(types *models.TypeRegistry) *Registry {
	if types == nil {
		types = models.NewTypeRegistry()
	}
	return &Registry{
		commands: make(map[reflect.Type][]CommandHandler),
		events:   make(map[reflect.Type][]Handler),
		queries:  make(map[reflect.Type][]QueryHandler),
		messages: make(map[reflect.Type][]Handler),
		types:    types,
	}
}

// Types returns the type registry fed by registrations.
func (r *Registry) Types() *models.TypeRegistry {
	return r.types
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func checkName(t reflect.Type, name string, taken []string) error {
	if name == "" {
		return ErrEmptyHandlerName
	}
	if lo.Contains(taken, name) {
		return fmt.Errorf("%w: %s for %s", ErrDuplicateHandler, name, t)
	}
	return nil
}

// RegisterCommandHandler binds fn to command type C. A command type must end
// up with exactly one handler; violations are reported at dispatch time.
func RegisterCommandHandler[C models.Command](r *Registry, name string, fn func(ctx context.Context, cmd C) ([]models.Event, error)) error {
	t := typeOf[C]()

	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Map(r.commands[t], func(h CommandHandler, _ int) string { return h.Name })
	if err := checkName(t, name, names); err != nil {
		return err
	}

	r.commands[t] = append(r.commands[t], CommandHandler{
		Name: name,
		Handle: func(ctx context.Context, cmd models.Command) ([]models.Event, error) {
			typed, ok := cmd.(C)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", ErrWrongMessageType, cmd, t)
			}
			return fn(ctx, typed)
		},
	})
	models.RegisterType[C](r.types)
	return nil
}

// RegisterEventHandler adds fn to the handlers of event type E.
func RegisterEventHandler[E models.Event](r *Registry, name string, fn func(ctx context.Context, evt E) error) error {
	return registerHandler[E](r, r.events, name, fn)
}

// RegisterMessageHandler adds fn to the handlers of plain message type M.
func RegisterMessageHandler[M models.Message](r *Registry, name string, fn func(ctx context.Context, msg M) error) error {
	return registerHandler[M](r, r.messages, name, fn)
}

func registerHandler[M models.Message](r *Registry, table map[reflect.Type][]Handler, name string, fn func(ctx context.Context, msg M) error) error {
	t := typeOf[M]()

	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Map(table[t], func(h Handler, _ int) string { return h.Name })
	if err := checkName(t, name, names); err != nil {
		return err
	}

	table[t] = append(table[t], Handler{
		Name: name,
		Handle: func(ctx context.Context, msg models.Message) error {
			typed, ok := msg.(M)
			if !ok {
				return fmt.Errorf("%w: %T is not %s", ErrWrongMessageType, msg, t)
			}
			return fn(ctx, typed)
		},
	})
	models.RegisterType[M](r.types)
	return nil
}

// RegisterQueryHandler binds fn as the fetcher for query type Q.
func RegisterQueryHandler[Q models.Query, R any](r *Registry, name string, fn func(ctx context.Context, q Q) (R, error)) error {
	t := typeOf[Q]()

	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Map(r.queries[t], func(h QueryHandler, _ int) string { return h.Name })
	if err := checkName(t, name, names); err != nil {
		return err
	}

	r.queries[t] = append(r.queries[t], QueryHandler{
		Name: name,
		Handle: func(ctx context.Context, q models.Query) (any, error) {
			typed, ok := q.(Q)
			if !ok {
				return nil, fmt.Errorf("%w: %T is not %s", ErrWrongMessageType, q, t)
			}
			return fn(ctx, typed)
		},
	})
	models.RegisterType[Q](r.types)
	return nil
}

// CommandHandlers returns the handlers registered for the exact type of cmd.
func (r *Registry) CommandHandlers(cmd models.Message) []CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[reflect.TypeOf(cmd)]
}

// EventHandlers returns the handlers registered for the exact type of evt.
func (r *Registry) EventHandlers(evt models.Message) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[reflect.TypeOf(evt)]
}

// QueryHandlers returns the fetchers registered for the exact type of q.
func (r *Registry) QueryHandlers(q models.Message) []QueryHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queries[reflect.TypeOf(q)]
}

// MessageHandlers returns the handlers registered for the exact type of msg.
func (r *Registry) MessageHandlers(msg models.Message) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.messages[reflect.TypeOf(msg)]
}

// Binding describes the handlers of one message type.
type Binding struct {
	Kind        models.Kind `json:"kind"`
	MessageType string      `json:"message_type"`
	Handlers    []string    `json:"handlers"`
}

// Describe lists every binding, sorted by kind then message type.
func (r *Registry) Describe() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Binding
	for t, hs := range r.commands {
		out = append(out, Binding{models.KindCommand, t.String(), lo.Map(hs, func(h CommandHandler, _ int) string { return h.Name })})
	}
	for t, hs := range r.events {
		out = append(out, Binding{models.KindEvent, t.String(), lo.Map(hs, func(h Handler, _ int) string { return h.Name })})
	}
	for t, hs := range r.queries {
		out = append(out, Binding{models.KindQuery, t.String(), lo.Map(hs, func(h QueryHandler, _ int) string { return h.Name })})
	}
	for t, hs := range r.messages {
		out = append(out, Binding{models.KindMessage, t.String(), lo.Map(hs, func(h Handler, _ int) string { return h.Name })})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].MessageType < out[j].MessageType
	})
	return out
}
