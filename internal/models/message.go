package models

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"relay/internal/ids"
)

// Kind classifies an envelope and selects its dispatch strategy.
type Kind string

const (
	KindUnknown      Kind = ""
	KindCommand      Kind = "Command"
	KindEvent        Kind = "Event"
	KindQuery        Kind = "Query"
	KindCommandReply Kind = "CommandReply"
	KindMessage      Kind = "Message"
)

// ParseKind maps a metadata value to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindCommand, KindEvent, KindQuery, KindCommandReply, KindMessage:
		return Kind(s), true
	default:
		return KindUnknown, false
	}
}

// Message is anything that can travel inside an envelope.
type Message interface {
	MessageID() string
	MessageTimestamp() time.Time
}

// Command is a request to change one aggregate. Embed CommandBase to implement it.
type Command interface {
	Message
	AggregateRootID() string
	isCommand()
}

// Event records a change to one aggregate. Embed EventBase to implement it.
type Event interface {
	Message
	AggregateRootID() string
	AggregateRootType() string
	EventVersion() int
	isEvent()
}

// Query asks for data without side effects. Embed QueryBase to implement it.
type Query interface {
	Message
	isQuery()
}

// MessageBase carries the identity every message needs.
type MessageBase struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageBase stamps a fresh id and the current time.
func NewMessageBase() MessageBase {
	return MessageBase{ID: ids.New(), Timestamp: time.Now().UTC()}
}

func (m MessageBase) MessageID() string           { return m.ID }
func (m MessageBase) MessageTimestamp() time.Time { return m.Timestamp }

// CommandBase is embedded by concrete commands.
type CommandBase struct {
	MessageBase
	AggregateID string `json:"aggregate_id"`
}

// NewCommandBase returns a command base targeting aggregateID.
func NewCommandBase(aggregateID string) CommandBase {
	return CommandBase{MessageBase: NewMessageBase(), AggregateID: aggregateID}
}

func (c CommandBase) AggregateRootID() string { return c.AggregateID }
func (CommandBase) isCommand()                {}

// EventBase is embedded by concrete events.
type EventBase struct {
	MessageBase
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`
	Version       int    `json:"version"`
}

// NewEventBase returns an event base for the given aggregate version.
func NewEventBase(aggregateType, aggregateID string, version int) EventBase {
	return EventBase{
		MessageBase:   NewMessageBase(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
	}
}

func (e EventBase) AggregateRootID() string   { return e.AggregateID }
func (e EventBase) AggregateRootType() string { return e.AggregateType }
func (e EventBase) EventVersion() int         { return e.Version }
func (EventBase) isEvent()                    {}

// QueryBase is embedded by concrete queries.
type QueryBase struct {
	MessageBase
}

// NewQueryBase returns a query base with a fresh id.
func NewQueryBase() QueryBase {
	return QueryBase{MessageBase: NewMessageBase()}
}

func (QueryBase) isQuery() {}

// ReplyType tells which completion point a command reply reports.
type ReplyType string

const (
	// ReplyHandled is sent once the command handler returned and its unit of work settled.
	ReplyHandled ReplyType = "Handled"
	// ReplyCompleted is sent once every event raised by the command was handled.
	ReplyCompleted ReplyType = "Completed"
)

// CommandReply reports the outcome of a command back to the correlator.
type CommandReply struct {
	MessageBase
	CommandID string    `json:"command_id"`
	ReplyType ReplyType `json:"reply_type"`
	Failure   *Failure  `json:"failure,omitempty"`
	Result    string    `json:"result,omitempty"`
}

// NewCommandReply builds a reply for commandID. A nil err means success.
func NewCommandReply(commandID string, replyType ReplyType, err error) *CommandReply {
	reply := &CommandReply{
		MessageBase: NewMessageBase(),
		CommandID:   commandID,
		ReplyType:   replyType,
	}
	if err != nil {
		reply.Failure = AsFailure(err, CodeHandlerFailed)
	}
	return reply
}

// Err returns the reply failure as an error, or nil on success.
func (r *CommandReply) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return r.Failure
}

// KindOf derives the kind of a message body from its type.
func KindOf(body Message) Kind {
	switch body.(type) {
	case nil:
		return KindUnknown
	case *CommandReply:
		return KindCommandReply
	case Event:
		return KindEvent
	case Command:
		return KindCommand
	case Query:
		return KindQuery
	default:
		return KindMessage
	}
}

// Validation errors
var (
	ErrNilMessage       = errors.New("message cannot be nil")
	ErrEmptyMessageID   = errors.New("message ID cannot be empty")
	ErrEmptyAggregateID = errors.New("aggregate ID cannot be empty")
	ErrInvalidVersion   = errors.New("event version must be positive")
	ErrEmptyCommandID   = errors.New("reply command ID cannot be empty")
)

// Validate checks the identity fields required by the dispatch pipeline.
func Validate(m Message) error {
	if m == nil || reflect.ValueOf(m).Kind() == reflect.Ptr && reflect.ValueOf(m).IsNil() {
		return ErrNilMessage
	}

	if m.MessageID() == "" {
		return ErrEmptyMessageID
	}

	switch v := m.(type) {
	case *CommandReply:
		if v.CommandID == "" {
			return ErrEmptyCommandID
		}
	case Event:
		if v.AggregateRootID() == "" {
			return ErrEmptyAggregateID
		}
		if v.EventVersion() <= 0 {
			return ErrInvalidVersion
		}
	case Command:
		if v.AggregateRootID() == "" {
			return ErrEmptyAggregateID
		}
	}

	return nil
}

// TypeCode returns a stable name for the concrete message type, e.g.
// "relay/cmd/relayd.OpenAccount" or "*relay/cmd/relayd.OpenAccount".
func TypeCode(m any) string {
	return typeCode(reflect.TypeOf(m))
}

func typeCode(t reflect.Type) string {
	if t == nil {
		return ""
	}
	prefix := ""
	if t.Kind() == reflect.Ptr {
		prefix = "*"
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}

// sourceNames returns the short type name, package path and module root of m.
func sourceNames(m any) (typeName, namespace, assembly string) {
	t := reflect.TypeOf(m)
	if t == nil {
		return "", "", ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	typeName = t.Name()
	namespace = t.PkgPath()
	assembly, _, _ = strings.Cut(namespace, "/")
	return typeName, namespace, assembly
}
