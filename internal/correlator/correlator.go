package correlator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
)

var (
	ErrEmptyID        = errors.New("correlator: id cannot be empty")
	ErrAlreadyPending = errors.New("correlator: id already pending")
	ErrInvalidMode    = errors.New("correlator: reply mode expects no reply")
	ErrClosed         = errors.New("correlator: closed")
)

// ReplyMode selects which completion point resolves a command future.
type ReplyMode int

const (
	// ReplyNone sends the command without waiting for any reply.
	ReplyNone ReplyMode = iota
	// ReplyOnHandled resolves once the command handler finished.
	ReplyOnHandled
	// ReplyOnCompleted resolves once every raised event was handled.
	ReplyOnCompleted
)

func (m ReplyMode) String() string {
	switch m {
	case ReplyOnHandled:
		return "handled"
	case ReplyOnCompleted:
		return "completed"
	default:
		return "none"
	}
}

// ParseReplyMode accepts "none", "handled" and "completed".
func ParseReplyMode(s string) (ReplyMode, error) {
	switch s {
	case "", "none":
		return ReplyNone, nil
	case "handled":
		return ReplyOnHandled, nil
	case "completed":
		return ReplyOnCompleted, nil
	}
	return ReplyNone, fmt.Errorf("correlator: unknown reply mode %q", s)
}

// Status is the outcome kind of a command.
type Status string

const (
	StatusSuccess  Status = "Success"
	StatusFailed   Status = "Failed"
	StatusTimeout  Status = "Timeout"
	StatusCanceled Status = "Canceled"
)

// CommandResult is what a caller of Execute gets back.
type CommandResult struct {
	CommandID string          `json:"command_id"`
	Status    Status          `json:"status"`
	Failure   *models.Failure `json:"failure,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r CommandResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// ResultFor converts a notification error into a CommandResult.
func ResultFor(commandID string, err error) CommandResult {
	if err == nil {
		return CommandResult{CommandID: commandID, Status: StatusSuccess}
	}
	f := models.AsFailure(err, models.CodeHandlerFailed)
	status := StatusFailed
	switch f.Code {
	case models.CodeTimeout:
		status = StatusTimeout
	case models.CodeCanceled:
		status = StatusCanceled
	}
	return CommandResult{CommandID: commandID, Status: status, Failure: f}
}

// QueryResult wraps the value or failure of a query fetcher.
type QueryResult struct {
	QueryID string          `json:"query_id"`
	Value   any             `json:"value,omitempty"`
	Failure *models.Failure `json:"failure,omitempty"`
}

// Err returns the failure as an error, or nil on success.
func (r QueryResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

type pendingCommand struct {
	future *Future[CommandResult]
	mode   ReplyMode
}

// Correlator matches replies to pending command and query futures.
// Each future resolves exactly once; replies for unknown ids are discarded.
type Correlator struct {
	timeout time.Duration

	mu       sync.Mutex
	closed   bool
	commands map[string]pendingCommand
	queries  map[string]*Future[QueryResult]
}

// New creates a correlator whose futures time out after timeout.
func New(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Correlator{
		timeout:  timeout,
		commands: make(map[string]pendingCommand),
		queries:  make(map[string]*Future[QueryResult]),
	}
}

// Timeout returns the reply window.
func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// RegisterCommand creates the pending future for cmd and returns at once.
func (c *Correlator) RegisterCommand(cmd models.Command, mode ReplyMode) (*Future[CommandResult], error) {
	if mode == ReplyNone {
		return nil, ErrInvalidMode
	}
	if cmd == nil || cmd.MessageID() == "" {
		return nil, ErrEmptyID
	}
	id := cmd.MessageID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.commands[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, id)
	}

	f := newFuture[CommandResult](id)
	c.commands[id] = pendingCommand{future: f, mode: mode}
	f.timer = time.AfterFunc(c.timeout, func() {
		if c.finishCommand(id, f, CommandResult{
			CommandID: id,
			Status:    StatusTimeout,
			Failure:   models.NewFailure(models.CodeTimeout, "no reply within "+c.timeout.String(), nil),
		}) {
			log := logger.WithComponent("correlator")
			log.Warn().
				Str("command_id", id).
				Dur("timeout", c.timeout).
				Msg("command timed out waiting for reply")
		}
	})
	metrics.PendingCommands.Inc()
	return f, nil
}

// NotifyHandled reports that the command handler finished. Futures waiting
// for completion only resolve here when err is non-nil. It reports whether a
// pending future consumed the notification.
func (c *Correlator) NotifyHandled(commandID string, err error) bool {
	c.mu.Lock()
	p, ok := c.commands[commandID]
	c.mu.Unlock()
	if !ok {
		c.discard(commandID, models.ReplyHandled)
		return false
	}

	if p.mode == ReplyOnCompleted && err == nil {
		return true
	}
	return c.finishCommand(commandID, p.future, ResultFor(commandID, err))
}

// NotifyCompleted reports that every event raised by the command was handled.
func (c *Correlator) NotifyCompleted(commandID string, err error) bool {
	c.mu.Lock()
	p, ok := c.commands[commandID]
	c.mu.Unlock()
	if !ok {
		c.discard(commandID, models.ReplyCompleted)
		return false
	}
	return c.finishCommand(commandID, p.future, ResultFor(commandID, err))
}

// NotifyReply routes a CommandReply to NotifyHandled or NotifyCompleted.
func (c *Correlator) NotifyReply(reply *models.CommandReply) bool {
	if reply == nil {
		return false
	}
	if reply.ReplyType == models.ReplyCompleted {
		return c.NotifyCompleted(reply.CommandID, reply.Err())
	}
	return c.NotifyHandled(reply.CommandID, reply.Err())
}

// finishCommand removes f from the pending map and resolves it. It is a
// no-op when f is no longer the pending future for id.
func (c *Correlator) finishCommand(id string, f *Future[CommandResult], result CommandResult) bool {
	c.mu.Lock()
	p, ok := c.commands[id]
	if !ok || p.future != f {
		c.mu.Unlock()
		return false
	}
	delete(c.commands, id)
	c.mu.Unlock()

	if !f.resolve(result) {
		return false
	}
	metrics.PendingCommands.Dec()
	metrics.CommandResultsTotal.WithLabelValues(string(result.Status)).Inc()
	return true
}

func (c *Correlator) discard(commandID string, replyType models.ReplyType) {
	metrics.LateRepliesTotal.Inc()
	log := logger.WithComponent("correlator")
	log.Debug().
		Str("command_id", commandID).
		Str("reply_type", string(replyType)).
		Msg("no pending command, reply discarded")
}

// RegisterQuery creates the pending future for queryID.
func (c *Correlator) RegisterQuery(queryID string) (*Future[QueryResult], error) {
	if queryID == "" {
		return nil, ErrEmptyID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if _, ok := c.queries[queryID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPending, queryID)
	}

	f := newFuture[QueryResult](queryID)
	c.queries[queryID] = f
	f.timer = time.AfterFunc(c.timeout, func() {
		c.finishQuery(queryID, f, QueryResult{
			QueryID: queryID,
			Failure: models.NewFailure(models.CodeTimeout, "no result within "+c.timeout.String(), nil),
		})
	})
	return f, nil
}

// ResolveQuery resolves the pending query future, if any.
func (c *Correlator) ResolveQuery(result QueryResult) bool {
	c.mu.Lock()
	f, ok := c.queries[result.QueryID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.finishQuery(result.QueryID, f, result)
}

func (c *Correlator) finishQuery(id string, f *Future[QueryResult], result QueryResult) bool {
	c.mu.Lock()
	if c.queries[id] != f {
		c.mu.Unlock()
		return false
	}
	delete(c.queries, id)
	c.mu.Unlock()
	return f.resolve(result)
}

// Pending returns the number of unresolved command and query futures.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commands) + len(c.queries)
}

// Close resolves every pending future as canceled and rejects new ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	commands := c.commands
	queries := c.queries
	c.commands = make(map[string]pendingCommand)
	c.queries = make(map[string]*Future[QueryResult])
	c.mu.Unlock()

	for id, p := range commands {
		if p.future.resolve(CommandResult{
			CommandID: id,
			Status:    StatusCanceled,
			Failure:   models.NewFailure(models.CodeCanceled, "correlator closed", nil),
		}) {
			metrics.PendingCommands.Dec()
		}
	}
	for id, f := range queries {
		f.resolve(QueryResult{QueryID: id, Failure: models.NewFailure(models.CodeCanceled, "correlator closed", nil)})
	}
}
