package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"relay/internal/correlator"
	"relay/internal/logger"
	"relay/internal/models"
)

var ErrUnexpectedResult = errors.New("bus: query result has unexpected type")

// Sender accepts outbound envelopes. The partition hub implements it.
type Sender interface {
	Send(ctx context.Context, env *models.Envelope) error
}

// Bus is the producer-side API: send messages, execute commands and wait for
// their outcome, run queries and publish events.
type Bus struct {
	sender     Sender
	correlator *correlator.Correlator
}

// New creates a bus sending through sender.
func New(sender Sender, corr *correlator.Correlator) *Bus {
	return &Bus{sender: sender, correlator: corr}
}

// Send enqueues messages without waiting for any outcome.
func (b *Bus) Send(ctx context.Context, msgs ...models.Message) error {
	for _, m := range msgs {
		if err := models.Validate(m); err != nil {
			return fmt.Errorf("bus: %T: %w", m, err)
		}
	}
	for _, m := range msgs {
		if err := b.sender.Send(ctx, models.NewEnvelope(m)); err != nil {
			return fmt.Errorf("bus: send %s: %w", m.MessageID(), err)
		}
	}
	return nil
}

// Publish sends events that were not raised by a command.
func (b *Bus) Publish(ctx context.Context, events ...models.Event) error {
	return b.Send(ctx, lo.Map(events, func(e models.Event, _ int) models.Message { return e })...)
}

// Execute sends cmd and waits for the reply selected by mode. The returned
// error is only set when the command could not be submitted; handler
// failures, timeouts and cancellations are reported in the result.
func (b *Bus) Execute(ctx context.Context, cmd models.Command, mode correlator.ReplyMode) (correlator.CommandResult, error) {
	if err := models.Validate(cmd); err != nil {
		return correlator.CommandResult{}, fmt.Errorf("bus: %T: %w", cmd, err)
	}
	id := cmd.MessageID()

	if mode == correlator.ReplyNone {
		if err := b.sender.Send(ctx, models.NewEnvelope(cmd)); err != nil {
			return correlator.ResultFor(id, models.NewFailure(models.CodePublishFailed, err.Error(), err)), nil
		}
		return correlator.CommandResult{CommandID: id, Status: correlator.StatusSuccess}, nil
	}

	fut, err := b.correlator.RegisterCommand(cmd, mode)
	if err != nil {
		return correlator.CommandResult{}, fmt.Errorf("bus: register %s: %w", id, err)
	}

	if err := b.sender.Send(ctx, models.NewEnvelope(cmd)); err != nil {
		// resolve and drop the future so it does not linger until its timeout
		b.correlator.NotifyHandled(id, models.NewFailure(models.CodePublishFailed, err.Error(), err))
	}

	res, err := fut.Wait(ctx)
	if err != nil {
		log := logger.WithComponent("bus")
		log.Debug().Str("command_id", id).Err(err).Msg("stopped waiting for command")
		return correlator.ResultFor(id, err), nil
	}
	return res, nil
}

// Query sends q and waits for the fetcher result.
func (b *Bus) Query(ctx context.Context, q models.Query) (correlator.QueryResult, error) {
	if err := models.Validate(q); err != nil {
		return correlator.QueryResult{}, fmt.Errorf("bus: %T: %w", q, err)
	}
	id := q.MessageID()

	fut, err := b.correlator.RegisterQuery(id)
	if err != nil {
		return correlator.QueryResult{}, fmt.Errorf("bus: register %s: %w", id, err)
	}
	if err := b.sender.Send(ctx, models.NewEnvelope(q)); err != nil {
		b.correlator.ResolveQuery(correlator.QueryResult{
			QueryID: id,
			Failure: models.NewFailure(models.CodePublishFailed, err.Error(), err),
		})
	}

	res, err := fut.Wait(ctx)
	if err != nil {
		return correlator.QueryResult{QueryID: id, Failure: models.AsFailure(err, models.CodeCanceled)}, nil
	}
	return res, nil
}

// QueryAs runs q and asserts the result value to R.
func QueryAs[R any](ctx context.Context, b *Bus, q models.Query) (R, error) {
	var zero R
	res, err := b.Query(ctx, q)
	if err != nil {
		return zero, err
	}
	if err := res.Err(); err != nil {
		return zero, err
	}
	v, ok := res.Value.(R)
	if !ok {
		return zero, fmt.Errorf("%w: got %T", ErrUnexpectedResult, res.Value)
	}
	return v, nil
}
