package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"relay/internal/correlator"
	"relay/internal/logger"
	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/registry"
	"relay/internal/storage"
)

// commandStrategy runs the single handler of a command inside a unit of work,
// saves and publishes the raised events, then replies to the correlator.
type commandStrategy struct {
	d *Dispatcher
}

func (s *commandStrategy) Dispatch(ctx context.Context, env *models.Envelope) error {
	cmd, ok := env.Body.(models.Command)
	if !ok {
		return fmt.Errorf("%w: %T is not a command", ErrUnexpectedBody, env.Body)
	}
	cmdID := cmd.MessageID()
	log := logger.WithComponent("dispatcher").With().
		Str("command_id", cmdID).
		Str("message_type", models.TypeCode(cmd)).
		Logger()

	handlers := s.d.registry.CommandHandlers(cmd)
	switch len(handlers) {
	case 0:
		return s.fail(ctx, cmdID, models.NewFailure(models.CodeHandlerNotFound,
			"no handler registered for "+models.TypeCode(cmd), nil))
	case 1:
	default:
		return s.fail(ctx, cmdID, models.NewFailure(models.CodeMultipleHandlers,
			fmt.Sprintf("%d handlers registered for %s", len(handlers), models.TypeCode(cmd)), nil))
	}
	handler := handlers[0]

	stored, err := s.d.events.EventsByCorrelation(ctx, cmdID)
	if err != nil {
		return s.fail(ctx, cmdID, models.NewFailure(models.CodeHandlerFailed, "check duplicate command", err))
	}
	if len(stored) > 0 {
		log.Info().Int("events", len(stored)).Msg("command already handled, republishing stored events")
		return s.republish(ctx, cmdID, stored)
	}

	uow := storage.Begin(s.d.events, cmdID)
	defer uow.Rollback()

	raised, err := s.invoke(ctx, handler, cmd)
	if err != nil {
		metrics.HandlerInvocationsTotal.WithLabelValues(string(models.KindCommand), "failed").Inc()
		return s.fail(ctx, cmdID, models.AsFailure(err, models.CodeHandlerFailed))
	}
	metrics.HandlerInvocationsTotal.WithLabelValues(string(models.KindCommand), "success").Inc()

	for _, evt := range raised {
		rec, err := s.record(evt)
		if err != nil {
			return s.fail(ctx, cmdID, models.AsFailure(err, models.CodeHandlerFailed))
		}
		uow.Stage(rec)
	}

	if err := uow.Commit(ctx); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			return s.fail(ctx, cmdID, models.NewFailure(models.CodeVersionConflict, err.Error(), err))
		case errors.Is(err, storage.ErrDuplicateCorrelation):
			return s.fail(ctx, cmdID, models.NewFailure(models.CodeDuplicateCommand, err.Error(), err))
		default:
			return s.fail(ctx, cmdID, models.NewFailure(models.CodeHandlerFailed, "save events", err))
		}
	}

	if err := s.publish(ctx, cmdID, raised); err != nil {
		return s.fail(ctx, cmdID, models.AsFailure(err, models.CodePublishFailed))
	}
	log.Debug().Int("events", len(raised)).Msg("command handled")
	return nil
}

func (s *commandStrategy) invoke(ctx context.Context, h registry.CommandHandler, cmd models.Command) (events []models.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.d.recovered(r, models.NewEnvelope(cmd))
		}
	}()
	return h.Handle(ctx, cmd)
}

func (s *commandStrategy) record(evt models.Event) (storage.EventRecord, error) {
	if err := models.Validate(evt); err != nil {
		return storage.EventRecord{}, fmt.Errorf("invalid event %T: %w", evt, err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return storage.EventRecord{}, fmt.Errorf("%w: %v", models.ErrSerializeFailed, err)
	}
	// stored events must stay decodable for duplicate commands
	if _, err := s.d.codec.Types().Register(evt); err != nil {
		return storage.EventRecord{}, err
	}
	return storage.EventRecord{
		AggregateType: evt.AggregateRootType(),
		AggregateID:   evt.AggregateRootID(),
		Version:       evt.EventVersion(),
		EventID:       evt.MessageID(),
		TypeName:      models.TypeCode(evt),
		Payload:       payload,
	}, nil
}

// republish rebuilds stored events of a duplicate command and publishes them again.
func (s *commandStrategy) republish(ctx context.Context, cmdID string, stored []storage.EventRecord) error {
	events := make([]models.Event, 0, len(stored))
	for _, rec := range stored {
		msg, err := s.d.codec.Types().Decode(rec.TypeName, rec.Payload)
		if err != nil {
			return s.fail(ctx, cmdID, models.NewFailure(models.CodeHandlerFailed, "decode stored event", err))
		}
		evt, ok := msg.(models.Event)
		if !ok {
			return s.fail(ctx, cmdID, models.NewFailure(models.CodeHandlerFailed, rec.TypeName+" is not an event", nil))
		}
		events = append(events, evt)
	}
	if err := s.publish(ctx, cmdID, events); err != nil {
		return s.fail(ctx, cmdID, models.AsFailure(err, models.CodePublishFailed))
	}
	return nil
}

// publish sends the events followed by the Handled reply. Every event carries
// the batch size so the Completed reply waits for all of them. Without events
// the command is also complete right away.
func (s *commandStrategy) publish(ctx context.Context, cmdID string, events []models.Event) error {
	size := strconv.Itoa(len(events))
	for _, evt := range events {
		env := models.NewEnvelope(evt).WithCorrelationID(cmdID)
		env.SetMetadata(models.MetadataCommandID, cmdID)
		env.SetMetadata(models.MetadataBatchSize, size)
		if err := s.d.send(ctx, env); err != nil {
			return err
		}
	}

	if err := s.d.reply(ctx, cmdID, models.ReplyHandled, nil); err != nil {
		return err
	}
	if len(events) == 0 {
		return s.d.reply(ctx, cmdID, models.ReplyCompleted, nil)
	}
	return nil
}

// fail reports failure to the caller of the command and returns it.
func (s *commandStrategy) fail(ctx context.Context, cmdID string, failure *models.Failure) error {
	if err := s.d.reply(ctx, cmdID, models.ReplyHandled, failure); err != nil {
		log := logger.WithComponent("dispatcher")
		log.Error().Err(err).
			Str("command_id", cmdID).
			Msg("failed to send failure reply")
	}
	return failure
}

// reply sends a CommandReply through the outbound sender.
func (d *Dispatcher) reply(ctx context.Context, cmdID string, replyType models.ReplyType, err error) error {
	return d.send(ctx, models.NewEnvelope(models.NewCommandReply(cmdID, replyType, err)))
}

// eventStrategy runs every handler of an event once, advances the published
// version and settles the event in the batch of the command that raised it.
type eventStrategy struct {
	d *Dispatcher
}

func (s *eventStrategy) Dispatch(ctx context.Context, env *models.Envelope) error {
	evt, ok := env.Body.(models.Event)
	if !ok {
		return fmt.Errorf("%w: %T is not an event", ErrUnexpectedBody, env.Body)
	}

	err := s.d.runHandlers(ctx, models.KindEvent, evt, s.d.registry.EventHandlers(evt))
	if err == nil {
		err = s.d.advanceVersion(ctx, evt)
	}

	cmdID := env.GetMetadata(models.MetadataCommandID)
	if cmdID == "" {
		return err
	}
	size, _ := strconv.Atoi(env.GetMetadata(models.MetadataBatchSize))
	done, batchErr := s.d.batches.settle(cmdID, evt.MessageID(), size, err)
	if done {
		if rerr := s.d.reply(ctx, cmdID, models.ReplyCompleted, batchErr); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// messageStrategy runs every handler of a plain message once.
type messageStrategy struct {
	d *Dispatcher
}

func (s *messageStrategy) Dispatch(ctx context.Context, env *models.Envelope) error {
	return s.d.runHandlers(ctx, models.KindMessage, env.Body, s.d.registry.MessageHandlers(env.Body))
}

// runHandlers invokes each handler that has no record for msg yet and records
// the successful ones. A failing handler does not stop the others.
func (d *Dispatcher) runHandlers(ctx context.Context, kind models.Kind, msg models.Message, handlers []registry.Handler) error {
	msgID := msg.MessageID()
	typeCode := models.TypeCode(msg)
	log := logger.WithMessage("dispatcher", msgID, typeCode)

	var errs []error
	for _, h := range handlers {
		exists, err := d.records.Exists(ctx, msgID, typeCode, h.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("handler %s: check record: %w", h.Name, err))
			continue
		}
		if exists {
			metrics.HandlerInvocationsTotal.WithLabelValues(string(kind), "skipped").Inc()
			log.Debug().Str("handler", h.Name).Msg("already handled, skipping")
			continue
		}

		if err := d.invoke(ctx, h, msg); err != nil {
			metrics.HandlerInvocationsTotal.WithLabelValues(string(kind), "failed").Inc()
			log.Error().Err(err).Str("handler", h.Name).Msg("handler failed")
			errs = append(errs, fmt.Errorf("handler %s: %w", h.Name, err))
			continue
		}
		metrics.HandlerInvocationsTotal.WithLabelValues(string(kind), "success").Inc()

		rec := storage.HandlerRecord{
			MessageID:       msgID,
			MessageTypeCode: typeCode,
			HandlerTypeCode: h.Name,
		}
		if evt, ok := msg.(models.Event); ok {
			rec.AggregateRootID = evt.AggregateRootID()
			rec.AggregateRootType = evt.AggregateRootType()
			rec.Version = evt.EventVersion()
		}
		if _, err := d.records.Add(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: add record: %w", h.Name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return models.NewFailure(models.CodeHandlerFailed, err.Error(), err)
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h registry.Handler, msg models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.recovered(r, models.NewEnvelope(msg))
		}
	}()
	return h.Handle(ctx, msg)
}

// queryStrategy runs the single fetcher of a query and resolves its future.
type queryStrategy struct {
	d *Dispatcher
}

func (s *queryStrategy) Dispatch(ctx context.Context, env *models.Envelope) error {
	q, ok := env.Body.(models.Query)
	if !ok {
		return fmt.Errorf("%w: %T is not a query", ErrUnexpectedBody, env.Body)
	}

	result := correlator.QueryResult{QueryID: q.MessageID()}
	handlers := s.d.registry.QueryHandlers(q)
	switch len(handlers) {
	case 0:
		result.Failure = models.NewFailure(models.CodeHandlerNotFound, "no fetcher registered for "+models.TypeCode(q), nil)
	case 1:
		value, err := s.invoke(ctx, handlers[0], q)
		result.Value = value
		result.Failure = models.AsFailure(err, models.CodeHandlerFailed)
	default:
		result.Failure = models.NewFailure(models.CodeMultipleHandlers,
			fmt.Sprintf("%d fetchers registered for %s", len(handlers), models.TypeCode(q)), nil)
	}

	if !s.d.correlator.ResolveQuery(result) {
		log := logger.WithComponent("dispatcher")
		log.Debug().
			Str("message_id", q.MessageID()).
			Msg("no pending query, result discarded")
	}
	if result.Failure != nil {
		return result.Failure
	}
	return nil
}

func (s *queryStrategy) invoke(ctx context.Context, h registry.QueryHandler, q models.Query) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = s.d.recovered(r, models.NewEnvelope(q))
		}
	}()
	return h.Handle(ctx, q)
}

// replyStrategy resolves the pending command future a reply belongs to.
// Replies without a pending future are expected under redelivery.
type replyStrategy struct {
	d *Dispatcher
}

func (s *replyStrategy) Dispatch(_ context.Context, env *models.Envelope) error {
	reply, ok := env.Body.(*models.CommandReply)
	if !ok {
		return fmt.Errorf("%w: %T is not a command reply", ErrUnexpectedBody, env.Body)
	}
	s.d.correlator.NotifyReply(reply)
	return nil
}
