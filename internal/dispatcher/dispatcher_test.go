package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/correlator"
	"relay/internal/hub"
	"relay/internal/models"
	"relay/internal/registry"
	"relay/internal/storage"
)

type openAccount struct {
	models.CommandBase
	Owner string
}

type closeAccount struct {
	models.CommandBase
}

type accountOpened struct {
	models.EventBase
	Owner string
}

type accountCredited struct {
	models.EventBase
	Amount int
}

type getOwner struct {
	models.QueryBase
	AccountID string
}

type auditNote struct {
	models.MessageBase
	Text string
}

func newOpen(id, owner string) openAccount {
	return openAccount{CommandBase: models.NewCommandBase(id), Owner: owner}
}

// captureSender records outbound envelopes instead of queueing them.
type captureSender struct {
	mu   sync.Mutex
	envs []*models.Envelope
	err  error
}

func (s *captureSender) Send(_ context.Context, env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *captureSender) sent() []*models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Envelope(nil), s.envs...)
}

type fixture struct {
	hub   *hub.Hub
	reg   *registry.Registry
	corr  *correlator.Correlator
	store *storage.Memory
	disp  *Dispatcher
}

// newFixture wires a dispatcher to a running hub, the way the processor does.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := hub.New(hub.Config{Partitions: 2, Capacity: 64})
	require.NoError(t, err)

	f := &fixture{
		hub:   h,
		reg:   registry.New(nil),
		corr:  correlator.New(2 * time.Second),
		store: storage.NewMemory(),
	}
	f.disp, err = New(Config{
		Registry:    f.reg,
		Correlator:  f.corr,
		Sender:      h,
		Events:      f.store,
		Records:     f.store,
		Versions:    f.store,
		Receivers:   []Receiver{h},
		SendTimeout: time.Second,
	})
	require.NoError(t, err)

	f.disp.Start()
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		f.disp.Stop()
		h.Close()
		f.corr.Close()
	})
	return f
}

func (f *fixture) execute(t *testing.T, cmd models.Command, mode correlator.ReplyMode) correlator.CommandResult {
	t.Helper()
	fut, err := f.corr.RegisterCommand(cmd, mode)
	require.NoError(t, err)
	require.NoError(t, f.hub.Send(context.Background(), models.NewEnvelope(cmd)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	return res
}

// directDispatcher has no hub; outbound envelopes are captured.
func directDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *storage.Memory, *captureSender) {
	t.Helper()
	reg := registry.New(nil)
	store := storage.NewMemory()
	sender := &captureSender{}
	d, err := New(Config{
		Registry:   reg,
		Correlator: correlator.New(time.Second),
		Sender:     sender,
		Events:     store,
		Records:    store,
		Versions:   store,
	})
	require.NoError(t, err)
	return d, reg, store, sender
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingDep)

	_, err = New(Config{Registry: registry.New(nil), Correlator: correlator.New(time.Second)})
	assert.ErrorIs(t, err, ErrMissingDep)
}

func TestClassify(t *testing.T) {
	d, _, _, _ := directDispatcher(t)

	assert.Equal(t, models.KindCommand, d.Classify(models.NewEnvelope(newOpen("a", "ada"))))
	assert.Equal(t, models.KindEvent, d.Classify(models.NewEnvelope(accountOpened{})))
	assert.Equal(t, models.KindQuery, d.Classify(models.NewEnvelope(getOwner{})))
	assert.Equal(t, models.KindMessage, d.Classify(models.NewEnvelope(auditNote{})))

	// no Kind metadata: fall back to the body type
	env := models.NewEnvelope(accountOpened{})
	delete(env.Metadata, models.MetadataKind)
	assert.Equal(t, models.KindEvent, d.Classify(env))

	// explicit metadata wins
	env = models.NewEnvelopeWithKind(auditNote{}, models.KindEvent)
	assert.Equal(t, models.KindEvent, d.Classify(env))

	env.SetMetadata(models.MetadataKind, "Bogus")
	assert.Equal(t, models.KindUnknown, d.Classify(env))
}

func TestDispatch_UnclassifiableIsDroppedAndCompleted(t *testing.T) {
	d, _, _, _ := directDispatcher(t)
	var completions atomic.Int32
	d.Completions().Subscribe(func(source string, env *models.Envelope) {
		assert.Equal(t, "dispatcher", source)
		completions.Add(1)
	})

	env := models.NewEnvelope(auditNote{MessageBase: models.NewMessageBase()})
	env.SetMetadata(models.MetadataKind, "Bogus")

	err := d.Dispatch(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnclassified)
	assert.True(t, env.Completed())
	assert.Equal(t, int32(1), completions.Load())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestDispatch_CompletesOnce(t *testing.T) {
	d, _, _, _ := directDispatcher(t)
	var completions atomic.Int32
	d.Completions().Subscribe(func(string, *models.Envelope) { completions.Add(1) })

	env := models.NewEnvelope(auditNote{MessageBase: models.NewMessageBase()})
	require.NoError(t, d.Dispatch(context.Background(), env))
	require.NoError(t, d.Dispatch(context.Background(), env))

	assert.Equal(t, int32(1), completions.Load())
	assert.Greater(t, env.ProcessTime, time.Duration(0))
}

func TestEventRedeliveryInvokesEachHandlerOnce(t *testing.T) {
	d, reg, store, _ := directDispatcher(t)
	var h1, h2 atomic.Int32
	require.NoError(t, registry.RegisterEventHandler(reg, "H1", func(ctx context.Context, evt accountOpened) error {
		h1.Add(1)
		return nil
	}))
	require.NoError(t, registry.RegisterEventHandler(reg, "H2", func(ctx context.Context, evt accountOpened) error {
		h2.Add(1)
		return nil
	}))

	evt := accountOpened{EventBase: models.NewEventBase("Account", "acc-1", 1), Owner: "ada"}
	evt.ID = "e1"
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(evt)))

	typeCode := models.TypeCode(evt)
	for _, h := range []string{"H1", "H2"} {
		exists, err := store.Exists(ctx, "e1", typeCode, h)
		require.NoError(t, err)
		assert.True(t, exists, "record for %s", h)
	}

	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(evt)))
	assert.Equal(t, int32(1), h1.Load())
	assert.Equal(t, int32(1), h2.Load())

	v, err := store.GetPublishedVersion(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEventHandlerFailureIsIsolated(t *testing.T) {
	d, reg, store, _ := directDispatcher(t)
	var broken atomic.Bool
	broken.Store(true)
	var h1, h2 atomic.Int32

	require.NoError(t, registry.RegisterEventHandler(reg, "H1", func(ctx context.Context, evt accountOpened) error {
		h1.Add(1)
		if broken.Load() {
			panic("projection exploded")
		}
		return nil
	}))
	require.NoError(t, registry.RegisterEventHandler(reg, "H2", func(ctx context.Context, evt accountOpened) error {
		h2.Add(1)
		return nil
	}))

	ctx := context.Background()
	evt := accountOpened{EventBase: models.NewEventBase("Account", "acc-1", 1)}

	err := d.Dispatch(ctx, models.NewEnvelope(evt))
	require.Error(t, err)
	var failure *models.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.CodeHandlerFailed, failure.Code)

	exists, _ := store.Exists(ctx, evt.ID, models.TypeCode(evt), "H1")
	assert.False(t, exists)
	exists, _ = store.Exists(ctx, evt.ID, models.TypeCode(evt), "H2")
	assert.True(t, exists)

	v, _ := store.GetPublishedVersion(ctx, "Account", "acc-1")
	assert.Equal(t, 0, v, "version must not advance while a handler is failing")

	broken.Store(false)
	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(evt)))
	assert.Equal(t, int32(2), h1.Load())
	assert.Equal(t, int32(1), h2.Load())

	v, _ = store.GetPublishedVersion(ctx, "Account", "acc-1")
	assert.Equal(t, 1, v)
}

func TestCommandRaisesEventsAndCompletes(t *testing.T) {
	f := newFixture(t)
	var handled, opened, credited atomic.Int32

	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		handled.Add(1)
		return []models.Event{
			accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1), Owner: cmd.Owner},
			accountCredited{EventBase: models.NewEventBase("Account", cmd.AggregateID, 2), Amount: 100},
		}, nil
	}))
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection.opened", func(ctx context.Context, evt accountOpened) error {
		opened.Add(1)
		return nil
	}))
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection.credited", func(ctx context.Context, evt accountCredited) error {
		credited.Add(1)
		return nil
	}))

	cmd := newOpen("acc-1", "ada")
	res := f.execute(t, cmd, correlator.ReplyOnCompleted)
	require.Equal(t, correlator.StatusSuccess, res.Status, "failure: %v", res.Failure)

	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, int32(1), credited.Load())

	ctx := context.Background()
	stored, err := f.store.EventsByCorrelation(ctx, cmd.MessageID())
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	v, err := f.store.GetPublishedVersion(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestCommandWithoutEventsCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.close", func(ctx context.Context, cmd closeAccount) ([]models.Event, error) {
		return nil, nil
	}))

	res := f.execute(t, closeAccount{CommandBase: models.NewCommandBase("acc-1")}, correlator.ReplyOnCompleted)
	assert.Equal(t, correlator.StatusSuccess, res.Status)
}

func TestCommandHandlerResolutionErrors(t *testing.T) {
	f := newFixture(t)

	res := f.execute(t, newOpen("acc-1", "ada"), correlator.ReplyOnHandled)
	assert.Equal(t, correlator.StatusFailed, res.Status)
	assert.Equal(t, models.CodeHandlerNotFound, res.Failure.Code)

	noop := func(ctx context.Context, cmd openAccount) ([]models.Event, error) { return nil, nil }
	require.NoError(t, registry.RegisterCommandHandler(f.reg, "first", noop))
	require.NoError(t, registry.RegisterCommandHandler(f.reg, "second", noop))

	res = f.execute(t, newOpen("acc-1", "ada"), correlator.ReplyOnCompleted)
	assert.Equal(t, correlator.StatusFailed, res.Status)
	assert.Equal(t, models.CodeMultipleHandlers, res.Failure.Code)
}

func TestCommandHandlerFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	var published atomic.Int32
	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		return []models.Event{accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1)}},
			errors.New("owner is blocked")
	}))
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection", func(ctx context.Context, evt accountOpened) error {
		published.Add(1)
		return nil
	}))

	cmd := newOpen("acc-1", "mallory")
	res := f.execute(t, cmd, correlator.ReplyOnHandled)
	assert.Equal(t, correlator.StatusFailed, res.Status)
	assert.Equal(t, models.CodeHandlerFailed, res.Failure.Code)
	assert.Contains(t, res.Failure.Message, "owner is blocked")

	stored, err := f.store.FindEvents(context.Background(), storage.AggregateKey{Type: "Account", ID: "acc-1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, int32(0), published.Load())
}

func TestCommandVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := storage.AggregateKey{Type: "Account", ID: "acc-1"}
	require.NoError(t, f.store.SaveEvents(ctx, key, "earlier", []storage.EventRecord{
		{AggregateType: "Account", AggregateID: "acc-1", Version: 1, EventID: "e0", TypeName: "x"},
	}))

	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		// stale aggregate: thinks it is at version 0
		return []models.Event{accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1)}}, nil
	}))

	res := f.execute(t, newOpen("acc-1", "ada"), correlator.ReplyOnHandled)
	assert.Equal(t, correlator.StatusFailed, res.Status)
	assert.Equal(t, models.CodeVersionConflict, res.Failure.Code)
}

func TestCommandConflictOnOneAggregateSavesNoEvents(t *testing.T) {
	d, reg, store, _ := directDispatcher(t)
	ctx := context.Background()
	savings := storage.AggregateKey{Type: "Account", ID: "acc-2"}
	require.NoError(t, store.SaveEvents(ctx, savings, "earlier", []storage.EventRecord{
		{AggregateType: "Account", AggregateID: "acc-2", Version: 1, EventID: "e0", TypeName: "x"},
	}))

	var runs atomic.Int32
	require.NoError(t, registry.RegisterCommandHandler(reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		runs.Add(1)
		return []models.Event{
			accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1)},
			// stale: acc-2 is already at version 1
			accountCredited{EventBase: models.NewEventBase("Account", "acc-2", 1), Amount: 5},
		}, nil
	}))

	cmd := newOpen("acc-1", "ada")
	for attempt := 1; attempt <= 2; attempt++ {
		err := d.Dispatch(ctx, models.NewEnvelope(cmd))
		var failure *models.Failure
		require.ErrorAs(t, err, &failure, "attempt %d", attempt)
		assert.Equal(t, models.CodeVersionConflict, failure.Code, "attempt %d", attempt)

		stored, err := store.FindEvents(ctx, storage.AggregateKey{Type: "Account", ID: "acc-1"}, 0)
		require.NoError(t, err)
		assert.Empty(t, stored, "attempt %d", attempt)
	}
	assert.Equal(t, int32(2), runs.Load(), "a redelivered failed command runs its handler again")
}

func TestCompletedReplyWaitsForEveryEvent(t *testing.T) {
	f := newFixture(t)
	checking := "acc-1"
	savings := ""
	for i := 2; savings == ""; i++ {
		if id := fmt.Sprintf("acc-%d", i); f.hub.PartitionFor(id) != f.hub.PartitionFor(checking) {
			savings = id
		}
	}

	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		return []models.Event{
			accountOpened{EventBase: models.NewEventBase("Account", checking, 1)},
			accountCredited{EventBase: models.NewEventBase("Account", savings, 1), Amount: 10},
		}, nil
	}))
	var slowDone atomic.Bool
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection.opened", func(ctx context.Context, evt accountOpened) error {
		time.Sleep(100 * time.Millisecond)
		slowDone.Store(true)
		return errors.New("projection store unavailable")
	}))
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection.credited", func(ctx context.Context, evt accountCredited) error {
		return nil
	}))

	res := f.execute(t, newOpen(checking, "ada"), correlator.ReplyOnCompleted)
	assert.True(t, slowDone.Load(), "Completed must wait for the event on the busy partition")
	assert.Equal(t, correlator.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.CodeHandlerFailed, res.Failure.Code)
	assert.Contains(t, res.Failure.Message, "projection store unavailable")
	assert.Zero(t, f.disp.Stats().OpenBatches)
}

func TestPublishedVersionCatchesUpAfterRedelivery(t *testing.T) {
	d, reg, store, _ := directDispatcher(t)
	var unavailable atomic.Bool
	unavailable.Store(true)
	require.NoError(t, registry.RegisterEventHandler(reg, "projection.opened", func(ctx context.Context, evt accountOpened) error {
		if unavailable.Load() {
			return errors.New("projection store unavailable")
		}
		return nil
	}))
	require.NoError(t, registry.RegisterEventHandler(reg, "projection.credited", func(ctx context.Context, evt accountCredited) error {
		return nil
	}))

	ctx := context.Background()
	opened := accountOpened{EventBase: models.NewEventBase("Account", "acc-1", 1)}
	credited := accountCredited{EventBase: models.NewEventBase("Account", "acc-1", 2), Amount: 5}

	require.Error(t, d.Dispatch(ctx, models.NewEnvelope(opened)))
	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(credited)))
	v, err := store.GetPublishedVersion(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, 1, d.Stats().HeldVersions)

	unavailable.Store(false)
	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(opened)))
	v, err = store.GetPublishedVersion(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Zero(t, d.Stats().HeldVersions)
}

func TestPublishedVersionCatchesUpFromStoredEvents(t *testing.T) {
	d, reg, store, sender := directDispatcher(t)
	var unavailable atomic.Bool
	unavailable.Store(true)
	require.NoError(t, registry.RegisterCommandHandler(reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		return []models.Event{
			accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1)},
			accountCredited{EventBase: models.NewEventBase("Account", cmd.AggregateID, 2), Amount: 5},
		}, nil
	}))
	require.NoError(t, registry.RegisterEventHandler(reg, "projection.opened", func(ctx context.Context, evt accountOpened) error {
		if unavailable.Load() {
			return errors.New("projection store unavailable")
		}
		return nil
	}))
	require.NoError(t, registry.RegisterEventHandler(reg, "projection.credited", func(ctx context.Context, evt accountCredited) error {
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, models.NewEnvelope(newOpen("acc-1", "ada"))))
	var events []*models.Envelope
	for _, env := range sender.sent() {
		if env.Kind() == models.KindEvent {
			events = append(events, env)
		}
	}
	require.Len(t, events, 2)
	require.Error(t, d.Dispatch(ctx, events[0]))
	require.NoError(t, d.Dispatch(ctx, events[1]))

	// a fresh dispatcher over the same stores only knows what was persisted
	restarted, err := New(Config{
		Registry:   reg,
		Correlator: correlator.New(time.Second),
		Sender:     &captureSender{},
		Events:     store,
		Records:    store,
		Versions:   store,
	})
	require.NoError(t, err)

	unavailable.Store(false)
	require.NoError(t, restarted.Dispatch(ctx, models.NewEnvelope(events[0].Body)))
	v, err := store.GetPublishedVersion(ctx, "Account", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestDuplicateCommandRepublishesStoredEvents(t *testing.T) {
	f := newFixture(t)
	var handled, projected atomic.Int32
	require.NoError(t, registry.RegisterCommandHandler(f.reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		handled.Add(1)
		return []models.Event{accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1), Owner: cmd.Owner}}, nil
	}))
	require.NoError(t, registry.RegisterEventHandler(f.reg, "projection", func(ctx context.Context, evt accountOpened) error {
		projected.Add(1)
		assert.Equal(t, "ada", evt.Owner)
		return nil
	}))

	cmd := newOpen("acc-1", "ada")
	res := f.execute(t, cmd, correlator.ReplyOnCompleted)
	require.Equal(t, correlator.StatusSuccess, res.Status)

	// redelivered command: the handler is skipped, the caller still gets an answer
	res = f.execute(t, cmd, correlator.ReplyOnCompleted)
	require.Equal(t, correlator.StatusSuccess, res.Status, "failure: %v", res.Failure)

	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int32(1), projected.Load())
}

func TestCommandPublishFailure(t *testing.T) {
	d, reg, store, sender := directDispatcher(t)
	require.NoError(t, registry.RegisterCommandHandler(reg, "accounts.open", func(ctx context.Context, cmd openAccount) ([]models.Event, error) {
		return []models.Event{accountOpened{EventBase: models.NewEventBase("Account", cmd.AggregateID, 1)}}, nil
	}))

	sender.err = errors.New("partition full")
	cmd := newOpen("acc-1", "ada")
	err := d.Dispatch(context.Background(), models.NewEnvelope(cmd))

	var failure *models.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, models.CodePublishFailed, failure.Code)

	// events stay saved, a redelivery republishes them
	sender.err = nil
	require.NoError(t, d.Dispatch(context.Background(), models.NewEnvelope(cmd)))
	stored, _ := store.EventsByCorrelation(context.Background(), cmd.MessageID())
	assert.Len(t, stored, 1)

	sent := sender.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.KindEvent, sent[0].Kind())
	assert.Equal(t, cmd.MessageID(), sent[0].GetMetadata(models.MetadataCommandID))
	assert.Equal(t, "1", sent[0].GetMetadata(models.MetadataBatchSize))
	assert.Equal(t, models.KindCommandReply, sent[1].Kind())
}

func TestQueryResolvesFuture(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, registry.RegisterQueryHandler(f.reg, "accounts.owner", func(ctx context.Context, q getOwner) (string, error) {
		return "owner-of-" + q.AccountID, nil
	}))

	q := getOwner{QueryBase: models.NewQueryBase(), AccountID: "acc-1"}
	fut, err := f.corr.RegisterQuery(q.MessageID())
	require.NoError(t, err)
	require.NoError(t, f.hub.Send(context.Background(), models.NewEnvelope(q)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, "owner-of-acc-1", res.Value)
}

func TestQueryWithoutFetcherFails(t *testing.T) {
	d, _, _, _ := directDispatcher(t)
	q := getOwner{QueryBase: models.NewQueryBase()}
	fut, err := d.correlator.RegisterQuery(q.MessageID())
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), models.NewEnvelope(q))
	require.Error(t, err)

	res, ok := fut.Result()
	require.True(t, ok)
	assert.Equal(t, models.CodeHandlerNotFound, res.Failure.Code)
}

func TestLateReplyIsDiscarded(t *testing.T) {
	d, _, _, _ := directDispatcher(t)
	reply := models.NewCommandReply("never-registered", models.ReplyHandled, nil)
	assert.NoError(t, d.Dispatch(context.Background(), models.NewEnvelope(reply)))
}

func TestMessageHandlersAreIdempotent(t *testing.T) {
	d, reg, _, _ := directDispatcher(t)
	var calls atomic.Int32
	require.NoError(t, registry.RegisterMessageHandler(reg, "audit.log", func(ctx context.Context, msg auditNote) error {
		calls.Add(1)
		return nil
	}))

	note := auditNote{MessageBase: models.NewMessageBase(), Text: "hello"}
	require.NoError(t, d.Dispatch(context.Background(), models.NewEnvelope(note)))
	require.NoError(t, d.Dispatch(context.Background(), models.NewEnvelope(note)))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAddDispatcherOverridesStrategy(t *testing.T) {
	d, _, _, _ := directDispatcher(t)
	var custom atomic.Int32
	d.AddDispatcher(models.KindMessage, StrategyFunc(func(ctx context.Context, env *models.Envelope) error {
		custom.Add(1)
		return nil
	}))

	require.NoError(t, d.Dispatch(context.Background(), models.NewEnvelope(auditNote{})))
	assert.Equal(t, int32(1), custom.Load())
}

func TestStopUnbindsReceivers(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, registry.RegisterMessageHandler(f.reg, "audit.log", func(ctx context.Context, msg auditNote) error {
		calls.Add(1)
		return nil
	}))

	f.disp.Stop()
	f.disp.Stop()
	require.NoError(t, f.hub.Send(context.Background(), models.NewEnvelope(auditNote{MessageBase: models.NewMessageBase()})))
	require.Eventually(t, func() bool { return f.hub.Stats().Unhandled == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	f.disp.Start()
	require.NoError(t, f.hub.Send(context.Background(), models.NewEnvelope(auditNote{MessageBase: models.NewMessageBase()})))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}
