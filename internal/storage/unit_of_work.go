package storage

import (
	"context"
	"errors"
)

var ErrUnitOfWorkDone = errors.New("storage: unit of work already finished")

// UnitOfWork stages the events raised while handling one command and saves
// them on Commit. Rollback discards whatever was staged. Commit saves the
// events of every aggregate together or not at all.
type UnitOfWork struct {
	store         EventStore
	correlationID string
	staged        []EventRecord
	done          bool
}

// Begin opens a unit of work whose events are saved under correlationID.
func Begin(store EventStore, correlationID string) *UnitOfWork {
	return &UnitOfWork{store: store, correlationID: correlationID}
}

// Stage queues records for Commit.
func (u *UnitOfWork) Stage(records ...EventRecord) {
	u.staged = append(u.staged, records...)
}

// Staged returns the queued records.
func (u *UnitOfWork) Staged() []EventRecord {
	return u.staged
}

// Commit saves the staged events. Either way the unit of work is finished.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrUnitOfWorkDone
	}
	u.done = true
	if len(u.staged) == 0 {
		return nil
	}
	return u.store.SaveBatch(ctx, u.correlationID, u.staged)
}

// Rollback discards staged events. It is a no-op after Commit, so it can be deferred.
func (u *UnitOfWork) Rollback() {
	if u.done {
		return
	}
	u.done = true
	u.staged = nil
}
