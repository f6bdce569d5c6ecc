package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Store implementation in this package.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

var account = AggregateKey{Type: "Account", ID: "acc-1"}

func records(key AggregateKey, from, to int) []EventRecord {
	var out []EventRecord
	for v := from; v <= to; v++ {
		out = append(out, EventRecord{
			AggregateType: key.Type,
			AggregateID:   key.ID,
			Version:       v,
			EventID:       fmt.Sprintf("%s-e%d", key.ID, v),
			TypeName:      "AccountCredited",
			Payload:       []byte(fmt.Sprintf(`{"v":%d}`, v)),
		})
	}
	return out
}

func TestPublishedVersionGapGuard(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		// fresh key only accepts a range starting at 1
		advanced, err := s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 2, 2)
		require.NoError(t, err)
		assert.False(t, advanced)

		advanced, err = s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 1, 4)
		require.NoError(t, err)
		assert.True(t, advanced)

		advanced, err = s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 5, 8)
		require.NoError(t, err)
		assert.True(t, advanced)

		v, err := s.GetPublishedVersion(ctx, "Account", "a")
		require.NoError(t, err)
		assert.Equal(t, 8, v)

		// re-acknowledging the same range is idempotent
		advanced, err = s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 5, 8)
		require.NoError(t, err)
		assert.False(t, advanced)

		// a gap leaves the stored version alone
		advanced, err = s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 10, 12)
		require.NoError(t, err)
		assert.False(t, advanced)

		v, err = s.GetPublishedVersion(ctx, "Account", "a")
		require.NoError(t, err)
		assert.Equal(t, 8, v)

		_, err = s.AddOrUpdatePublishedVersion(ctx, "Account", "a", 9, 8)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestPublishedVersionUnknownAggregate(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		v, err := s.GetPublishedVersion(context.Background(), "Account", "nobody")
		require.NoError(t, err)
		assert.Equal(t, 0, v)
	})
}

func TestPublishedVersionConcurrentAdvance(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const versions = 50

		// every version is acknowledged by several racing goroutines, in order
		for v := 1; v <= versions; v++ {
			var wg sync.WaitGroup
			var wins sync.Map
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.AddOrUpdatePublishedVersion(ctx, "Account", "race", v, v)
					assert.NoError(t, err)
					if ok {
						wins.Store(i, true)
					}
				}(i)
			}
			wg.Wait()

			n := 0
			wins.Range(func(_, _ any) bool { n++; return true })
			assert.Equal(t, 1, n, "exactly one writer advances version %d", v)
		}

		got, err := s.GetPublishedVersion(ctx, "Account", "race")
		require.NoError(t, err)
		assert.Equal(t, versions, got)
	})
}

func TestHandlerRecordInsertIfAbsent(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := HandlerRecord{
			MessageID:         "e1",
			MessageTypeCode:   "AccountOpened",
			HandlerTypeCode:   "H1",
			AggregateRootID:   "acc-1",
			AggregateRootType: "Account",
			Version:           1,
		}

		exists, err := s.Exists(ctx, "e1", "AccountOpened", "H1")
		require.NoError(t, err)
		assert.False(t, exists)

		added, err := s.Add(ctx, rec)
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.Add(ctx, rec)
		require.NoError(t, err)
		assert.False(t, added)

		exists, err = s.Exists(ctx, "e1", "AccountOpened", "H1")
		require.NoError(t, err)
		assert.True(t, exists)

		// another handler of the same event is a distinct record
		exists, err = s.Exists(ctx, "e1", "AccountOpened", "H2")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestSaveAndFindEvents(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.SaveEvents(ctx, account, "cmd-1", records(account, 1, 2)))
		require.NoError(t, s.SaveEvents(ctx, account, "cmd-2", records(account, 3, 3)))

		all, err := s.FindEvents(ctx, account, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{all[0].Version, all[1].Version, all[2].Version})
		assert.Equal(t, "cmd-1", all[0].CorrelationID)
		assert.Equal(t, []byte(`{"v":1}`), all[0].Payload)
		assert.False(t, all[0].CreatedAt.IsZero())

		after, err := s.FindEvents(ctx, account, 2)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, 3, after[0].Version)

		persisted, err := s.EventPersisted(ctx, account, "cmd-1")
		require.NoError(t, err)
		assert.True(t, persisted)

		persisted, err = s.EventPersisted(ctx, account, "cmd-9")
		require.NoError(t, err)
		assert.False(t, persisted)

		byCmd, err := s.EventsByCorrelation(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Len(t, byCmd, 2)
	})
}

func TestSaveEventsVersionConflict(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveEvents(ctx, account, "cmd-1", records(account, 1, 2)))

		err := s.SaveEvents(ctx, account, "cmd-2", records(account, 2, 3))
		assert.ErrorIs(t, err, ErrVersionConflict)

		err = s.SaveEvents(ctx, account, "cmd-3", records(account, 4, 4))
		assert.ErrorIs(t, err, ErrVersionConflict)

		// nothing from the rejected batches was written
		all, err := s.FindEvents(ctx, account, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestSaveEventsDuplicateCorrelation(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveEvents(ctx, account, "cmd-1", records(account, 1, 1)))

		err := s.SaveEvents(ctx, account, "cmd-1", records(account, 2, 2))
		assert.ErrorIs(t, err, ErrDuplicateCorrelation)
	})
}

func TestSaveEventsRejectsForeignRecords(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		other := AggregateKey{Type: "Account", ID: "acc-2"}
		err := s.SaveEvents(context.Background(), account, "cmd-1", records(other, 1, 1))
		assert.ErrorIs(t, err, ErrKeyMismatch)

		err = s.SaveEvents(context.Background(), AggregateKey{}, "cmd-1", nil)
		assert.ErrorIs(t, err, ErrEmptyKey)
	})
}

func TestUnitOfWork(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		other := AggregateKey{Type: "Account", ID: "acc-2"}

		uow := Begin(s, "cmd-1")
		uow.Stage(records(account, 1, 2)...)
		uow.Stage(records(other, 1, 1)...)
		assert.Len(t, uow.Staged(), 3)
		require.NoError(t, uow.Commit(ctx))
		uow.Rollback()
		assert.ErrorIs(t, uow.Commit(ctx), ErrUnitOfWorkDone)

		byCmd, err := s.EventsByCorrelation(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Len(t, byCmd, 3)

		rolledBack := Begin(s, "cmd-2")
		rolledBack.Stage(records(account, 3, 3)...)
		rolledBack.Rollback()
		assert.ErrorIs(t, rolledBack.Commit(ctx), ErrUnitOfWorkDone)

		all, err := s.FindEvents(ctx, account, 0)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestUnitOfWorkConflictSavesNothing(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		other := AggregateKey{Type: "Account", ID: "acc-2"}
		require.NoError(t, s.SaveEvents(ctx, other, "earlier", records(other, 1, 1)))

		// acc-1 is fine on its own, acc-2 is stale
		uow := Begin(s, "cmd-1")
		uow.Stage(records(account, 1, 1)...)
		uow.Stage(records(other, 1, 1)...)
		assert.ErrorIs(t, uow.Commit(ctx), ErrVersionConflict)

		all, err := s.FindEvents(ctx, account, 0)
		require.NoError(t, err)
		assert.Empty(t, all, "no stream may keep events of a failed batch")

		byCmd, err := s.EventsByCorrelation(ctx, "cmd-1")
		require.NoError(t, err)
		assert.Empty(t, byCmd)

		// a retry of the same command is not mistaken for a duplicate
		retry := Begin(s, "cmd-1")
		retry.Stage(records(account, 1, 1)...)
		retry.Stage(records(other, 2, 2)...)
		require.NoError(t, retry.Commit(ctx))
	})
}

func TestSaveBatchKeepsRaiseOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		other := AggregateKey{Type: "Account", ID: "acc-2"}
		batch := []EventRecord{
			records(account, 1, 1)[0],
			records(other, 1, 1)[0],
			records(account, 2, 2)[0],
		}
		require.NoError(t, s.SaveBatch(ctx, "cmd-1", batch))

		byCmd, err := s.EventsByCorrelation(ctx, "cmd-1")
		require.NoError(t, err)
		require.Len(t, byCmd, 3)
		for i, e := range byCmd {
			assert.Equal(t, batch[i].EventID, e.EventID)
		}

		assert.ErrorIs(t, s.SaveBatch(ctx, "cmd-1", records(other, 2, 2)), ErrDuplicateCorrelation)
		assert.ErrorIs(t, s.SaveBatch(ctx, "cmd-2", []EventRecord{{Version: 1}}), ErrEmptyKey)
	})
}

func TestOpenSQLiteFile(t *testing.T) {
	path := t.TempDir() + "/relay.db"
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveEvents(context.Background(), account, "cmd-1", records(account, 1, 1)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.FindEvents(context.Background(), account, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
