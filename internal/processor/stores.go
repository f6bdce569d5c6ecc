package processor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"relay/internal/config"
	"relay/internal/logger"
	"relay/internal/state"
	"relay/internal/storage"
)

// stores groups the persistence collaborators of the dispatcher.
type stores struct {
	events   storage.EventStore
	records  storage.HandlerRecordStore
	versions storage.PublishedVersionStore
	closers  []io.Closer
}

// openStores builds the configured backend. The redis backend keeps handler
// records and published versions in redis and the event log in SQLite.
func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	log := logger.WithComponent("processor")

	switch cfg.Backend {
	case config.BackendMemory, "":
		mem := storage.NewMemory()
		return &stores{events: mem, records: mem, versions: mem, closers: []io.Closer{mem}}, nil

	case config.BackendSQLite:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return &stores{events: db, records: db, versions: db, closers: []io.Closer{db}}, nil

	case config.BackendRedis:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rs, err := state.Dial(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info().
			Str("redis_addr", cfg.RedisAddr).
			Str("sqlite_path", cfg.SQLitePath).
			Msg("redis state store connected")
		return &stores{events: db, records: rs, versions: rs, closers: []io.Closer{rs, db}}, nil
	}
	return nil, fmt.Errorf("processor: unknown store backend %q", cfg.Backend)
}

func (s *stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
