// Package storage opens the issuance store selected by configuration.
package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/parchi/internal/adapters/crdb"
	"github.com/robertarktes/parchi/internal/adapters/memory"
	"github.com/robertarktes/parchi/internal/adapters/sqlite"
	"github.com/robertarktes/parchi/internal/config"
	"github.com/robertarktes/parchi/internal/issuance"
	"github.com/robertarktes/parchi/internal/outbox"
)

// Backend is a store that also feeds the outbox relay.
type Backend interface {
	issuance.Store
	outbox.Source
}

type Opened struct {
	Backend Backend
	// Ping reports whether the store is reachable.
	Ping  func(ctx context.Context) error
	Close func()
}

func Open(ctx context.Context, cfg *config.Config) (*Opened, error) {
	switch cfg.StoreBackend {
	case config.BackendCRDB:
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect to crdb")
		}
		return &Opened{
			Backend: crdb.NewRepository(pool),
			Ping:    pool.Ping,
			Close:   pool.Close,
		}, nil
	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &Opened{
			Backend: store,
			Ping:    store.Ping,
			Close:   func() { _ = store.Close() },
		}, nil
	case config.BackendMemory:
		return &Opened{
			Backend: memory.NewStore(),
			Ping:    func(context.Context) error { return nil },
			Close:   func() {},
		}, nil
	default:
		return nil, errors.Newf("unknown store backend %q", cfg.StoreBackend)
	}
}
