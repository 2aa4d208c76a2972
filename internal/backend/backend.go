// Package backend opens the insight and evidence stores selected by
// configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/rapport/internal/insight"
	"github.com/linnemanlabs/rapport/internal/insight/memstore"
	"github.com/linnemanlabs/rapport/internal/insight/pgstore"
	"github.com/linnemanlabs/rapport/internal/insight/sqlitestore"
	"github.com/linnemanlabs/rapport/internal/postgres"
)

// Backend names.
const (
	Postgres = "postgres"
	SQLite   = "sqlite"
	Memory   = "memory"
)

// Options selects a backend. DatabaseURL wins over SQLitePath; with neither
// set the in-memory store is used, seeded from EvidenceFixture if given.
type Options struct {
	DatabaseURL     string
	SQLitePath      string
	EvidenceFixture string
}

// Store is the union every backend implements.
type Store interface {
	insight.Store
	insight.EvidenceStore
}

// Backend is an open store plus the means to release it.
type Backend struct {
	Name  string
	Store Store

	closer func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// Open opens the backend described by opts.
func Open(ctx context.Context, opts Options, logger log.Logger) (*Backend, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.EvidenceFixture != "" && (opts.DatabaseURL != "" || opts.SQLitePath != "") {
		return nil, errors.New("evidence fixture requires the in-memory store")
	}

	switch {
	case opts.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info(ctx, "using postgres store")
		return &Backend{Name: Postgres, Store: st, closer: func() error { pool.Close(); return nil }}, nil

	case opts.SQLitePath != "":
		st, err := sqlitestore.Open(opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info(ctx, "using sqlite store", "path", opts.SQLitePath)
		return &Backend{Name: SQLite, Store: st, closer: st.Close}, nil

	default:
		st := memstore.New()
		if opts.EvidenceFixture != "" {
			n, err := st.LoadFixture(ctx, opts.EvidenceFixture)
			if err != nil {
				return nil, fmt.Errorf("load evidence fixture: %w", err)
			}
			logger.Info(ctx, "loaded evidence fixture", "path", opts.EvidenceFixture, "stored", n)
		}
		logger.Warn(ctx, "using in-memory store, insights will not survive restart")
		return &Backend{Name: Memory, Store: st}, nil
	}
}
