// Package repositories assembles the Postgres implementation of store.Store.
package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/repositories/decision"
	"github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/identifier"
	"github.com/Ramsey-B/fern/internal/repositories/link"
	"github.com/Ramsey-B/fern/internal/repositories/observation"
	"github.com/Ramsey-B/fern/pkg/store"
)

var _ store.Store = (*Store)(nil)

type (
	entities     = entity.Repository
	identifiers  = identifier.Repository
	links        = link.Repository
	decisions    = decision.Repository
	observations = observation.Repository
)

// Store is every repository behind one transaction-aware connection
type Store struct {
	*entities
	*identifiers
	*links
	*decisions
	*observations

	db database.DB
}

func NewStore(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		entities:     entity.NewRepository(db, logger),
		identifiers:  identifier.NewRepository(db, logger),
		links:        link.NewRepository(db, logger),
		decisions:    decision.NewRepository(db, logger),
		observations: observation.NewRepository(db, logger),
		db:           db,
	}
}

// WithinTx joins a transaction already open on ctx or opens one
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.WithinTx(ctx, fn)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
