package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/signoff/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates the approval repository.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	approvals storage.ApprovalStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Approvals() storage.ApprovalStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approvals == nil {
		s.approvals = NewApprovalRepository(s.pgDB.GormDB(), s.pgDB.logger)
	}
	return s.approvals
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pgDB.GormDB())
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
