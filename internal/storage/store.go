// Package storage defines the Store interface behind the durable approval backends.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
// The "memory" driver selects no Store at all; the registry then keeps state in-process.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/signoff/internal/approval"
)

// Store is the unified persistence interface for signoff.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Approvals returns the durable approval repository.
	Approvals() ApprovalStore

	// Ping checks the database connection for readiness checks.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ApprovalStore is the durable approval repository. It is the id authority for
// the registry and the only place approvals are ever deleted (retention).
type ApprovalStore interface {
	approval.Store
	approval.Loader
	approval.Getter

	// DeleteDecided removes decided approvals whose decision is older than olderThan.
	DeleteDecided(ctx context.Context, olderThan time.Duration) (int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverMemory keeps approvals in process memory only.
const DriverMemory = "memory"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
