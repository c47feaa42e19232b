package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/config"
	"github.com/jkaninda/signoff/internal/observability"
	"github.com/jkaninda/signoff/internal/secrets"
	"github.com/jkaninda/signoff/internal/storage"
	pgstore "github.com/jkaninda/signoff/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/signoff/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

// SharedComponents holds the pieces common to every server mode.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store // nil with the memory driver.
	Obs      *observability.Observability
	Registry *approval.Registry

	cleanups []func()
}

// Cleanup releases resources in reverse order of acquisition.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file. A missing file at the default location
// falls back to the built-in defaults; an explicit path must exist.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("SIGNOFF_CONFIG", path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default()
	}
	return config.Load(path)
}

// initShared resolves secret references, opens the store, sets up observability and restores the registry.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	resolver, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("initializing secrets: %w", err)
	}
	if err := resolver.Apply(ctx, cfg); err != nil {
		return nil, err
	}

	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("migrating store: %w", err)
		}
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing traces", slog.String("error", err.Error()))
		}
	})

	var backing approval.Store
	if store != nil {
		backing = obs.WrapStore(store.Approvals())
	}

	reg := approval.NewRegistry(backing, logger).
		WithStoreTimeout(cfg.Approval.StoreTimeout())
	obs.InstrumentRegistry(reg)
	sc.Registry = reg

	restored, err := reg.Restore(ctx)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("restoring approvals: %w", err)
	}

	if obs != nil && store != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
		obs.Health.AddCheck("database", store.Ping)
	}

	logger.Info("approval registry ready",
		slog.String("driver", cfg.StorageDriverName()),
		slog.Int("restored", restored),
		slog.Duration("store_timeout", cfg.Approval.StoreTimeout()),
	)
	return sc, nil
}

// initStore creates the storage backend from config. The memory driver has no
// Store: the registry falls back to its in-process NullStore.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverMemory:
		return nil, nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SIGNOFF_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
