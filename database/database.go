// Package database owns the sqlite connection that backs all durable
// coordinator state. It is the single source of truth; every in-memory view
// is a cache of a subset of these tables.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/campusgrid/campusgrid/log"
)

const (
	// DBSQLite is the only supported driver
	DBSQLite = "sqlite"

	databaseName = "campusgrid.db"

	// txRetryAttempts bounds retries on sqlite busy/locked conflicts
	txRetryAttempts = 3
	txRetryBackoff  = 250 * time.Millisecond
)

var (
	// ErrNilInstance is returned when methods are called on a nil instance
	ErrNilInstance = errors.New("database instance is nil")
	// ErrDatabaseNotConnected is returned when no connection is established
	ErrDatabaseNotConnected = errors.New("database is not connected")
	// ErrNoDatabaseProvided is returned when a repository gets a nil handle
	ErrNoDatabaseProvided = errors.New("no database provided")
)

// Config holds connection settings
type Config struct {
	Driver  string
	DataDir string
	Verbose bool
}

// Instance holds the connection and its guarded state
type Instance struct {
	sql       *sql.DB
	config    Config
	connected bool
	m         sync.RWMutex
}

// Connect opens (creating if needed) the sqlite database under cfg.DataDir,
// applies pragmas and ensures the schema exists. A single open connection is
// kept; sqlite serialises writers, which is also what makes job assignment
// transactional against concurrent sessions.
func Connect(cfg Config) (*Instance, error) {
	if cfg.Driver == "" {
		cfg.Driver = DBSQLite
	}
	if cfg.Driver != DBSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DataDir == "" {
		return nil, errors.New("database data directory not set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=30000&_journal_mode=WAL&_foreign_keys=on&_loc=UTC",
		filepath.Join(cfg.DataDir, databaseName))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	i := &Instance{sql: db, config: cfg, connected: true}
	if err := i.setupSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debugf(log.DatabaseMgr, "Connected to %s", dsn)
	return i, nil
}

func (i *Instance) setupSchema() error {
	for _, stmt := range sqliteSchema {
		if _, err := i.sql.Exec(stmt); err != nil {
			return fmt.Errorf("schema setup: %w", err)
		}
	}
	return nil
}

// GetSQL returns the raw handle for repositories
func (i *Instance) GetSQL() (*sql.DB, error) {
	if i == nil {
		return nil, ErrNilInstance
	}
	i.m.RLock()
	defer i.m.RUnlock()
	if !i.connected || i.sql == nil {
		return nil, ErrDatabaseNotConnected
	}
	return i.sql, nil
}

// IsConnected safely checks the connection status
func (i *Instance) IsConnected() bool {
	if i == nil {
		return false
	}
	i.m.RLock()
	defer i.m.RUnlock()
	return i.connected
}

// Ping verifies the connection is alive
func (i *Instance) Ping() error {
	db, err := i.GetSQL()
	if err != nil {
		return err
	}
	return db.Ping()
}

// CloseConnection disconnects the instance
func (i *Instance) CloseConnection() error {
	if i == nil {
		return ErrNilInstance
	}
	i.m.Lock()
	defer i.m.Unlock()
	if !i.connected {
		return ErrDatabaseNotConnected
	}
	i.connected = false
	return i.sql.Close()
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error. Busy/locked sqlite conflicts are retried a bounded number
// of times before surfacing.
func (i *Instance) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := i.GetSQL()
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !isBusyErr(err) || attempt >= txRetryAttempts-1 {
			return err
		}
		log.Warnf(log.DatabaseMgr, "Transaction conflict, retrying (%d/%d): %v",
			attempt+1, txRetryAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(txRetryBackoff):
		}
	}
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginTx %w", err)
	}
	if err := fn(tx); err != nil {
		if errRB := tx.Rollback(); errRB != nil {
			log.Errorf(log.DatabaseMgr, "tx.Rollback %v", errRB)
		}
		return err
	}
	return tx.Commit()
}

func isBusyErr(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
}
