// This package wraps the SQLCipher database holding all client state. Every statement runs inside a
// transaction started by Run or RunReadOnly, and only one transaction is open at a time.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/migration"
	sqlite3 "github.com/meow-io/go-sqlcipher"
	"go.uber.org/zap"
)

const driverName = "sqlite3_inbox"

const (
	stateNew = iota
	stateInitialized
	stateRunning
)

type RunnerFunc func() error

type Database struct {
	Log  *zap.SugaredLogger
	Conn *sqlx.DB
	// Set for the duration of a runner passed to Run, RunReadOnly or RunTx.
	Tx *sqlx.Tx

	config                *config.Config
	state                 int
	lock                  *sync.Mutex
	path                  string
	callbacks             []func()
	beforeCommitCallbacks []RunnerFunc
	ctx                   context.Context
	cancelFn              context.CancelFunc
}

var registerOnce sync.Once

func NewDatabase(c *config.Config, path string) (*Database, error) {
	log := c.Logger("db")
	log.Debugf("making database at %s", path)

	state := stateInitialized
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		state = stateNew
	}

	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{})
	})

	ctx, cancelFn := context.WithCancel(context.Background())
	return &Database{
		Log:      log,
		lock:     &sync.Mutex{},
		config:   c,
		path:     path,
		state:    state,
		ctx:      ctx,
		cancelFn: cancelFn,
	}, nil
}

// Creates the encrypted file. Only valid on a database which has never been created.
func (db *Database) Initialize(key []byte) error {
	if db.state != stateNew {
		return fmt.Errorf("db: wrong state, expected %d got %d", stateNew, db.state)
	}
	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		return err
	}
	db.state = stateInitialized
	return nil
}

func (db *Database) Initialized() bool {
	return db.state != stateNew
}

func (db *Database) Running() bool {
	return db.state == stateRunning
}

func (db *Database) Open(key []byte) error {
	if db.state != stateInitialized {
		return fmt.Errorf("db: wrong state, expected %d got %d", stateInitialized, db.state)
	}
	conn, err := db.setupConnection(key)
	if err != nil {
		return err
	}
	db.Conn = conn
	db.state = stateRunning
	return nil
}

func (db *Database) Shutdown() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	db.cancelFn()
	if db.Conn == nil {
		return nil
	}
	if err := db.Conn.Close(); err != nil {
		return err
	}
	db.Conn = nil
	db.ctx, db.cancelFn = context.WithCancel(context.Background())
	db.state = stateInitialized
	return nil
}

func (db *Database) Migrate(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, true).migrate()
}

// Same as Migrate, for callers already holding the lock.
func (db *Database) MigrateNoLock(name string, migrations []*migration.Migration) error {
	return newMigrator(db.config, db, name, migrations, false).migrate()
}

// Registers f to run in its own goroutine once the current transaction commits.
func (db *Database) AfterCommit(f func()) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}
	db.callbacks = append(db.callbacks, f)
}

func (db *Database) BeforeCommit(f RunnerFunc) {
	if db.Tx == nil {
		panic("db: expected tx to be not nil")
	}
	db.beforeCommitCallbacks = append(db.beforeCommitCallbacks, f)
}

func (db *Database) Lock(label string, runner RunnerFunc) error {
	start := time.Now()
	db.lock.Lock()
	obtained := time.Now()
	defer func() {
		db.Log.Debugf("completed %s wait=%s exec=%s", label, obtained.Sub(start), time.Since(obtained))
		db.lock.Unlock()
	}()
	return runner()
}

func (db *Database) RunTx(label string, txOptions *sql.TxOptions, runner RunnerFunc) error {
	if db.Tx != nil {
		panic("db: expected tx to be nil")
	}
	if db.Conn == nil {
		return fmt.Errorf("db: database is not open for %s", label)
	}
	defer func() {
		db.Tx = nil
	}()

	var err error
	db.Tx, err = db.Conn.BeginTxx(db.ctx, txOptions)
	if err != nil {
		return fmt.Errorf("db: error starting transaction for %s: %w", label, err)
	}
	if !txOptions.ReadOnly {
		if _, err = db.Tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
			_ = db.Tx.Rollback()
			return fmt.Errorf("db: error enabling defer_foreign_keys: %w", err)
		}
	}

	db.callbacks = nil
	db.beforeCommitCallbacks = nil
	runerr := runner()
	if runerr == nil {
		for _, c := range db.beforeCommitCallbacks {
			if runerr = c(); runerr != nil {
				break
			}
		}
	}

	if runerr != nil {
		if !errors.Is(runerr, sql.ErrNoRows) {
			db.Log.Warnf("rolling back %s due to %v", label, runerr)
		}
		if err := db.Tx.Rollback(); err != nil {
			db.Log.Debugf("error while rolling back %s with %v", label, err)
		}
		return fmt.Errorf("db: error during %s: %w", label, runerr)
	}
	if err := db.Tx.Commit(); err != nil {
		return fmt.Errorf("db: error committing %s: %w", label, err)
	}
	for _, f := range db.callbacks {
		go f()
	}
	db.callbacks = nil
	return nil
}

func (db *Database) Run(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, runner)
	})
}

func (db *Database) RunReadOnly(label string, runner RunnerFunc) error {
	return db.Lock(label, func() error {
		return db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: true}, runner)
	})
}

func (db *Database) setupConnection(key []byte) (*sqlx.DB, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("db: expected key of length 32, got %d", len(key))
	}
	formattedPath := fmt.Sprintf("file:%s?_locking_mode=EXCLUSIVE&_busy_timeout=100&_secure_delete=on&_journal_mode=WAL&_auto_vacuum=2&_synchronous=3&cache=private&mode=rwc&_pragma_key=x'%x'", url.PathEscape(db.path), key)
	conn, err := sqlx.Open(driverName, formattedPath)
	if err != nil {
		return nil, fmt.Errorf("db: error opening %s: %w", db.path, err)
	}
	conn.DB.SetMaxOpenConns(1)

	pragmas := []string{
		"SELECT name FROM sqlite_master LIMIT 1",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = 2",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("db: error running %q: %w", p, err)
		}
	}
	return conn, nil
}
