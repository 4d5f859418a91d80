// Package store is the local SQLite persistence layer.
//
// The database is opened lazily: when the file cannot be opened or migrated
// the Store reports ErrUnavailable and tries again on the next access, so a
// transient failure never takes the tracker down.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Christopher-Hayes/deskmon/internal/logging"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when the database cannot be opened.
	ErrUnavailable = errors.New("storage unavailable")
)

// Store owns the database handle.
type Store struct {
	path string
	log  *logging.Logger

	mu sync.Mutex
	db *sql.DB
}

// New returns a Store for the database file at path. Nothing is opened until
// the first access.
func New(path string) *Store {
	return &Store{path: path, log: logging.New("store")}
}

// Open returns a Store and eagerly opens it, reporting the first failure.
// The returned Store is usable even when err is non-nil.
func Open(path string) (*Store, error) {
	s := New(path)
	_, err := s.handle()
	return s, err
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := openDB(s.path)
	if err != nil {
		s.log.Errorf("Failed to open database %s: %v", s.path, err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.db = db
	s.log.Debugf("Opened database %s", s.path)
	return db, nil
}

func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer; every multi-statement change goes through InTx.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Invalidate drops the handle so the next access reopens the database.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Repo returns a repository bound to the database (outside any transaction).
func (s *Store) Repo() (Repo, error) {
	db, err := s.handle()
	if err != nil {
		return Repo{}, err
	}
	return Repo{q: db}, nil
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise. fn must only use the Repo it is given.
func (s *Store) InTx(ctx context.Context, fn func(r Repo) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(Repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
