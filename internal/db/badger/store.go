// Package badger is a process-local key-value store with native TTL, used as
// a persistent result cache backend.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/db"
)

const defaultGCInterval = 10 * time.Minute

// Options configures the Badger store.
type Options struct {
	// Dir is the data directory. Required unless InMemory.
	Dir string
	// InMemory runs without disk persistence (tests).
	InMemory bool
	// GCInterval is the value-log GC period; 0 means the default, negative disables GC.
	GCInterval time.Duration
	Logger     *zap.Logger
}

// Store implements db.KVStore and db.Pinger over BadgerDB.
type Store struct {
	db     *badger.DB
	logger *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Open opens (or creates) the database and starts the value-log GC loop.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger: dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(zapLogger{s: logger.Sugar()})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	bdb, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: bdb, logger: logger, stop: make(chan struct{})}

	interval := opts.GCInterval
	if interval == 0 {
		interval = defaultGCInterval
	}
	if interval > 0 && !opts.InMemory {
		s.wg.Add(1)
		go s.gcLoop(interval)
	}
	return s, nil
}

// Get returns db.ErrKeyNotFound for absent or expired keys.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, &db.Error{Op: db.OpGet, Err: err}
	}
	return val, nil
}

// SetWithTTL stores a value that badger expires after ttl.
func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// Del removes a key. Deleting an absent key is not an error.
func (s *Store) Del(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return &db.Error{Op: db.OpDel, Err: err}
	}
	return nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return db.ErrClosed
	}
	return nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Failed to close badger", zap.Error(err))
		}
	})
}

func (s *Store) gcLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Rewrite value-log files until nothing is left to collect.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Debug("Value log GC stopped", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

// zapLogger adapts zap to badger.Logger, dropping badger's info/debug chatter.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...any)   { l.s.Errorf("badger: "+f, v...) }
func (l zapLogger) Warningf(f string, v ...any) { l.s.Warnf("badger: "+f, v...) }
func (l zapLogger) Infof(string, ...any)        {}
func (l zapLogger) Debugf(string, ...any)       {}
