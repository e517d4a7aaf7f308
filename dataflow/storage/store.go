// Package storage keeps tabular rows in BadgerDB and feeds them into
// dataflow graphs as changesets.
package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/paulrosenzweig/vega/dataflow/annotations"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// Options configures a Store.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool

	Logger      zerolog.Logger
	Annotations annotations.Handler
}

// Store is a BadgerDB-backed collection of named row tables.
type Store struct {
	db        *badger.DB
	log       zerolog.Logger
	collector *annotations.Collector

	mu     sync.Mutex
	tables map[string]*Table
	closed bool
}

// Open opens or creates a store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else if opts.Path == "" {
		return nil, fmt.Errorf("storage: no path given for an on-disk store")
	}
	bopts.Logger = nil // badger logs through its own logger; ours covers the store

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	log := opts.Logger.With().Str("component", "storage").Logger()
	log.Debug().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("store opened")
	return &Store{
		db:        db,
		log:       log,
		collector: annotations.NewCollector(opts.Annotations),
		tables:    make(map[string]*Table),
	}, nil
}

// Table returns the table called name, creating the handle on first use.
// Handles are shared so the state a table has fed into graphs persists
// between calls.
func (s *Store) Table(name string) (*Table, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("storage: invalid table name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if t, ok := s.tables[name]; ok {
		return t, nil
	}
	t := &Table{
		store:  s,
		name:   name,
		prefix: []byte("row/" + name + "/"),
		feeds:  make(map[feedKey]*feedState),
	}
	s.tables[name] = t
	return t, nil
}

// Tables lists the tables that hold at least one row.
func (s *Store) Tables() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("row/")
		it := txn.NewIterator(opts)
		defer it.Close()

		seen := make(map[string]bool)
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), "row/")
			name, _, ok := strings.Cut(rest, "/")
			if ok && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		return nil
	})
	return names, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
