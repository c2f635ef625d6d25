// Package metadb persists blob manager state in an embedded key-value
// store. Badger and Pebble backends are supported.
package metadb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ankur-anand/blobgc"
)

const (
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

var ErrClosed = errors.New("metadb: store closed")

type Options struct {
	// Backend is BackendBadger or BackendPebble.
	Backend string
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites fsyncs every committed transaction.
	SyncWrites bool
}

func DefaultOptions() Options {
	return Options{
		Backend:    BackendBadger,
		SyncWrites: true,
	}
}

type backend interface {
	update(ctx context.Context, fn func(kvTxn) error) error
	view(ctx context.Context, fn func(kvTxn) error) error
	close() error
}

// Store runs blob manager transactions against the backend.
type Store struct {
	backend backend
	name    string
	closed  atomic.Bool
}

var _ blobgc.TxStore = (*Store)(nil)

func Open(opts Options) (*Store, error) {
	if opts.Backend == "" {
		opts.Backend = BackendBadger
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("metadb: dir is required unless in memory")
	}

	var (
		b   backend
		err error
	)
	switch opts.Backend {
	case BackendBadger:
		b, err = openBadger(opts)
	case BackendPebble:
		b, err = openPebble(opts)
	default:
		return nil, fmt.Errorf("metadb: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &Store{backend: b, name: opts.Backend}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory(backendName string) (*Store, error) {
	return Open(Options{Backend: backendName, InMemory: true})
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.name
}

func (s *Store) Update(ctx context.Context, fn func(db blobgc.DB) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.backend.update(ctx, func(txn kvTxn) error {
		return fn(&tables{txn: txn})
	})
}

func (s *Store) View(ctx context.Context, fn func(db blobgc.DB) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.backend.view(ctx, func(txn kvTxn) error {
		return fn(&tables{txn: txn, readOnly: true})
	})
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.backend.close()
}
