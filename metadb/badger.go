package metadb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

type badgerBackend struct {
	db *badger.DB
}

func openBadger(opts Options) (*badgerBackend, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(opts.SyncWrites)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", opts.Dir, err)
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) update(ctx context.Context, fn func(kvTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

func (b *badgerBackend) view(ctx context.Context, fn func(kvTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn: txn})
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t badgerTxn) set(key, value []byte) error {
	// Badger keeps the slices until commit.
	return t.txn.Set(append([]byte(nil), key...), append([]byte(nil), value...))
}

func (t badgerTxn) delete(key []byte) error {
	return t.txn.Delete(append([]byte(nil), key...))
}

func (t badgerTxn) scan(prefix []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix

	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.Key()
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
