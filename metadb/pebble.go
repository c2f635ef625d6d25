package metadb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

type pebbleBackend struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// Indexed batches do not detect conflicts, so writers are serialized.
	writeMu sync.Mutex
}

func openPebble(opts Options) (*pebbleBackend, error) {
	popts := &pebble.Options{}
	dir := opts.Dir
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		dir = ""
	}

	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", opts.Dir, err)
	}
	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}
	return &pebbleBackend{db: db, writeOpts: writeOpts}, nil
}

func (p *pebbleBackend) update(ctx context.Context, fn func(kvTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	batch := p.db.NewIndexedBatch()
	defer batch.Close()

	if err := fn(pebbleTxn{r: batch, w: batch}); err != nil {
		return err
	}
	return batch.Commit(p.writeOpts)
}

func (p *pebbleBackend) view(ctx context.Context, fn func(kvTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(pebbleTxn{r: snap})
}

func (p *pebbleBackend) close() error {
	return p.db.Close()
}

// pebble.Reader covers both indexed batches and snapshots.
type pebbleTxn struct {
	r pebble.Reader
	w *pebble.Batch
}

func (t pebbleTxn) get(key []byte) ([]byte, bool, error) {
	v, closer, err := t.r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (t pebbleTxn) set(key, value []byte) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.Set(key, value, nil)
}

func (t pebbleTxn) delete(key []byte) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.Delete(key, nil)
}

func (t pebbleTxn) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := t.r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
