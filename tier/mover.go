package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ankur-anand/blobgc"
)

var (
	ErrAlreadyEvicting = errors.New("tier: blob is already being evicted")
	ErrNotEvicted      = errors.New("tier: blob is not evicted")
)

// BlobSource reads the local copy of a blob.
type BlobSource interface {
	Get(ctx context.Context, group uint32, id blobgc.BlobID) ([]byte, error)
}

// Mover moves blobs between the block store and the tier, recording every
// step in the manager's eviction tables.
type Mover struct {
	mgr      *blobgc.Manager
	store    blobgc.TxStore
	source   BlobSource
	exporter *Exporter
}

func NewMover(mgr *blobgc.Manager, store blobgc.TxStore, source BlobSource, exporter *Exporter) *Mover {
	return &Mover{mgr: mgr, store: store, source: source, exporter: exporter}
}

// Evict exports id to the tier. The blob ends SELF_CACHED, or EXTERN when
// dropLocal is set or the blob was dropped meanwhile. A failure after the
// export started leaves the blob EVICTING.
func (m *Mover) Evict(ctx context.Context, id blobgc.BlobID, dropLocal bool) (blobgc.EvictState, error) {
	var started bool
	err := m.store.Update(ctx, func(db blobgc.DB) error {
		var err error
		started, err = m.mgr.ExportOneToOne(db, id, blobgc.EvictMetadata{Tier: m.exporter.Name()})
		return err
	})
	if err != nil {
		return blobgc.EvictUnknown, err
	}
	if !started {
		return blobgc.EvictUnknown, fmt.Errorf("%w: %s", ErrAlreadyEvicting, id)
	}

	data, err := m.source.Get(ctx, id.Group(), id)
	if err != nil {
		return blobgc.EvictEvicting, fmt.Errorf("read %s: %w", id, err)
	}
	meta, err := m.exporter.Export(ctx, id, data)
	if err != nil {
		return blobgc.EvictEvicting, err
	}

	target := blobgc.EvictSelfCached
	if dropLocal {
		target = blobgc.EvictExtern
	}
	var dropped bool
	err = m.store.Update(ctx, func(db blobgc.DB) error {
		updated, d, err := m.mgr.UpdateOneToOne(db, blobgc.EvictedBlob{State: target, Blob: id}, &meta)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s vanished during export", ErrNotEvicted, id)
		}
		dropped = d
		return nil
	})
	if err != nil {
		return blobgc.EvictEvicting, err
	}
	if dropped {
		target = blobgc.EvictExtern
	}
	slog.Debug("tier: blob exported", "blob", id.String(), "key", meta.ExternKey, "state", target.String())
	return target, nil
}

// Release marks a SELF_CACHED blob EXTERN once its local copy is gone.
func (m *Mover) Release(ctx context.Context, id blobgc.BlobID) error {
	evict, _, ok := m.mgr.GetEvicted(id)
	if !ok {
		evict, _, ok = m.mgr.GetDropped(id)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotEvicted, id)
	}
	if evict.State == blobgc.EvictExtern {
		return nil
	}
	return m.store.Update(ctx, func(db blobgc.DB) error {
		updated, _, err := m.mgr.UpdateOneToOne(db, blobgc.EvictedBlob{State: blobgc.EvictExtern, Blob: id}, nil)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s", ErrNotEvicted, id)
		}
		return nil
	})
}

// Drop moves an evicted blob to the dropped table.
func (m *Mover) Drop(ctx context.Context, id blobgc.BlobID) error {
	return m.store.Update(ctx, func(db blobgc.DB) error {
		ok, err := m.mgr.DropOneToOne(db, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotEvicted, id)
		}
		return nil
	})
}

// Forget removes the tier copy of a dropped blob and erases its record.
func (m *Mover) Forget(ctx context.Context, id blobgc.BlobID) error {
	evict, meta, ok := m.mgr.GetDropped(id)
	if !ok {
		return fmt.Errorf("%w: %s is not dropped", ErrNotEvicted, id)
	}
	if err := m.exporter.Remove(ctx, meta); err != nil {
		return fmt.Errorf("remove tier copy of %s: %w", id, err)
	}
	return m.store.Update(ctx, func(db blobgc.DB) error {
		_, err := m.mgr.EraseOneToOne(db, evict)
		return err
	})
}

// Read returns the tier copy of an evicted or dropped blob.
func (m *Mover) Read(ctx context.Context, id blobgc.BlobID) ([]byte, error) {
	evict, meta, ok := m.mgr.GetEvicted(id)
	if !ok {
		evict, meta, ok = m.mgr.GetDropped(id)
	}
	if !ok || evict.State == blobgc.EvictEvicting {
		return nil, fmt.Errorf("%w: %s has no tier copy", ErrNotEvicted, id)
	}
	return m.exporter.Fetch(ctx, meta)
}
