package metadb

import (
	"errors"
	"fmt"

	"github.com/ankur-anand/blobgc"
)

var ErrReadOnly = errors.New("metadb: write in read-only transaction")

// kvTxn is the key-value surface a backend transaction offers. Values passed
// to scan callbacks are only valid during the call.
type kvTxn interface {
	get(key []byte) ([]byte, bool, error)
	set(key, value []byte) error
	delete(key []byte) error
	scan(prefix []byte, fn func(key, value []byte) error) error
}

// tables implements blobgc.DB over one backend transaction.
type tables struct {
	txn      kvTxn
	readOnly bool
}

var _ blobgc.DB = (*tables)(nil)

func (t *tables) put(key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.txn.set(key, value)
}

func (t *tables) del(key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.txn.delete(key)
}

func (t *tables) putBlob(prefix byte, id blobgc.BlobID, value []byte) error {
	key, err := blobKey(prefix, id)
	if err != nil {
		return err
	}
	return t.put(key, value)
}

func (t *tables) delBlob(prefix byte, id blobgc.BlobID) error {
	key, err := blobKey(prefix, id)
	if err != nil {
		return err
	}
	return t.del(key)
}

func (t *tables) scanBlobs(prefix byte) ([]blobgc.BlobID, error) {
	var out []blobgc.BlobID
	err := t.txn.scan(tablePrefix(prefix), func(key, _ []byte) error {
		id, err := blobFromKey(key)
		if err != nil {
			return err
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

func (t *tables) LoadLastGCBarrier() (blobgc.GenStep, error) {
	var gs blobgc.GenStep
	v, ok, err := t.txn.get(barrierKey)
	if err != nil || !ok {
		return gs, err
	}
	if err := gs.UnmarshalBinary(v); err != nil {
		return gs, fmt.Errorf("%w: barrier: %v", blobgc.ErrCorruptState, err)
	}
	return gs, nil
}

func (t *tables) SaveLastGCBarrier(genStep blobgc.GenStep) error {
	v, err := genStep.MarshalBinary()
	if err != nil {
		return err
	}
	return t.put(barrierKey, v)
}

func (t *tables) LoadLists() ([]blobgc.BlobID, []blobgc.BlobID, error) {
	keep, err := t.scanBlobs(prefixKeep)
	if err != nil {
		return nil, nil, fmt.Errorf("scan keep table: %w", err)
	}
	del, err := t.scanBlobs(prefixDelete)
	if err != nil {
		return nil, nil, fmt.Errorf("scan delete table: %w", err)
	}
	return keep, del, nil
}

func (t *tables) AddBlobToKeep(id blobgc.BlobID) error {
	return t.putBlob(prefixKeep, id, nil)
}

func (t *tables) EraseBlobToKeep(id blobgc.BlobID) error {
	return t.delBlob(prefixKeep, id)
}

func (t *tables) AddBlobToDelete(id blobgc.BlobID) error {
	return t.putBlob(prefixDelete, id, nil)
}

func (t *tables) EraseBlobToDelete(id blobgc.BlobID) error {
	return t.delBlob(prefixDelete, id)
}

func (t *tables) WriteSmallBlob(id blobgc.BlobID, data []byte) error {
	if !id.IsSmallBlob() {
		return fmt.Errorf("%w: %s is not a small blob", blobgc.ErrInvalidBlobID, id)
	}
	return t.putBlob(prefixSmall, id, data)
}

func (t *tables) ReadSmallBlob(id blobgc.BlobID) ([]byte, bool, error) {
	key, err := blobKey(prefixSmall, id)
	if err != nil {
		return nil, false, err
	}
	return t.txn.get(key)
}

func (t *tables) EraseSmallBlob(id blobgc.BlobID) error {
	return t.delBlob(prefixSmall, id)
}

func (t *tables) scanEvicted(prefix byte) ([]blobgc.EvictRecord, error) {
	var out []blobgc.EvictRecord
	err := t.txn.scan(tablePrefix(prefix), func(key, value []byte) error {
		id, err := blobFromKey(key)
		if err != nil {
			return err
		}
		state, meta, err := parseEvictValue(value)
		if err != nil {
			return err
		}
		out = append(out, blobgc.EvictRecord{
			Blob:     blobgc.EvictedBlob{State: state, Blob: id},
			Metadata: meta,
		})
		return nil
	})
	return out, err
}

func (t *tables) LoadEvicted() ([]blobgc.EvictRecord, []blobgc.EvictRecord, error) {
	evicted, err := t.scanEvicted(prefixEvicted)
	if err != nil {
		return nil, nil, fmt.Errorf("scan evicted table: %w", err)
	}
	dropped, err := t.scanEvicted(prefixDropped)
	if err != nil {
		return nil, nil, fmt.Errorf("scan dropped table: %w", err)
	}
	return evicted, dropped, nil
}

func (t *tables) UpdateEvictBlob(evict blobgc.EvictedBlob, meta []byte) error {
	return t.putBlob(prefixEvicted, evict.Blob, evictValue(evict.State, meta))
}

func (t *tables) DropEvictBlob(evict blobgc.EvictedBlob, meta []byte) error {
	if err := t.delBlob(prefixEvicted, evict.Blob); err != nil {
		return err
	}
	return t.putBlob(prefixDropped, evict.Blob, evictValue(evict.State, meta))
}

func (t *tables) EraseEvictBlob(evict blobgc.EvictedBlob) error {
	if err := t.delBlob(prefixEvicted, evict.Blob); err != nil {
		return err
	}
	return t.delBlob(prefixDropped, evict.Blob)
}
