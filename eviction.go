package blobgc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	crerrors "github.com/cockroachdb/errors"
)

var ErrIllegalEvictTransition = errors.New("illegal eviction state transition")

// EvictState is where a blob stands in its move to an external tier.
type EvictState uint8

const (
	// EvictUnknown means the blob is not evicted.
	EvictUnknown EvictState = iota
	// EvictEvicting means the export started but has not finished.
	EvictEvicting
	// EvictSelfCached means the blob is exported and the local copy is kept.
	EvictSelfCached
	// EvictExtern means the blob only lives in the external tier.
	EvictExtern
)

func (s EvictState) String() string {
	switch s {
	case EvictEvicting:
		return "EVICTING"
	case EvictSelfCached:
		return "SELF_CACHED"
	case EvictExtern:
		return "EXTERN"
	default:
		return "UNKNOWN"
	}
}

func ParseEvictState(s string) (EvictState, error) {
	switch s {
	case "UNKNOWN":
		return EvictUnknown, nil
	case "EVICTING":
		return EvictEvicting, nil
	case "SELF_CACHED":
		return EvictSelfCached, nil
	case "EXTERN":
		return EvictExtern, nil
	default:
		return EvictUnknown, fmt.Errorf("unknown eviction state %q", s)
	}
}

type EvictedBlob struct {
	State EvictState
	Blob  BlobID
}

// EvictMetadata describes the tier copy of an evicted blob.
type EvictMetadata struct {
	Tier       string    `json:"tier,omitempty"`
	ExternKey  string    `json:"extern_key,omitempty"`
	Size       uint32    `json:"size,omitempty"`
	Checksum   uint64    `json:"checksum,omitempty"`
	ExportedAt time.Time `json:"exported_at,omitempty"`
}

func encodeEvictMetadata(meta EvictMetadata) ([]byte, error) {
	return json.Marshal(meta)
}

func decodeEvictMetadata(data []byte) (EvictMetadata, error) {
	var meta EvictMetadata
	if len(data) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return EvictMetadata{}, err
	}
	return meta, nil
}

// ValidateEvictTransition reports whether a blob in state from may move to
// state to. EVICTING->SELF_CACHED, EVICTING->EXTERN and SELF_CACHED->EXTERN
// are the only legal moves.
func ValidateEvictTransition(from, to EvictState) error {
	switch {
	case from == EvictEvicting && to == EvictSelfCached:
		return nil
	case (from == EvictEvicting || from == EvictSelfCached) && to == EvictExtern:
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalEvictTransition, from, to)
	}
}

type evictEntry struct {
	state EvictState
	meta  EvictMetadata
}

// ExportOneToOne records that blob id started moving to a tier. It returns
// false when the blob is already being evicted.
func (m *Manager) ExportOneToOne(db DB, id BlobID, meta EvictMetadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.evicted[id]; ok {
		return false, nil
	}

	data, err := encodeEvictMetadata(meta)
	if err != nil {
		return false, fmt.Errorf("encode evict metadata: %w", err)
	}
	evict := EvictedBlob{State: EvictEvicting, Blob: id}
	if err := db.UpdateEvictBlob(evict, data); err != nil {
		return false, fmt.Errorf("save evicted blob %s: %w", id, err)
	}
	m.evicted[id] = evictEntry{state: EvictEvicting, meta: meta}
	return true, nil
}

// DropOneToOne moves an exported blob whose local copy is gone into the
// dropped table. A SELF_CACHED blob becomes EXTERN there. It returns false
// when the blob is not exported.
func (m *Manager) DropOneToOne(db DB, id BlobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.evicted[id]
	if !ok {
		return false, nil
	}
	if entry.state == EvictSelfCached {
		entry.state = EvictExtern
	}

	data, err := encodeEvictMetadata(entry.meta)
	if err != nil {
		return false, fmt.Errorf("encode evict metadata: %w", err)
	}
	if err := db.DropEvictBlob(EvictedBlob{State: entry.state, Blob: id}, data); err != nil {
		return false, fmt.Errorf("drop evicted blob %s: %w", id, err)
	}
	delete(m.evicted, id)
	m.dropped[id] = entry
	return true, nil
}

// UpdateOneToOne moves an exported blob to evict.State. Updates arriving
// after DropOneToOne apply to the dropped table, where SELF_CACHED is
// recorded as EXTERN. A non-nil meta replaces the stored metadata.
//
// It returns updated=false when the blob is in neither table, and
// dropped=true when the dropped table was updated. Illegal transitions
// panic.
func (m *Manager) UpdateOneToOne(db DB, evict EvictedBlob, meta *EvictMetadata) (updated, dropped bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := evict.Blob
	old, ok := m.evicted[id]
	if !ok {
		old, dropped = m.dropped[id]
		if !dropped {
			return false, false, nil
		}
	}

	if err := ValidateEvictTransition(old.state, evict.State); err != nil {
		panic(crerrors.AssertionFailedf("blob %s: %v", id, err))
	}

	entry := evictEntry{state: evict.State, meta: old.meta}
	if meta != nil {
		entry.meta = *meta
	}
	data, err := encodeEvictMetadata(entry.meta)
	if err != nil {
		return false, dropped, fmt.Errorf("encode evict metadata: %w", err)
	}

	if dropped {
		if entry.state == EvictSelfCached {
			entry.state = EvictExtern
		}
		if err := db.DropEvictBlob(EvictedBlob{State: entry.state, Blob: id}, data); err != nil {
			return false, dropped, fmt.Errorf("update dropped blob %s: %w", id, err)
		}
		m.dropped[id] = entry
		return true, true, nil
	}

	if err := db.UpdateEvictBlob(EvictedBlob{State: entry.state, Blob: id}, data); err != nil {
		return false, false, fmt.Errorf("update evicted blob %s: %w", id, err)
	}
	m.evicted[id] = entry
	return true, false, nil
}

// EraseOneToOne forgets a dropped blob once its tier copy is gone. It
// returns whether the blob was in the dropped table.
func (m *Manager) EraseOneToOne(db DB, evict EvictedBlob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := db.EraseEvictBlob(evict); err != nil {
		return false, fmt.Errorf("erase evicted blob %s: %w", evict.Blob, err)
	}
	_, ok := m.dropped[evict.Blob]
	delete(m.dropped, evict.Blob)
	return ok, nil
}

// LoadOneToOneExport replaces both eviction tables with their persisted
// contents.
func (m *Manager) LoadOneToOneExport(db DB) error {
	evicted, dropped, err := db.LoadEvicted()
	if err != nil {
		return fmt.Errorf("load evicted blobs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.evicted)
	clear(m.dropped)
	for _, rec := range evicted {
		meta, err := decodeEvictMetadata(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%w: evict metadata of %s: %v", ErrCorruptState, rec.Blob.Blob, err)
		}
		m.evicted[rec.Blob.Blob] = evictEntry{state: rec.Blob.State, meta: meta}
	}
	for _, rec := range dropped {
		meta, err := decodeEvictMetadata(rec.Metadata)
		if err != nil {
			return fmt.Errorf("%w: dropped metadata of %s: %v", ErrCorruptState, rec.Blob.Blob, err)
		}
		m.dropped[rec.Blob.Blob] = evictEntry{state: rec.Blob.State, meta: meta}
	}
	return nil
}

// GetEvicted returns the active eviction record of id.
func (m *Manager) GetEvicted(id BlobID) (EvictedBlob, EvictMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.evicted[id]
	if !ok {
		return EvictedBlob{}, EvictMetadata{}, false
	}
	return EvictedBlob{State: entry.state, Blob: id}, entry.meta, true
}

// GetDropped returns the dropped eviction record of id.
func (m *Manager) GetDropped(id BlobID) (EvictedBlob, EvictMetadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.dropped[id]
	if !ok {
		return EvictedBlob{}, EvictMetadata{}, false
	}
	return EvictedBlob{State: entry.state, Blob: id}, entry.meta, true
}
