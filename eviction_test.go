package blobgc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateEvictTransition(t *testing.T) {
	states := []EvictState{EvictUnknown, EvictEvicting, EvictSelfCached, EvictExtern}
	legal := map[[2]EvictState]bool{
		{EvictEvicting, EvictSelfCached}: true,
		{EvictEvicting, EvictExtern}:     true,
		{EvictSelfCached, EvictExtern}:   true,
	}
	for _, from := range states {
		for _, to := range states {
			err := ValidateEvictTransition(from, to)
			if legal[[2]EvictState{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrIllegalEvictTransition) {
				t.Errorf("%s -> %s: expected ErrIllegalEvictTransition, got %v", from, to, err)
			}
		}
	}
}

func TestEvictStateString(t *testing.T) {
	for _, s := range []EvictState{EvictUnknown, EvictEvicting, EvictSelfCached, EvictExtern} {
		parsed, err := ParseEvictState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	_, err := ParseEvictState("GONE")
	require.Error(t, err)
}

func TestExportOneToOne(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	ok, err := h.mgr.ExportOneToOne(db, id, EvictMetadata{Tier: "cold"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, EvictEvicting, db.evicted[id].Blob.State)

	ok, err = h.mgr.ExportOneToOne(db, id, EvictMetadata{Tier: "cold"})
	require.NoError(t, err)
	require.False(t, ok, "already evicting")

	evict, meta, found := h.mgr.GetEvicted(id)
	require.True(t, found)
	require.Equal(t, EvictEvicting, evict.State)
	require.Equal(t, "cold", meta.Tier)
}

func TestExportDropUpdateResolvesToExtern(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	ok, err := h.mgr.ExportOneToOne(db, id, EvictMetadata{Tier: "cold"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.mgr.DropOneToOne(db, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, db.evicted, id)
	require.Equal(t, EvictEvicting, db.dropped[id].Blob.State)

	meta := EvictMetadata{Tier: "cold", ExternKey: "k1", Size: 10, Checksum: 42, ExportedAt: time.Unix(100, 0).UTC()}
	updated, dropped, err := h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictSelfCached, Blob: id}, &meta)
	require.NoError(t, err)
	require.True(t, updated)
	require.True(t, dropped)

	evict, gotMeta, found := h.mgr.GetDropped(id)
	require.True(t, found)
	require.Equal(t, EvictExtern, evict.State)
	require.Equal(t, meta, gotMeta)
	require.Equal(t, EvictExtern, db.dropped[id].Blob.State)

	_, _, found = h.mgr.GetEvicted(id)
	require.False(t, found)
}

func TestDropRemapsSelfCached(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	_, err := h.mgr.ExportOneToOne(db, id, EvictMetadata{})
	require.NoError(t, err)
	updated, dropped, err := h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictSelfCached, Blob: id}, nil)
	require.NoError(t, err)
	require.True(t, updated)
	require.False(t, dropped)
	require.Equal(t, EvictSelfCached, db.evicted[id].Blob.State)

	ok, err := h.mgr.DropOneToOne(db, id)
	require.NoError(t, err)
	require.True(t, ok)
	evict, _, _ := h.mgr.GetDropped(id)
	require.Equal(t, EvictExtern, evict.State)

	ok, err = h.mgr.DropOneToOne(db, id)
	require.NoError(t, err)
	require.False(t, ok, "not in the active table anymore")
}

func TestUpdateOneToOneUnknownBlob(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	before := len(db.calls)
	updated, dropped, err := h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictExtern, Blob: id}, nil)
	require.NoError(t, err)
	require.False(t, updated)
	require.False(t, dropped)
	require.Len(t, db.calls, before, "nothing written")
}

func TestUpdateOneToOneIllegalTransitionPanics(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	_, err := h.mgr.ExportOneToOne(db, id, EvictMetadata{})
	require.NoError(t, err)
	_, _, err = h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictExtern, Blob: id}, nil)
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _, _ = h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictSelfCached, Blob: id}, nil)
	})
	require.Panics(t, func() {
		_, _, _ = h.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictEvicting, Blob: id}, nil)
	})
}

func TestEraseOneToOne(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	id := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)

	_, err := h.mgr.ExportOneToOne(db, id, EvictMetadata{})
	require.NoError(t, err)
	_, err = h.mgr.DropOneToOne(db, id)
	require.NoError(t, err)

	evict, _, _ := h.mgr.GetDropped(id)
	ok, err := h.mgr.EraseOneToOne(db, evict)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, db.dropped)

	ok, err = h.mgr.EraseOneToOne(db, evict)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadOneToOneExport(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	a := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 0)
	b := NewStoreBlobID(2, testTablet, 5, 1, BlobChannel, 10, 1)

	_, err := h.mgr.ExportOneToOne(db, a, EvictMetadata{Tier: "t1"})
	require.NoError(t, err)
	_, err = h.mgr.ExportOneToOne(db, b, EvictMetadata{Tier: "t2"})
	require.NoError(t, err)
	_, err = h.mgr.DropOneToOne(db, b)
	require.NoError(t, err)

	reloaded := newHarness(t, db, 6)
	require.Equal(t, 1, reloaded.mgr.Stats().Evicted)
	require.Equal(t, 1, reloaded.mgr.Stats().Dropped)

	evict, meta, ok := reloaded.mgr.GetEvicted(a)
	require.True(t, ok)
	require.Equal(t, EvictEvicting, evict.State)
	require.Equal(t, "t1", meta.Tier)

	// An update racing the drop still lands after a restart.
	updated, dropped, err := reloaded.mgr.UpdateOneToOne(db, EvictedBlob{State: EvictSelfCached, Blob: b}, nil)
	require.NoError(t, err)
	require.True(t, updated)
	require.True(t, dropped)
	evict, meta, _ = reloaded.mgr.GetDropped(b)
	require.Equal(t, EvictExtern, evict.State)
	require.Equal(t, "t2", meta.Tier)
}

func TestEvictionIsIndependentOfDeleteQueues(t *testing.T) {
	db := newMemDB()
	h := newHarness(t, db, 5)
	_, ids := h.commitBatch([]int{1})

	_, err := h.mgr.ExportOneToOne(db, ids[0], EvictMetadata{})
	require.NoError(t, err)
	_, err = h.mgr.DropOneToOne(db, ids[0])
	require.NoError(t, err)
	require.NoError(t, h.mgr.RequestDelete(db, ids[0]))

	_, _, ok := h.mgr.GetDropped(ids[0])
	require.True(t, ok)
	require.Equal(t, 1, h.mgr.Stats().DeleteQueue)
}
