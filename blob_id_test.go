package blobgc

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenStepOrdering(t *testing.T) {
	tests := []struct {
		a, b GenStep
		want int
	}{
		{GenStep{1, 5}, GenStep{2, 0}, -1},
		{GenStep{2, 0}, GenStep{1, 5}, 1},
		{GenStep{3, 1}, GenStep{3, 2}, -1},
		{GenStep{3, 2}, GenStep{3, 2}, 0},
		{GenStep{}, GenStep{0, 1}, -1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := tt.a.Less(tt.b); got != (tt.want < 0) {
			t.Errorf("%s.Less(%s) = %v", tt.a, tt.b, got)
		}
	}
}

func TestGenStepParse(t *testing.T) {
	gs, err := ParseGenStep("12:34")
	require.NoError(t, err)
	require.Equal(t, GenStep{Gen: 12, Step: 34}, gs)
	require.Equal(t, "12:34", gs.String())

	for _, bad := range []string{"", "12", "a:1", "1:b", "1:99999999999"} {
		_, err := ParseGenStep(bad)
		require.Error(t, err, bad)
	}
}

func TestGenStepBinaryOrderMatchesCompare(t *testing.T) {
	steps := []GenStep{{0, 0}, {0, 1}, {1, 0}, {1, 300}, {256, 2}, {256, 3}}
	for i := 1; i < len(steps); i++ {
		prev, err := steps[i-1].MarshalBinary()
		require.NoError(t, err)
		cur, err := steps[i].MarshalBinary()
		require.NoError(t, err)
		require.Negative(t, bytes.Compare(prev, cur), "%s vs %s", steps[i-1], steps[i])
	}

	var gs GenStep
	require.Error(t, gs.UnmarshalBinary([]byte{1, 2, 3}))
}

func TestBlobIDAccessors(t *testing.T) {
	id := NewStoreBlobID(7, 100, 5, 3, BlobChannel, 4096, 2)
	require.True(t, id.IsValid())
	require.True(t, id.IsStoreBlob())
	require.False(t, id.IsSmallBlob())
	require.Equal(t, KindStore, id.Kind())
	require.Equal(t, uint32(7), id.Group())
	require.Equal(t, uint64(100), id.TabletID())
	require.Equal(t, GenStep{Gen: 5, Step: 3}, id.GenStep())
	require.Equal(t, BlobChannel, id.Channel())
	require.Equal(t, uint32(2), id.Cookie())
	require.Equal(t, uint32(4096), id.Size())

	small := NewSmallBlobID(100, 5, 3, 0, 12)
	require.True(t, small.IsSmallBlob())
	require.Equal(t, uint32(12), small.Size())
	require.Equal(t, "small", small.Kind().String())

	var zero BlobID
	require.False(t, zero.IsValid())
	require.Equal(t, "<invalid>", zero.String())
}

func TestBlobIDOrdering(t *testing.T) {
	ids := []BlobID{
		NewStoreBlobID(1, 9, 3, 1, BlobChannel, 10, 1),
		NewStoreBlobID(1, 9, 2, 7, BlobChannel, 10, 0),
		NewStoreBlobID(1, 9, 3, 1, BlobChannel, 10, 0),
		NewStoreBlobID(1, 9, 3, 0, BlobChannel, 10, 5),
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	want := []GenStep{{2, 7}, {3, 0}, {3, 1}, {3, 1}}
	for i, id := range ids {
		require.Equal(t, want[i], id.GenStep())
	}
	require.Equal(t, uint32(0), ids[2].Cookie())
	require.Equal(t, uint32(1), ids[3].Cookie())
	require.Zero(t, ids[0].Compare(ids[0]))
}

func TestBlobIDStringRoundTrip(t *testing.T) {
	ids := []BlobID{
		NewStoreBlobID(3, 72075186224037888, 5, 1, BlobChannel, MaxBlobSize, 0),
		NewSmallBlobID(42, 1, 2, 3, 4),
	}
	for _, id := range ids {
		parsed, err := ParseBlobID(id.String())
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}
	require.Equal(t, "DS:3:[9:5:1:2:0:100]", NewStoreBlobID(3, 9, 5, 1, BlobChannel, 100, 0).String())
	require.Equal(t, "SM[9:5:1:0:4]", NewSmallBlobID(9, 5, 1, 0, 4).String())

	for _, bad := range []string{"", "DS:1", "DS:x:[1:2:3:4:5:6]", "DS:1:[1:2:3]", "SM1:2:3:4:5", "XX[1]"} {
		_, err := ParseBlobID(bad)
		require.True(t, errors.Is(err, ErrInvalidBlobID), "%q: %v", bad, err)
	}
}

func TestBlobIDBinaryRoundTrip(t *testing.T) {
	store := NewStoreBlobID(3, 9, 5, 1, BlobChannel, 100, 4)
	data, err := store.MarshalBinary()
	require.NoError(t, err)

	var decoded BlobID
	require.NoError(t, decoded.UnmarshalBinary(data))
	require.Equal(t, store, decoded)

	_, err = BlobID{}.MarshalBinary()
	require.ErrorIs(t, err, ErrInvalidBlobID)

	data[0] = 9
	require.ErrorIs(t, decoded.UnmarshalBinary(data), ErrInvalidBlobID)
	require.ErrorIs(t, decoded.UnmarshalBinary(data[:4]), ErrInvalidBlobID)
}

func TestBlobIDIsMapKey(t *testing.T) {
	m := map[BlobID]int{}
	m[NewStoreBlobID(1, 2, 3, 4, BlobChannel, 5, 6)]++
	m[NewStoreBlobID(1, 2, 3, 4, BlobChannel, 5, 6)]++
	m[NewSmallBlobID(2, 3, 4, 6, 5)]++
	require.Len(t, m, 2)
}
