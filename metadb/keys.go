package metadb

import (
	"fmt"

	"github.com/ankur-anand/blobgc"
)

// Every table lives under a one byte prefix. Blob keyed tables append the
// binary encoding of the blob id.
const (
	prefixBarrier = 'b'
	prefixKeep    = 'k'
	prefixDelete  = 'd'
	prefixSmall   = 's'
	prefixEvicted = 'e'
	prefixDropped = 'x'
)

var barrierKey = []byte{prefixBarrier}

func blobKey(prefix byte, id blobgc.BlobID) ([]byte, error) {
	enc, err := id.MarshalBinary()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 0, 1+len(enc))
	key = append(key, prefix)
	return append(key, enc...), nil
}

func blobFromKey(key []byte) (blobgc.BlobID, error) {
	var id blobgc.BlobID
	if len(key) < 1 {
		return id, fmt.Errorf("%w: empty key", blobgc.ErrCorruptState)
	}
	if err := id.UnmarshalBinary(key[1:]); err != nil {
		return id, fmt.Errorf("%w: key %q: %v", blobgc.ErrCorruptState, key[0], err)
	}
	return id, nil
}

func tablePrefix(prefix byte) []byte {
	return []byte{prefix}
}

// evictValue is the state byte followed by the opaque metadata.
func evictValue(state blobgc.EvictState, meta []byte) []byte {
	v := make([]byte, 0, 1+len(meta))
	v = append(v, byte(state))
	return append(v, meta...)
}

func parseEvictValue(v []byte) (blobgc.EvictState, []byte, error) {
	if len(v) == 0 {
		return blobgc.EvictUnknown, nil, fmt.Errorf("%w: empty evict record", blobgc.ErrCorruptState)
	}
	state := blobgc.EvictState(v[0])
	if state > blobgc.EvictExtern {
		return blobgc.EvictUnknown, nil, fmt.Errorf("%w: evict state %d", blobgc.ErrCorruptState, v[0])
	}
	return state, append([]byte(nil), v[1:]...), nil
}
