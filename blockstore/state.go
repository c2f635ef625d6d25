package blockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobstore"
)

const (
	stateSchemaVersion = 1
	casMaxRetries      = 8
)

// collectState is what a group remembers about one tablet channel: the
// collection barrier, the newest applied request and the blobs flagged Keep.
type collectState struct {
	Version  int    `json:"version,omitempty"`
	TabletID uint64 `json:"tablet_id"`
	Channel  uint32 `json:"channel"`

	CollectGen  uint32 `json:"collect_gen"`
	CollectStep uint32 `json:"collect_step"`

	// Generation and Counter identify the last applied request. Counter is
	// the last value of that request's counter range.
	Generation uint32 `json:"generation"`
	Counter    uint32 `json:"counter"`

	Keep []string `json:"keep,omitempty"`
}

func (s *collectState) barrier() blobgc.GenStep {
	return blobgc.GenStep{Gen: s.CollectGen, Step: s.CollectStep}
}

// applied reports whether a request with this generation and counter was
// already processed.
func (s *collectState) applied(gen, counter uint32) bool {
	if gen != s.Generation {
		return gen < s.Generation
	}
	return counter <= s.Counter
}

func (s *collectState) keepSet() map[string]struct{} {
	out := make(map[string]struct{}, len(s.Keep))
	for _, k := range s.Keep {
		out[k] = struct{}{}
	}
	return out
}

func (s *collectState) setKeep(set map[string]struct{}) {
	s.Keep = s.Keep[:0]
	for k := range set {
		s.Keep = append(s.Keep, k)
	}
	sort.Strings(s.Keep)
}

func loadState(ctx context.Context, store *blobstore.Store, group uint32, tabletID uint64, channel uint32) (*collectState, string, bool, error) {
	data, attr, err := store.Read(ctx, store.GroupStatePath(group, tabletID, channel))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return &collectState{Version: stateSchemaVersion, TabletID: tabletID, Channel: channel}, "", false, nil
		}
		return nil, "", false, err
	}

	var st collectState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, "", false, fmt.Errorf("decode group %d state: %w", group, err)
	}
	if st.Version == 0 {
		st.Version = stateSchemaVersion
	}
	return &st, attr.ETag, true, nil
}

func storeState(ctx context.Context, store *blobstore.Store, group uint32, st *collectState, matchToken string, exists bool) error {
	st.Version = stateSchemaVersion
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	key := store.GroupStatePath(group, st.TabletID, st.Channel)
	if !exists {
		matchToken = ""
	}
	_, err = store.WriteIfMatch(ctx, key, payload, matchToken)
	return err
}

// updateState runs fn against the freshest state and stores the result with
// compare-and-swap, retrying on concurrent updates. fn returning false skips
// the write.
func updateState(ctx context.Context, store *blobstore.Store, group uint32, tabletID uint64, channel uint32, fn func(st *collectState) (bool, error)) (*collectState, error) {
	var lastErr error
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		st, matchToken, exists, err := loadState(ctx, store, group, tabletID, channel)
		if err != nil {
			return nil, err
		}
		changed, err := fn(st)
		if err != nil {
			return nil, err
		}
		if !changed {
			return st, nil
		}
		err = storeState(ctx, store, group, st, matchToken, exists)
		if err == nil {
			return st, nil
		}
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("store group %d state after retries: %w", group, lastErr)
}

// objectName is the key of a blob inside its group directory.
func objectName(id blobgc.BlobID) string {
	return fmt.Sprintf("%d-%d-%d-%d-%d-%d", id.TabletID(), id.Generation(), id.Step(), id.Channel(), id.Cookie(), id.Size())
}

// parseObjectName is the inverse of objectName for a blob stored in group.
func parseObjectName(group uint32, name string) (blobgc.BlobID, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 6 {
		return blobgc.BlobID{}, fmt.Errorf("%w: object %q", blobgc.ErrInvalidBlobID, name)
	}
	var vals [6]uint64
	for i, p := range parts {
		bits := 32
		if i == 0 {
			bits = 64
		}
		v, err := strconv.ParseUint(p, 10, bits)
		if err != nil {
			return blobgc.BlobID{}, fmt.Errorf("%w: object %q: %v", blobgc.ErrInvalidBlobID, name, err)
		}
		vals[i] = v
	}
	return blobgc.NewStoreBlobID(group, vals[0], uint32(vals[1]), uint32(vals[2]), uint32(vals[3]), uint32(vals[5]), uint32(vals[4])), nil
}
