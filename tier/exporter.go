// Package tier copies blobs to an external object storage tier and drives
// the blob manager's eviction records while doing so.
package tier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/ksuid"

	"github.com/ankur-anand/blobgc"
	"github.com/ankur-anand/blobgc/blobstore"
)

var ErrChecksumMismatch = errors.New("tier: checksum mismatch")

type Options struct {
	// Name is recorded as EvictMetadata.Tier.
	Name string
	Now  func() time.Time
}

func DefaultOptions() Options {
	return Options{Name: "cold", Now: time.Now}
}

// Exporter writes blob copies into the tier under fresh, unique keys.
type Exporter struct {
	store *blobstore.Store
	opts  Options
}

func NewExporter(store *blobstore.Store, opts Options) *Exporter {
	d := DefaultOptions()
	if opts.Name == "" {
		opts.Name = d.Name
	}
	if opts.Now == nil {
		opts.Now = d.Now
	}
	return &Exporter{store: store, opts: opts}
}

func (e *Exporter) Name() string {
	return e.opts.Name
}

// Export stores data and returns the metadata needed to fetch it back.
func (e *Exporter) Export(ctx context.Context, id blobgc.BlobID, data []byte) (blobgc.EvictMetadata, error) {
	key := ksuid.New().String()
	if _, err := e.store.WriteIfNotExist(ctx, e.store.TierPath(key), data); err != nil {
		return blobgc.EvictMetadata{}, fmt.Errorf("export %s: %w", id, err)
	}
	return blobgc.EvictMetadata{
		Tier:       e.opts.Name,
		ExternKey:  key,
		Size:       uint32(len(data)),
		Checksum:   xxhash.Sum64(data),
		ExportedAt: e.opts.Now().UTC(),
	}, nil
}

// Fetch reads an exported copy and verifies it against meta.
func (e *Exporter) Fetch(ctx context.Context, meta blobgc.EvictMetadata) ([]byte, error) {
	if meta.ExternKey == "" {
		return nil, fmt.Errorf("tier: metadata has no extern key")
	}
	data, _, err := e.store.Read(ctx, e.store.TierPath(meta.ExternKey))
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) != meta.Size || xxhash.Sum64(data) != meta.Checksum {
		return nil, fmt.Errorf("%w: key %s", ErrChecksumMismatch, meta.ExternKey)
	}
	return data, nil
}

// Remove deletes an exported copy. Missing copies are not an error.
func (e *Exporter) Remove(ctx context.Context, meta blobgc.EvictMetadata) error {
	if meta.ExternKey == "" {
		return nil
	}
	return e.store.Delete(ctx, e.store.TierPath(meta.ExternKey))
}
