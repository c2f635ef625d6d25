// Package blobstore lays out blob payloads, group collection state and tier
// exports inside a gocloud bucket. Buckets are opened by URL; mem://,
// file://, s3://, gs:// and azblob:// are registered.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

var (
	ErrNotFound           = errors.New("blobstore: object not found")
	ErrPreconditionFailed = errors.New("blobstore: precondition failed")
)

const (
	groupsDir   = "groups"
	tierDir     = "tier"
	contentType = "application/octet-stream"
)

// Store scopes a bucket to a key prefix. Keys passed to Read, Write and
// Delete are full keys as returned by the path helpers.
type Store struct {
	bucket *blob.Bucket
	prefix string
	// owned buckets are closed with the store.
	owned bool
}

func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %q: %w", bucketURL, err)
	}
	return newStore(bkt, prefix, true), nil
}

// New shares bkt under another prefix. Close leaves bkt open.
func New(bkt *blob.Bucket, prefix string) *Store {
	return newStore(bkt, prefix, false)
}

// NewMemory returns a store over a fresh in-memory bucket.
func NewMemory(prefix string) *Store {
	return newStore(memblob.OpenBucket(nil), prefix, true)
}

func newStore(bkt *blob.Bucket, prefix string, owned bool) *Store {
	return &Store{bucket: bkt, prefix: strings.Trim(prefix, "/"), owned: owned}
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

func (s *Store) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func groupDir(group uint32) string {
	return fmt.Sprintf("%s/%010d", groupsDir, group)
}

// GroupBlobPath is where group keeps the payload of the named blob.
func (s *Store) GroupBlobPath(group uint32, name string) string {
	return s.key(groupDir(group), "blobs", name)
}

// GroupStatePath holds the collection state of one tablet channel in group.
func (s *Store) GroupStatePath(group uint32, tabletID uint64, channel uint32) string {
	return s.key(groupDir(group), "state", fmt.Sprintf("%d-%d.json", tabletID, channel))
}

// TierPath spreads exported copies over directories named by the first two
// characters of key.
func (s *Store) TierPath(key string) string {
	if len(key) < 2 {
		return s.key(tierDir, key+".blob")
	}
	return s.key(tierDir, key[:2], key+".blob")
}

// GroupBlobKeys lists the keys of every payload stored in group.
func (s *Store) GroupBlobKeys(ctx context.Context, group uint32) ([]string, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(groupDir(group), "blobs") + "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore: list group %d: %w", group, err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
}

// Attributes describe a stored object. ETag feeds WriteIfMatch.
type Attributes struct {
	Size int64
	ETag string
}

func (s *Store) attributes(ctx context.Context, key string) (Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attributes{}, mapError(err)
	}
	return Attributes{Size: attr.Size, ETag: attr.ETag}, nil
}

// Read returns the object at key. The ETag is taken before the payload, so
// a concurrent overwrite makes a later WriteIfMatch fail rather than win.
func (s *Store) Read(ctx context.Context, key string) ([]byte, Attributes, error) {
	attr, err := s.attributes(ctx, key)
	if err != nil {
		return nil, Attributes{}, err
	}
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, Attributes{}, mapError(err)
	}
	return data, attr, nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) (Attributes, error) {
	return s.write(ctx, key, data, &blob.WriterOptions{ContentType: contentType})
}

// WriteIfNotExist creates key atomically. It fails with
// ErrPreconditionFailed when key already exists.
func (s *Store) WriteIfNotExist(ctx context.Context, key string, data []byte) (Attributes, error) {
	return s.write(ctx, key, data, &blob.WriterOptions{ContentType: contentType, IfNotExist: true})
}

// WriteIfMatch replaces key when its ETag equals etag; an empty etag means
// the key must not exist yet. Only creation is atomic, so writers of an
// existing key must be serialized by the caller.
func (s *Store) WriteIfMatch(ctx context.Context, key string, data []byte, etag string) (Attributes, error) {
	if etag == "" {
		return s.WriteIfNotExist(ctx, key, data)
	}
	current, err := s.attributes(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Attributes{}, ErrPreconditionFailed
	}
	if err != nil {
		return Attributes{}, err
	}
	if current.ETag != etag {
		return Attributes{}, ErrPreconditionFailed
	}
	return s.Write(ctx, key, data)
}

func (s *Store) write(ctx context.Context, key string, data []byte, opts *blob.WriterOptions) (Attributes, error) {
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return Attributes{}, mapError(err)
	}
	return s.attributes(ctx, key)
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}

// BatchDelete removes every distinct non-empty key, stopping at the first
// failure.
func (s *Store) BatchDelete(ctx context.Context, keys []string) error {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	for _, key := range slices.Compact(keys) {
		if key == "" {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func mapError(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return ErrNotFound
	case gcerrors.FailedPrecondition:
		return ErrPreconditionFailed
	default:
		return err
	}
}
