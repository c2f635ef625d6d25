package blobgc

import (
	"context"
	"time"
)

// DB is the set of table operations the manager performs inside one
// transaction of the persistent metadata store. Every call either commits
// with the enclosing transaction or aborts with it.
type DB interface {
	LoadLastGCBarrier() (GenStep, error)
	SaveLastGCBarrier(genStep GenStep) error

	// LoadLists returns the persisted Keep and Delete queues.
	LoadLists() (keep []BlobID, del []BlobID, err error)
	AddBlobToKeep(id BlobID) error
	EraseBlobToKeep(id BlobID) error
	AddBlobToDelete(id BlobID) error
	EraseBlobToDelete(id BlobID) error

	WriteSmallBlob(id BlobID, data []byte) error
	ReadSmallBlob(id BlobID) ([]byte, bool, error)
	EraseSmallBlob(id BlobID) error

	LoadEvicted() (evicted []EvictRecord, dropped []EvictRecord, err error)
	// UpdateEvictBlob upserts a record in the active eviction table.
	UpdateEvictBlob(evict EvictedBlob, meta []byte) error
	// DropEvictBlob removes the record from the active eviction table and
	// upserts it into the dropped table.
	DropEvictBlob(evict EvictedBlob, meta []byte) error
	// EraseEvictBlob removes the record from both eviction tables.
	EraseEvictBlob(evict EvictedBlob) error
}

// TxStore runs functions against DB inside a single transaction.
type TxStore interface {
	Update(ctx context.Context, fn func(db DB) error) error
	View(ctx context.Context, fn func(db DB) error) error
	Close() error
}

// EvictRecord is one row of an eviction table.
type EvictRecord struct {
	Blob     EvictedBlob
	Metadata []byte
}

type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusDeadline
	StatusRace
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusDeadline:
		return "DEADLINE"
	case StatusRace:
		return "RACE"
	default:
		return "UNKNOWN"
	}
}

type PutRequest struct {
	Group    uint32
	Blob     BlobID
	Data     []byte
	Deadline time.Time
	Cookie   uint64
}

type PutResult struct {
	Group  uint32
	Blob   BlobID
	Status Status
	Cookie uint64
}

// CollectGarbageRequest asks one storage group to set Keep/DontKeep flags and
// move the tablet's collection barrier on a channel to Collect.
type CollectGarbageRequest struct {
	Group      uint32
	TabletID   uint64
	Generation uint32
	// PerGenerationCounter is the first value of the counter range reserved
	// for this request; CounterStepSize values are consumed.
	PerGenerationCounter uint32
	CounterStepSize      uint32
	Channel              uint32
	Collect              GenStep
	Keep                 []BlobID
	DontKeep             []BlobID
}

type CollectGarbageResult struct {
	Group                uint32
	TabletID             uint64
	Generation           uint32
	PerGenerationCounter uint32
	Channel              uint32
	Status               Status
}

// Transport delivers requests to the distributed block store. Both calls
// return immediately; results come back through a ResultHandler.
type Transport interface {
	Put(ctx context.Context, req PutRequest)
	CollectGarbage(ctx context.Context, req CollectGarbageRequest)
}

// Dispatcher is a Transport that can apply a whole GC round synchronously.
// Results come back in group order, one per request.
type Dispatcher interface {
	Transport
	DispatchGC(ctx context.Context, requests map[uint32]*CollectGarbageRequest) ([]CollectGarbageResult, error)
}

// ResultHandler receives asynchronous results from a Transport.
type ResultHandler interface {
	OnPutResult(res PutResult)
	OnCollectGarbageResult(res CollectGarbageResult)
}

// BlobCache is the read cache the manager evicts deleted blobs from.
type BlobCache interface {
	Remove(key string)
}

type nopBlobCache struct{}

func (nopBlobCache) Remove(string) {}
