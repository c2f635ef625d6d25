package blobgc

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memDB is an in-memory DB. Tables are plain maps; memStore snapshots them
// to roll back failed transactions.
type memDB struct {
	barrier    GenStep
	keep       map[BlobID]struct{}
	del        map[BlobID]struct{}
	small      map[BlobID][]byte
	evicted    map[BlobID]EvictRecord
	dropped    map[BlobID]EvictRecord
	failOn     string
	calls      []string
	eraseCalls int
}

func newMemDB() *memDB {
	return &memDB{
		keep:    make(map[BlobID]struct{}),
		del:     make(map[BlobID]struct{}),
		small:   make(map[BlobID][]byte),
		evicted: make(map[BlobID]EvictRecord),
		dropped: make(map[BlobID]EvictRecord),
	}
}

var errInjected = errors.New("injected failure")

func (d *memDB) call(name string) error {
	d.calls = append(d.calls, name)
	if d.failOn == name {
		return errInjected
	}
	return nil
}

func sortedIDs(set map[BlobID]struct{}) []BlobID {
	out := make([]BlobID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (d *memDB) LoadLastGCBarrier() (GenStep, error) {
	if err := d.call("LoadLastGCBarrier"); err != nil {
		return GenStep{}, err
	}
	return d.barrier, nil
}

func (d *memDB) SaveLastGCBarrier(genStep GenStep) error {
	if err := d.call("SaveLastGCBarrier"); err != nil {
		return err
	}
	d.barrier = genStep
	return nil
}

func (d *memDB) LoadLists() ([]BlobID, []BlobID, error) {
	if err := d.call("LoadLists"); err != nil {
		return nil, nil, err
	}
	return sortedIDs(d.keep), sortedIDs(d.del), nil
}

func (d *memDB) AddBlobToKeep(id BlobID) error {
	if err := d.call("AddBlobToKeep"); err != nil {
		return err
	}
	d.keep[id] = struct{}{}
	return nil
}

func (d *memDB) EraseBlobToKeep(id BlobID) error {
	if err := d.call("EraseBlobToKeep"); err != nil {
		return err
	}
	d.eraseCalls++
	delete(d.keep, id)
	return nil
}

func (d *memDB) AddBlobToDelete(id BlobID) error {
	if err := d.call("AddBlobToDelete"); err != nil {
		return err
	}
	d.del[id] = struct{}{}
	return nil
}

func (d *memDB) EraseBlobToDelete(id BlobID) error {
	if err := d.call("EraseBlobToDelete"); err != nil {
		return err
	}
	d.eraseCalls++
	delete(d.del, id)
	return nil
}

func (d *memDB) WriteSmallBlob(id BlobID, data []byte) error {
	if err := d.call("WriteSmallBlob"); err != nil {
		return err
	}
	d.small[id] = append([]byte(nil), data...)
	return nil
}

func (d *memDB) ReadSmallBlob(id BlobID) ([]byte, bool, error) {
	if err := d.call("ReadSmallBlob"); err != nil {
		return nil, false, err
	}
	data, ok := d.small[id]
	return data, ok, nil
}

func (d *memDB) EraseSmallBlob(id BlobID) error {
	if err := d.call("EraseSmallBlob"); err != nil {
		return err
	}
	delete(d.small, id)
	return nil
}

func (d *memDB) LoadEvicted() ([]EvictRecord, []EvictRecord, error) {
	if err := d.call("LoadEvicted"); err != nil {
		return nil, nil, err
	}
	return recordValues(d.evicted), recordValues(d.dropped), nil
}

func recordValues(m map[BlobID]EvictRecord) []EvictRecord {
	out := make([]EvictRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Blob.Blob.Less(out[j].Blob.Blob) })
	return out
}

func (d *memDB) UpdateEvictBlob(evict EvictedBlob, meta []byte) error {
	if err := d.call("UpdateEvictBlob"); err != nil {
		return err
	}
	d.evicted[evict.Blob] = EvictRecord{Blob: evict, Metadata: append([]byte(nil), meta...)}
	return nil
}

func (d *memDB) DropEvictBlob(evict EvictedBlob, meta []byte) error {
	if err := d.call("DropEvictBlob"); err != nil {
		return err
	}
	delete(d.evicted, evict.Blob)
	d.dropped[evict.Blob] = EvictRecord{Blob: evict, Metadata: append([]byte(nil), meta...)}
	return nil
}

func (d *memDB) EraseEvictBlob(evict EvictedBlob) error {
	if err := d.call("EraseEvictBlob"); err != nil {
		return err
	}
	delete(d.evicted, evict.Blob)
	delete(d.dropped, evict.Blob)
	return nil
}

func (d *memDB) clone() *memDB {
	return &memDB{
		barrier: d.barrier,
		keep:    maps.Clone(d.keep),
		del:     maps.Clone(d.del),
		small:   maps.Clone(d.small),
		evicted: maps.Clone(d.evicted),
		dropped: maps.Clone(d.dropped),
		failOn:  d.failOn,
	}
}

// memStore runs transactions against a memDB, restoring it when fn fails.
type memStore struct {
	mu sync.Mutex
	db *memDB
}

func newMemStore() *memStore {
	return &memStore{db: newMemDB()}
}

func (s *memStore) Update(_ context.Context, fn func(db DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.db.clone()
	if err := fn(s.db); err != nil {
		s.db = snapshot
		return err
	}
	return nil
}

func (s *memStore) View(_ context.Context, fn func(db DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}

func (s *memStore) Close() error { return nil }

// fakeTransport records requests. When handler is set it acknowledges
// collect requests with the status returned by statusFor.
type fakeTransport struct {
	mu        sync.Mutex
	puts      []PutRequest
	collects  []CollectGarbageRequest
	handler   ResultHandler
	statusFor func(req CollectGarbageRequest, attempt int) Status
	attempts  map[uint32]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{attempts: make(map[uint32]int)}
}

func (f *fakeTransport) Put(_ context.Context, req PutRequest) {
	f.mu.Lock()
	f.puts = append(f.puts, req)
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnPutResult(PutResult{Group: req.Group, Blob: req.Blob, Status: StatusOK, Cookie: req.Cookie})
	}
}

func (f *fakeTransport) CollectGarbage(_ context.Context, req CollectGarbageRequest) {
	f.mu.Lock()
	f.collects = append(f.collects, req)
	h := f.handler
	attempt := f.attempts[req.PerGenerationCounter]
	f.attempts[req.PerGenerationCounter] = attempt + 1
	status := StatusOK
	if f.statusFor != nil {
		status = f.statusFor(req, attempt)
	}
	f.mu.Unlock()
	if h != nil {
		h.OnCollectGarbageResult(resultFor(req, status))
	}
}

func (f *fakeTransport) collectRequests() []CollectGarbageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CollectGarbageRequest(nil), f.collects...)
}

func resultFor(req CollectGarbageRequest, status Status) CollectGarbageResult {
	return CollectGarbageResult{
		Group:                req.Group,
		TabletID:             req.TabletID,
		Generation:           req.Generation,
		PerGenerationCounter: req.PerGenerationCounter,
		Channel:              req.Channel,
		Status:               status,
	}
}

// recordingCache records removed keys.
type recordingCache struct {
	removed []string
}

func (c *recordingCache) Remove(key string) {
	c.removed = append(c.removed, key)
}

const testTablet = 72075186224037888

// testTabletInfo hosts the blob channel in group 1 up to generation 3 and in
// group 2 from generation 4 on.
func testTabletInfo() *TabletInfo {
	return &TabletInfo{
		TabletID: testTablet,
		Channels: map[uint32][]ChannelHistoryEntry{
			BlobChannel: {
				{FromGeneration: 0, GroupID: 1},
				{FromGeneration: 4, GroupID: 2},
			},
		},
	}
}

// fakeClock is a settable clock for GC throttling.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type managerHarness struct {
	t     *testing.T
	mgr   *Manager
	db    *memDB
	clock *fakeClock
	cache *recordingCache
}

// newHarness loads a manager for generation gen over db. Throttling is off
// unless the test changes the controls.
func newHarness(t *testing.T, db *memDB, gen uint32) *managerHarness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := &recordingCache{}
	mgr, err := NewManager(testTabletInfo(), gen, ManagerOptions{
		Controls: GCControls{BlobCountToTriggerGC: 1, GCInterval: time.Nanosecond},
		Cache:    cache,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.LoadState(db))
	require.NoError(t, mgr.LoadOneToOneExport(db))
	return &managerHarness{t: t, mgr: mgr, db: db, clock: clock, cache: cache}
}

// commitBatch writes a batch of store blobs with the given sizes plus small
// blobs, acknowledges every write and commits it.
func (h *managerHarness) commitBatch(sizes []int, small ...[]byte) (*BlobBatch, []BlobID) {
	h.t.Helper()
	batch := h.mgr.StartBatch(BlobChannel)
	var ids []BlobID
	for _, size := range sizes {
		ids = append(ids, batch.AllocateBlob(size))
	}
	for _, data := range small {
		ids = append(ids, batch.AllocateSmallBlob(data))
	}
	for _, id := range ids {
		if id.IsStoreBlob() {
			batch.AcknowledgeWrite(id)
		}
	}
	require.NoError(h.t, h.mgr.CommitBatch(h.db, batch))
	return batch, ids
}

// ackAll reconciles every request successfully.
func (h *managerHarness) ackAll(requests map[uint32]*CollectGarbageRequest) {
	h.t.Helper()
	for _, req := range requests {
		require.NoError(h.t, h.mgr.OnGCResult(h.db, resultFor(*req, StatusOK)))
	}
}
