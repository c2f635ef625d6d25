package blobgc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	crerrors "github.com/cockroachdb/errors"
	"github.com/looplab/fsm"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported blob channel")
	ErrCorruptState       = errors.New("corrupt blob manager state")
	ErrNoTransport        = errors.New("blob manager has no transport")
)

// Manager tracks every blob a shard writes and drives the GC barrier of the
// shard's blob channel across storage groups.
//
// Methods are serialized by an internal mutex; each runs to completion
// before the next one starts. Methods taking a DB must run inside a
// TxStore transaction. When such a method returns an error the caller
// aborts the transaction and rebuilds the Manager from durable state.
type Manager struct {
	mu sync.Mutex

	tabletInfo  *TabletInfo
	currentGen  uint32
	currentStep uint32

	controls  GCControls
	metrics   *ManagerMetrics
	cache     BlobCache
	transport Transport
	now       func() time.Time

	allocated *genStepQueue

	blobsToKeep               *blobQueue
	blobsToDelete             *blobQueue
	blobsToDeleteDelayed      map[BlobID]struct{}
	smallBlobsToDelete        map[BlobID]struct{}
	smallBlobsToDeleteDelayed map[BlobID]struct{}
	useCount                  map[BlobID]int

	lastCollected        GenStep
	newCollect           GenStep
	collectInFlight      GenStep
	previousGCTime       time.Time
	perGenerationCounter uint32
	round                *gcRound
	state                *fsm.FSM

	evicted map[BlobID]evictEntry
	dropped map[BlobID]evictEntry
}

// NewManager creates a manager for the tablet's generation gen. The blob
// channel must have a group at gen. Call LoadState before use.
func NewManager(tabletInfo *TabletInfo, gen uint32, opts ManagerOptions) (*Manager, error) {
	if tabletInfo == nil {
		return nil, errors.New("nil tablet info")
	}
	if err := tabletInfo.validate(BlobChannel); err != nil {
		return nil, err
	}
	if tabletInfo.GroupFor(BlobChannel, gen) == InvalidGroup {
		return nil, fmt.Errorf("%w: no group for channel %d at generation %d", ErrNoChannelHistory, BlobChannel, gen)
	}
	opts = withManagerDefaults(opts)
	if err := opts.Controls.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		tabletInfo:                tabletInfo,
		currentGen:                gen,
		controls:                  opts.Controls,
		metrics:                   opts.Metrics,
		cache:                     opts.Cache,
		transport:                 opts.Transport,
		now:                       opts.Now,
		allocated:                 newGenStepQueue(),
		blobsToKeep:               newBlobQueue(),
		blobsToDelete:             newBlobQueue(),
		blobsToDeleteDelayed:      make(map[BlobID]struct{}),
		smallBlobsToDelete:        make(map[BlobID]struct{}),
		smallBlobsToDeleteDelayed: make(map[BlobID]struct{}),
		useCount:                  make(map[BlobID]int),
		perGenerationCounter:      1,
		round:                     newGCRound(),
		state:                     newRoundStateMachine(),
		evicted:                   make(map[BlobID]evictEntry),
		dropped:                   make(map[BlobID]evictEntry),
	}
	return m, nil
}

// OpenManager creates a manager and loads its GC and eviction state from
// store in one read transaction.
func OpenManager(ctx context.Context, store TxStore, tabletInfo *TabletInfo, gen uint32, opts ManagerOptions) (*Manager, error) {
	m, err := NewManager(tabletInfo, gen, opts)
	if err != nil {
		return nil, err
	}
	err = store.View(ctx, func(db DB) error {
		if err := m.LoadState(db); err != nil {
			return err
		}
		return m.LoadOneToOneExport(db)
	})
	if err != nil {
		return nil, fmt.Errorf("load blob manager state: %w", err)
	}
	return m, nil
}

// LoadState replaces the in-memory GC state with the persisted barrier and
// Keep/Delete queues.
func (m *Manager) LoadState(db DB) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Is(stateIdle) {
		panic(crerrors.AssertionFailedf("load state while a gc round is in flight"))
	}

	last, err := db.LoadLastGCBarrier()
	if err != nil {
		return fmt.Errorf("load gc barrier: %w", err)
	}
	if last.Gen >= m.currentGen && last != (GenStep{}) {
		return fmt.Errorf("%w: barrier %s is not behind generation %d", ErrCorruptState, last, m.currentGen)
	}

	keep, del, err := db.LoadLists()
	if err != nil {
		return fmt.Errorf("load keep/delete lists: %w", err)
	}

	m.lastCollected = last
	m.newCollect = last
	m.collectInFlight = GenStep{}
	m.blobsToKeep.clear()
	m.blobsToDelete.clear()
	clear(m.smallBlobsToDelete)

	// A gen step that still has blobs to keep cannot be collected before
	// their Keep flags reach the groups.
	keptGenSteps := make(map[GenStep]struct{})
	for _, id := range keep {
		if !id.IsStoreBlob() {
			return fmt.Errorf("%w: not a store blob in keep table: %s", ErrCorruptState, id)
		}
		if !last.Less(id.GenStep()) {
			return fmt.Errorf("%w: blob %s in keep queue is before last barrier %s", ErrCorruptState, id, last)
		}
		if id.Generation() >= m.currentGen {
			return fmt.Errorf("%w: blob %s in keep queue is not behind generation %d", ErrCorruptState, id, m.currentGen)
		}
		keptGenSteps[id.GenStep()] = struct{}{}
		m.blobsToKeep.insert(id)
	}

	for _, id := range del {
		switch {
		case id.IsSmallBlob():
			m.smallBlobsToDelete[id] = struct{}{}
		case id.IsStoreBlob():
			m.blobsToDelete.insert(id)
		default:
			return fmt.Errorf("%w: unexpected blob id in delete table: %s", ErrCorruptState, id)
		}
	}

	m.allocated.clear()
	for gs := range keptGenSteps {
		m.allocated.push(gs, 0)
	}
	if _, ok := keptGenSteps[GenStep{Gen: m.currentGen}]; !ok {
		m.allocated.push(GenStep{Gen: m.currentGen}, 0)
	}

	slog.Debug("blobgc: loaded state",
		"tablet", m.tabletInfo.TabletID,
		"generation", m.currentGen,
		"barrier", last.String(),
		"keep", m.blobsToKeep.len(),
		"delete", m.blobsToDelete.len(),
		"small_delete", len(m.smallBlobsToDelete))
	return nil
}

// UpdateControls replaces the GC throttling controls.
func (m *Manager) UpdateControls(controls GCControls) error {
	if err := controls.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.controls = controls
	m.mu.Unlock()
	return nil
}

func (m *Manager) Controls() GCControls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controls
}

// StartBatch reserves the next GenStep of the current generation for a new
// write batch. Only BlobChannel is supported.
func (m *Manager) StartBatch(channel uint32) *BlobBatch {
	if channel != BlobChannel {
		panic(crerrors.Mark(crerrors.AssertionFailedf("channel %d: support for multiple blob channels is not implemented", channel), ErrUnsupportedChannel))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ObserveBatchStarted()
	m.currentStep++
	genStep := GenStep{Gen: m.currentGen, Step: m.currentStep}
	m.allocated.push(genStep, 1)
	return newBlobBatch(m.tabletInfo, genStep, channel)
}

// WriteBlob allocates the next store blob of batch and sends its payload to
// the batch's group. The put result must be passed to
// BlobBatch.OnBlobWriteResult.
func (m *Manager) WriteBlob(ctx context.Context, batch *BlobBatch, data []byte, deadline time.Time) (BlobID, error) {
	if m.transport == nil {
		return BlobID{}, ErrNoTransport
	}
	id := batch.AllocateBlob(len(data))
	slog.Debug("blobgc: put blob", "blob", id.String(), "bytes", len(data), "group", batch.Group())
	m.transport.Put(ctx, PutRequest{
		Group:    batch.Group(),
		Blob:     id,
		Data:     data,
		Deadline: deadline,
	})
	return id, nil
}

// CommitBatch moves the batch's store blobs into the Keep queue, persists
// its small blobs and releases the batch's hold on its GenStep.
func (m *Manager) CommitBatch(db DB, batch *BlobBatch) error {
	batch.mustBeOpen()
	if !batch.AllWritesComplete() {
		panic(crerrors.AssertionFailedf("commit of batch %s with %d writes in flight", batch.genStep, batch.inFlightCount))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Debug("blobgc: save batch",
		"tablet", m.tabletInfo.TabletID,
		"gen_step", batch.genStep.String(),
		"blobs", batch.BlobCount(),
		"small_blobs", batch.SmallBlobCount())

	for i := range batch.blobSizes {
		id := batch.blobID(i)
		if err := db.AddBlobToKeep(id); err != nil {
			return fmt.Errorf("add blob %s to keep: %w", id, err)
		}
		m.blobsToKeep.insert(id)
	}

	var smallBytes uint64
	for i, data := range batch.smallBlobs {
		id := batch.smallBlobID(i)
		if err := db.WriteSmallBlob(id, data); err != nil {
			return fmt.Errorf("write small blob %s: %w", id, err)
		}
		smallBytes += uint64(len(data))
	}

	m.allocated.release(batch.genStep)
	batch.done = true
	m.metrics.ObserveBatchCommitted(batch.BlobCount(), batch.SmallBlobCount(), smallBytes)
	return nil
}

// AbortBatch releases a batch that will never be committed. Blobs it already
// wrote carry no Keep flag and are reclaimed once the barrier passes them.
func (m *Manager) AbortBatch(batch *BlobBatch) {
	batch.mustBeOpen()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.allocated.release(batch.genStep)
	batch.done = true
	m.metrics.ObserveBatchAborted()
}

// RequestDelete persists the intent to delete id. The blob is queued for
// deletion right away when no reader uses it, otherwise once the last
// reader releases it.
func (m *Manager) RequestDelete(db DB, id BlobID) error {
	if !id.IsValid() {
		panic(crerrors.AssertionFailedf("delete of invalid blob id"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.performDelayedDeletes(db); err != nil {
		return err
	}

	if err := db.AddBlobToDelete(id); err != nil {
		return fmt.Errorf("add blob %s to delete: %w", id, err)
	}

	inUse := m.useCount[id] > 0
	m.metrics.ObserveDelete(inUse)

	if id.IsSmallBlob() {
		if inUse {
			slog.Debug("blobgc: delay delete small blob", "blob", id.String())
			m.smallBlobsToDeleteDelayed[id] = struct{}{}
			return nil
		}
		if err := m.deleteSmallBlob(db, id); err != nil {
			return err
		}
		return db.EraseBlobToDelete(id)
	}

	if inUse {
		slog.Debug("blobgc: delay delete blob", "blob", id.String())
		m.blobsToDeleteDelayed[id] = struct{}{}
		return nil
	}
	slog.Debug("blobgc: delete blob", "blob", id.String())
	m.blobsToDelete.insert(id)
	m.cache.Remove(id.String())
	return nil
}

// MarkInUse counts readers of id. Releasing the last reader promotes a
// delayed delete into the active delete queue.
func (m *Manager) MarkInUse(id BlobID, inUse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inUse {
		m.useCount[id]++
		return
	}

	count, ok := m.useCount[id]
	if !ok {
		panic(crerrors.AssertionFailedf("trying to un-use an unknown blob %s", id))
	}
	if count > 1 {
		m.useCount[id] = count - 1
		return
	}
	delete(m.useCount, id)

	if id.IsSmallBlob() {
		if _, delayed := m.smallBlobsToDeleteDelayed[id]; delayed {
			slog.Debug("blobgc: delayed small blob is no longer in use", "blob", id.String())
			delete(m.smallBlobsToDeleteDelayed, id)
			m.smallBlobsToDelete[id] = struct{}{}
		}
	} else if _, delayed := m.blobsToDeleteDelayed[id]; delayed {
		slog.Debug("blobgc: delete delayed blob", "blob", id.String())
		delete(m.blobsToDeleteDelayed, id)
		m.blobsToDelete.insert(id)
	}

	m.cache.Remove(id.String())
}

// PerformDelayedDeletes erases small blobs whose readers are gone.
func (m *Manager) PerformDelayedDeletes(db DB) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.performDelayedDeletes(db)
}

func (m *Manager) performDelayedDeletes(db DB) error {
	for id := range m.smallBlobsToDelete {
		if err := m.deleteSmallBlob(db, id); err != nil {
			return err
		}
		if err := db.EraseBlobToDelete(id); err != nil {
			return fmt.Errorf("erase delete intent %s: %w", id, err)
		}
		delete(m.smallBlobsToDelete, id)
	}
	return nil
}

func (m *Manager) deleteSmallBlob(db DB, id BlobID) error {
	slog.Debug("blobgc: delete small blob", "blob", id.String())
	if err := db.EraseSmallBlob(id); err != nil {
		return fmt.Errorf("erase small blob %s: %w", id, err)
	}
	m.cache.Remove(id.String())
	m.metrics.ObserveSmallBlobDeleted(id.Size())
	return nil
}

// ReadSmallBlob returns the payload of a small blob.
func (m *Manager) ReadSmallBlob(db DB, id BlobID) ([]byte, bool, error) {
	if !id.IsSmallBlob() {
		return nil, false, fmt.Errorf("%w: %s is not a small blob", ErrInvalidBlobID, id)
	}
	return db.ReadSmallBlob(id)
}

// Stats is a point-in-time view of the manager's queues.
type Stats struct {
	Generation           uint32
	CurrentGenStep       GenStep
	LastCollectedGenStep GenStep
	RoundInFlight        bool
	CollectGenStep       GenStep
	GroupsInFlight       int

	KeepQueue          int
	DeleteQueue        int
	DelayedDeletes     int
	SmallDeletes       int
	DelayedSmallDelete int
	BlobsInUse         int
	Allocations        int

	Evicted int
	Dropped int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	inFlight := !m.state.Is(stateIdle)
	s := Stats{
		Generation:           m.currentGen,
		CurrentGenStep:       GenStep{Gen: m.currentGen, Step: m.currentStep},
		LastCollectedGenStep: m.lastCollected,
		RoundInFlight:        inFlight,
		GroupsInFlight:       len(m.round.perGroup),
		KeepQueue:            m.blobsToKeep.len(),
		DeleteQueue:          m.blobsToDelete.len(),
		DelayedDeletes:       len(m.blobsToDeleteDelayed),
		SmallDeletes:         len(m.smallBlobsToDelete),
		DelayedSmallDelete:   len(m.smallBlobsToDeleteDelayed),
		BlobsInUse:           len(m.useCount),
		Allocations:          m.allocated.len(),
		Evicted:              len(m.evicted),
		Dropped:              len(m.dropped),
	}
	if inFlight {
		s.CollectGenStep = m.collectInFlight
	}
	return s
}

func (m *Manager) LastCollectedGenStep() GenStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCollected
}

func (m *Manager) TabletInfo() *TabletInfo {
	return m.tabletInfo
}

func (m *Manager) Generation() uint32 {
	return m.currentGen
}
