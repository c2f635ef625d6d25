package blobgc

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// tryMoveGCBarrier decides whether a new round may start and, if so, picks
// its target in m.newCollect. Finished allocations are popped from the front
// of the queue; the target never reaches an allocation whose writes may
// still be in flight.
func (m *Manager) tryMoveGCBarrier() bool {
	current := GenStep{Gen: m.currentGen, Step: m.currentStep}
	if m.blobsToKeep.len() == 0 && m.blobsToDelete.len() == 0 && m.lastCollected == current {
		return false
	}

	// Delay GC while there are few blobs and the last round was recent.
	threshold := m.controls.BlobCountToTriggerGC
	if int64(m.blobsToKeep.len()) < threshold &&
		int64(m.blobsToDelete.len()) < threshold &&
		m.now().Before(m.previousGCTime.Add(m.controls.GCInterval)) {
		return false
	}

	if m.lastCollected.Compare(m.newCollect) > 0 {
		panic(errors.AssertionFailedf("barrier candidate %s is behind last collected %s", m.newCollect, m.lastCollected))
	}
	for m.allocated.len() > 0 {
		front, _ := m.allocated.front()
		if !front.finished() {
			break
		}
		if !m.collectInFlight.Less(front.genStep) && front.genStep != (GenStep{}) {
			panic(errors.AssertionFailedf("finished allocation %s is not after last round target %s", front.genStep, m.collectInFlight))
		}
		m.newCollect = front.genStep
		m.allocated.popFront()
	}
	if m.allocated.len() == 0 {
		m.newCollect = current
	}

	return m.lastCollected.Less(m.newCollect)
}

// PrepareGCRequests starts a GC round when the controls allow it and returns
// one request per storage group touched by the round, keyed by group. It
// returns nil while a round is already in flight or when there is nothing
// to do. The caller sends every request and feeds each result to OnGCResult.
func (m *Manager) PrepareGCRequests() map[uint32]*CollectGarbageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Is(stateIdle) {
		return nil
	}
	fireRoundEvent(m.state, eventPropose)
	if !m.tryMoveGCBarrier() {
		fireRoundEvent(m.state, eventAbandon)
		return nil
	}

	m.previousGCTime = m.now()
	m.collectInFlight = m.newCollect
	m.round.reset()

	channel := BlobChannel
	for _, group := range m.tabletInfo.GroupsBetween(channel, m.lastCollected.Gen, m.collectInFlight.Gen) {
		m.round.lists(group)
	}

	for {
		id, ok := m.blobsToKeep.min()
		if !ok || m.collectInFlight.Less(id.GenStep()) {
			break
		}
		m.round.lists(m.groupOf(id)).keep.insert(id)
		m.blobsToKeep.delete(id)
	}

	for {
		id, ok := m.blobsToDelete.min()
		if !ok || m.collectInFlight.Less(id.GenStep()) {
			break
		}
		lists := m.round.lists(m.groupOf(id))
		canSkipDontKeep := false
		if lists.keep.delete(id) {
			lists.keepSkipped = append(lists.keepSkipped, id)
			// A blob created and deleted within this generation never had a
			// Keep flag sent. Older generations may have sent one before
			// restarting, so those still need a DontKeep.
			if id.Generation() == m.currentGen {
				canSkipDontKeep = true
			}
		}
		if canSkipDontKeep {
			lists.dontKeepSkipped = append(lists.dontKeepSkipped, id)
		} else {
			lists.dontKeep.insert(id)
		}
		m.blobsToDelete.delete(id)
	}

	requests := make(map[uint32]*CollectGarbageRequest, len(m.round.perGroup))
	for _, group := range m.round.groups() {
		lists := m.round.perGroup[group]
		keep := lists.keep.items()
		dontKeep := lists.dontKeep.items()
		step := counterStepSize(len(keep) + len(dontKeep))
		requests[group] = &CollectGarbageRequest{
			Group:                group,
			TabletID:             m.tabletInfo.TabletID,
			Generation:           m.currentGen,
			PerGenerationCounter: m.perGenerationCounter,
			CounterStepSize:      step,
			Channel:              channel,
			Collect:              m.collectInFlight,
			Keep:                 keep,
			DontKeep:             dontKeep,
		}
		lists.counter = m.perGenerationCounter
		m.round.counterToGroup[m.perGenerationCounter] = group
		m.perGenerationCounter += step
	}

	fireRoundEvent(m.state, eventSubmit)
	m.metrics.ObserveGCRoundStarted()
	slog.Debug("blobgc: gc round started",
		"tablet", m.tabletInfo.TabletID,
		"barrier", m.lastCollected.String(),
		"target", m.collectInFlight.String(),
		"groups", len(requests))
	return requests
}

// OnGCResult reconciles one group's acknowledgment. Once every group of the
// round has acknowledged, the barrier moves to the round's target and is
// persisted.
func (m *Manager) OnGCResult(db DB, res CollectGarbageResult) error {
	if res.Status != StatusOK {
		panic(errors.AssertionFailedf("collect garbage for group %d finished with status %s; the caller must handle unsuccessful status", res.Group, res.Status))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Is(stateRoundInFlight) || m.round.empty() {
		panic(errors.AssertionFailedf("gc result with counter %d but no round in flight", res.PerGenerationCounter))
	}
	group, ok := m.round.counterToGroup[res.PerGenerationCounter]
	if !ok {
		panic(errors.AssertionFailedf("gc result with unknown counter %d", res.PerGenerationCounter))
	}
	lists := m.round.perGroup[group]

	var err error
	lists.keep.ascend(func(id BlobID) bool {
		err = db.EraseBlobToKeep(id)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("erase kept blob: %w", err)
	}
	lists.dontKeep.ascend(func(id BlobID) bool {
		err = db.EraseBlobToDelete(id)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("erase deleted blob: %w", err)
	}
	for _, id := range lists.keepSkipped {
		if err := db.EraseBlobToKeep(id); err != nil {
			return fmt.Errorf("erase skipped kept blob %s: %w", id, err)
		}
	}
	for _, id := range lists.dontKeepSkipped {
		if err := db.EraseBlobToDelete(id); err != nil {
			return fmt.Errorf("erase skipped deleted blob %s: %w", id, err)
		}
	}

	// The skipped delete list holds blobs excluded from both Keep and
	// DontKeep; the skipped keep list is a superset of it.
	m.metrics.ObserveGCResult(lists.keep.len(), lists.dontKeep.len(), len(lists.dontKeepSkipped))

	delete(m.round.perGroup, group)
	delete(m.round.counterToGroup, res.PerGenerationCounter)

	if m.round.empty() {
		if err := db.SaveLastGCBarrier(m.collectInFlight); err != nil {
			return fmt.Errorf("save gc barrier %s: %w", m.collectInFlight, err)
		}
		m.lastCollected = m.collectInFlight
		fireRoundEvent(m.state, eventComplete)
		m.metrics.ObserveBarrier(m.lastCollected)
		slog.Debug("blobgc: gc barrier moved", "tablet", m.tabletInfo.TabletID, "barrier", m.lastCollected.String())
	}

	return m.performDelayedDeletes(db)
}

// InFlight reports whether a GC round awaits acknowledgments.
func (m *Manager) InFlight() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Is(stateRoundInFlight)
}

func (m *Manager) groupOf(id BlobID) uint32 {
	group := m.tabletInfo.GroupFor(id.Channel(), id.Generation())
	if group == InvalidGroup {
		return id.Group()
	}
	return group
}
