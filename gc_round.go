package blobgc

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/looplab/fsm"
)

const (
	stateIdle          = "idle"
	stateRoundProposed = "round_proposed"
	stateRoundInFlight = "round_in_flight"

	eventPropose  = "propose"
	eventAbandon  = "abandon"
	eventSubmit   = "submit"
	eventComplete = "complete"
)

// maxCollectFlagsPerCounter is how many Keep/DontKeep flags one value of the
// per-generation counter covers.
const maxCollectFlagsPerCounter = 10000

// newRoundStateMachine builds the GC round state machine:
//
//	idle --propose--> round_proposed --submit--> round_in_flight --complete--> idle
//	                  round_proposed --abandon--> idle
func newRoundStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventPropose, Src: []string{stateIdle}, Dst: stateRoundProposed},
			{Name: eventAbandon, Src: []string{stateRoundProposed}, Dst: stateIdle},
			{Name: eventSubmit, Src: []string{stateRoundProposed}, Dst: stateRoundInFlight},
			{Name: eventComplete, Src: []string{stateRoundInFlight}, Dst: stateIdle},
		},
		fsm.Callbacks{},
	)
}

func fireRoundEvent(state *fsm.FSM, event string) {
	if err := state.Event(context.Background(), event); err != nil {
		panic(errors.AssertionFailedf("gc round event %q in state %q: %v", event, state.Current(), err))
	}
}

// groupGCLists are the flags one group receives in a round. The skipped
// lists were never sent but still occupy rows in the persisted tables.
type groupGCLists struct {
	keep            *blobQueue
	dontKeep        *blobQueue
	keepSkipped     []BlobID
	dontKeepSkipped []BlobID
	counter         uint32
}

func newGroupGCLists() *groupGCLists {
	return &groupGCLists{
		keep:     newBlobQueue(),
		dontKeep: newBlobQueue(),
	}
}

// gcRound holds the per-group lists of the round in flight.
type gcRound struct {
	perGroup       map[uint32]*groupGCLists
	counterToGroup map[uint32]uint32
}

func newGCRound() *gcRound {
	return &gcRound{
		perGroup:       make(map[uint32]*groupGCLists),
		counterToGroup: make(map[uint32]uint32),
	}
}

func (r *gcRound) reset() {
	clear(r.perGroup)
	clear(r.counterToGroup)
}

func (r *gcRound) lists(group uint32) *groupGCLists {
	l, ok := r.perGroup[group]
	if !ok {
		l = newGroupGCLists()
		r.perGroup[group] = l
	}
	return l
}

func (r *gcRound) groups() []uint32 {
	out := make([]uint32, 0, len(r.perGroup))
	for g := range r.perGroup {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *gcRound) empty() bool {
	return len(r.perGroup) == 0
}

func counterStepSize(flags int) uint32 {
	if flags <= maxCollectFlagsPerCounter {
		return 1
	}
	return uint32((flags + maxCollectFlagsPerCounter - 1) / maxCollectFlagsPerCounter)
}
