package blobgc

import (
	"errors"
	"fmt"
	"sort"
)

var ErrNoChannelHistory = errors.New("channel has no group history")

// ChannelHistoryEntry records that, starting with FromGeneration, a channel's
// blobs are written to GroupID.
type ChannelHistoryEntry struct {
	FromGeneration uint32
	GroupID        uint32
}

// TabletInfo describes where the tablet's channels live. Channel histories
// are ordered by FromGeneration.
type TabletInfo struct {
	TabletID uint64
	Channels map[uint32][]ChannelHistoryEntry
}

func (t *TabletInfo) validate(channel uint32) error {
	history := t.Channels[channel]
	if len(history) == 0 {
		return fmt.Errorf("%w: tablet %d channel %d", ErrNoChannelHistory, t.TabletID, channel)
	}
	if !sort.SliceIsSorted(history, func(i, j int) bool {
		return history[i].FromGeneration < history[j].FromGeneration
	}) {
		return fmt.Errorf("tablet %d channel %d: history not ordered by generation", t.TabletID, channel)
	}
	return nil
}

// GroupFor returns the group that hosted channel at generation gen, or
// InvalidGroup when the history starts after gen.
func (t *TabletInfo) GroupFor(channel, gen uint32) uint32 {
	history := t.Channels[channel]
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].FromGeneration > gen
	})
	if idx == 0 {
		return InvalidGroup
	}
	return history[idx-1].GroupID
}

// GroupsBetween returns every group that hosted channel during generations
// [fromGen, toGen], including the entry active at fromGen. A group appearing
// more than once in the history is reported once.
func (t *TabletInfo) GroupsBetween(channel, fromGen, toGen uint32) []uint32 {
	history := t.Channels[channel]
	upper := func(gen uint32) int {
		return sort.Search(len(history), func(i int) bool {
			return history[i].FromGeneration > gen
		})
	}
	from := upper(fromGen)
	if from > 0 {
		from--
	}
	to := upper(toGen)

	var groups []uint32
	seen := make(map[uint32]struct{})
	for i := from; i < to; i++ {
		g := history[i].GroupID
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		groups = append(groups, g)
	}
	return groups
}
