// The memory backend ranks each shard on its own, then merges the shard rankings lazily so a top-n read only
// pulls n records off the merged stream.
//
// This module implements a heap-based multi-way iterator over increasing sequences. When two sequences yield the
// same player, the one from the earlier sequence wins and the other is discarded.

package store

import (
	"container/heap"
	"iter"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

// heapElement is a record pulled from one of the merged sequences.
type heapElement struct {
	record board.ScoreRecord
	seqIdx int // The sequence that produced this element.
}

// mergeHeap holds the latest element pulled from every live sequence.
type mergeHeap []heapElement // Implements heap.Interface.

var _ heap.Interface = (*mergeHeap)(nil)

func (h mergeHeap) Len() int { return len(h) }

// Less orders by rank, then by sequence priority.
func (h mergeHeap) Less(i, j int) bool {
	if c := board.Compare(h[i].record, h[j].record); c != 0 {
		return c < 0
	}
	return h[i].seqIdx < h[j].seqIdx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	element, ok := x.(heapElement)
	if !ok {
		utils.RaiseInvariant("merge", "pushed_invalid_type", "An item with invalid type was pushed to heap.")
		return
	}
	*h = append(*h, element)
}

func (h *mergeHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	*h = old[:len(old)-1]
	return last
}

// mergeRanked merges sequences that are each in leaderboard order into one sequence in leaderboard order.
func mergeRanked(sequences []iter.Seq[board.ScoreRecord]) iter.Seq[board.ScoreRecord] {
	return func(yield func(board.ScoreRecord) bool) {
		h := make(mergeHeap, 0, len(sequences))
		pulls := make([]func() (board.ScoreRecord, bool), len(sequences))
		for i, seq := range sequences {
			pull, stop := iter.Pull(seq)
			defer stop()
			pulls[i] = pull
			if first, ok := pull(); ok {
				heap.Push(&h, heapElement{record: first, seqIdx: i})
			}
		}

		var last *board.ScoreRecord
		for h.Len() > 0 {
			top := heap.Pop(&h).(heapElement)
			if next, ok := pulls[top.seqIdx](); ok {
				heap.Push(&h, heapElement{record: next, seqIdx: top.seqIdx})
			}
			// Lower priority copies of the same record sort right after the winner.
			if last != nil && last.PlayerID == top.record.PlayerID && last.Score == top.record.Score {
				continue
			}
			last = &top.record
			if !yield(top.record) {
				return
			}
		}
	}
}
