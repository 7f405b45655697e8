// TopN materializes the leaderboard's first N entries in a fixed-capacity array sorted by score descending.
//
// An update only enters the array when there is free room or when it beats the current minimum. Updates that
// don't qualify for players who weren't already present are dropped, so a player climbing from far below may
// stay invisible here until the view is reloaded from the store. Equal scores keep their arrival order.

package cache

import (
	"flag"
	"sync"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

var TopCapacity = flag.Int("top_cache_capacity", 100, "Number of leading entries materialized by the top cache.")

// TopN is the bounded top cache.
type TopN struct {
	mux      sync.Mutex
	capacity int
	entries  []board.ScoreRecord // Sorted by score desc; len(entries) <= capacity.
}

// NewTopN creates an empty top cache holding at most `capacity` entries.
func NewTopN(capacity int) *TopN {
	if capacity <= 0 {
		utils.RaiseInvariant("top", "non_positive_capacity",
			"Invalid capacity has been given to the top cache.", "capacity", capacity)
		capacity = 1
	}
	return &TopN{capacity: capacity, entries: make([]board.ScoreRecord, 0, capacity)}
}

// Upsert records the player's new score. It returns false when the update didn't qualify and was discarded.
func (t *TopN) Upsert(playerID board.PlayerID, score int64) bool {
	t.mux.Lock()
	defer t.mux.Unlock()

	// Drop the player's previous slot, compacting the array.
	for i := range t.entries {
		if t.entries[i].PlayerID == playerID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}

	full := len(t.entries) >= t.capacity
	if full && score <= t.entries[len(t.entries)-1].Score {
		return false
	}

	// Insert before the first strictly lower score so equal scores keep arrival order.
	pos := len(t.entries)
	for i := range t.entries {
		if t.entries[i].Score < score {
			pos = i
			break
		}
	}
	if full {
		t.entries = t.entries[:len(t.entries)-1]
	}
	t.entries = append(t.entries, board.ScoreRecord{})
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = board.ScoreRecord{PlayerID: playerID, Score: score}
	return true
}

// TopN returns a copy of the first min(n, Len()) entries.
func (t *TopN) TopN(n int) []board.ScoreRecord {
	t.mux.Lock()
	defer t.mux.Unlock()

	n = max(0, min(n, len(t.entries)))
	out := make([]board.ScoreRecord, n)
	copy(out, t.entries[:n])
	return out
}

// Load replaces the contents with `records`, keeping the best `Capacity()` of them.
func (t *TopN) Load(records []board.ScoreRecord) {
	sorted := board.Ranking(records)
	board.SortRanking(sorted)

	t.mux.Lock()
	defer t.mux.Unlock()
	t.entries = t.entries[:0]
	t.entries = append(t.entries, sorted[:min(len(sorted), t.capacity)]...)
}

// Len returns the number of materialized entries.
func (t *TopN) Len() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.entries)
}

// Capacity returns N.
func (t *TopN) Capacity() int { return t.capacity }
