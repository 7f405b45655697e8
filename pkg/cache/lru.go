package cache

import (
	"flag"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

var (
	RecencyCapacity = flag.Int("recency_cache_capacity", 1000, "Maximum number of players kept in the recency cache.")

	lruEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "recency_cache",
		Name:      "evictions_total",
		Help:      "The total number of entries evicted from recency caches.",
	})
)

type lruEntry struct {
	playerID board.PlayerID
	score    int64
}

// LRU is a bounded least-recently-used cache of player scores. Both reads and writes refresh recency, so every
// operation takes the one exclusive lock.
type LRU struct {
	mux      sync.Mutex
	capacity int
	index    map[board.PlayerID]*linkedListNode[lruEntry]
	recency  linkedList[lruEntry] // Front is the most recently used entry.
	onEvict  func(playerID board.PlayerID, score int64)
}

var _ Layer = (*LRU)(nil)

// LRUOption customizes an LRU at construction time.
type LRUOption func(*LRU)

// WithEvictionCallback registers a function invoked, under the cache lock, for every evicted entry.
func WithEvictionCallback(onEvict func(playerID board.PlayerID, score int64)) LRUOption {
	return func(l *LRU) { l.onEvict = onEvict }
}

// NewLRU creates an LRU holding at most `capacity` players.
func NewLRU(capacity int, opts ...LRUOption) *LRU {
	if capacity <= 0 {
		utils.RaiseInvariant("lru", "non_positive_capacity",
			"Invalid capacity has been given to the recency cache.", "capacity", capacity)
		capacity = 1
	}
	lru := &LRU{capacity: capacity, index: make(map[board.PlayerID]*linkedListNode[lruEntry], capacity)}
	for _, opt := range opts {
		opt(lru)
	}
	return lru
}

// Get returns the player's score and marks it as most recently used.
func (l *LRU) Get(playerID board.PlayerID) (int64, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()

	node, ok := l.index[playerID]
	if !ok {
		return 0, false
	}
	l.recency.MoveToFront(node)
	return node.Value.score, true
}

// Put stores the player's score as the most recently used entry, evicting the least recently used one when the
// cache is full. It returns true if an entry was evicted.
func (l *LRU) Put(playerID board.PlayerID, score int64) bool {
	l.mux.Lock()
	defer l.mux.Unlock()

	if node, ok := l.index[playerID]; ok {
		node.Value.score = score
		l.recency.MoveToFront(node)
		return false
	}

	evicted := false
	if len(l.index) >= l.capacity {
		tail := l.recency.Back()
		delete(l.index, tail.Value.playerID)
		l.recency.Remove(tail)
		lruEvictions.Inc()
		if l.onEvict != nil {
			l.onEvict(tail.Value.playerID, tail.Value.score)
		}
		evicted = true
	}
	l.index[playerID] = l.recency.PushFront(lruEntry{playerID: playerID, score: score})
	return evicted
}

// Len returns the number of cached players.
func (l *LRU) Len() int {
	l.mux.Lock()
	defer l.mux.Unlock()
	return len(l.index)
}

// Capacity returns the maximum number of cached players.
func (l *LRU) Capacity() int { return l.capacity }

// Keys returns the cached player ids, most recently used first.
func (l *LRU) Keys() []board.PlayerID {
	l.mux.Lock()
	defer l.mux.Unlock()

	keys := make([]board.PlayerID, 0, len(l.index))
	for node := l.recency.Front(); node != nil; node = node.Next() {
		keys = append(keys, node.Value.playerID)
	}
	return keys
}
