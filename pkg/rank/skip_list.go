// Package rank keeps every cached score record in leaderboard order.
//
// This file implements the rank index as a skip list. A skip list maintains multiple forward-pointer layers over
// a sorted linked list. Each node is promoted to the next layer on a fair coin flip, so P(level >= k) = 0.5^(k-1),
// forming express lanes that let inserts skip over large ranges. Nodes are ordered by (score desc, player id asc).
//
// Properties
// - Expected time complexity for inserting a new record: O(log n)
// - Top-k scan: O(k), walking the bottom layer from the head
// - Lookup / removal by player id: O(n) bottom-layer scan, unless the identity index is enabled
// - One mutex guards the whole structure; there are no concurrent readers
package rank

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

// DefaultMaxLevel caps the number of layers when no other value is configured.
const DefaultMaxLevel = 16

// skipListNode represents a node in the skip list.
type skipListNode struct {
	record   board.ScoreRecord
	forwards []*skipListNode // forward pointers per level (0..level-1)
}

// SkipList is the ordered rank index. The zero value is not usable; use NewSkipList.
type SkipList struct {
	mux             sync.Mutex
	head            *skipListNode
	level, maxLevel int
	size            int
	rnd             *rand.Rand
	// byPlayer is an optional identity index kept in sync with the list; nil when disabled.
	byPlayer map[board.PlayerID]*skipListNode
}

// Option customizes a SkipList at construction time.
type Option func(*SkipList)

// WithIdentityIndex keeps a player id -> node map next to the list so Score and Remove stop scanning.
func WithIdentityIndex() Option {
	return func(s *SkipList) { s.byPlayer = make(map[board.PlayerID]*skipListNode) }
}

// WithSeed makes level sampling deterministic; meant for tests and benchmarks.
func WithSeed(seed1, seed2 uint64) Option {
	return func(s *SkipList) { s.rnd = rand.New(rand.NewPCG(seed1, seed2)) }
}

// NewSkipList creates an empty rank index with at most `maxLevel` layers.
func NewSkipList(maxLevel int, opts ...Option) *SkipList {
	if maxLevel < 1 {
		utils.RaiseInvariant("rank", "non_positive_max_level",
			"Invalid max level has been given to the rank index.", "maxLevel", maxLevel)
		maxLevel = 1
	}
	skipList := &SkipList{
		head:     &skipListNode{forwards: make([]*skipListNode, maxLevel)},
		level:    1,
		maxLevel: maxLevel,
	}
	for _, opt := range opts {
		opt(skipList)
	}
	if skipList.rnd == nil {
		skipList.rnd = newSeededRand()
	}
	return skipList
}

// newSeededRand seeds a PCG source from crypto/rand.
func newSeededRand() *rand.Rand {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		// Level sampling only needs to be unpredictable enough to keep the list balanced.
		seed = [16]byte{}
	}
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:])))
}

// randomLevel flips a fair coin until it lands tails or the level reaches maxLevel.
func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < s.maxLevel && s.rnd.IntN(2) == 0 {
		lvl++
	}
	return lvl
}

// Upsert places `playerID` at the rank given by `score`. An existing node of the player is removed first, so the
// list never holds two nodes for the same player.
func (s *SkipList) Upsert(playerID board.PlayerID, score int64) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing := s.findLocked(playerID); existing != nil {
		s.unlinkLocked(existing.record)
	}
	s.insertLocked(board.ScoreRecord{PlayerID: playerID, Score: score})
}

// Remove drops the player's node. It returns false when the player is not indexed.
func (s *SkipList) Remove(playerID board.PlayerID) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	existing := s.findLocked(playerID)
	if existing == nil {
		return false
	}
	s.unlinkLocked(existing.record)
	return true
}

// Score returns the indexed score of the player.
func (s *SkipList) Score(playerID board.PlayerID) (int64, bool /*found*/) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if existing := s.findLocked(playerID); existing != nil {
		return existing.record.Score, true
	}
	return 0, false
}

// TopN returns up to `n` records from the head of the list, best first.
func (s *SkipList) TopN(n int) []board.ScoreRecord {
	s.mux.Lock()
	defer s.mux.Unlock()

	if n <= 0 {
		return []board.ScoreRecord{}
	}
	out := make([]board.ScoreRecord, 0, min(n, s.size))
	for cur := s.head.forwards[0]; cur != nil && len(out) < n; cur = cur.forwards[0] {
		out = append(out, cur.record)
	}
	return out
}

// Len returns the number of indexed players.
func (s *SkipList) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.size
}

// findLocked returns the node of the player, or nil. Without the identity index this scans the bottom layer.
func (s *SkipList) findLocked(playerID board.PlayerID) *skipListNode {
	if s.byPlayer != nil {
		return s.byPlayer[playerID]
	}
	for cur := s.head.forwards[0]; cur != nil; cur = cur.forwards[0] {
		if cur.record.PlayerID == playerID {
			return cur
		}
	}
	return nil
}

// predecessorsLocked records, per level, the last node ranked strictly above `record`.
func (s *SkipList) predecessorsLocked(record board.ScoreRecord) []*skipListNode {
	update := make([]*skipListNode, s.maxLevel)
	node := s.head
	for lvl := s.level - 1; lvl >= 0; lvl-- {
		for next := node.forwards[lvl]; next != nil && board.Less(next.record, record); next = node.forwards[lvl] {
			node = next
		}
		update[lvl] = node
	}
	return update
}

// insertLocked splices a new node of random level after its predecessors.
func (s *SkipList) insertLocked(record board.ScoreRecord) {
	update := s.predecessorsLocked(record)
	lvl := s.randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			update[i] = s.head
		}
		s.level = lvl
	}
	newNode := &skipListNode{record: record, forwards: make([]*skipListNode, lvl)}
	for i := 0; i < lvl; i++ {
		newNode.forwards[i] = update[i].forwards[i]
		update[i].forwards[i] = newNode
	}
	s.size++
	if s.byPlayer != nil {
		s.byPlayer[record.PlayerID] = newNode
	}
}

// unlinkLocked rewires forward pointers around the node holding `record`, then trims empty top levels.
func (s *SkipList) unlinkLocked(record board.ScoreRecord) {
	update := s.predecessorsLocked(record)
	target := update[0].forwards[0]
	if target == nil || target.record != record {
		utils.RaiseInvariant("rank", "unlink_missing_node",
			"Tried to unlink a record that is not at its rank position.", "playerId", record.PlayerID)
		return
	}
	for i := 0; i < s.level; i++ {
		if update[i].forwards[i] == target {
			update[i].forwards[i] = target.forwards[i]
		}
	}
	s.size--
	if s.byPlayer != nil {
		delete(s.byPlayer, record.PlayerID)
	}
	// Decrease level if the top levels are now empty.
	for s.level > 1 && s.head.forwards[s.level-1] == nil {
		s.level--
	}
}
