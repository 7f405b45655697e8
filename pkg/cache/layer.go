// Podium keeps recently touched scores in memory to avoid a store round trip per point read.
// This module provides an interface over point caches so the engine can run with the recency cache
// enabled or disabled through the same code path.

package cache

import "github.com/nobletooth/podium/pkg/board"

// Layer defines the interface for a point cache keyed by player id.
type Layer interface {
	// Get returns the cached score for the player and a boolean indicating whether it was found.
	Get(playerID board.PlayerID) (int64, bool)
	// Put inserts or refreshes the player's score. It returns true if an entry was evicted.
	Put(playerID board.PlayerID, score int64) bool
	Len() int
}

// NoOp is a cache layer that doesn't store any items.
// It is used when the mode keeps no recency cache.
type NoOp struct{} // Implements Layer.

var _ Layer = NoOp{}

// Get always returns false, indicating the player is not found.
func (NoOp) Get(board.PlayerID) (int64, bool) { return 0, false }

// Put does nothing and always returns false, indicating no item was evicted.
func (NoOp) Put(board.PlayerID, int64) bool { return false }

// Len is always zero.
func (NoOp) Len() int { return 0 }
