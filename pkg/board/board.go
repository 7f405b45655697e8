// Package board holds the leaderboard data model shared by every cache tier and store backend.
// Records are ranked by score descending; equal scores are ranked by ascending player id.

package board

import (
	"cmp"
	"slices"
	"time"
)

// PlayerID uniquely identifies a player.
type PlayerID = int64

// ScoreRecord is a single player's standing.
type ScoreRecord struct {
	PlayerID PlayerID `json:"player_id"`
	Score    int64    `json:"score"`
	// LastUpdated is owned by the store; records produced by in-memory caches leave it zero.
	LastUpdated time.Time `json:"-"`
}

// Compare returns a negative value when `a` ranks above `b`, zero when both have the same rank key and a
// positive value when `a` ranks below `b`.
func Compare(a, b ScoreRecord) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 { // Higher score first.
		return c
	}
	return cmp.Compare(a.PlayerID, b.PlayerID)
}

// Less reports whether `a` ranks strictly above `b`.
func Less(a, b ScoreRecord) bool {
	return Compare(a, b) < 0
}

// Ranking strips store-owned metadata so records coming from different tiers compare equal.
func Ranking(records []ScoreRecord) []ScoreRecord {
	out := make([]ScoreRecord, len(records))
	for i, record := range records {
		out[i] = ScoreRecord{PlayerID: record.PlayerID, Score: record.Score}
	}
	return out
}

// SortRanking sorts records in place into leaderboard order.
func SortRanking(records []ScoreRecord) {
	slices.SortFunc(records, Compare)
}
