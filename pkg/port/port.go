// Package port exposes the leaderboard over the network: a Redis-protocol server for low-overhead clients and
// an HTTP API with a websocket stream of accepted score updates. Requests are validated here, before they reach
// the engine.
package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/engine"
)

var defaultTopN = flag.Int("default_top_n", 10, "Number of entries returned by ranked reads that don't ask for a size.")

// maxTopN bounds a single ranked read.
const maxTopN = 10_000

// ErrValidation is wrapped by every error caused by a malformed request.
var ErrValidation = errors.New("invalid request")

// Leaderboard is the engine surface the ports need; *engine.Engine implements it.
type Leaderboard interface {
	UpdateScore(ctx context.Context, playerID board.PlayerID, score int64) error
	TopN(ctx context.Context, n int) []board.ScoreRecord
	Score(ctx context.Context, playerID board.PlayerID) (int64, bool)
	Stats() engine.Stats
}

var _ Leaderboard = (*engine.Engine)(nil)

func parsePlayerID(raw string) (board.PlayerID, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: missing player_id", ErrValidation)
	}
	playerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: player_id must be an integer, got %q", ErrValidation, raw)
	}
	return playerID, nil
}

func parseScore(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: missing score", ErrValidation)
	}
	score, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: score must be an integer, got %q", ErrValidation, raw)
	}
	return score, nil
}

// parseTopN reads a ranked read size; empty means --default_top_n.
func parseTopN(raw string) (int, error) {
	if raw == "" {
		return *defaultTopN, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxTopN {
		return 0, fmt.Errorf("%w: top must be an integer in [1, %d], got %q", ErrValidation, maxTopN, raw)
	}
	return n, nil
}
