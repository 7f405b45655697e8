// Package store talks to the persistent source of truth for player scores. The caches in front of it are
// projections that can always be rebuilt from here.
//
// A Session is one exclusive connection to a backend. Sessions are not safe for concurrent use; the pool hands
// each one to a single caller at a time.

package store

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/podium/pkg/board"
)

var (
	backendFlag = flag.String("store_backend", string(BackendMemory), "Score store backend: memory/postgres/redis")

	queriesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "store",
		Name:      "queries_total",
		Help:      "The total number of queries sent to the score store.",
	}, []string{"backend", "op", "result"})
)

// Backend names a store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

var (
	// ErrNotFound is returned by QueryScore when the player has no stored score.
	ErrNotFound = errors.New("score not found")
	// ErrSessionClosed is returned by sessions used after Close.
	ErrSessionClosed = errors.New("store session is closed")
)

// Session is a single connection to the score store.
type Session interface {
	// UpsertScore creates or replaces the player's score.
	UpsertScore(ctx context.Context, playerID board.PlayerID, score int64) error
	// QueryTopN returns at most n records ordered by score desc, player id asc.
	QueryTopN(ctx context.Context, n int) ([]board.ScoreRecord, error)
	// QueryScore returns ErrNotFound when the player has no score.
	QueryScore(ctx context.Context, playerID board.PlayerID) (int64, error)
	Ping(ctx context.Context) error
	// Reconnect replaces the underlying connection in place.
	Reconnect(ctx context.Context) error
	Close() error
}

// Dialer opens a new session.
type Dialer func(ctx context.Context) (Session, error)

// Open builds a dialer for the backend chosen by --store_backend. The returned close function releases the
// resources shared by every session of that dialer and must be called after all sessions are closed.
func Open(ctx context.Context) (Dialer, func() error, error) {
	switch Backend(*backendFlag) {
	case BackendMemory:
		memory := NewMemory(*memoryShardsFlag)
		return memory.Dial, func() error { return nil }, nil
	case BackendPostgres:
		postgres, err := ConnectPostgres(ctx, *postgresDSNFlag)
		if err != nil {
			return nil, nil, err
		}
		return postgres.Dial, postgres.Close, nil
	case BackendRedis:
		redisStore, err := ConnectRedis(ctx, RedisOptionsFromFlags())
		if err != nil {
			return nil, nil, err
		}
		return redisStore.Dial, redisStore.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", *backendFlag)
	}
}

// observe counts a finished query and passes its error through.
func observe(backend Backend, op string, err error) error {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	queriesMetric.WithLabelValues(string(backend), op, result).Inc()
	return err
}
