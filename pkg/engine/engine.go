// Package engine composes the recency cache, the rank index, the top cache and the store pool into one
// leaderboard service. The active Mode decides which of them each operation touches; every operation switches on
// it in one place.
//
// Component calls lock and unlock internally, so the engine never holds two locks at once. Writes to caches are
// not atomic across tiers: a concurrent reader may observe the recency cache updated before the rank index.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/cache"
	"github.com/nobletooth/podium/pkg/rank"
	"github.com/nobletooth/podium/pkg/store"
	"github.com/nobletooth/podium/pkg/utils"
)

var (
	modeFlag         = flag.String("mode", ModeAll.String(), "Caching mode: db_only/cache_only/lru_plus_store/all")
	rankMaxLevelFlag = flag.Int("rank_index_max_level", rank.DefaultMaxLevel,
		"Maximum number of skip list layers in the rank index.")
	rankIdentityFlag = flag.Bool("rank_index_identity_lookup", false,
		"Keep a player id index next to the rank index so lookups by player don't scan.")

	lookupsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "engine",
		Name:      "lookups_total",
		Help:      "The total number of reads, by operation and whether a cache tier served them.",
	}, []string{"op", "status" /* hit | miss */})
	storeFailuresMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "podium",
		Subsystem: "engine",
		Name:      "store_failures_total",
		Help:      "The total number of failed store operations.",
	}, []string{"op"})
)

// ErrStoreWrite is returned by UpdateScore in db_only mode when the store rejects the write.
var ErrStoreWrite = errors.New("failed to persist score")

// SessionPool lends store sessions; *pool.Pool implements it.
type SessionPool interface {
	Acquire(ctx context.Context) (store.Session, error)
	Release(session store.Session)
	Close() error
}

// Options configures an Engine.
type Options struct {
	Mode              Mode
	RecencyCapacity   int
	TopCapacity       int
	RankMaxLevel      int
	RankIdentityIndex bool
	// OnStoreFailure, if set, is called for every store failure the engine absorbs or reports.
	OnStoreFailure func(op string, playerID board.PlayerID, err error)
}

// OptionsFromFlags reads the engine options from the command line flags.
func OptionsFromFlags() (Options, error) {
	mode, err := ParseMode(*modeFlag)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:              mode,
		RecencyCapacity:   *cache.RecencyCapacity,
		TopCapacity:       *cache.TopCapacity,
		RankMaxLevel:      *rankMaxLevelFlag,
		RankIdentityIndex: *rankIdentityFlag,
	}, nil
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Mode          Mode
	Hits          int64 // Reads served by a cache tier.
	Misses        int64 // Reads that fell through to the store, or found nothing in cache_only mode.
	StoreFailures int64
	RecencyLen    int
	RankLen       int
	TopLen        int
}

// Engine is the leaderboard service. It is safe for concurrent use.
type Engine struct {
	options  Options
	sessions SessionPool    // Nil in cache_only mode.
	recency  cache.Layer    // NoOp in db_only mode.
	ranks    *rank.SkipList // Nil unless the mode keeps rankings.
	top      *cache.TopN    // Nil unless the mode keeps rankings.
	log      *slog.Logger

	hits, misses, storeFailures atomic.Int64
}

// New builds an engine. `sessions` may be nil only in cache_only mode.
func New(options Options, sessions SessionPool) (*Engine, error) {
	if _, ok := modeNames[options.Mode]; !ok {
		return nil, fmt.Errorf("unknown mode %v", options.Mode)
	}
	if options.Mode.UsesStore() && sessions == nil {
		return nil, fmt.Errorf("mode %v needs a store session pool", options.Mode)
	}
	engine := &Engine{
		options:  options,
		sessions: sessions,
		recency:  cache.NoOp{},
		log:      utils.Logger("engine").With("mode", options.Mode.String()),
	}
	if options.Mode.usesRecency() {
		engine.recency = cache.NewLRU(options.RecencyCapacity)
	}
	if options.Mode.usesRanking() {
		var rankOptions []rank.Option
		if options.RankIdentityIndex {
			rankOptions = append(rankOptions, rank.WithIdentityIndex())
		}
		engine.ranks = rank.NewSkipList(options.RankMaxLevel, rankOptions...)
		engine.top = cache.NewTopN(options.TopCapacity)
	}
	return engine, nil
}

// Mode returns the active mode.
func (e *Engine) Mode() Mode { return e.options.Mode }

// UpdateScore records the player's new score in every tier the mode uses. Only db_only mode reports store
// failures; the other modes keep the cached value and count the failure.
func (e *Engine) UpdateScore(ctx context.Context, playerID board.PlayerID, score int64) error {
	switch e.options.Mode {
	case ModeDBOnly:
		if err := e.upsertToStore(ctx, playerID, score); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
	case ModeCacheOnly:
		e.recency.Put(playerID, score)
		e.rankScore(playerID, score)
	case ModeLRUPlusStore:
		e.recency.Put(playerID, score)
		_ = e.upsertToStore(ctx, playerID, score)
	case ModeAll:
		e.recency.Put(playerID, score)
		e.rankScore(playerID, score)
		_ = e.upsertToStore(ctx, playerID, score)
	}
	return nil
}

// TopN returns up to n leading records. Store failures read as an empty leaderboard.
func (e *Engine) TopN(ctx context.Context, n int) []board.ScoreRecord {
	if n <= 0 {
		return []board.ScoreRecord{}
	}
	switch e.options.Mode {
	case ModeCacheOnly:
		records := e.rankedFromCache(n)
		e.countLookup("top_n", len(records) > 0)
		return records
	case ModeAll:
		if records := e.rankedFromCache(n); len(records) > 0 {
			e.countLookup("top_n", true)
			return records
		}
		e.countLookup("top_n", false)
		records := e.queryTopN(ctx, n)
		// Backfill entry by entry; concurrent writers may interleave.
		for _, record := range records {
			e.rankScore(record.PlayerID, record.Score)
		}
		return records
	default: // db_only and lru_plus_store rank in the store.
		return e.queryTopN(ctx, n)
	}
}

// Score returns the player's score, or false when no tier knows the player. Store failures read as not found.
func (e *Engine) Score(ctx context.Context, playerID board.PlayerID) (int64, bool) {
	switch e.options.Mode {
	case ModeDBOnly:
		return e.queryScore(ctx, playerID)
	case ModeCacheOnly:
		if score, ok := e.recency.Get(playerID); ok {
			e.countLookup("score", true)
			return score, true
		}
		// The rank index holds every record in this mode.
		score, ok := e.ranks.Score(playerID)
		if ok {
			e.recency.Put(playerID, score)
		}
		e.countLookup("score", ok)
		return score, ok
	default: // lru_plus_store and all read through the recency cache.
		if score, ok := e.recency.Get(playerID); ok {
			e.countLookup("score", true)
			return score, true
		}
		e.countLookup("score", false)
		score, ok := e.queryScore(ctx, playerID)
		if ok {
			e.recency.Put(playerID, score)
		}
		return score, ok
	}
}

// WarmUp loads the store's top n records into the rank index and the top cache. Non-positive n loads as many
// records as the top cache holds. It is a no-op in modes that don't rank in memory next to a store.
func (e *Engine) WarmUp(ctx context.Context, n int) error {
	if e.options.Mode != ModeAll {
		return nil
	}
	if n <= 0 {
		n = e.top.Capacity()
	}
	var records []board.ScoreRecord
	err := e.withSession(ctx, func(session store.Session) error {
		var err error
		records, err = session.QueryTopN(ctx, n)
		return err
	})
	if err != nil {
		e.reportStoreFailure("warm_up", 0, err)
		return fmt.Errorf("failed to warm up caches: %w", err)
	}
	e.top.Load(records)
	for _, record := range records {
		e.ranks.Upsert(record.PlayerID, record.Score)
	}
	e.log.Info("Warmed up caches from the store.", "records", len(records))
	return nil
}

// Stats returns a snapshot of the engine counters and tier sizes.
func (e *Engine) Stats() Stats {
	stats := Stats{
		Mode:          e.options.Mode,
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		StoreFailures: e.storeFailures.Load(),
		RecencyLen:    e.recency.Len(),
	}
	if e.ranks != nil {
		stats.RankLen = e.ranks.Len()
		stats.TopLen = e.top.Len()
	}
	return stats
}

// Close releases the store sessions.
func (e *Engine) Close() error {
	if e.sessions == nil {
		return nil
	}
	return e.sessions.Close()
}

// rankScore updates the rank index, then the top cache.
func (e *Engine) rankScore(playerID board.PlayerID, score int64) {
	e.ranks.Upsert(playerID, score)
	e.top.Upsert(playerID, score)
}

// rankedFromCache serves n entries from the top cache when it is deep enough, else from the rank index.
func (e *Engine) rankedFromCache(n int) []board.ScoreRecord {
	if n <= e.top.Capacity() {
		return e.top.TopN(n)
	}
	return e.ranks.TopN(n)
}

func (e *Engine) withSession(ctx context.Context, fn func(session store.Session) error) error {
	session, err := e.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.sessions.Release(session)
	return fn(session)
}

func (e *Engine) upsertToStore(ctx context.Context, playerID board.PlayerID, score int64) error {
	err := e.withSession(ctx, func(session store.Session) error {
		return session.UpsertScore(ctx, playerID, score)
	})
	if err != nil {
		e.reportStoreFailure("upsert", playerID, err)
	}
	return err
}

func (e *Engine) queryTopN(ctx context.Context, n int) []board.ScoreRecord {
	var records []board.ScoreRecord
	err := e.withSession(ctx, func(session store.Session) error {
		var err error
		records, err = session.QueryTopN(ctx, n)
		return err
	})
	if err != nil {
		e.reportStoreFailure("top_n", 0, err)
		return []board.ScoreRecord{}
	}
	if records == nil {
		records = []board.ScoreRecord{}
	}
	return records
}

func (e *Engine) queryScore(ctx context.Context, playerID board.PlayerID) (int64, bool) {
	var score int64
	err := e.withSession(ctx, func(session store.Session) error {
		var err error
		score, err = session.QueryScore(ctx, playerID)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 0, false
	case err != nil:
		e.reportStoreFailure("score", playerID, err)
		return 0, false
	}
	return score, true
}

func (e *Engine) reportStoreFailure(op string, playerID board.PlayerID, err error) {
	e.storeFailures.Add(1)
	storeFailuresMetric.WithLabelValues(op).Inc()
	e.log.Warn("Store operation failed.", "op", op, "player_id", playerID, "error", err)
	if e.options.OnStoreFailure != nil {
		e.options.OnStoreFailure(op, playerID, err)
	}
}

func (e *Engine) countLookup(op string, hit bool) {
	status := "miss"
	if hit {
		e.hits.Add(1)
		status = "hit"
	} else {
		e.misses.Add(1)
	}
	lookupsMetric.WithLabelValues(op, status).Inc()
}
