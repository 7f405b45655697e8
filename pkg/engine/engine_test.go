package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/config"
	"github.com/nobletooth/podium/pkg/pool"
	"github.com/nobletooth/podium/pkg/store"
	"github.com/nobletooth/podium/pkg/utils"
)

type storeFailure struct {
	op       string
	playerID board.PlayerID
	err      error
}

type testEngine struct {
	*Engine
	memory *store.Memory
	mux    sync.Mutex
	failed []storeFailure
}

func (e *testEngine) failures() []storeFailure {
	e.mux.Lock()
	defer e.mux.Unlock()
	return append([]storeFailure(nil), e.failed...)
}

// seed writes records straight into the store, bypassing every cache.
func (e *testEngine) seed(t *testing.T, records ...board.ScoreRecord) {
	t.Helper()
	session, err := e.memory.Dial(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		require.NoError(t, session.UpsertScore(context.Background(), record.PlayerID, record.Score))
	}
}

func newTestEngine(t *testing.T, mode Mode, customize ...func(*Options)) *testEngine {
	t.Helper()
	te := &testEngine{memory: store.NewMemory(4)}
	options := Options{
		Mode:            mode,
		RecencyCapacity: 4,
		TopCapacity:     3,
		RankMaxLevel:    8,
		OnStoreFailure: func(op string, playerID board.PlayerID, err error) {
			te.mux.Lock()
			defer te.mux.Unlock()
			te.failed = append(te.failed, storeFailure{op: op, playerID: playerID, err: err})
		},
	}
	for _, fn := range customize {
		fn(&options)
	}

	var sessions SessionPool
	if mode.UsesStore() {
		sessionPool, err := pool.New(context.Background(), 2, te.memory.Dial)
		require.NoError(t, err)
		sessions = sessionPool
	}
	engine, err := New(options, sessions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	te.Engine = engine
	return te
}

func TestParseMode(t *testing.T) {
	for _, testCase := range []struct {
		name     string
		expected Mode
	}{
		{name: "db_only", expected: ModeDBOnly},
		{name: "cache_only", expected: ModeCacheOnly},
		{name: "lru_plus_store", expected: ModeLRUPlusStore},
		{name: "all", expected: ModeAll},
		{name: " ALL ", expected: ModeAll},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			mode, err := ParseMode(testCase.name)
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, mode)
		})
	}
	_, err := ParseMode("write_behind")
	assert.ErrorContains(t, err, "unknown mode")
	assert.Equal(t, "lru_plus_store", ModeLRUPlusStore.String())
	assert.Equal(t, "Mode(9)", Mode(9).String())
}

func TestOptionsFromFlags(t *testing.T) {
	config.SetTestFlag(t, "mode", "lru_plus_store")
	config.SetTestFlag(t, "recency_cache_capacity", "12")
	config.SetTestFlag(t, "top_cache_capacity", "7")
	config.SetTestFlag(t, "rank_index_identity_lookup", "true")

	options, err := OptionsFromFlags()
	require.NoError(t, err)
	assert.Equal(t, Options{
		Mode:              ModeLRUPlusStore,
		RecencyCapacity:   12,
		TopCapacity:       7,
		RankMaxLevel:      16,
		RankIdentityIndex: true,
	}, options)

	config.SetTestFlag(t, "mode", "nope")
	_, err = OptionsFromFlags()
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Mode: ModeAll, RecencyCapacity: 1, TopCapacity: 1, RankMaxLevel: 1}, nil)
	assert.ErrorContains(t, err, "needs a store session pool")
	_, err = New(Options{Mode: Mode(42)}, nil)
	assert.ErrorContains(t, err, "unknown mode")

	engine, err := New(Options{Mode: ModeCacheOnly, RecencyCapacity: 1, TopCapacity: 1, RankMaxLevel: 1}, nil)
	require.NoError(t, err)
	assert.NoError(t, engine.Close())
}

func TestDBOnly(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeDBOnly)

	require.NoError(t, engine.UpdateScore(ctx, 1, 50))
	require.NoError(t, engine.UpdateScore(ctx, 2, 80))
	assert.Equal(t, 2, engine.memory.Len())

	assert.Equal(t, []board.ScoreRecord{{PlayerID: 2, Score: 80}, {PlayerID: 1, Score: 50}},
		board.Ranking(engine.TopN(ctx, 10)))
	score, found := engine.Score(ctx, 1)
	assert.True(t, found)
	assert.Equal(t, int64(50), score)
	_, found = engine.Score(ctx, 3)
	assert.False(t, found)

	t.Run("write_failure_is_returned", func(t *testing.T) {
		engine.memory.FailWrites.Store(true)
		defer engine.memory.FailWrites.Store(false)
		err := engine.UpdateScore(ctx, 3, 10)
		assert.ErrorIs(t, err, ErrStoreWrite)
		assert.ErrorIs(t, err, store.ErrInjected)
	})
	t.Run("read_failure_is_not_found", func(t *testing.T) {
		engine.memory.FailReads.Store(true)
		defer engine.memory.FailReads.Store(false)
		_, found := engine.Score(ctx, 1)
		assert.False(t, found)
		assert.Empty(t, engine.TopN(ctx, 10))
	})

	stats := engine.Stats()
	assert.Equal(t, int64(3), stats.StoreFailures)
	assert.Zero(t, stats.RecencyLen, "db_only keeps no cache")
	assert.Zero(t, stats.RankLen)
	ops := make([]string, 0, 3)
	for _, failure := range engine.failures() {
		ops = append(ops, failure.op)
	}
	assert.Equal(t, []string{"upsert", "score", "top_n"}, ops)
}

func TestCacheOnly(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeCacheOnly, func(options *Options) { options.RecencyCapacity = 1 })

	for playerID, score := range map[board.PlayerID]int64{1: 50, 2: 80, 3: 60, 4: 70, 5: 10} {
		require.NoError(t, engine.UpdateScore(ctx, playerID, score))
	}
	assert.Zero(t, engine.memory.Dials(), "cache_only never touches the store")

	t.Run("top_cache_serves_shallow_reads", func(t *testing.T) {
		assert.Equal(t, []board.ScoreRecord{{PlayerID: 2, Score: 80}, {PlayerID: 4, Score: 70}},
			engine.TopN(ctx, 2))
	})
	t.Run("rank_index_serves_deep_reads", func(t *testing.T) {
		assert.Equal(t, []board.ScoreRecord{
			{PlayerID: 2, Score: 80}, {PlayerID: 4, Score: 70}, {PlayerID: 3, Score: 60},
			{PlayerID: 1, Score: 50}, {PlayerID: 5, Score: 10},
		}, engine.TopN(ctx, 10))
	})
	t.Run("point_reads_fall_back_to_rank_index", func(t *testing.T) {
		hitsBefore := engine.Stats().Hits
		score, found := engine.Score(ctx, 1) // Likely evicted from the single-slot recency cache.
		assert.True(t, found)
		assert.Equal(t, int64(50), score)
		score, found = engine.Score(ctx, 1) // Now refreshed in the recency cache.
		assert.True(t, found)
		assert.Equal(t, int64(50), score)
		assert.Equal(t, hitsBefore+2, engine.Stats().Hits)

		_, found = engine.Score(ctx, 99)
		assert.False(t, found)
	})
	assert.Empty(t, engine.TopN(ctx, 0))

	stats := engine.Stats()
	assert.Equal(t, 5, stats.RankLen)
	assert.Equal(t, 3, stats.TopLen)
	assert.Equal(t, 1, stats.RecencyLen)
}

func TestLRUPlusStore(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeLRUPlusStore)
	engine.seed(t, board.ScoreRecord{PlayerID: 7, Score: 700})

	require.NoError(t, engine.UpdateScore(ctx, 1, 50))
	stored, err := engine.memory.Dial(ctx)
	require.NoError(t, err)
	score, err := stored.QueryScore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), score, "Writes go through to the store")

	t.Run("read_through_and_backfill", func(t *testing.T) {
		before := engine.Stats()
		score, found := engine.Score(ctx, 7)
		assert.True(t, found)
		assert.Equal(t, int64(700), score)
		score, found = engine.Score(ctx, 7)
		assert.True(t, found)
		assert.Equal(t, int64(700), score)

		after := engine.Stats()
		assert.Equal(t, before.Misses+1, after.Misses)
		assert.Equal(t, before.Hits+1, after.Hits)
	})
	t.Run("ranked_reads_come_from_store", func(t *testing.T) {
		assert.Equal(t, []board.ScoreRecord{{PlayerID: 7, Score: 700}, {PlayerID: 1, Score: 50}},
			board.Ranking(engine.TopN(ctx, 5)))
	})
	t.Run("write_failure_is_absorbed", func(t *testing.T) {
		engine.memory.FailWrites.Store(true)
		defer engine.memory.FailWrites.Store(false)
		require.NoError(t, engine.UpdateScore(ctx, 1, 55))
		score, found := engine.Score(ctx, 1)
		assert.True(t, found)
		assert.Equal(t, int64(55), score, "The recency cache keeps the accepted value")
		assert.Equal(t, int64(1), engine.Stats().StoreFailures)
	})
}

func TestAll_StoreWriteFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeAll)
	failuresBefore := utils.CounterValue(storeFailuresMetric.WithLabelValues("upsert"))
	engine.memory.FailWrites.Store(true)

	require.NoError(t, engine.UpdateScore(ctx, 9, 500))

	assert.Equal(t, []board.ScoreRecord{{PlayerID: 9, Score: 500}}, engine.TopN(ctx, 1))
	assert.Zero(t, engine.memory.Len())
	assert.Equal(t, int64(1), engine.Stats().StoreFailures)
	assert.Equal(t, failuresBefore+1, utils.CounterValue(storeFailuresMetric.WithLabelValues("upsert")))
	failures := engine.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "upsert", failures[0].op)
	assert.Equal(t, board.PlayerID(9), failures[0].playerID)
	assert.True(t, errors.Is(failures[0].err, store.ErrInjected))
}

func TestAll_RankedMissBackfillsFromStore(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeAll)
	engine.seed(t,
		board.ScoreRecord{PlayerID: 1, Score: 50},
		board.ScoreRecord{PlayerID: 2, Score: 80},
		board.ScoreRecord{PlayerID: 3, Score: 60},
		board.ScoreRecord{PlayerID: 4, Score: 20},
	)

	before := engine.Stats()
	records := engine.TopN(ctx, 2)
	assert.Equal(t, []board.ScoreRecord{{PlayerID: 2, Score: 80}, {PlayerID: 3, Score: 60}}, board.Ranking(records))
	assert.Equal(t, before.Misses+1, engine.Stats().Misses)
	assert.Equal(t, 2, engine.Stats().RankLen)
	assert.Equal(t, 2, engine.Stats().TopLen)

	// The second read is served from the top cache.
	assert.Equal(t, []board.ScoreRecord{{PlayerID: 2, Score: 80}, {PlayerID: 3, Score: 60}}, engine.TopN(ctx, 2))
	assert.Equal(t, before.Hits+1, engine.Stats().Hits)
}

func TestAll_WritesReachEveryTier(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, ModeAll)
	require.NoError(t, engine.UpdateScore(ctx, 1, 50))
	require.NoError(t, engine.UpdateScore(ctx, 2, 80))
	require.NoError(t, engine.UpdateScore(ctx, 1, 90))

	stats := engine.Stats()
	assert.Equal(t, 2, stats.RecencyLen)
	assert.Equal(t, 2, stats.RankLen)
	assert.Equal(t, 2, stats.TopLen)
	assert.Equal(t, 2, engine.memory.Len())
	assert.Equal(t, []board.ScoreRecord{{PlayerID: 1, Score: 90}, {PlayerID: 2, Score: 80}}, engine.TopN(ctx, 5))

	score, found := engine.Score(ctx, 1)
	assert.True(t, found)
	assert.Equal(t, int64(90), score)
}

func TestWarmUp(t *testing.T) {
	ctx := context.Background()
	records := []board.ScoreRecord{
		{PlayerID: 1, Score: 10}, {PlayerID: 2, Score: 20}, {PlayerID: 3, Score: 30},
		{PlayerID: 4, Score: 40}, {PlayerID: 5, Score: 50},
	}

	t.Run("loads_top_cache_capacity", func(t *testing.T) {
		engine := newTestEngine(t, ModeAll)
		engine.seed(t, records...)
		require.NoError(t, engine.WarmUp(ctx, 0))
		assert.Equal(t, 3, engine.Stats().TopLen)
		assert.Equal(t, 3, engine.Stats().RankLen)
		assert.Equal(t, []board.ScoreRecord{{PlayerID: 5, Score: 50}, {PlayerID: 4, Score: 40}}, engine.TopN(ctx, 2))
	})
	t.Run("deeper_load_fills_rank_index", func(t *testing.T) {
		engine := newTestEngine(t, ModeAll)
		engine.seed(t, records...)
		require.NoError(t, engine.WarmUp(ctx, 10))
		assert.Equal(t, 3, engine.Stats().TopLen)
		assert.Equal(t, 5, engine.Stats().RankLen)
	})
	t.Run("store_failure", func(t *testing.T) {
		engine := newTestEngine(t, ModeAll)
		engine.memory.FailReads.Store(true)
		assert.ErrorIs(t, engine.WarmUp(ctx, 0), store.ErrInjected)
		assert.Equal(t, int64(1), engine.Stats().StoreFailures)
	})
	t.Run("noop_in_other_modes", func(t *testing.T) {
		for _, mode := range []Mode{ModeDBOnly, ModeCacheOnly, ModeLRUPlusStore} {
			engine := newTestEngine(t, mode)
			engine.seed(t, records...)
			assert.NoError(t, engine.WarmUp(ctx, 0))
			assert.Zero(t, engine.Stats().RankLen)
		}
	})
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []Mode{ModeDBOnly, ModeCacheOnly, ModeLRUPlusStore, ModeAll} {
		t.Run(mode.String(), func(t *testing.T) {
			engine := newTestEngine(t, mode, func(options *Options) { options.RankIdentityIndex = true })
			const workers, perWorker = 8, 25
			var wg sync.WaitGroup
			for worker := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range perWorker {
						playerID := board.PlayerID(worker*perWorker + i)
						assert.NoError(t, engine.UpdateScore(ctx, playerID, int64(i)))
						_, _ = engine.Score(ctx, playerID)
						_ = engine.TopN(ctx, 3)
					}
				}()
			}
			wg.Wait()

			if mode.usesRanking() {
				assert.Equal(t, workers*perWorker, engine.Stats().RankLen)
			}
			if mode.UsesStore() {
				assert.Equal(t, workers*perWorker, engine.memory.Len())
			}
			assert.Len(t, engine.TopN(ctx, 3), 3)
		})
	}
}
