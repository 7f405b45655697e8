package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobletooth/podium/pkg/board"
)

// newTestRedis spins up a miniredis server and a store on top of it.
func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	redisStore := NewRedis(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = redisStore.Close() })
	return redisStore, server
}

func TestRedis_UpsertAndQueryScore(t *testing.T) {
	ctx := context.Background()
	redisStore, server := newTestRedis(t)
	session, err := redisStore.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, session.UpsertScore(ctx, 1, 50))
	require.NoError(t, session.UpsertScore(ctx, 1, 65))

	score, err := session.QueryScore(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(65), score)
	_, err = session.QueryScore(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := server.ZScore(redisScoresKey, "1")
	require.NoError(t, err)
	assert.Equal(t, float64(65), stored)
	assert.NotEmpty(t, server.HGet(redisUpdatedKey, "1"))
}

func TestRedis_QueryTopN(t *testing.T) {
	ctx := context.Background()
	redisStore, _ := newTestRedis(t)
	session, err := redisStore.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	records, err := session.QueryTopN(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, records)

	before := time.Now().Add(-time.Second)
	require.NoError(t, session.UpsertScore(ctx, 1, 50))
	require.NoError(t, session.UpsertScore(ctx, 2, 80))
	require.NoError(t, session.UpsertScore(ctx, 3, 60))

	records, err = session.QueryTopN(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []board.ScoreRecord{{PlayerID: 2, Score: 80}, {PlayerID: 3, Score: 60}}, board.Ranking(records))
	for _, record := range records {
		assert.True(t, record.LastUpdated.After(before), "Last updated time should come from the hash")
	}
}

func TestRedis_QueryTopNBreaksTiesByNumericID(t *testing.T) {
	ctx := context.Background()
	redisStore, _ := newTestRedis(t)
	session, err := redisStore.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	// Byte order would rank "9" above "10" and "100" among equal scores.
	for _, playerID := range []board.PlayerID{9, 10, 100, 2} {
		require.NoError(t, session.UpsertScore(ctx, playerID, 70))
	}
	require.NoError(t, session.UpsertScore(ctx, 5, 90))

	for _, testCase := range []struct {
		n        int
		expected []board.PlayerID
	}{
		{n: 1, expected: []board.PlayerID{5}},
		{n: 2, expected: []board.PlayerID{5, 2}},
		{n: 3, expected: []board.PlayerID{5, 2, 9}},
		{n: 10, expected: []board.PlayerID{5, 2, 9, 10, 100}},
	} {
		t.Run("top_"+strconv.Itoa(testCase.n), func(t *testing.T) {
			records, err := session.QueryTopN(ctx, testCase.n)
			require.NoError(t, err)
			ids := make([]board.PlayerID, len(records))
			for i, record := range records {
				ids[i] = record.PlayerID
			}
			assert.Equal(t, testCase.expected, ids)
		})
	}
}

func TestRedis_PingAndReconnect(t *testing.T) {
	ctx := context.Background()
	redisStore, server := newTestRedis(t)
	session, err := redisStore.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, session.Ping(ctx))

	server.SetError("ERR server unavailable")
	assert.Error(t, session.Ping(ctx))
	assert.Error(t, session.Reconnect(ctx))
	_, err = redisStore.Dial(ctx)
	assert.Error(t, err)

	server.SetError("")
	require.NoError(t, session.Reconnect(ctx))
	assert.NoError(t, session.Ping(ctx))
	assert.NoError(t, session.UpsertScore(ctx, 1, 1))
}

func TestRedis_ConnectUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	address := server.Addr()
	server.Close()

	_, err := ConnectRedis(context.Background(), &redis.Options{Addr: address, MaxRetries: -1})
	assert.ErrorContains(t, err, "failed to connect to redis")
}
