// The redis backend keeps scores in a sorted set and last-updated times (unix millis) in a hash, both keyed by
// the decimal player id. Sorted-set scores are float64, so scores beyond ±2^53 lose precision.

package store

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nobletooth/podium/pkg/board"
)

var (
	redisAddressFlag  = flag.String("redis_address", "localhost:6379", "Address of the redis score store.")
	redisPasswordFlag = flag.String("redis_password", "", "Password of the redis score store.")
	redisDBFlag       = flag.Int("redis_db", 0, "Database index of the redis score store.")
)

const (
	redisScoresKey  = "leaderboard:scores"
	redisUpdatedKey = "leaderboard:updated"
)

// RedisOptionsFromFlags builds client options from the redis flags.
func RedisOptionsFromFlags() *redis.Options {
	return &redis.Options{
		Addr:         *redisAddressFlag,
		Password:     *redisPasswordFlag,
		DB:           *redisDBFlag,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Redis dials sessions over a shared client.
type Redis struct {
	client *redis.Client
}

// ConnectRedis creates the client and checks the server is reachable.
func ConnectRedis(ctx context.Context, options *redis.Options) (*Redis, error) {
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client), nil
}

// NewRedis wraps an existing client, e.g. one pointed at miniredis.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close closes the shared client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Dial pins a dedicated connection. It matches the Dialer signature.
func (r *Redis) Dial(ctx context.Context) (Session, error) {
	conn := r.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open redis connection: %w", err)
	}
	return &redisSession{client: r.client, conn: conn, now: time.Now}, nil
}

type redisSession struct {
	client *redis.Client
	conn   *redis.Conn
	now    func() time.Time
}

var _ Session = (*redisSession)(nil)

func (s *redisSession) UpsertScore(ctx context.Context, playerID board.PlayerID, score int64) error {
	member := strconv.FormatInt(playerID, 10)
	_, err := s.conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, redisScoresKey, redis.Z{Score: float64(score), Member: member})
		pipe.HSet(ctx, redisUpdatedKey, member, s.now().UnixMilli())
		return nil
	})
	if err != nil {
		return observe(BackendRedis, "upsert", fmt.Errorf("failed to upsert score: %w", err))
	}
	return observe(BackendRedis, "upsert", nil)
}

// QueryTopN reads the n highest members. Redis orders equal scores by member bytes, so when the cut falls inside
// a run of equal scores the whole run is fetched and re-ranked by numeric player id.
func (s *redisSession) QueryTopN(ctx context.Context, n int) ([]board.ScoreRecord, error) {
	if n <= 0 {
		return []board.ScoreRecord{}, nil
	}
	members, err := s.conn.ZRevRangeWithScores(ctx, redisScoresKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, observe(BackendRedis, "top_n", fmt.Errorf("failed to query top scores: %w", err))
	}
	if len(members) == n {
		boundary := strconv.FormatFloat(members[n-1].Score, 'f', -1, 64)
		tied, err := s.conn.ZRangeByScoreWithScores(ctx, redisScoresKey,
			&redis.ZRangeBy{Min: boundary, Max: boundary}).Result()
		if err != nil {
			return nil, observe(BackendRedis, "top_n", fmt.Errorf("failed to query tied scores: %w", err))
		}
		members = append(withoutScore(members, members[n-1].Score), tied...)
	}

	records := make([]board.ScoreRecord, 0, len(members))
	ids := make([]string, 0, len(members))
	for _, member := range members {
		id, _ := member.Member.(string)
		playerID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, observe(BackendRedis, "top_n", fmt.Errorf("malformed player id %q: %w", id, err))
		}
		records = append(records, board.ScoreRecord{PlayerID: playerID, Score: int64(member.Score)})
		ids = append(ids, id)
	}
	if len(records) == 0 {
		return records, observe(BackendRedis, "top_n", nil)
	}
	board.SortRanking(records)
	records = records[:min(n, len(records))]

	updated, err := s.conn.HMGet(ctx, redisUpdatedKey, ids...).Result()
	if err != nil {
		return nil, observe(BackendRedis, "top_n", fmt.Errorf("failed to query update times: %w", err))
	}
	updatedByID := make(map[string]time.Time, len(updated))
	for i, value := range updated {
		if raw, ok := value.(string); ok {
			if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
				updatedByID[ids[i]] = time.UnixMilli(millis)
			}
		}
	}
	for i := range records {
		records[i].LastUpdated = updatedByID[strconv.FormatInt(records[i].PlayerID, 10)]
	}
	return records, observe(BackendRedis, "top_n", nil)
}

// withoutScore drops the trailing members carrying `score`.
func withoutScore(members []redis.Z, score float64) []redis.Z {
	end := len(members)
	for end > 0 && members[end-1].Score == score {
		end--
	}
	return members[:end]
}

func (s *redisSession) QueryScore(ctx context.Context, playerID board.PlayerID) (int64, error) {
	score, err := s.conn.ZScore(ctx, redisScoresKey, strconv.FormatInt(playerID, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, observe(BackendRedis, "score", ErrNotFound)
		}
		return 0, observe(BackendRedis, "score", fmt.Errorf("failed to query score: %w", err))
	}
	return int64(score), observe(BackendRedis, "score", nil)
}

func (s *redisSession) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx).Err()
}

// Reconnect drops the pinned connection and pins a fresh one.
func (s *redisSession) Reconnect(ctx context.Context) error {
	_ = s.conn.Close()
	conn := s.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to reopen redis connection: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *redisSession) Close() error {
	return s.conn.Close()
}
