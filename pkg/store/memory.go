// The memory backend keeps scores in process, distributed across shards by the xxhash of the player id so
// concurrent sessions rarely contend on the same lock. It backs local runs and tests, and supports injected
// failures so best-effort persistence paths can be exercised.

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

var memoryShardsFlag = flag.Int("memory_store_shards", 16, "Number of shards of the in-process score store.")

// ErrInjected is returned by the memory backend while a failure is injected.
var ErrInjected = errors.New("injected store failure")

type memoryShard struct {
	mux     sync.RWMutex
	records map[board.PlayerID]board.ScoreRecord
}

// Memory is an in-process score store shared by all of its sessions.
type Memory struct {
	shards []*memoryShard
	now    func() time.Time

	FailWrites atomic.Bool // UpsertScore returns ErrInjected while set.
	FailReads  atomic.Bool // QueryTopN and QueryScore return ErrInjected while set.
	FailPings  atomic.Bool // Ping and Reconnect return ErrInjected while set.
	FailDials  atomic.Bool // Dial returns ErrInjected while set.
	dials      atomic.Int64
}

// NewMemory creates an empty store with `shardCount` shards.
func NewMemory(shardCount int) *Memory {
	if shardCount <= 0 {
		utils.RaiseInvariant("memory_store", "non_positive_shard_count",
			"Invalid shard count has been given to the memory store.", "shardCount", shardCount)
		shardCount = 1
	}
	memory := &Memory{shards: make([]*memoryShard, shardCount), now: time.Now}
	for i := range shardCount {
		memory.shards[i] = &memoryShard{records: make(map[board.PlayerID]board.ScoreRecord)}
	}
	return memory
}

// shard picks the shard owning the player.
func (m *Memory) shard(playerID board.PlayerID) *memoryShard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(playerID))
	return m.shards[xxhash.Sum64(b[:])%uint64(len(m.shards))]
}

// Dial opens a new session. It matches the Dialer signature.
func (m *Memory) Dial(context.Context) (Session, error) {
	if m.FailDials.Load() {
		return nil, ErrInjected
	}
	m.dials.Add(1)
	return &memorySession{store: m}, nil
}

// Dials returns the number of sessions opened so far.
func (m *Memory) Dials() int64 { return m.dials.Load() }

// Len returns the number of stored players.
func (m *Memory) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mux.RLock()
		total += len(shard.records)
		shard.mux.RUnlock()
	}
	return total
}

func (m *Memory) upsert(playerID board.PlayerID, score int64) {
	shard := m.shard(playerID)
	shard.mux.Lock()
	defer shard.mux.Unlock()
	shard.records[playerID] = board.ScoreRecord{PlayerID: playerID, Score: score, LastUpdated: m.now()}
}

// topN ranks every shard separately and merges the rankings.
func (m *Memory) topN(n int) []board.ScoreRecord {
	out := make([]board.ScoreRecord, 0, max(0, n))
	if n <= 0 {
		return out
	}
	rankings := make([]iter.Seq[board.ScoreRecord], len(m.shards))
	for i, shard := range m.shards {
		shard.mux.RLock()
		ranking := make([]board.ScoreRecord, 0, len(shard.records))
		for _, record := range shard.records {
			ranking = append(ranking, record)
		}
		shard.mux.RUnlock()
		board.SortRanking(ranking)
		rankings[i] = slices.Values(ranking)
	}
	for record := range mergeRanked(rankings) {
		out = append(out, record)
		if len(out) == n {
			break
		}
	}
	return out
}

func (m *Memory) score(playerID board.PlayerID) (int64, bool) {
	shard := m.shard(playerID)
	shard.mux.RLock()
	defer shard.mux.RUnlock()
	record, ok := shard.records[playerID]
	return record.Score, ok
}

// memorySession implements Session over a Memory store.
type memorySession struct {
	store  *Memory
	closed atomic.Bool
}

var _ Session = (*memorySession)(nil)

func (s *memorySession) check(injected *atomic.Bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if injected.Load() {
		return ErrInjected
	}
	return nil
}

func (s *memorySession) UpsertScore(_ context.Context, playerID board.PlayerID, score int64) error {
	if err := s.check(&s.store.FailWrites); err != nil {
		return observe(BackendMemory, "upsert", err)
	}
	s.store.upsert(playerID, score)
	return observe(BackendMemory, "upsert", nil)
}

func (s *memorySession) QueryTopN(_ context.Context, n int) ([]board.ScoreRecord, error) {
	if err := s.check(&s.store.FailReads); err != nil {
		return nil, observe(BackendMemory, "top_n", err)
	}
	return s.store.topN(n), observe(BackendMemory, "top_n", nil)
}

func (s *memorySession) QueryScore(_ context.Context, playerID board.PlayerID) (int64, error) {
	if err := s.check(&s.store.FailReads); err != nil {
		return 0, observe(BackendMemory, "score", err)
	}
	score, ok := s.store.score(playerID)
	if !ok {
		return 0, observe(BackendMemory, "score", ErrNotFound)
	}
	return score, observe(BackendMemory, "score", nil)
}

func (s *memorySession) Ping(context.Context) error {
	return s.check(&s.store.FailPings)
}

func (s *memorySession) Reconnect(context.Context) error {
	if s.store.FailPings.Load() {
		return ErrInjected
	}
	s.closed.Store(false)
	return nil
}

func (s *memorySession) Close() error {
	s.closed.Store(true)
	return nil
}
