package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nobletooth/podium/pkg/board"
	"github.com/nobletooth/podium/pkg/utils"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := NewLRU(2)
	assert.False(t, lru.Put(1 /*A*/, 10))
	assert.False(t, lru.Put(2 /*B*/, 20))
	assert.True(t, lru.Put(3 /*C*/, 30))

	_, found := lru.Get(1)
	assert.False(t, found, "A should have been evicted")
	score, found := lru.Get(2)
	assert.True(t, found)
	assert.Equal(t, int64(20), score)
	score, found = lru.Get(3)
	assert.True(t, found)
	assert.Equal(t, int64(30), score)
	assert.Equal(t, 2, lru.Len())
}

func TestLRU_GetRefreshesRecency(t *testing.T) {
	lru := NewLRU(2)
	lru.Put(1, 10)
	lru.Put(2, 20)
	_, _ = lru.Get(1) // 2 is now the least recently used.
	lru.Put(3, 30)

	_, found := lru.Get(2)
	assert.False(t, found)
	assert.Equal(t, []board.PlayerID{3, 1}, lru.Keys())
}

func TestLRU_PutReplacesInPlace(t *testing.T) {
	lru := NewLRU(3)
	lru.Put(1, 10)
	lru.Put(2, 20)
	assert.False(t, lru.Put(1, 15), "Updating a present player never evicts")

	assert.Equal(t, 2, lru.Len())
	assert.Equal(t, []board.PlayerID{1, 2}, lru.Keys())
	score, found := lru.Get(1)
	assert.True(t, found)
	assert.Equal(t, int64(15), score)
}

func TestLRU_CapacityBound(t *testing.T) {
	const capacity = 16
	var evicted []board.PlayerID
	lru := NewLRU(capacity, WithEvictionCallback(func(playerID board.PlayerID, _ int64) {
		evicted = append(evicted, playerID)
	}))
	for i := range int64(100) {
		lru.Put(i, i*10)
		assert.LessOrEqual(t, lru.Len(), capacity)
	}
	assert.Equal(t, capacity, lru.Len())
	assert.Len(t, evicted, 100-capacity)
	// Eviction follows insertion order when nothing is read back.
	for i, playerID := range evicted {
		assert.Equal(t, board.PlayerID(i), playerID)
	}
	keys := lru.Keys()
	assert.Equal(t, board.PlayerID(99), keys[0])
	assert.Equal(t, board.PlayerID(100-capacity), keys[len(keys)-1])
}

func TestLRU_NonPositiveCapacity(t *testing.T) {
	before := utils.GetMetricValue("lru", "non_positive_capacity")
	lru := NewLRU(0)
	assert.Equal(t, before+1, utils.GetMetricValue("lru", "non_positive_capacity"))
	assert.Equal(t, 1, lru.Capacity())

	lru.Put(1, 10)
	lru.Put(2, 20)
	assert.Equal(t, []board.PlayerID{2}, lru.Keys())
}

func TestLRU_Concurrent(t *testing.T) {
	lru := NewLRU(64)
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				playerID := board.PlayerID(worker*1000 + i)
				lru.Put(playerID, int64(i))
				_, _ = lru.Get(playerID)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, lru.Len())
	assert.Len(t, lru.Keys(), 64)
}

func TestNoOp(t *testing.T) {
	var layer Layer = NoOp{}
	assert.False(t, layer.Put(1, 10))
	_, found := layer.Get(1)
	assert.False(t, found)
	assert.Zero(t, layer.Len())
}
