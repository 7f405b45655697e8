package engine

import (
	"fmt"
	"strings"
)

// Mode selects which tiers take part in reads and writes.
type Mode int

const (
	// ModeDBOnly sends every operation to the store.
	ModeDBOnly Mode = iota
	// ModeCacheOnly keeps everything in memory and never contacts the store.
	ModeCacheOnly
	// ModeLRUPlusStore fronts point reads with the recency cache and writes through to the store.
	ModeLRUPlusStore
	// ModeAll uses the recency cache, the rank index with its top cache, and the store.
	ModeAll
)

var modeNames = map[Mode]string{
	ModeDBOnly:       "db_only",
	ModeCacheOnly:    "cache_only",
	ModeLRUPlusStore: "lru_plus_store",
	ModeAll:          "all",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode maps a mode name, case-insensitively, to its Mode.
func ParseMode(name string) (Mode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for mode, modeName := range modeNames {
		if modeName == name {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q, expected one of db_only/cache_only/lru_plus_store/all", name)
}

// UsesStore reports whether the mode needs store sessions.
func (m Mode) UsesStore() bool { return m != ModeCacheOnly }

// usesRecency reports whether point reads and writes go through the recency cache.
func (m Mode) usesRecency() bool { return m != ModeDBOnly }

// usesRanking reports whether the mode keeps the rank index and the top cache.
func (m Mode) usesRanking() bool { return m == ModeCacheOnly || m == ModeAll }
