package config

import (
	"flag"
	"fmt"
	"slices"
	"strings"
)

// skippedConfigFlags is the list of command line flags that can't be set from the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// entries maps config file paths to flag names. Every flag defined by podium must have exactly one entry.
var entries = []struct{ path, flagName string }{
	{"log.handler_type", "log_handler_type"},
	{"log.level", "log_level"},

	{"engine.mode", "mode"},
	{"engine.recency_cache.capacity", "recency_cache_capacity"},
	{"engine.top_cache.capacity", "top_cache_capacity"},
	{"engine.rank_index.max_level", "rank_index_max_level"},
	{"engine.rank_index.identity_lookup", "rank_index_identity_lookup"},
	{"engine.warm_up_size", "warm_up_size"},

	{"store.backend", "store_backend"},
	{"store.pool_size", "pool_size"},
	{"store.memory.shards", "memory_store_shards"},
	{"store.postgres.dsn", "postgres_dsn"},
	{"store.redis.address", "redis_address"},
	{"store.redis.password", "redis_password"},
	{"store.redis.db", "redis_db"},

	{"server.address", "address"},
	{"server.http_address", "http_address"},
	{"server.default_top_n", "default_top_n"},
	{"server.shutdown_timeout", "shutdown_timeout"},
}

// flagByPath indexes entries by config path.
var flagByPath = func() map[string]string {
	byPath := make(map[string]string, len(entries))
	for _, entry := range entries {
		byPath[entry.path] = entry.flagName
	}
	return byPath
}()

// definedFlags returns the set of flags reachable from the config file.
func definedFlags() (map[ /*flagName*/ string]struct{}, error) {
	flagSet := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if _, exists := flagSet[entry.flagName]; exists {
			return nil, fmt.Errorf("duplicate flag name '%s' in config: %s", entry.flagName, entry.path)
		}
		flagSet[entry.flagName] = struct{}{}
	}
	return flagSet, nil
}

// CollectUnregisteredFlags collects all flags that can't be set from the config file.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	configFlags, err := definedFlags()
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := configFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in config registry", f.Name))
		}
	})
	return errs
}
