package common

import (
	"os"
	"strconv"
)

// ConfigValue is a single named, typed setting, in the style of the
// teacher's common.Config (accessed as config["numVbuckets"].Int() in
// indexer/storage_manager.go).
type ConfigValue struct {
	Value interface{}
	Desc  string
}

func (c ConfigValue) Int() int {
	switch v := c.Value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}

func (c ConfigValue) Int64() int64 {
	switch v := c.Value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	}
	return 0
}

func (c ConfigValue) Uint64() uint64 {
	switch v := c.Value.(type) {
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

func (c ConfigValue) Float64() float64 {
	switch v := c.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	return 0
}

func (c ConfigValue) Bool() bool {
	if v, ok := c.Value.(bool); ok {
		return v
	}
	return false
}

func (c ConfigValue) String() string {
	if v, ok := c.Value.(string); ok {
		return v
	}
	return ""
}

// Config is a named bag of settings threaded through every component at
// construction, in the teacher's style: there is no module-level global
// config singleton (§9 "Global mutable state").
type Config map[string]ConfigValue

// SetValue returns a copy of c with key set to value, leaving c
// untouched — callers build up configs incrementally without aliasing.
func (c Config) SetValue(key string, value interface{}) Config {
	out := make(Config, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[key] = ConfigValue{Value: value}
	return out
}

// Environment variable names recognized per spec.md §6.
const (
	EnvMaxIndexingMemory       = "MAX_INDEXING_MEMORY"
	EnvMaxIndexingThreads      = "MAX_INDEXING_THREADS"
	EnvIndexMaxReaders         = "INDEX_MAX_READERS"
	EnvExperimentalDumplessUpg = "EXPERIMENTAL_DUMPLESS_UPGRADE"
)

// DefaultConfig returns the out-of-the-box settings, overridden by any of
// the §6 environment variables that are present.
func DefaultConfig() Config {
	c := Config{
		"dataRoot":                   {Value: "./data.scout", Desc: "root directory for tasks/, indexes/ and auth/"},
		"indexer.maxIndexingMemory":  {Value: int64(0), Desc: "0 means unbounded"},
		"indexer.maxIndexingThreads": {Value: 4, Desc: "worker-pool size for one batch"},
		"index.maxReaders":           {Value: 1024, Desc: "per-environment reader slots"},
		"indexer.dumplessUpgrade":    {Value: false},
		"indexMap.lruCapacity":       {Value: 64, Desc: "max concurrently open index environments"},
		"indexMap.closeTimeoutMs":    {Value: 5000, Desc: "generation-gated close-event wait timeout"},
		"indexer.baseMapSize":        {Value: int64(64 << 20), Desc: "initial mmap size per index environment, 64MiB"},
		"indexer.minGrowth":          {Value: int64(4 << 20), Desc: "minimum resize growth, 4MiB"},
		"batcher.maxBatchTasks":      {Value: 1000},
		"batcher.maxBatchWeight":     {Value: int64(512 << 20), Desc: "512MiB of payload bytes"},
		"hybrid.goodEnoughScore":     {Value: 0.45},
		"hybrid.scoreEpsilon":       {Value: 1e-9},
		"taskqueue.payloadMaxBytes": {Value: int64(512 << 20), Desc: "file_store staging cap, 512MiB"},
	}
	if v, ok := os.LookupEnv(EnvMaxIndexingMemory); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c = c.SetValue("indexer.maxIndexingMemory", n)
		}
	}
	if v, ok := os.LookupEnv(EnvMaxIndexingThreads); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c = c.SetValue("indexer.maxIndexingThreads", n)
		}
	}
	if v, ok := os.LookupEnv(EnvIndexMaxReaders); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c = c.SetValue("index.maxReaders", n)
		}
	}
	if v, ok := os.LookupEnv(EnvExperimentalDumplessUpg); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c = c.SetValue("indexer.dumplessUpgrade", b)
		}
	}
	return c
}
