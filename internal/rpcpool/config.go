package rpcpool

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

// EndpointConfigSpec is the koanf-loaded shape of one endpoint entry in the
// persisted config file (spec.md §6 "Persisted config file").
type EndpointConfigSpec struct {
	URL           string `koanf:"url"`
	ChainID       int64  `koanf:"chain_id"`
	Priority      int    `koanf:"priority"`
	NodeType      string `koanf:"node_type"` // "archive" | "full" | ""
	HasDebug      bool   `koanf:"has_debug"`
	MaxBlockRange uint64 `koanf:"max_block_range"`
	MaxLogs       uint64 `koanf:"max_logs"`
	Enabled       bool   `koanf:"enabled"`
	Proxy         string `koanf:"proxy"`
}

// Config is the fully-resolved set of settings used to build a Pool.
type Config struct {
	Endpoints        []EndpointConfigSpec
	AddEndpoints     []string
	ExcludeEndpoints []string
	MinPriority      int
	TimeoutSecs      uint64
	Concurrency      int
	MaxRetries       int
	ChunkSizeOverride uint64 // 0 = no override
	Proxy            string
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSecs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// LoadConfig reads pool configuration from an already-populated koanf
// instance under the "rpc" key path, matching the teacher's InitConfig
// (internal/util.InitConfig) convention of one koanf.Koanf shared across
// the whole process.
func LoadConfig(ko *koanf.Koanf) (Config, error) {
	var cfg Config
	if err := ko.Unmarshal("rpc", &cfg); err != nil {
		return Config{}, fmt.Errorf("rpcpool: failed to unmarshal rpc config: %w", err)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TimeoutSecs == 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.MinPriority == 0 {
		cfg.MinPriority = 1
	}
	return cfg, nil
}

func parseNodeType(s string) NodeType {
	switch s {
	case "archive":
		return NodeTypeArchive
	case "full":
		return NodeTypeFull
	default:
		return NodeTypeUnknown
	}
}
