package rpcpool

import (
	"os"
	"sync"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/rs/zerolog"
)

// configWriteLock serializes background config writes within this process.
// It mirrors the Rust reference's CONFIG_WRITE_LOCK: a single process-wide
// mutex that prevents interleaved writes from concurrent goroutines. It
// does not protect against multiple processes racing on the same file —
// that TOCTOU window is accepted (SPEC_FULL.md §5): worst case is a lost
// learned-limit optimization, re-learned on the next run.
var configWriteLock sync.Mutex

// ConfigPersister writes learned per-endpoint limits back to the on-disk
// TOML config file, best-effort and fire-and-forget.
type ConfigPersister struct {
	path   string
	logger zerolog.Logger
}

func NewConfigPersister(path string, logger zerolog.Logger) *ConfigPersister {
	return &ConfigPersister{path: path, logger: logger}
}

// PersistBlockRangeLimit spawns a background goroutine that updates the
// learned max_block_range field for url in the config file on disk. Errors
// are logged at debug level and otherwise swallowed: learned limits are
// optimizations, not critical data, and will be re-learned next run if the
// write is lost.
func (p *ConfigPersister) PersistBlockRangeLimit(url string, limit uint64) {
	if p == nil || p.path == "" {
		return
	}
	go func() {
		configWriteLock.Lock()
		defer configWriteLock.Unlock()
		if err := p.updateEndpointField(url, "max_block_range", limit); err != nil {
			p.logger.Debug().Err(err).Str("url", url).Msg("failed to persist block range limit")
			return
		}
		p.logger.Info().Str("url", url).Uint64("limit", limit).Msg("learned block range limit persisted")
	}()
}

// PersistMaxLogsLimit is the max_logs analogue of PersistBlockRangeLimit.
func (p *ConfigPersister) PersistMaxLogsLimit(url string, limit uint64) {
	if p == nil || p.path == "" {
		return
	}
	go func() {
		configWriteLock.Lock()
		defer configWriteLock.Unlock()
		if err := p.updateEndpointField(url, "max_logs", limit); err != nil {
			p.logger.Debug().Err(err).Str("url", url).Msg("failed to persist max logs limit")
			return
		}
		p.logger.Info().Str("url", url).Uint64("limit", limit).Msg("learned max logs limit persisted")
	}()
}

// updateEndpointField loads the raw TOML document, rewrites the matching
// endpoint's field in place, and writes it back. Must be called with
// configWriteLock held.
func (p *ConfigPersister) updateEndpointField(url, field string, value uint64) error {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}

	parser := toml.Parser()
	doc, err := parser.Unmarshal(raw)
	if err != nil {
		return err
	}

	rpcSection, _ := doc["rpc"].(map[string]interface{})
	if rpcSection == nil {
		return nil
	}
	endpoints, _ := rpcSection["endpoints"].([]interface{})
	for _, entry := range endpoints {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if m["url"] == url {
			m[field] = value
		}
	}

	out, err := parser.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, out, 0o644)
}
