package rpcpool

import (
	"context"
	"math/rand"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

// minTxFetchConcurrency is the floor applied to select_endpoints(count) for
// transaction/receipt lookups, regardless of the configured concurrency
// (spec.md §4.2 "get_transaction/get_receipt").
const minTxFetchConcurrency = 4

// Pool constructs and ranks a set of endpoints by health, and exposes
// get_logs/get_block_number/get_tx/get_receipt with failover (C2).
type Pool struct {
	endpoints   []*Endpoint
	health      *Health
	concurrency int
	maxRetries  int
	chunkSize   uint64 // 0 = no override
	persister   *ConfigPersister
	logger      zerolog.Logger
}

// New builds a Pool for chainID from cfg. Filtering order matches spec.md
// §4.2: chain match, then add_endpoints (bypasses chain filter), then
// exclude, then min_priority, then disabled. A pool with zero endpoints is
// a construction-time error.
func New(chainID int64, cfg Config, persister *ConfigPersister, logger zerolog.Logger) (*Pool, error) {
	specs := make([]EndpointConfigSpec, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		if e.ChainID == chainID {
			specs = append(specs, e)
		}
	}

	existing := make(map[string]bool, len(specs))
	for _, e := range specs {
		existing[e.URL] = true
	}
	for _, url := range cfg.AddEndpoints {
		if !existing[url] {
			specs = append(specs, EndpointConfigSpec{URL: url, ChainID: chainID, Priority: 1, Enabled: true})
			existing[url] = true
		}
	}

	excluded := make(map[string]bool, len(cfg.ExcludeEndpoints))
	for _, url := range cfg.ExcludeEndpoints {
		excluded[url] = true
	}

	filtered := specs[:0]
	for _, e := range specs {
		if excluded[e.URL] {
			continue
		}
		if e.Priority < cfg.MinPriority {
			continue
		}
		if !e.Enabled {
			continue
		}
		filtered = append(filtered, e)
	}
	specs = filtered

	if len(specs) == 0 {
		return nil, errs.ErrNoHealthyEndpoints
	}

	health := NewHealth()
	endpoints := make([]*Endpoint, 0, len(specs))
	for _, spec := range specs {
		es := EndpointSpec{
			URL:           spec.URL,
			ChainID:       spec.ChainID,
			Priority:      spec.Priority,
			NodeType:      parseNodeType(spec.NodeType),
			HasDebug:      spec.HasDebug,
			MaxBlockRange: spec.MaxBlockRange,
			MaxLogs:       spec.MaxLogs,
			Enabled:       spec.Enabled,
			Proxy:         spec.Proxy,
		}
		ep, err := NewEndpoint(es, cfg.timeout(), cfg.Proxy)
		if err != nil {
			logger.Warn().Err(err).Str("url", errs.Redact(spec.URL)).Msg("failed to create endpoint, skipping")
			continue
		}
		health.RegisterPriority(spec.URL, spec.Priority)
		endpoints = append(endpoints, ep)
	}

	if len(endpoints) == 0 {
		return nil, errs.ErrNoHealthyEndpoints
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Pool{
		endpoints:   endpoints,
		health:      health,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		chunkSize:   cfg.ChunkSizeOverride,
		persister:   persister,
		logger:      logger,
	}, nil
}

func (p *Pool) EndpointCount() int { return len(p.endpoints) }
func (p *Pool) Concurrency() int   { return p.concurrency }
func (p *Pool) MaxRetries() int    { return p.maxRetries }
func (p *Pool) Health() *Health    { return p.health }

// GetBlockNumber tries three best-ranked endpoints sequentially; the first
// success wins (spec.md §4.2).
func (p *Pool) GetBlockNumber(ctx context.Context) (uint64, error) {
	for _, ep := range p.SelectEndpoints(3) {
		block, err := ep.GetBlockNumber(ctx)
		if err == nil {
			p.health.RecordSuccess(ep.URL(), 0)
			return block, nil
		}
		p.health.RecordFailure(ep.URL(), false, false)
		p.logger.Debug().Err(err).Str("url", errs.Redact(ep.URL())).Msg("get_block_number failed")
	}
	return 0, errs.ErrAllEndpointsFailed
}

// GetTransaction tries at least max(concurrency, 4) endpoints; "not found"
// on one endpoint is not fatal, it tries the next (spec.md §4.2).
func (p *Pool) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	count := p.concurrency
	if count < minTxFetchConcurrency {
		count = minTxFetchConcurrency
	}
	for _, ep := range p.SelectEndpoints(count) {
		tx, err := ep.GetTransaction(ctx, hash)
		if err != nil {
			p.health.RecordFailure(ep.URL(), false, false)
			continue
		}
		if tx != nil {
			p.health.RecordSuccess(ep.URL(), 0)
			return tx, nil
		}
	}
	return nil, nil
}

// GetTransactionReceipt mirrors GetTransaction.
func (p *Pool) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	count := p.concurrency
	if count < minTxFetchConcurrency {
		count = minTxFetchConcurrency
	}
	for _, ep := range p.SelectEndpoints(count) {
		receipt, err := ep.GetTransactionReceipt(ctx, hash)
		if err != nil {
			p.health.RecordFailure(ep.URL(), false, false)
			continue
		}
		if receipt != nil {
			p.health.RecordSuccess(ep.URL(), 0)
			return receipt, nil
		}
	}
	return nil, nil
}

// GetLogs tries endpoints in rank order; on success it records latency, on
// failure it records the failure class and learns from BlockRangeTooLarge
// / ResponseTooLarge (spec.md §4.2 learning rule).
// GetLogs tries endpoints in rank order and returns the first success. When
// every endpoint fails, the classified error from the last attempt is
// returned as-is (not masked behind a generic error) so a caller such as
// internal/fetch can pattern-match on *errs.BlockRangeTooLarge,
// *errs.ResponseTooLarge, or errs.ErrRateLimited and react (spec.md §4.2,
// §4.6 per-chunk retry loop).
func (p *Pool) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	endpoints := p.SelectEndpoints(p.concurrency)
	if len(endpoints) == 0 {
		return nil, errs.ErrNoHealthyEndpoints
	}

	var lastClassified error
	for _, ep := range endpoints {
		logs, latency, err := ep.GetLogs(ctx, q)
		if err == nil {
			p.health.RecordSuccess(ep.URL(), latency)
			return logs, nil
		}

		classified := errs.ClassifyRPCError(err)
		lastClassified = classified
		isRateLimit := isWrapped(classified, errs.ErrRateLimited)
		isTimeout := isWrapped(classified, errs.ErrTimeout)
		p.health.RecordFailure(ep.URL(), isRateLimit, isTimeout)

		p.learnFromError(ep.URL(), classified, q)
		p.logger.Debug().Err(err).Str("url", errs.Redact(ep.URL())).Msg("get_logs failed")
	}

	if lastClassified != nil {
		return nil, lastClassified
	}
	return nil, errs.ErrAllEndpointsFailed
}

func isWrapped(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (p *Pool) learnFromError(url string, classified error, q ethereum.FilterQuery) {
	switch e := classified.(type) {
	case *errs.BlockRangeTooLarge:
		requested := uint64(0)
		if q.FromBlock != nil && q.ToBlock != nil {
			requested = q.ToBlock.Uint64() - q.FromBlock.Uint64() + 1
		}
		reduced := reducedLimit(requested, e.Max, 100)
		p.health.RecordBlockRangeLimit(url, reduced)
		p.persister.PersistBlockRangeLimit(url, reduced)
	case *errs.ResponseTooLarge:
		reduced := reducedLimitFromCount(e.Count, 1000, 5000)
		p.health.RecordMaxLogsLimit(url, reduced)
		p.persister.PersistMaxLogsLimit(url, reduced)
	}
}

func reducedLimit(requested, max, floor uint64) uint64 {
	if requested > 0 {
		return maxUint64(requested/2, floor)
	}
	return maxUint64(max/2, floor)
}

func reducedLimitFromCount(count, floor, fallback uint64) uint64 {
	if count > 0 {
		return maxUint64(count/2, floor)
	}
	return fallback
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// GetLogsParallel dispatches each filter to a distinct endpoint
// (round-robin over the ranked list) and returns per-filter results
// (spec.md §4.2 get_logs_parallel).
func (p *Pool) GetLogsParallel(ctx context.Context, filters []ethereum.FilterQuery) [][]types.Log {
	count := p.concurrency
	if len(filters) > count {
		count = len(filters)
	}
	endpoints := p.SelectEndpoints(count)

	results := make([][]types.Log, len(filters))
	if len(endpoints) == 0 {
		return results
	}

	type outcome struct {
		idx  int
		logs []types.Log
	}
	ch := make(chan outcome, len(filters))
	for i, filter := range filters {
		ep := endpoints[i%len(endpoints)]
		go func(i int, ep *Endpoint, filter ethereum.FilterQuery) {
			logs, latency, err := ep.GetLogs(ctx, filter)
			if err != nil {
				classified := errs.ClassifyRPCError(err)
				isRateLimit := isWrapped(classified, errs.ErrRateLimited)
				isTimeout := isWrapped(classified, errs.ErrTimeout)
				p.health.RecordFailure(ep.URL(), isRateLimit, isTimeout)
				p.learnFromError(ep.URL(), classified, filter)
				ch <- outcome{idx: i, logs: nil}
				return
			}
			p.health.RecordSuccess(ep.URL(), latency)
			ch <- outcome{idx: i, logs: logs}
		}(i, ep, filter)
	}
	for range filters {
		o := <-ch
		results[o.idx] = o.logs
	}
	return results
}

// BlockTimestamps resolves the timestamp of each block number, preferring
// archive endpoints since the blocks requested may be arbitrarily old
// (SPEC_FULL.md §5 "optional timestamp enrichment", supplemented feature
// grounded on fetcher.rs's block-header lookups). A number this call
// cannot resolve is simply absent from the returned map; the caller
// decides whether that is acceptable.
func (p *Pool) BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]uint64, error) {
	endpoints := p.SelectArchiveEndpoints(p.concurrency)
	if len(endpoints) == 0 {
		return nil, errs.ErrNoHealthyEndpoints
	}

	out := make(map[uint64]uint64, len(numbers))
	for _, n := range numbers {
		var resolved bool
		for _, ep := range endpoints {
			block, err := ep.GetBlockByNumber(ctx, n)
			if err != nil {
				p.health.RecordFailure(ep.URL(), false, false)
				continue
			}
			p.health.RecordSuccess(ep.URL(), 0)
			out[n] = block.Time()
			resolved = true
			break
		}
		if !resolved {
			p.logger.Debug().Uint64("block", n).Msg("could not resolve block timestamp")
		}
	}
	return out, nil
}

// SelectEndpoints ranks endpoints by health score, keeps the available
// ones, shuffles the top third for load spreading, and truncates to count
// (spec.md §4.2 "Endpoint selection detail"). Availability is gated through
// TryProbe rather than IsAvailable: for an endpoint whose circuit is closed
// or still cooling down this behaves identically to IsAvailable, but for one
// whose cooldown just expired it lets exactly one caller through to test
// recovery instead of every concurrent caller piling onto it at once.
func (p *Pool) SelectEndpoints(count int) []*Endpoint {
	urls := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		urls[i] = ep.URL()
	}
	ranked := p.health.Rank(urls)
	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scores[r.URL] = r.Score
	}

	available := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if p.health.TryProbe(ep.URL()) {
			available = append(available, ep)
		}
	}

	if len(available) == 0 && len(p.endpoints) > 0 {
		p.logger.Warn().Int("endpoint_count", len(p.endpoints)).
			Msg("all endpoints are currently unhealthy (circuit breaker open)")
	}

	sortEndpointsByScore(available, scores)

	if len(available) > 2 {
		shuffleCount := minInt(maxInt(len(available)/3, 2), len(available))
		rand.Shuffle(shuffleCount, func(i, j int) {
			available[i], available[j] = available[j], available[i]
		})
	}

	if count < len(available) {
		available = available[:count]
	}
	return available
}

// SelectArchiveEndpoints prefers archive-node endpoints, falling back to
// the normal ranked selection if none are archives (supplemented feature,
// SPEC_FULL.md §5, grounded on pool.rs select_archive_endpoints).
func (p *Pool) SelectArchiveEndpoints(count int) []*Endpoint {
	archives := make([]*Endpoint, 0)
	for _, ep := range p.endpoints {
		if ep.NodeType() == NodeTypeArchive {
			archives = append(archives, ep)
		}
	}
	if len(archives) == 0 {
		return p.SelectEndpoints(count)
	}

	urls := make([]string, len(archives))
	for i, ep := range archives {
		urls[i] = ep.URL()
	}
	ranked := p.health.Rank(urls)
	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scores[r.URL] = r.Score
	}
	available := make([]*Endpoint, 0, len(archives))
	for _, ep := range archives {
		if p.health.TryProbe(ep.URL()) {
			available = append(available, ep)
		}
	}
	sortEndpointsByScore(available, scores)
	if count < len(available) {
		available = available[:count]
	}
	return available
}

func sortEndpointsByScore(endpoints []*Endpoint, scores map[string]float64) {
	for i := 1; i < len(endpoints); i++ {
		for j := i; j > 0 && scores[endpoints[j-1].URL()] < scores[endpoints[j].URL()]; j-- {
			endpoints[j-1], endpoints[j] = endpoints[j], endpoints[j-1]
		}
	}
}

// EffectiveMaxBlockRange returns the effective max block range for url.
func (p *Pool) EffectiveMaxBlockRange(url string, configured uint64) uint64 {
	return p.health.EffectiveMaxBlockRange(url, configured)
}

// MaxBlockRange returns the max of effective ranges across available
// endpoints, honouring chunkSize override if set.
func (p *Pool) MaxBlockRange() uint64 {
	if p.chunkSize > 0 {
		return p.chunkSize
	}
	var max uint64
	for _, ep := range p.endpoints {
		if !p.health.IsAvailable(ep.URL()) {
			continue
		}
		eff := p.EffectiveMaxBlockRange(ep.URL(), ep.Spec().MaxBlockRange)
		if eff == 0 {
			return 0 // any unlimited endpoint makes the pool's max unlimited
		}
		if eff > max {
			max = eff
		}
	}
	return max
}

// MinBlockRange returns the min of effective ranges across available
// endpoints, honouring chunkSize override if set.
func (p *Pool) MinBlockRange() uint64 {
	if p.chunkSize > 0 {
		return p.chunkSize
	}
	var min uint64
	first := true
	for _, ep := range p.endpoints {
		if !p.health.IsAvailable(ep.URL()) {
			continue
		}
		eff := p.EffectiveMaxBlockRange(ep.URL(), ep.Spec().MaxBlockRange)
		if eff == 0 {
			continue // unlimited doesn't constrain the minimum
		}
		if first || eff < min {
			min = eff
			first = false
		}
	}
	return min
}

func (p *Pool) ListEndpoints() []string {
	urls := make([]string, len(p.endpoints))
	for i, ep := range p.endpoints {
		urls[i] = ep.URL()
	}
	return urls
}

func (p *Pool) ArchiveEndpointCount() int {
	n := 0
	for _, ep := range p.endpoints {
		if ep.NodeType() == NodeTypeArchive {
			n++
		}
	}
	return n
}

func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.Close()
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
