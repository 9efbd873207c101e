// Package fetch is the adaptive fetcher (spec.md §4.6, C6): it drives
// planned chunks through the endpoint pool with bounded concurrency,
// range-halving, and retry/backoff, then hands decoded or raw logs to a
// batch result or a streaming callback.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/0xkanth/evmlogfetch/internal/checkpoint"
	"github.com/0xkanth/evmlogfetch/internal/chunk"
	"github.com/0xkanth/evmlogfetch/internal/decode"
	"github.com/0xkanth/evmlogfetch/internal/events"
	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evmlogfetch_fetch_chunks_total",
		Help: "Chunks processed by the adaptive fetcher, by outcome",
	}, []string{"outcome"})

	chunkSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evmlogfetch_fetch_chunk_splits_total",
		Help: "Times a chunk was halved after BlockRangeTooLarge/ResponseTooLarge",
	})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "evmlogfetch_fetch_chunk_duration_seconds",
		Help:    "Time to fetch one chunk, including retries and splits",
		Buckets: prometheus.DefBuckets,
	})
)

// LogSource is the subset of *rpcpool.Pool the fetcher depends on. Kept as
// an interface so retry/split/backoff logic can be exercised against a
// fake in tests without standing up real endpoints.
type LogSource interface {
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	MaxBlockRange() uint64
	Concurrency() int
	MaxRetries() int
}

// Stats summarizes a fetch run (spec.md §3 "Fetch Result / Stats").
type Stats struct {
	ChunksTotal     int
	ChunksSucceeded int
	ChunksFailed    int
	FailedRanges    []FailedRange
}

// FailedRange records a chunk that exhausted retries or could not be split
// further (spec.md §4.6 "Failure semantics").
type FailedRange struct {
	From  uint64
	To    uint64
	Error string
}

// IsComplete reports whether every chunk succeeded (spec.md §3).
func (s Stats) IsComplete() bool { return s.ChunksFailed == 0 }

func (s Stats) SuccessRate() float64 {
	if s.ChunksTotal == 0 {
		return 100.0
	}
	return float64(s.ChunksSucceeded) / float64(s.ChunksTotal) * 100.0
}

// Result is either raw logs or decoded logs, never both, mirroring the
// tagged FetchLogs union in the original implementation.
type Result struct {
	Raw     []types.Log
	Decoded []*decode.Log
	Stats   Stats
}

func (r Result) Len() int {
	if r.Decoded != nil {
		return len(r.Decoded)
	}
	return len(r.Raw)
}

// Progress reports throughput for a long-running fetch (spec.md §5 / the
// supplemented progress-callback feature in SPEC_FULL.md §5).
type Progress struct {
	CurrentBlock    uint64
	TotalBlocks     uint64
	LogsFetched     uint64
	Percent         float64
	BlocksPerSecond float64
}

// ProgressCallback is invoked after each chunk completes successfully.
type ProgressCallback func(Progress)

// Fetcher coordinates chunked, concurrent log retrieval over a pool
// (spec.md §4.6). It does not own the pool or the catalogue; both are
// supplied by the caller so the same pool can back multiple fetchers.
type Fetcher struct {
	pool        LogSource
	catalogue   *events.Catalogue
	decoder     *decode.Decoder
	concurrency int
	maxRetries  int
	logger      zerolog.Logger
	onProgress  ProgressCallback
}

// New builds a Fetcher. decoder may be nil, in which case logs are
// returned raw (spec.md §4.6 "raw mode").
func New(pool LogSource, catalogue *events.Catalogue, decoder *decode.Decoder, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		pool:        pool,
		catalogue:   catalogue,
		decoder:     decoder,
		concurrency: pool.Concurrency(),
		maxRetries:  pool.MaxRetries(),
		logger:      logger.With().Str("component", "fetch").Logger(),
	}
}

// WithProgress attaches a progress callback and returns the same Fetcher
// for chaining.
func (f *Fetcher) WithProgress(cb ProgressCallback) *Fetcher {
	f.onProgress = cb
	return f
}

type chunkOutcome struct {
	from, to uint64
	logs     []types.Log
	err      error
}

// FetchAll fetches the entire [from, to] window into memory, sorts results
// by (block_number, log_index), and decodes them if a decoder was
// supplied. Intended for bounded windows; FetchStreaming should be
// preferred for multi-hour runs (spec.md §4.6 "Fetch all").
func (f *Fetcher) FetchAll(ctx context.Context, address common.Address, from, to uint64) (*Result, error) {
	chunks := chunk.CalculateChunks(from, to, f.pool.MaxBlockRange())
	f.logger.Info().Uint64("from", from).Uint64("to", to).Int("chunks", len(chunks)).Msg("fetching logs")

	totalBlocks := to - from + 1
	var logsFetched, blocksCompleted atomic.Uint64
	start := time.Now()

	outcomes, err := f.dispatch(ctx, address, chunks, func(from, to uint64, logs []types.Log) {
		count := logsFetched.Add(uint64(len(logs)))
		chunkSize := to - from + 1
		blocksDone := blocksCompleted.Add(chunkSize)
		f.reportProgress(start, to, totalBlocks, blocksDone, count)
	})
	if err != nil {
		return nil, err
	}

	var allLogs []types.Log
	stats := Stats{ChunksTotal: len(chunks)}
	for _, o := range outcomes {
		if o.err != nil {
			stats.ChunksFailed++
			chunksTotal.WithLabelValues("failed").Inc()
			stats.FailedRanges = append(stats.FailedRanges, FailedRange{From: o.from, To: o.to, Error: o.err.Error()})
			f.logger.Warn().Uint64("from", o.from).Uint64("to", o.to).Err(o.err).Msg("chunk fetch failed")
			continue
		}
		stats.ChunksSucceeded++
		chunksTotal.WithLabelValues("succeeded").Inc()
		allLogs = append(allLogs, o.logs...)
	}

	sortLogs(allLogs)

	result := &Result{Stats: stats}
	if f.decoder == nil {
		result.Raw = allLogs
		return result, nil
	}
	result.Decoded = f.decodeAll(allLogs)
	return result, nil
}

// FetchStreaming drains [from, to] — or the checkpoint's remaining ranges
// if ck is non-nil — calling handler sequentially as each chunk completes,
// and marking the checkpoint after each successful handler call (spec.md
// §4.6 "streaming mode", §4.7).
func (f *Fetcher) FetchStreaming(ctx context.Context, address common.Address, from, to uint64, ck *checkpoint.Checkpoint, handler func(Result) error) (Stats, error) {
	ranges := []chunk.Range{{From: from, To: to}}
	if ck != nil {
		ranges = ck.RemainingRanges(to)
	}
	if len(ranges) == 0 {
		f.logger.Info().Msg("all ranges already completed")
		return Stats{}, nil
	}

	maxRange := f.pool.MaxBlockRange()
	var allChunks []chunk.Range
	for _, r := range ranges {
		allChunks = append(allChunks, chunk.CalculateChunks(r.From, r.To, maxRange)...)
	}

	stats := Stats{ChunksTotal: len(allChunks)}

	var totalBlocks, blocksDone, logsFetched uint64
	for _, c := range allChunks {
		totalBlocks += c.To - c.From + 1
	}
	start := time.Now()

	type outcome struct {
		from, to uint64
		logs     []types.Log
		err      error
	}
	resultsCh := make(chan outcome)
	sem := semaphore.NewWeighted(int64(f.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	go func() {
		for _, c := range allChunks {
			c := c
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				logs, err := f.fetchChunkWithRetry(gctx, address, c.From, c.To)
				select {
				case resultsCh <- outcome{from: c.From, to: c.To, logs: logs, err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(resultsCh)
		}()
	}()

	var handlerErr error
	for o := range resultsCh {
		if o.err != nil {
			stats.ChunksFailed++
			chunksTotal.WithLabelValues("failed").Inc()
			stats.FailedRanges = append(stats.FailedRanges, FailedRange{From: o.from, To: o.to, Error: o.err.Error()})
			f.logger.Warn().Uint64("from", o.from).Uint64("to", o.to).Err(o.err).Msg("chunk fetch failed")
			continue
		}

		chunkResult := Result{
			Stats: Stats{ChunksTotal: 1, ChunksSucceeded: 1},
		}
		if f.decoder == nil {
			chunkResult.Raw = o.logs
		} else {
			chunkResult.Decoded = f.decodeAll(o.logs)
		}

		if err := handler(chunkResult); err != nil {
			handlerErr = err
			break
		}

		if ck != nil {
			if err := ck.MarkCompleted(o.from, o.to, uint64(len(o.logs))); err != nil {
				f.logger.Warn().Err(err).Msg("failed to update checkpoint")
			}
		}
		stats.ChunksSucceeded++
		chunksTotal.WithLabelValues("succeeded").Inc()

		blocksDone += o.to - o.from + 1
		logsFetched += uint64(len(o.logs))
		f.reportProgress(start, o.to, totalBlocks, blocksDone, logsFetched)
	}

	if ck != nil {
		if err := ck.SaveNow(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to save final checkpoint")
		}
	}

	if handlerErr != nil {
		return stats, handlerErr
	}
	return stats, nil
}

// dispatch runs chunks with buffered-unordered concurrency of size K and
// collects every outcome, tagged with its chunk bounds for attribution
// regardless of completion order (spec.md §4.6 "Orchestration").
func (f *Fetcher) dispatch(ctx context.Context, address common.Address, chunks []chunk.Range, onChunkDone func(from, to uint64, logs []types.Log)) ([]chunkOutcome, error) {
	sem := semaphore.NewWeighted(int64(f.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	outcomes := make([]chunkOutcome, len(chunks))
	for i, c := range chunks {
		i, c := i, c
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			logs, err := f.fetchChunkWithRetry(gctx, address, c.From, c.To)
			outcomes[i] = chunkOutcome{from: c.From, to: c.To, logs: logs, err: err}
			if err == nil {
				onChunkDone(c.From, c.To, logs)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// fetchChunkWithRetry implements the per-chunk state machine in spec.md
// §4.6: halve on BlockRangeTooLarge/ResponseTooLarge, exponential backoff
// capped at 60s on RateLimited, a fixed 500ms backoff on any other error,
// bounded by maxRetries.
func (f *Fetcher) fetchChunkWithRetry(ctx context.Context, address common.Address, from, to uint64) ([]types.Log, error) {
	start := time.Now()
	defer func() { chunkDuration.Observe(time.Since(start).Seconds()) }()

	currentFrom, currentTo := from, to
	var accumulated []types.Log
	retries := 0

	for currentFrom <= to {
		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(currentFrom),
			ToBlock:   new(big.Int).SetUint64(currentTo),
			Addresses: []common.Address{address},
		}
		if topics := f.catalogue.Topic0Set(); len(topics) > 0 {
			q.Topics = [][]common.Hash{topics}
		}

		logs, err := f.pool.GetLogs(ctx, q)
		if err == nil {
			accumulated = append(accumulated, logs...)
			currentFrom = currentTo + 1
			currentTo = to
			retries = 0
			continue
		}

		var rangeTooLarge *errs.BlockRangeTooLarge
		var responseTooLarge *errs.ResponseTooLarge
		switch {
		case errors.As(err, &rangeTooLarge), errors.As(err, &responseTooLarge):
			mid := currentFrom + (currentTo-currentFrom)/2
			if mid == currentFrom {
				return nil, &errs.ResponseTooLarge{Count: 0}
			}
			chunkSplits.Inc()
			f.logger.Debug().Uint64("from", currentFrom).Uint64("old_to", currentTo).Uint64("new_to", mid).Msg("range too large, splitting")
			currentTo = mid

		case errors.Is(err, errs.ErrRateLimited):
			retries++
			if retries > f.maxRetries {
				return nil, fmt.Errorf("%w: max retries exceeded", errs.ErrRateLimited)
			}
			backoff := time.Duration(math.Min(60, math.Pow(2, float64(retries)))) * time.Second
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}

		default:
			retries++
			if retries > f.maxRetries {
				return nil, err
			}
			if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
				return nil, err
			}
		}
	}

	return accumulated, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) decodeAll(logs []types.Log) []*decode.Log {
	decoded := make([]*decode.Log, 0, len(logs))
	var decodeErrors int
	for _, l := range logs {
		d, err := f.decoder.Decode(l)
		if err != nil {
			decodeErrors++
			f.logger.Debug().Uint64("block", l.BlockNumber).Err(err).Msg("failed to decode log")
			continue
		}
		decoded = append(decoded, d)
	}
	if decodeErrors > 0 {
		f.logger.Warn().Int("failed", decodeErrors).Int("total", len(logs)).Msg("some logs failed to decode")
	}
	return decoded
}

func (f *Fetcher) reportProgress(start time.Time, currentBlock, totalBlocks, blocksDone, logsFetched uint64) {
	if f.onProgress == nil {
		return
	}
	elapsed := time.Since(start).Seconds()
	var bps float64
	if elapsed > 0 {
		bps = float64(blocksDone) / elapsed
	}
	f.onProgress(Progress{
		CurrentBlock:    currentBlock,
		TotalBlocks:     totalBlocks,
		LogsFetched:     logsFetched,
		Percent:         float64(blocksDone) / float64(totalBlocks) * 100.0,
		BlocksPerSecond: bps,
	})
}

func sortLogs(logs []types.Log) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
}
