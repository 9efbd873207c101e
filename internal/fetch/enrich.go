package fetch

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/0xkanth/evmlogfetch/internal/decode"
)

// BlockTimestampSource is the subset of *rpcpool.Pool timestamp enrichment
// depends on, isolated to keep fetch independent of rpcpool's concrete
// endpoint type (same rationale as LogSource).
type BlockTimestampSource interface {
	BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]uint64, error)
}

// EnrichTimestamps attaches a block timestamp to every record whose block
// number it can resolve (spec.md §4.8 "optional timestamp enrichment").
// Blocks are looked up in batches of at most 50, in parallel, on an
// archive-preferred source; a batch that fails entirely just leaves those
// records without a timestamp rather than failing the whole run.
func EnrichTimestamps(ctx context.Context, src BlockTimestampSource, logs []*decode.Log) error {
	numbers := uniqueBlockNumbers(logs)
	if len(numbers) == 0 {
		return nil
	}

	const batchSize = 50
	var mu sync.Mutex
	resolved := make(map[uint64]uint64, len(numbers))

	sem := semaphore.NewWeighted(8)
	g, gctx := errgroup.WithContext(ctx)

	for start := 0; start < len(numbers); start += batchSize {
		end := start + batchSize
		if end > len(numbers) {
			end = len(numbers)
		}
		batch := numbers[start:end]

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			ts, err := src.BlockTimestamps(gctx, batch)
			if err != nil {
				return nil
			}
			mu.Lock()
			for n, t := range ts {
				resolved[n] = t
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, l := range logs {
		if ts, ok := resolved[l.BlockNumber]; ok {
			tsCopy := ts
			l.Timestamp = &tsCopy
		}
	}
	return nil
}

func uniqueBlockNumbers(logs []*decode.Log) []uint64 {
	seen := make(map[uint64]struct{}, len(logs))
	var out []uint64
	for _, l := range logs {
		if _, ok := seen[l.BlockNumber]; ok {
			continue
		}
		seen[l.BlockNumber] = struct{}{}
		out = append(out, l.BlockNumber)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
