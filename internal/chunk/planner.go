// Package chunk splits a [from, to] block range into request-sized
// sub-ranges (spec.md §4.5, C5).
package chunk

import "math"

// Range is a contiguous, inclusive block-number sub-range.
type Range struct {
	From uint64
	To   uint64
}

// CalculateChunks splits [from, to] into chunks of at most max blocks each.
// max == 0 means unlimited: a single chunk spanning the whole window.
// Arithmetic saturates at math.MaxUint64 so it cannot overflow (spec.md
// §4.5, grounded on original_source/crates/ethcli/src/fetcher.rs
// calculate_chunks, including its three documented test cases).
func CalculateChunks(from, to, max uint64) []Range {
	if from > to {
		return nil
	}
	if max == 0 {
		return []Range{{From: from, To: to}}
	}

	var chunks []Range
	current := from
	for current <= to {
		end := saturatingAdd(current, max-1)
		if end > to {
			end = to
		}
		chunks = append(chunks, Range{From: current, To: end})
		if end == math.MaxUint64 {
			break
		}
		current = end + 1
	}
	return chunks
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
