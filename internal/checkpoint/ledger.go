// Package checkpoint implements the durable progress ledger (spec.md
// §4.7, C7): it persists completed ranges, derives remaining work, and
// tolerates out-of-order completion.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/0xkanth/evmlogfetch/internal/chunk"
	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

const ledgerBucket = "checkpoints"

// state is the durable record for one fingerprint (spec.md §3 "Fetch
// Progress").
type state struct {
	Fingerprint     string        `json:"fingerprint"`
	InitialFrom     uint64        `json:"initial_from"`
	InitialTo       uint64        `json:"initial_to"`
	CompletedRanges []chunk.Range `json:"completed_ranges"`
	TotalLogs       uint64        `json:"total_logs"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Ledger is a bbolt-backed checkpoint store. One Ledger may hold many
// fingerprints (one contract+chain+event-set+range combination each).
// LoadOrCreate is serialised behind mu; each Checkpoint serialises its own
// mutations behind its own mutex (spec.md §4.7 "Concurrency").
type Ledger struct {
	mu sync.Mutex
	db *bbolt.DB
}

// Open opens (creating if necessary) a bbolt checkpoint database at path.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ledgerBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: failed to create bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Fingerprint deterministically combines contract, chain id, event
// selectors, and the original requested range, so a resume attempt with
// incompatible parameters is detected (spec.md §3 "Fetch Progress",
// GLOSSARY "Checkpoint fingerprint").
func Fingerprint(contract string, chainID int64, selectors []string, from, to uint64) string {
	sorted := append([]string(nil), selectors...)
	sort.Strings(sorted)
	input := fmt.Sprintf("%s|%d|%s|%d|%d", strings.ToLower(contract), chainID, strings.Join(sorted, ","), from, to)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate opens the checkpoint for fingerprint, creating a fresh one
// spanning [from, to] if none exists. An existing checkpoint whose
// fingerprint doesn't match what's stored under the same key is
// impossible by construction (the fingerprint IS the key); a caller that
// derives the fingerprint from different parameters gets a different key
// and lands on a fresh (not mismatched) checkpoint. Fingerprint mismatch
// detection is the caller's
// responsibility: compare the expected fingerprint against Fingerprint()
// before calling LoadOrCreate.
func (l *Ledger) LoadOrCreate(fingerprint string, from, to uint64) (*Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(fingerprint)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return &Checkpoint{ledger: l, state: *st}, nil
	}

	st = &state{
		Fingerprint: fingerprint,
		InitialFrom: from,
		InitialTo:   to,
		UpdatedAt:   time.Now(),
	}
	if err := l.save(*st); err != nil {
		return nil, err
	}
	return &Checkpoint{ledger: l, state: *st}, nil
}

func (l *Ledger) load(fingerprint string) (*state, error) {
	var st *state
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(ledgerBucket))
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		st = &state{}
		return json.Unmarshal(data, st)
	})
	return st, err
}

func (l *Ledger) save(st state) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint: failed to marshal state: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ledgerBucket)).Put([]byte(st.Fingerprint), data)
	})
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Checkpoint is a handle to one fingerprint's durable state.
type Checkpoint struct {
	mu     sync.Mutex
	ledger *Ledger
	state  state
}

// VerifyFingerprint reports whether expected matches the fingerprint this
// checkpoint was loaded under (spec.md §4.7 load_or_create fingerprint
// check).
func (c *Checkpoint) VerifyFingerprint(expected string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Fingerprint != expected {
		return fmt.Errorf("%w: checkpoint is for %q, requested %q", errs.ErrCheckpointFingerprint, c.state.Fingerprint, expected)
	}
	return nil
}

// RemainingRanges computes [initialFrom..resolvedTo] minus the union of
// completed ranges (spec.md §4.7 remaining_ranges).
func (c *Checkpoint) RemainingRanges(resolvedTo uint64) []chunk.Range {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state.InitialFrom
	if from > resolvedTo {
		return nil
	}

	var remaining []chunk.Range
	cursor := from
	for _, done := range c.state.CompletedRanges {
		if done.To < cursor {
			continue
		}
		if done.From > resolvedTo {
			break
		}
		if done.From > cursor {
			remaining = append(remaining, chunk.Range{From: cursor, To: done.From - 1})
		}
		if done.To+1 > cursor {
			cursor = done.To + 1
		}
		if cursor > resolvedTo {
			break
		}
	}
	if cursor <= resolvedTo {
		remaining = append(remaining, chunk.Range{From: cursor, To: resolvedTo})
	}
	return remaining
}

// MarkCompleted inserts [from,to] into the sorted completed-ranges list,
// merging adjacent/overlapping ranges, updates total_logs, and writes
// through to disk. Idempotent: marking an already-fully-covered range is
// a no-op merge (spec.md §4.7, §8 idempotence properties).
func (c *Checkpoint) MarkCompleted(from, to uint64, logCount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rangeFullyCovered(c.state.CompletedRanges, from, to) {
		return nil
	}

	ranges := append(c.state.CompletedRanges, chunk.Range{From: from, To: to})
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].From < ranges[j].From })

	merged := ranges[:0]
	for _, r := range ranges {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.From <= last.To+1 {
				if r.To > last.To {
					last.To = r.To
				}
				continue
			}
		}
		merged = append(merged, r)
	}

	c.state.CompletedRanges = merged
	c.state.TotalLogs += logCount
	c.state.UpdatedAt = time.Now()

	return c.ledger.save(c.state)
}

// rangeFullyCovered reports whether [from,to] already lies entirely within
// one of the sorted, non-overlapping ranges. Used to keep MarkCompleted a
// true no-op (no TotalLogs increment, no write-through) when the caller
// re-marks a chunk that was already recorded complete, e.g. after a
// crash-resume re-fetch.
func rangeFullyCovered(ranges []chunk.Range, from, to uint64) bool {
	for _, r := range ranges {
		if r.From <= from && to <= r.To {
			return true
		}
	}
	return false
}

// SaveNow flushes the current state synchronously (no-op beyond what
// MarkCompleted already does, since every mutation here writes through;
// kept as an explicit operation per spec.md §4.7 so callers have an
// unconditional flush point on the abort path).
func (c *Checkpoint) SaveNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.save(c.state)
}

func (c *Checkpoint) TotalLogs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TotalLogs
}

func (c *Checkpoint) CompletedRanges() []chunk.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chunk.Range(nil), c.state.CompletedRanges...)
}
