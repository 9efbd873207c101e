// Package writer is the streaming writer (spec.md §4.8, C8): it serializes
// fetched batches as they arrive, one batch at a time, to a file, stdout,
// or an external sink.
package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/0xkanth/evmlogfetch/internal/decode"
	"github.com/0xkanth/evmlogfetch/internal/fetch"
)

// Writer is implemented by every output format and sink. Write must be
// safe to call from the fetcher's streaming callback, where calls are
// already serialized to a single goroutine at a time — implementations
// still guard their own state with a mutex since a Writer may also be
// shared across a batch-mode call site that isn't.
type Writer interface {
	Write(batch fetch.Result) error
	Finalize() error
}

// recordsOf extracts the per-log view a format writer needs, decoded if
// available, otherwise a best-effort raw projection.
func recordsOf(batch fetch.Result) []*decode.Log {
	if batch.Decoded != nil {
		return batch.Decoded
	}
	out := make([]*decode.Log, 0, len(batch.Raw))
	for _, l := range batch.Raw {
		out = append(out, &decode.Log{
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			LogIndex:    l.Index,
			Address:     l.Address,
			RawTopics:   l.Topics,
			RawData:     l.Data,
		})
	}
	return out
}

// JSONWriter emits a single framed JSON array: `[`, comma-separated
// records, `]` (spec.md §4.8 "JSON array").
type JSONWriter struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	wrote   bool
	started bool
}

// NewJSONWriter wraps w. If w also implements io.Closer, Finalize closes
// it after writing the trailing `]`.
func NewJSONWriter(w io.Writer) *JSONWriter {
	jw := &JSONWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	return jw
}

func (j *JSONWriter) Write(batch fetch.Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		if _, err := j.w.WriteString("["); err != nil {
			return err
		}
		j.started = true
	}

	for _, rec := range recordsOf(batch) {
		if j.wrote {
			if _, err := j.w.WriteString(","); err != nil {
				return err
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("writer: failed to marshal record: %w", err)
		}
		if _, err := j.w.Write(data); err != nil {
			return err
		}
		j.wrote = true
	}
	return nil
}

func (j *JSONWriter) Finalize() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		if _, err := j.w.WriteString("["); err != nil {
			return err
		}
	}
	if _, err := j.w.WriteString("]"); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// NDJSONWriter emits one JSON record per line, with no array framing
// (spec.md §4.8 "NDJSON").
type NDJSONWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		nw.closer = c
	}
	return nw
}

func (n *NDJSONWriter) Write(batch fetch.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, rec := range recordsOf(batch) {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("writer: failed to marshal record: %w", err)
		}
		if _, err := n.w.Write(data); err != nil {
			return err
		}
		if _, err := n.w.WriteString("\n"); err != nil {
			return err
		}
	}
	return nil
}

func (n *NDJSONWriter) Finalize() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.w.Flush(); err != nil {
		return err
	}
	if n.closer != nil {
		return n.closer.Close()
	}
	return nil
}
