package writer

import "github.com/0xkanth/evmlogfetch/internal/fetch"

// MultiWriter fans a batch out to every wrapped Writer, in order, so a
// run can emit its primary format (file/stdout) while also publishing to
// NATS/Postgres sinks (spec.md §4.8 "streaming sink"). The first error
// from any writer stops the fan-out for that batch and is returned.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(batch fetch.Result) error {
	for _, w := range m.writers {
		if err := w.Write(batch); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiWriter) Finalize() error {
	var firstErr error
	for _, w := range m.writers {
		if err := w.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
