package writer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/0xkanth/evmlogfetch/internal/decode"
	"github.com/0xkanth/evmlogfetch/internal/fetch"
)

// TableWriter accumulates records and renders a single human-readable
// table at Finalize (spec.md §4.8 "tabular"). Column order within a row
// is fixed regardless of which params a given event happens to carry.
type TableWriter struct {
	mu   sync.Mutex
	out  io.Writer
	rows [][]string
}

func NewTableWriter(out io.Writer) *TableWriter {
	return &TableWriter{out: out}
}

func (t *TableWriter) Write(batch fetch.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range recordsOf(batch) {
		t.rows = append(t.rows, tableRow(rec))
	}
	return nil
}

func (t *TableWriter) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := tablewriter.NewWriter(t.out)
	table.SetHeader([]string{"block", "tx_hash", "log_index", "address", "event", "params"})
	table.SetAutoWrapText(false)
	table.AppendBulk(t.rows)
	table.Render()
	return nil
}

func tableRow(rec *decode.Log) []string {
	event := rec.EventName
	if event == "" {
		event = "(raw)"
	}
	return []string{
		fmt.Sprintf("%d", rec.BlockNumber),
		rec.TxHash.Hex(),
		fmt.Sprintf("%d", rec.LogIndex),
		rec.Address.Hex(),
		event,
		formatParams(rec.Params),
	}
}

// formatParams renders params in name-sorted order so table output is
// deterministic across runs with the same catalogue.
func formatParams(params map[string]decode.Value) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += ", "
		}
		out += name + "=" + paramString(params[name])
	}
	return out
}

func paramString(v decode.Value) string {
	switch v.Kind {
	case decode.KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case decode.KindArray, decode.KindTuple:
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = paramString(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return v.Str
	}
}
