package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"

	gethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/evmlogfetch/internal/checkpoint"
	"github.com/0xkanth/evmlogfetch/internal/events"
	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

// fakeSource is a scripted LogSource: each call to GetLogs pops the next
// scripted response for the query's [from, to] window, keyed by string so
// tests can assert exactly which sub-ranges were requested after a split.
type fakeSource struct {
	mu          sync.Mutex
	maxRange    uint64
	concurrency int
	maxRetries  int
	calls       []rangeCall
	script      map[rangeCall]scriptedResponse
}

type rangeCall struct{ from, to uint64 }

type scriptedResponse struct {
	logs []types.Log
	err  error
}

func (f *fakeSource) GetLogs(ctx context.Context, q gethereum.FilterQuery) ([]types.Log, error) {
	call := rangeCall{from: q.FromBlock.Uint64(), to: q.ToBlock.Uint64()}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	resp, ok := f.script[call]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return resp.logs, resp.err
}

func (f *fakeSource) MaxBlockRange() uint64 { return f.maxRange }
func (f *fakeSource) Concurrency() int      { return f.concurrency }
func (f *fakeSource) MaxRetries() int       { return f.maxRetries }

func newFakeSource() *fakeSource {
	return &fakeSource{maxRange: 0, concurrency: 4, maxRetries: 2, script: map[rangeCall]scriptedResponse{}}
}

func transferCatalogue(t *testing.T) *events.Catalogue {
	t.Helper()
	c := events.NewCatalogue()
	require.NoError(t, c.AddSignature("Transfer(address indexed from, address indexed to, uint256 value)"))
	return c
}

func TestFetchAll_SingleChunkSuccess(t *testing.T) {
	src := newFakeSource()
	src.script[rangeCall{0, 10}] = scriptedResponse{logs: []types.Log{{BlockNumber: 5}, {BlockNumber: 3}}}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	result, err := f.FetchAll(context.Background(), common.Address{}, 0, 10)
	require.NoError(t, err)
	require.True(t, result.Stats.IsComplete())
	require.Len(t, result.Raw, 2)
	assert.Equal(t, uint64(3), result.Raw[0].BlockNumber, "results must be sorted by block number")
	assert.Equal(t, uint64(5), result.Raw[1].BlockNumber)
}

func TestFetchAll_MultipleChunksDispatched(t *testing.T) {
	src := newFakeSource()
	src.maxRange = 10
	src.script[rangeCall{0, 9}] = scriptedResponse{logs: []types.Log{{BlockNumber: 1}}}
	src.script[rangeCall{10, 19}] = scriptedResponse{logs: []types.Log{{BlockNumber: 11}}}
	src.script[rangeCall{20, 20}] = scriptedResponse{logs: []types.Log{{BlockNumber: 20}}}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	result, err := f.FetchAll(context.Background(), common.Address{}, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Stats.ChunksTotal)
	assert.Equal(t, 3, result.Stats.ChunksSucceeded)
	assert.Len(t, result.Raw, 3)
}

func TestFetchAll_FailedChunkReportedNotFatal(t *testing.T) {
	src := newFakeSource()
	src.maxRange = 10
	src.maxRetries = 0
	src.script[rangeCall{0, 9}] = scriptedResponse{logs: []types.Log{{BlockNumber: 1}}}
	src.script[rangeCall{10, 10}] = scriptedResponse{err: errors.New("some unclassified rpc failure")}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	result, err := f.FetchAll(context.Background(), common.Address{}, 0, 10)
	require.NoError(t, err)
	assert.False(t, result.Stats.IsComplete())
	assert.Equal(t, 1, result.Stats.ChunksFailed)
	require.Len(t, result.Stats.FailedRanges, 1)
	assert.Equal(t, uint64(10), result.Stats.FailedRanges[0].From)
}

func TestFetchChunkWithRetry_SplitsOnBlockRangeTooLarge(t *testing.T) {
	src := newFakeSource()
	src.script[rangeCall{0, 10}] = scriptedResponse{err: &errs.BlockRangeTooLarge{Max: 5, Requested: 11}}
	src.script[rangeCall{0, 5}] = scriptedResponse{logs: []types.Log{{BlockNumber: 1}}}
	src.script[rangeCall{6, 10}] = scriptedResponse{logs: []types.Log{{BlockNumber: 7}}}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	logs, err := f.fetchChunkWithRetry(context.Background(), common.Address{}, 0, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestFetchChunkWithRetry_UnsplittableSingleBlockReturnsResponseTooLarge(t *testing.T) {
	src := newFakeSource()
	src.script[rangeCall{5, 5}] = scriptedResponse{err: &errs.ResponseTooLarge{Count: 99999}}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	_, err := f.fetchChunkWithRetry(context.Background(), common.Address{}, 5, 5)
	require.Error(t, err)
	var tooLarge *errs.ResponseTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestFetchChunkWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	src := newFakeSource()
	src.maxRetries = 1
	src.script[rangeCall{0, 10}] = scriptedResponse{err: errors.New("connection refused")}

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	_, err := f.fetchChunkWithRetry(context.Background(), common.Address{}, 0, 10)
	assert.Error(t, err)
}

func TestFetchStreaming_InvokesHandlerSequentiallyAndMarksCheckpoint(t *testing.T) {
	src := newFakeSource()
	src.maxRange = 10
	src.script[rangeCall{0, 9}] = scriptedResponse{logs: []types.Log{{BlockNumber: 1}}}
	src.script[rangeCall{10, 19}] = scriptedResponse{logs: []types.Log{{BlockNumber: 11}, {BlockNumber: 12}}}

	ledger, err := checkpoint.Open(t.TempDir() + "/cp.db")
	require.NoError(t, err)
	defer ledger.Close()
	fp := checkpoint.Fingerprint("0xabc", 1, nil, 0, 19)
	cp, err := ledger.LoadOrCreate(fp, 0, 19)
	require.NoError(t, err)

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())

	var mu sync.Mutex
	var received int
	stats, err := f.FetchStreaming(context.Background(), common.Address{}, 0, 19, cp, func(r Result) error {
		mu.Lock()
		received += r.Len()
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, stats.IsComplete())
	assert.Equal(t, 3, received)
	assert.Equal(t, uint64(3), cp.TotalLogs())
	assert.Empty(t, cp.RemainingRanges(19))
}

func TestFetchStreaming_ResumesFromCheckpoint(t *testing.T) {
	src := newFakeSource()
	src.script[rangeCall{10, 19}] = scriptedResponse{logs: []types.Log{{BlockNumber: 15}}}

	ledger, err := checkpoint.Open(t.TempDir() + "/cp.db")
	require.NoError(t, err)
	defer ledger.Close()
	fp := checkpoint.Fingerprint("0xabc", 1, nil, 0, 19)
	cp, err := ledger.LoadOrCreate(fp, 0, 19)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted(0, 9, 1))

	f := New(src, transferCatalogue(t), nil, zerolog.Nop())
	_, err = f.FetchStreaming(context.Background(), common.Address{}, 0, 19, cp, func(r Result) error { return nil })
	require.NoError(t, err)

	src.mu.Lock()
	defer src.mu.Unlock()
	for _, c := range src.calls {
		assert.False(t, c.from < 10, "must not re-request the already-completed [0,9] range")
	}
}
