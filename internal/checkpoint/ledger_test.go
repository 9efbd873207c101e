package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/evmlogfetch/internal/chunk"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("0xabc", 1, []string{"Transfer(address,address,uint256)"}, 0, 100)
	b := Fingerprint("0xABC", 1, []string{"Transfer(address,address,uint256)"}, 0, 100)
	assert.Equal(t, a, b, "fingerprint is case-insensitive on the contract address")
}

func TestFingerprint_OrderIndependentSelectors(t *testing.T) {
	a := Fingerprint("0xabc", 1, []string{"A()", "B()"}, 0, 10)
	b := Fingerprint("0xabc", 1, []string{"B()", "A()"}, 0, 10)
	assert.Equal(t, a, b)
}

func TestLoadOrCreate_FreshLedgerCoversWholeRange(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)

	remaining := cp.RemainingRanges(100)
	assert.Equal(t, []chunk.Range{{From: 0, To: 100}}, remaining)
}

func TestLoadOrCreate_ReopensExistingState(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted(0, 49, 12))

	reopened, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), reopened.TotalLogs())
	assert.Equal(t, []chunk.Range{{From: 50, To: 100}}, reopened.RemainingRanges(100))
}

func TestMarkCompleted_Idempotent(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)

	require.NoError(t, cp.MarkCompleted(10, 20, 5))
	require.NoError(t, cp.MarkCompleted(10, 20, 5))

	assert.Equal(t, []chunk.Range{{From: 10, To: 20}}, cp.CompletedRanges())
	assert.Equal(t, uint64(5), cp.TotalLogs(), "repeating mark_completed must not double-count logs")
}

func TestMarkCompleted_AdjacentSplitEqualsSingleRange(t *testing.T) {
	l1 := openTestLedger(t)
	cp1, err := l1.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	require.NoError(t, cp1.MarkCompleted(0, 50, 3))
	require.NoError(t, cp1.MarkCompleted(51, 100, 4))

	l2 := openTestLedger(t)
	cp2, err := l2.LoadOrCreate("fp2", 0, 100)
	require.NoError(t, err)
	require.NoError(t, cp2.MarkCompleted(0, 100, 7))

	assert.Equal(t, cp2.CompletedRanges(), cp1.CompletedRanges())
	assert.Equal(t, cp2.TotalLogs(), cp1.TotalLogs())
}

func TestMarkCompleted_OverlappingRangesMerge(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)

	require.NoError(t, cp.MarkCompleted(20, 40, 1))
	require.NoError(t, cp.MarkCompleted(35, 60, 1))
	require.NoError(t, cp.MarkCompleted(0, 10, 1))

	assert.Equal(t, []chunk.Range{{From: 0, To: 10}, {From: 20, To: 60}}, cp.CompletedRanges())
}

func TestRemainingRanges_GapsBetweenCompletedRanges(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)

	require.NoError(t, cp.MarkCompleted(10, 20, 1))
	require.NoError(t, cp.MarkCompleted(60, 70, 1))

	remaining := cp.RemainingRanges(100)
	assert.Equal(t, []chunk.Range{
		{From: 0, To: 9},
		{From: 21, To: 59},
		{From: 71, To: 100},
	}, remaining)
}

func TestRemainingRanges_FullyCoveredIsEmpty(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted(0, 100, 1))

	assert.Empty(t, cp.RemainingRanges(100))
}

func TestRemainingRanges_ResolvedToBeyondInitial(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 50)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted(0, 50, 1))

	assert.Equal(t, []chunk.Range{{From: 51, To: 80}}, cp.RemainingRanges(80))
}

func TestVerifyFingerprint_MismatchIsError(t *testing.T) {
	l := openTestLedger(t)
	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)

	assert.NoError(t, cp.VerifyFingerprint("fp1"))
	assert.Error(t, cp.VerifyFingerprint("fp2"))
}

func TestSaveNow_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	l, err := Open(path)
	require.NoError(t, err)

	cp, err := l.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	require.NoError(t, cp.MarkCompleted(0, 30, 9))
	require.NoError(t, cp.SaveNow())
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	reopened, err := l2.LoadOrCreate("fp1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), reopened.TotalLogs())
}
