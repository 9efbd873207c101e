package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateChunks_SplitsEvenly(t *testing.T) {
	got := CalculateChunks(0, 100, 30)
	want := []Range{{0, 29}, {30, 59}, {60, 89}, {90, 100}}
	assert.Equal(t, want, got)
}

func TestCalculateChunks_SingleChunkWhenWindowSmallerThanMax(t *testing.T) {
	got := CalculateChunks(0, 10, 100)
	assert.Equal(t, []Range{{0, 10}}, got)
}

func TestCalculateChunks_SingleBlock(t *testing.T) {
	got := CalculateChunks(50, 50, 10)
	assert.Equal(t, []Range{{50, 50}}, got)
}

func TestCalculateChunks_MaxZeroIsUnlimited(t *testing.T) {
	got := CalculateChunks(0, 1_000_000, 0)
	assert.Equal(t, []Range{{0, 1_000_000}}, got)
}

func TestCalculateChunks_PartitionsWithNoGapsOrOverlaps(t *testing.T) {
	chunks := CalculateChunks(5, 53, 7)
	require := assert.New(t)
	require.Equal(uint64(5), chunks[0].From)
	for i := 1; i < len(chunks); i++ {
		require.Equal(chunks[i-1].To+1, chunks[i].From, "no gaps or overlaps between consecutive chunks")
	}
	require.Equal(uint64(53), chunks[len(chunks)-1].To)
	for _, c := range chunks {
		require.LessOrEqual(c.To-c.From+1, uint64(7))
	}
}

func TestCalculateChunks_EmptyWhenFromGreaterThanTo(t *testing.T) {
	assert.Nil(t, CalculateChunks(10, 5, 3))
}
