package rpcpool

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func validSpec(url string, chainID int64, priority int) EndpointConfigSpec {
	return EndpointConfigSpec{URL: url, ChainID: chainID, Priority: priority, Enabled: true}
}

// New dials endpoints eagerly, so these construction tests use loopback
// URLs that resolve but need not be reachable; rpc.DialOptions over HTTP
// does not perform a network round-trip until a call is made.
func TestPoolNewFiltersbyChain(t *testing.T) {
	cfg := Config{
		Endpoints: []EndpointConfigSpec{
			validSpec("http://127.0.0.1:1/a", 1, 5),
			validSpec("http://127.0.0.1:1/b", 137, 5),
		},
	}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.EndpointCount())
}

func TestPoolNewEmptyIsError(t *testing.T) {
	cfg := Config{Endpoints: []EndpointConfigSpec{validSpec("http://127.0.0.1:1/a", 1, 5)}}
	_, err := New(999, cfg, nil, discardLogger())
	assert.Error(t, err)
}

func TestPoolNewRespectsDisabledAndExcluded(t *testing.T) {
	cfg := Config{
		Endpoints: []EndpointConfigSpec{
			validSpec("http://127.0.0.1:1/a", 1, 5),
			{URL: "http://127.0.0.1:1/b", ChainID: 1, Priority: 5, Enabled: false},
			validSpec("http://127.0.0.1:1/c", 1, 5),
		},
		ExcludeEndpoints: []string{"http://127.0.0.1:1/c"},
	}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.EndpointCount())
	assert.Equal(t, []string{"http://127.0.0.1:1/a"}, pool.ListEndpoints())
}

func TestPoolNewMinPriorityFilter(t *testing.T) {
	cfg := Config{
		Endpoints: []EndpointConfigSpec{
			validSpec("http://127.0.0.1:1/low", 1, 1),
			validSpec("http://127.0.0.1:1/high", 1, 10),
		},
		MinPriority: 5,
	}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:1/high"}, pool.ListEndpoints())
}

func TestPoolNewAddEndpointsBypassesChainFilter(t *testing.T) {
	cfg := Config{
		Endpoints:    []EndpointConfigSpec{validSpec("http://127.0.0.1:1/a", 999, 5)},
		AddEndpoints: []string{"http://127.0.0.1:1/b"},
	}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://127.0.0.1:1/b"}, pool.ListEndpoints())
}

func TestSelectEndpointsTruncatesToCount(t *testing.T) {
	cfg := Config{Endpoints: []EndpointConfigSpec{
		validSpec("http://127.0.0.1:1/a", 1, 5),
		validSpec("http://127.0.0.1:1/b", 1, 5),
		validSpec("http://127.0.0.1:1/c", 1, 5),
	}}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)

	selected := pool.SelectEndpoints(2)
	assert.Len(t, selected, 2)
}

func TestSelectArchiveEndpointsFallsBack(t *testing.T) {
	cfg := Config{Endpoints: []EndpointConfigSpec{validSpec("http://127.0.0.1:1/a", 1, 5)}}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)

	archives := pool.SelectArchiveEndpoints(1)
	assert.Len(t, archives, 1, "falls back to ranked selection when no archive nodes exist")
}

func TestMaxBlockRangeHonoursChunkSizeOverride(t *testing.T) {
	cfg := Config{
		Endpoints:         []EndpointConfigSpec{validSpec("http://127.0.0.1:1/a", 1, 5)},
		ChunkSizeOverride: 42,
	}
	pool, err := New(1, cfg, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pool.MaxBlockRange())
	assert.Equal(t, uint64(42), pool.MinBlockRange())
}

func TestReducedLimitFloor(t *testing.T) {
	assert.Equal(t, uint64(100), reducedLimit(50, 0, 100))
	assert.Equal(t, uint64(250), reducedLimit(500, 0, 100))
	assert.Equal(t, uint64(5000), reducedLimitFromCount(0, 1000, 5000))
	assert.Equal(t, uint64(1000), reducedLimitFromCount(1500, 1000, 5000))
}
