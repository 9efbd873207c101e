package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignature_Canonical(t *testing.T) {
	sig, err := ParseSignature("Transfer(address,address,uint256)")
	require.NoError(t, err)
	assert.Equal(t, "Transfer(address,address,uint256)", sig.Canonical)
	assert.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		sig.Topic0.Hex(),
	)
}

func TestParseSignature_WithIndexedAndNames(t *testing.T) {
	sig, err := ParseSignature("Transfer(address indexed from, address indexed to, uint256 value)")
	require.NoError(t, err)
	assert.Equal(t, "Transfer(address,address,uint256)", sig.Canonical)
	require.Len(t, sig.Params, 3)
	assert.True(t, sig.Params[0].Indexed)
	assert.Equal(t, "from", sig.Params[0].Name)
	assert.False(t, sig.Params[2].Indexed)
	assert.Equal(t, "value", sig.Params[2].Name)
}

func TestParseSignature_AutoNamesUnnamedParams(t *testing.T) {
	sig, err := ParseSignature("Foo(uint256,address)")
	require.NoError(t, err)
	assert.Equal(t, "param0", sig.Params[0].Name)
	assert.Equal(t, "param1", sig.Params[1].Name)
}

func TestParseSignature_InvalidMissingParen(t *testing.T) {
	_, err := ParseSignature("NotAFunction")
	assert.Error(t, err)
}

func TestParseSignature_NestedTuple(t *testing.T) {
	sig, err := ParseSignature("Foo((uint256,address) indexed bar, bytes data)")
	require.NoError(t, err)
	require.Len(t, sig.Params, 2)
	assert.Equal(t, "(uint256,address)", sig.Params[0].Type)
}

func TestIsTopicHash(t *testing.T) {
	assert.True(t, IsTopicHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"))
	assert.False(t, IsTopicHash("Transfer(address,address,uint256)"))
	assert.False(t, IsTopicHash("0xtooshort"))
}
