package decode

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xkanth/evmlogfetch/internal/events"
)

func mustCatalogue(t *testing.T, sig string) *events.Catalogue {
	t.Helper()
	c := events.NewCatalogue()
	require.NoError(t, c.AddSignature(sig))
	return c
}

func encodeUint256(n int64) []byte {
	word := make([]byte, 32)
	big.NewInt(n).FillBytes(word)
	return word
}

func TestDecode_TransferEvent(t *testing.T) {
	c := mustCatalogue(t, "Transfer(address indexed from, address indexed to, uint256 value)")
	d := New(c, zerolog.Nop())

	from := common.HexToAddress("0x000000000000000000000000000000000000A1")
	to := common.HexToAddress("0x000000000000000000000000000000000000B2")

	sig, _ := events.ParseSignature("Transfer(address,address,uint256)")

	log := types.Log{
		Topics: []common.Hash{
			sig.Topic0,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        encodeUint256(1000),
		BlockNumber: 100,
	}

	decoded, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, "Transfer", decoded.EventName)
	assert.Equal(t, from.Hex(), decoded.Params["from"].Str)
	assert.Equal(t, to.Hex(), decoded.Params["to"].Str)
	assert.Equal(t, "1000", decoded.Params["value"].Str)
}

func TestDecode_UnknownEventSkipped(t *testing.T) {
	c := events.NewCatalogue()
	require.NoError(t, c.AddSignature("Transfer(address,address,uint256)"))
	d := New(c, zerolog.Nop())

	otherSig, _ := events.ParseSignature("Approval(address,address,uint256)")
	log := types.Log{Topics: []common.Hash{otherSig.Topic0}}

	_, err := d.Decode(log)
	assert.Error(t, err)
}

func TestDecode_InferredIndexedSplitFromTopicCount(t *testing.T) {
	c := events.NewCatalogue()
	sig, _ := events.ParseSignature("Transfer(address,address,uint256)")
	// The AddSignature call without "indexed" annotations leaves
	// IndexedExplicit=false, forcing split inference from topic count.
	require.NoError(t, c.AddSignature("Transfer(address,address,uint256)"))
	d := New(c, zerolog.Nop())

	from := common.HexToAddress("0x00000000000000000000000000000000000001")
	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	log := types.Log{
		Topics: []common.Hash{
			sig.Topic0,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: encodeUint256(42),
	}

	decoded, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, from.Hex(), decoded.Params["param0"].Str)
	assert.Equal(t, "42", decoded.Params["param2"].Str)
}

func TestDecode_DynamicIndexedFallsBackToTopicHash(t *testing.T) {
	c := events.NewCatalogue()
	require.NoError(t, c.AddSignature("Named(string indexed name, uint256 value)"))
	d := New(c, zerolog.Nop())

	sig, _ := events.ParseSignature("Named(string,uint256)")
	nameTopic := common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")

	log := types.Log{
		Topics: []common.Hash{sig.Topic0, nameTopic},
		Data:   encodeUint256(7),
	}

	decoded, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, nameTopic.Hex(), decoded.Params["name"].Str)
	assert.Equal(t, KindBytes, decoded.Params["name"].Kind)
}

func TestDecode_EmptyDataFillsPlaceholders(t *testing.T) {
	c := mustCatalogue(t, "Foo(address indexed a, uint256 b)")
	d := New(c, zerolog.Nop())

	sig, _ := events.ParseSignature("Foo(address,uint256)")
	log := types.Log{
		Topics: []common.Hash{sig.Topic0, common.HexToHash("0x01")},
		Data:   nil,
	}

	decoded, err := d.Decode(log)
	require.NoError(t, err)
	assert.Equal(t, "", decoded.Params["b"].Str)
}

func TestResolveType_Tuple(t *testing.T) {
	innerType, err := resolveType("(uint256,address)")
	require.NoError(t, err)
	assert.Equal(t, abi.TupleTy, innerType.T)
	assert.Len(t, innerType.TupleElems, 2)
}

func TestResolveType_TupleArray(t *testing.T) {
	arrType, err := resolveType("(uint256,address)[]")
	require.NoError(t, err)
	assert.Equal(t, abi.SliceTy, arrType.T)
}

func TestValue_MarshalJSON(t *testing.T) {
	v := Address("0xabc")
	b, err := v.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"address","value":"0xabc"}`, string(b))
}

func TestValue_JSONRoundTrip(t *testing.T) {
	for _, v := range []Value{
		Address("0xabc"),
		Uint(big.NewInt(123)),
		Int(big.NewInt(-7)),
		Bool(true),
		Bytes("0xdeadbeef"),
		String("hello"),
		Array([]Value{Uint(big.NewInt(1)), Uint(big.NewInt(2))}),
		Tuple([]Value{Address("0x1"), Bool(false)}),
	} {
		b, err := json.Marshal(v)
		require.NoError(t, err)

		var out Value
		require.NoError(t, json.Unmarshal(b, &out))
		assert.Equal(t, v, out)
	}
}

func TestValue_UnmarshalJSON_UnknownKind(t *testing.T) {
	var out Value
	err := json.Unmarshal([]byte(`{"kind":"nonsense","value":"x"}`), &out)
	assert.Error(t, err)
}
