// Package decode implements the topic-indexed log decoder (spec.md §4.4,
// C4): given a resolved event catalogue and a raw log, it reconstructs
// named parameter values.
package decode

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind tags which variant a Value holds (spec.md §3 "Decoded Value").
type Kind int

const (
	KindAddress Kind = iota
	KindUint
	KindInt
	KindBool
	KindBytes
	KindString
	KindArray
	KindTuple
)

// Value is a tagged union over {Address, Uint, Int, Bool, Bytes, String,
// Array, Tuple}. Numeric types are carried as decimal strings to preserve
// full precision (spec.md §3).
//
// The Rust reference serializes this as #[serde(untagged)] — a bare scalar
// or array with no type marker — because a Rust deserializer already knows
// the target variant from the surrounding type. Go's json package has no
// such context when decoding into a map[string]Value: "0x1234" is equally
// valid as an Address, Bytes, or String, and there is no way to recover
// Kind from it. MarshalJSON instead emits a {"kind", "value"} envelope so
// UnmarshalJSON can round-trip symmetrically; see kindName/parseKindName.
type Value struct {
	Kind    Kind
	Str     string  // Address (hex), Uint/Int (decimal string), Bytes (0x-hex), String
	Bool    bool    // KindBool
	Array   []Value // KindArray, KindTuple
}

func Address(hex string) Value        { return Value{Kind: KindAddress, Str: hex} }
func Uint(n *big.Int) Value           { return Value{Kind: KindUint, Str: n.String()} }
func Int(n *big.Int) Value            { return Value{Kind: KindInt, Str: n.String()} }
func Bool(b bool) Value               { return Value{Kind: KindBool, Bool: b} }
func Bytes(hex string) Value          { return Value{Kind: KindBytes, Str: hex} }
func String(s string) Value           { return Value{Kind: KindString, Str: s} }
func Array(items []Value) Value       { return Value{Kind: KindArray, Array: items} }
func Tuple(items []Value) Value       { return Value{Kind: KindTuple, Array: items} }

// BytesFromHash records a topic hash verbatim as a Bytes value — the
// documented lossy fallback for dynamic indexed types that cannot be
// recovered from a 32-byte topic (spec.md §4.4 step 3).
func BytesFromHash(h common.Hash) Value {
	return Bytes(h.Hex())
}

// wireValue is the tagged envelope Value round-trips through JSON as.
type wireValue struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

func kindName(k Kind) (string, error) {
	switch k {
	case KindAddress:
		return "address", nil
	case KindUint:
		return "uint", nil
	case KindInt:
		return "int", nil
	case KindBool:
		return "bool", nil
	case KindBytes:
		return "bytes", nil
	case KindString:
		return "string", nil
	case KindArray:
		return "array", nil
	case KindTuple:
		return "tuple", nil
	default:
		return "", fmt.Errorf("decode: unknown value kind %d", k)
	}
}

func parseKindName(name string) (Kind, error) {
	switch name {
	case "address":
		return KindAddress, nil
	case "uint":
		return KindUint, nil
	case "int":
		return KindInt, nil
	case "bool":
		return KindBool, nil
	case "bytes":
		return KindBytes, nil
	case "string":
		return KindString, nil
	case "array":
		return KindArray, nil
	case "tuple":
		return KindTuple, nil
	default:
		return 0, fmt.Errorf("decode: unknown value kind %q", name)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	name, err := kindName(v.Kind)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	switch v.Kind {
	case KindAddress, KindUint, KindInt, KindBytes, KindString:
		raw, err = json.Marshal(v.Str)
	case KindBool:
		raw, err = json.Marshal(v.Bool)
	case KindArray, KindTuple:
		raw, err = json.Marshal(v.Array)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireValue{Kind: name, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode: unmarshal value envelope: %w", err)
	}

	kind, err := parseKindName(w.Kind)
	if err != nil {
		return err
	}

	switch kind {
	case KindAddress, KindUint, KindInt, KindBytes, KindString:
		if err := json.Unmarshal(w.Value, &v.Str); err != nil {
			return fmt.Errorf("decode: unmarshal %s value: %w", w.Kind, err)
		}
	case KindBool:
		if err := json.Unmarshal(w.Value, &v.Bool); err != nil {
			return fmt.Errorf("decode: unmarshal bool value: %w", err)
		}
	case KindArray, KindTuple:
		if err := json.Unmarshal(w.Value, &v.Array); err != nil {
			return fmt.Errorf("decode: unmarshal %s value: %w", w.Kind, err)
		}
	}

	v.Kind = kind
	return nil
}
