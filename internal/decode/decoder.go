package decode

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/0xkanth/evmlogfetch/internal/events"
	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

// Log is the structured output record for one decoded event (spec.md §3
// "Decoded Log").
type Log struct {
	BlockNumber        uint64           `json:"block_number"`
	Timestamp          *uint64          `json:"timestamp,omitempty"`
	TxHash             common.Hash      `json:"tx_hash"`
	LogIndex           uint             `json:"log_index"`
	Address            common.Address   `json:"address"`
	EventName          string           `json:"event_name"`
	CanonicalSignature string           `json:"canonical_signature"`
	Params             map[string]Value `json:"params"`
	RawTopics          []common.Hash    `json:"raw_topics"`
	RawData            []byte           `json:"raw_data"`
}

// Decoder reconstructs named parameters from a raw log using a resolved
// event Catalogue (spec.md §4.4, C4).
type Decoder struct {
	catalogue *events.Catalogue
	logger    zerolog.Logger
}

// New builds a Decoder over catalogue.
func New(catalogue *events.Catalogue, logger zerolog.Logger) *Decoder {
	return &Decoder{catalogue: catalogue, logger: logger}
}

// Decode implements the five-step algorithm in spec.md §4.4. An unknown
// topic0 is reported as ErrUnknownEvent — callers should count it as a
// decode failure and skip the log, not abort the run.
func (d *Decoder) Decode(log types.Log) (*Log, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", errs.ErrUnknownEvent)
	}

	entry, ok := d.catalogue.Lookup(log.Topics[0])
	if !ok || entry.Name == "" {
		return nil, fmt.Errorf("%w: topic0=%s", errs.ErrUnknownEvent, log.Topics[0].Hex())
	}

	indexedParams, dataParams := d.splitParams(entry, log)

	params := make(map[string]Value, len(entry.Params))

	if err := d.decodeIndexed(indexedParams, log.Topics[1:], params); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrDecode, err.Error())
	}
	if err := d.decodeData(entry.Name, dataParams, log.Data, params); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrDecode, err.Error())
	}

	return &Log{
		BlockNumber:        log.BlockNumber,
		TxHash:             log.TxHash,
		LogIndex:           log.Index,
		Address:            log.Address,
		EventName:          entry.Name,
		CanonicalSignature: entry.CanonicalSignature,
		Params:             params,
		RawTopics:          log.Topics,
		RawData:            log.Data,
	}, nil
}

// splitParams determines the indexed/non-indexed split (spec.md §4.4 step
// 2). When the catalogue entry states the split explicitly, it is used as
// stored. Otherwise the first N = len(topics)-1 parameters are inferred to
// be indexed and the remainder belong to data.
func (d *Decoder) splitParams(entry events.Entry, log types.Log) (indexed, data []events.Param) {
	if entry.IndexedExplicit {
		for _, p := range entry.Params {
			if p.Indexed {
				indexed = append(indexed, p)
			} else {
				data = append(data, p)
			}
		}
		return indexed, data
	}

	n := len(log.Topics) - 1
	if n > len(entry.Params) {
		n = len(entry.Params)
	}
	return entry.Params[:n], entry.Params[n:]
}

// decodeIndexed decodes each indexed parameter from its 32-byte topic.
// Dynamic types (string, bytes, array) cannot be recovered from a topic;
// the topic hash is recorded as a Bytes value instead (spec.md §4.4 step
// 3, the documented lossy case).
func (d *Decoder) decodeIndexed(params []events.Param, topics []common.Hash, out map[string]Value) error {
	for i, p := range params {
		if i >= len(topics) {
			break // fewer topics than expected indexed params; nothing more to decode
		}
		topic := topics[i]

		if isDynamicType(p.Type) {
			out[p.Name] = BytesFromHash(topic)
			continue
		}

		t, err := resolveType(p.Type)
		if err != nil {
			return fmt.Errorf("resolving indexed param %q type %q: %w", p.Name, p.Type, err)
		}
		val, err := decodeStaticFromWord(t, topic.Bytes())
		if err != nil {
			return fmt.Errorf("decoding indexed param %q: %w", p.Name, err)
		}
		out[p.Name] = val
	}
	return nil
}

// decodeData decodes non-indexed parameters as a single tuple from data
// using standard ABI encoding (spec.md §4.4 step 4). An empty data
// payload when parameters were expected is logged as a warning and filled
// with empty-string placeholders rather than treated as fatal.
func (d *Decoder) decodeData(eventName string, params []events.Param, data []byte, out map[string]Value) error {
	if len(params) == 0 {
		return nil
	}
	if len(data) == 0 {
		d.logger.Warn().Str("event", eventName).Msg("log data empty but event expects data parameters")
		for _, p := range params {
			out[p.Name] = String("")
		}
		return nil
	}

	args := make(abi.Arguments, len(params))
	for i, p := range params {
		t, err := resolveType(p.Type)
		if err != nil {
			return fmt.Errorf("resolving data param %q type %q: %w", p.Name, p.Type, err)
		}
		args[i] = abi.Argument{Name: p.Name, Type: t}
	}

	unpacked, err := args.UnpackValues(data)
	if err != nil {
		return fmt.Errorf("unpacking data tuple: %w", err)
	}
	for i, p := range params {
		out[p.Name] = convertGoValue(unpacked[i], args[i].Type)
	}
	return nil
}

// isDynamicType reports whether a Solidity type is dynamic (string,
// bytes, any array/slice, or a tuple) and therefore unrecoverable from a
// 32-byte topic word.
func isDynamicType(typeStr string) bool {
	base, suffix := splitArraySuffix(typeStr)
	if suffix != "" {
		return true
	}
	return base == "string" || base == "bytes" || strings.HasPrefix(base, "(")
}

// decodeStaticFromWord decodes a single static-type value out of one
// 32-byte topic word by delegating to the same ABI decoder used for tuple
// unpacking, wrapped as a 1-argument tuple.
func decodeStaticFromWord(t abi.Type, word []byte) (Value, error) {
	args := abi.Arguments{{Name: "v", Type: t}}
	unpacked, err := args.UnpackValues(word)
	if err != nil {
		return Value{}, err
	}
	return convertGoValue(unpacked[0], t), nil
}

// convertGoValue converts a value produced by go-ethereum's ABI unpacker
// into our tagged Value union, recursing through arrays/slices/tuples
// using the originating abi.Type (spec.md §4.4 "Tuple / nested-array
// handling").
func convertGoValue(v interface{}, t abi.Type) Value {
	switch t.T {
	case abi.AddressTy:
		return Address(v.(common.Address).Hex())
	case abi.BoolTy:
		return Bool(v.(bool))
	case abi.StringTy:
		return String(v.(string))
	case abi.BytesTy:
		return Bytes(hexEncode(v.([]byte)))
	case abi.FixedBytesTy, abi.FunctionTy:
		rv := reflect.ValueOf(v)
		buf := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(buf), rv)
		return Bytes(hexEncode(buf))
	case abi.IntTy:
		return Int(toBigInt(v))
	case abi.UintTy:
		return Uint(toBigInt(v))
	case abi.SliceTy, abi.ArrayTy:
		rv := reflect.ValueOf(v)
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = convertGoValue(rv.Index(i).Interface(), *t.Elem)
		}
		return Array(items)
	case abi.TupleTy:
		rv := reflect.ValueOf(v)
		items := make([]Value, len(t.TupleElems))
		for i, elemType := range t.TupleElems {
			items[i] = convertGoValue(rv.Field(i).Interface(), *elemType)
		}
		return Tuple(items)
	default:
		return String(fmt.Sprintf("%v", v))
	}
}

func toBigInt(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return new(big.Int).SetUint64(rv.Uint())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int())
	default:
		return big.NewInt(0)
	}
}

func hexEncode(b []byte) string {
	return "0x" + fmt.Sprintf("%x", b)
}

// CanDecode reports whether topic0 has a registered catalogue entry.
func (d *Decoder) CanDecode(topic0 common.Hash) bool {
	e, ok := d.catalogue.Lookup(topic0)
	return ok && e.Name != ""
}
