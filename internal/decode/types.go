package decode

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// resolveType builds a go-ethereum abi.Type from one of our Solidity type
// strings, recursively expanding tuple components so `tuple[]` and
// fixed-size `tuple[N]` are supported (spec.md §4.4 "Tuple / nested-array
// handling"). Elementary types (including their own array suffixes) are
// passed straight through to abi.NewType, which parses those directly.
func resolveType(typeStr string) (abi.Type, error) {
	marshaling, err := buildMarshaling(typeStr, "f")
	if err != nil {
		return abi.Type{}, err
	}
	return abi.NewType(marshaling.Type, marshaling.InternalType, marshaling.Components)
}

// buildMarshaling recursively decomposes typeStr into an ArgumentMarshaling
// describing it. Non-tuple types map straight through; tuple types (and
// arrays of tuples) recurse into their component list.
func buildMarshaling(typeStr string, fieldPrefix string) (abi.ArgumentMarshaling, error) {
	base, arraySuffix := splitArraySuffix(typeStr)

	if !strings.HasPrefix(base, "(") {
		return abi.ArgumentMarshaling{Type: typeStr}, nil
	}
	if !strings.HasSuffix(base, ")") {
		return abi.ArgumentMarshaling{}, fmt.Errorf("decode: malformed tuple type %q", typeStr)
	}

	inner := base[1 : len(base)-1]
	var parts []string
	if strings.TrimSpace(inner) != "" {
		parts = splitTopLevelCommas(inner)
	}

	components := make([]abi.ArgumentMarshaling, len(parts))
	for i, part := range parts {
		name := fmt.Sprintf("%s%d", fieldPrefix, i)
		comp, err := buildMarshaling(strings.TrimSpace(part), name+"_")
		if err != nil {
			return abi.ArgumentMarshaling{}, err
		}
		comp.Name = name
		components[i] = comp
	}

	return abi.ArgumentMarshaling{
		Type:       "tuple" + arraySuffix,
		Components: components,
	}, nil
}

// splitArraySuffix separates a trailing array suffix ("[]", "[3]",
// "[2][]", ...) from the base type. "uint256[2][]" -> ("uint256", "[2][]").
func splitArraySuffix(typeStr string) (base string, suffix string) {
	i := len(typeStr)
	for i > 0 && typeStr[i-1] == ']' {
		open := strings.LastIndexByte(typeStr[:i], '[')
		if open < 0 {
			break
		}
		i = open
	}
	return typeStr[:i], typeStr[i:]
}

// splitTopLevelCommas splits a tuple component list on commas that are not
// nested inside parentheses, so `(uint256,(address,bool))` splits into two
// parts, not three.
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}
