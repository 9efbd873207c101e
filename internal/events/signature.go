// Package events resolves user event selectors (topic hash, canonical
// signature, or bare name) into a decode catalogue keyed by topic0
// (spec.md §4.3, C3).
package events

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

// Param describes one event parameter: its name, its Solidity type string,
// and whether it is ABI-indexed (and thus carried in a topic rather than
// in log data).
type Param struct {
	Name    string
	Type    string
	Indexed bool
}

// Signature is a parsed, canonicalized event signature plus its computed
// topic0.
type Signature struct {
	Name      string
	Params    []Param
	Canonical string // "Name(type,type,...)" - no names, no "indexed"
	Topic0    common.Hash
}

// ParseSignature parses a user-supplied signature string of the shape
// `Name(type1 indexed name1, type2 name2, ...)`. Parameter names and the
// `indexed` keyword are both optional. Returns InvalidEventSignature-class
// errors on malformed input.
func ParseSignature(sig string) (Signature, error) {
	sig = strings.TrimSpace(sig)
	open := strings.Index(sig, "(")
	if open < 0 || !strings.HasSuffix(sig, ")") {
		return Signature{}, fmt.Errorf("%w: %q", errs.ErrInvalidEventSig, sig)
	}
	name := strings.TrimSpace(sig[:open])
	if name == "" {
		return Signature{}, fmt.Errorf("%w: missing event name in %q", errs.ErrInvalidEventSig, sig)
	}
	body := sig[open+1 : len(sig)-1]

	var params []Param
	if strings.TrimSpace(body) != "" {
		parts := splitTopLevelCommas(body)
		for i, part := range parts {
			p, err := parseParam(part, i)
			if err != nil {
				return Signature{}, fmt.Errorf("%w: %s", errs.ErrInvalidEventSig, err.Error())
			}
			params = append(params, p)
		}
	}

	canonical := canonicalSignature(name, params)
	return Signature{
		Name:      name,
		Params:    params,
		Canonical: canonical,
		Topic0:    crypto.Keccak256Hash([]byte(canonical)),
	}, nil
}

// parseParam parses one comma-separated parameter of a user signature:
// `type [indexed] [name]`. Unnamed params are auto-named "param{i}".
func parseParam(part string, index int) (Param, error) {
	fields := strings.Fields(strings.TrimSpace(part))
	if len(fields) == 0 {
		return Param{}, fmt.Errorf("empty parameter at position %d", index)
	}

	typ := fields[0]
	indexed := false
	var nameFields []string
	for _, f := range fields[1:] {
		if f == "indexed" {
			indexed = true
			continue
		}
		nameFields = append(nameFields, f)
	}

	name := strings.Join(nameFields, "")
	if name == "" {
		name = fmt.Sprintf("param%d", index)
	}
	return Param{Name: name, Type: typ, Indexed: indexed}, nil
}

// splitTopLevelCommas splits a parameter list on commas that are not
// nested inside parentheses, so tuple types like `(uint256,address)` are
// not split internally.
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

// canonicalSignature produces "Name(type1,type2,...)" with no names and
// no indexed annotations (spec.md GLOSSARY "Canonical signature").
func canonicalSignature(name string, params []Param) string {
	types := make([]string, len(params))
	for i, p := range params {
		types[i] = p.Type
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(types, ","))
}

// IsTopicHash reports whether selector looks like a 0x-prefixed 32-byte
// topic hash rather than a signature string (spec.md §4.3 case 1 vs 2,
// grounded on original_source fetcher.rs parse_event_topics).
func IsTopicHash(selector string) bool {
	return strings.HasPrefix(selector, "0x") && len(selector) == 66 && !strings.Contains(selector, "(")
}
