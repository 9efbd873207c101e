package events

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/evmlogfetch/pkg/errs"
)

// Entry is one resolved event catalogue entry (spec.md §3 "Event Catalogue
// Entry"). IndexedExplicit is true for ABI-sourced entries and for
// signatures with at least one `indexed` annotation; otherwise it is false
// and the decoder infers the indexed/data split at decode time from the
// log's topic count.
type Entry struct {
	CanonicalSignature string
	Name                string
	Params              []Param
	Topic0              common.Hash
	IndexedExplicit     bool
}

// ABIEvent is the shape of one event as returned by an external ABI
// directory (spec.md §6 "ABI directory"). Consumed only.
type ABIEvent struct {
	Name   string
	Params []Param
}

// AbiProvider is the consumed-only interface to an external block-explorer
// ABI directory. No implementation ships in this repo (spec.md §1
// Non-goals / §6 external interfaces) — callers inject a concrete client.
type AbiProvider interface {
	FetchABI(ctx context.Context, chainID int64, address common.Address) ([]ABIEvent, error)
	ResolveEventName(ctx context.Context, chainID int64, address common.Address, name string) (string, error)
}

// Catalogue maps topic0 to a resolved Entry and tracks the OR'd topic0 set
// used to build the eth_getLogs filter.
type Catalogue struct {
	entries map[common.Hash]Entry
}

// NewCatalogue creates an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[common.Hash]Entry)}
}

// AddTopicHash registers a selector that is already a 0x-prefixed topic0,
// used verbatim with no decode catalogue entry (the decoder will report
// UnknownEvent for it unless a signature is added separately under the
// same hash).
func (c *Catalogue) AddTopicHash(hash common.Hash) {
	if _, exists := c.entries[hash]; !exists {
		c.entries[hash] = Entry{Topic0: hash}
	}
}

// AddSignature parses and registers a canonical or user signature string
// (spec.md §4.3 case 2). IndexedExplicit is set when at least one
// parameter carries the "indexed" keyword; a signature with no such
// annotation (e.g. a bare canonical signature) leaves the split to be
// inferred at decode time. ABI-sourced events go through AddABIEvent.
func (c *Catalogue) AddSignature(sig string) error {
	parsed, err := ParseSignature(sig)
	if err != nil {
		return err
	}

	indexedExplicit := false
	for _, p := range parsed.Params {
		if p.Indexed {
			indexedExplicit = true
			break
		}
	}

	c.entries[parsed.Topic0] = Entry{
		CanonicalSignature: parsed.Canonical,
		Name:                parsed.Name,
		Params:              parsed.Params,
		Topic0:              parsed.Topic0,
		IndexedExplicit:     indexedExplicit,
	}
	return nil
}

// AddABIEvent registers an event resolved from an ABI directory
// (spec.md §4.3 case 3). ABI-sourced events always carry an explicit
// indexed/data split, since the ABI states it directly.
func (c *Catalogue) AddABIEvent(ev ABIEvent) {
	canonical := canonicalSignature(ev.Name, ev.Params)
	sig, _ := ParseSignature(canonical)
	c.entries[sig.Topic0] = Entry{
		CanonicalSignature: canonical,
		Name:                ev.Name,
		Params:              ev.Params,
		Topic0:              sig.Topic0,
		IndexedExplicit:     true,
	}
}

// Resolve dispatches a user selector to AddTopicHash / AddSignature /
// ABI-name resolution depending on its shape (spec.md §4.3 cases 1-3).
func (c *Catalogue) Resolve(ctx context.Context, selector string, chainID int64, address common.Address, provider AbiProvider) error {
	switch {
	case IsTopicHash(selector):
		c.AddTopicHash(common.HexToHash(selector))
		return nil
	case containsParen(selector):
		return c.AddSignature(selector)
	default:
		if provider == nil {
			return fmt.Errorf("%w: %q requires an ABI provider to resolve a bare event name", errs.ErrEventNotFound, selector)
		}
		canonical, err := provider.ResolveEventName(ctx, chainID, address, selector)
		if err != nil {
			return fmt.Errorf("%w: %s (%s)", errs.ErrEventNotFound, selector, err.Error())
		}
		return c.AddSignature(canonical)
	}
}

func containsParen(s string) bool {
	for _, r := range s {
		if r == '(' {
			return true
		}
	}
	return false
}

// Lookup returns the entry registered for topic0, if any.
func (c *Catalogue) Lookup(topic0 common.Hash) (Entry, bool) {
	e, ok := c.entries[topic0]
	return e, ok
}

// Topic0Set returns every registered topic0, suitable for OR-ing into a
// Log Filter (spec.md §3 "Log Filter").
func (c *Catalogue) Topic0Set() []common.Hash {
	out := make([]common.Hash, 0, len(c.entries))
	for h := range c.entries {
		out = append(out, h)
	}
	return out
}

// Names returns the resolved event names currently in the catalogue.
func (c *Catalogue) Names() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Name != "" {
			out = append(out, e.Name)
		}
	}
	return out
}
