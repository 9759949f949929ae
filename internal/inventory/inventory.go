// Package inventory maintains the broker's live registry of bound endpoint
// URIs and answers target-expansion queries against it.
//
// The inventory is deliberately loose: a query is a snapshot, and nothing
// holds its lock across the expansion and delivery steps. An endpoint that
// disconnects between expansion and delivery simply produces a delivery
// failure, which the redelivery path absorbs.
//
// Called by: connection registry (record/forget on bind/close), broker
// router and server-message handlers (find)
package inventory

import (
	"sort"
	"sync"

	"github.com/cothub/broker/internal/uri"
)

// Inventory is a concurrency-safe set of currently bound endpoint URIs.
type Inventory struct {
	mux  sync.RWMutex
	uris map[string]struct{}
}

// New creates an empty inventory.
func New() *Inventory {
	return &Inventory{
		uris: make(map[string]struct{}),
	}
}

// Record marks a URI as known. Idempotent.
func (inv *Inventory) Record(u string) {
	inv.mux.Lock()
	inv.uris[u] = struct{}{}
	inv.mux.Unlock()
}

// Forget removes a URI. Idempotent.
func (inv *Inventory) Forget(u string) {
	inv.mux.Lock()
	delete(inv.uris, u)
	inv.mux.Unlock()
}

// Size returns the number of recorded URIs.
func (inv *Inventory) Size() int {
	inv.mux.RLock()
	defer inv.mux.RUnlock()
	return len(inv.uris)
}

// All returns a sorted snapshot of every recorded URI.
func (inv *Inventory) All() []string {
	inv.mux.RLock()
	out := make([]string, 0, len(inv.uris))
	for u := range inv.uris {
		out = append(out, u)
	}
	inv.mux.RUnlock()

	sort.Strings(out)
	return out
}

// Find expands a sequence of URI patterns against the current inventory.
//
// Wildcard patterns contribute every recorded URI they match. Literal
// patterns are returned verbatim whether or not the endpoint is currently
// connected, so a sender may address a disconnected endpoint; the delivery
// attempt fails later and takes the redelivery path.
//
// The result is deduplicated. Literals keep their query order; wildcard
// matches are appended in sorted order for deterministic fan-out.
func (inv *Inventory) Find(patterns []string) []string {
	inv.mux.RLock()
	defer inv.mux.RUnlock()

	seen := make(map[string]struct{})
	result := make([]string, 0, len(patterns))

	add := func(u string) {
		if _, dup := seen[u]; !dup {
			seen[u] = struct{}{}
			result = append(result, u)
		}
	}

	for _, pattern := range patterns {
		if !uri.IsPattern(pattern) {
			add(pattern)
			continue
		}

		matched := make([]string, 0)
		for u := range inv.uris {
			if uri.Match(pattern, u) {
				matched = append(matched, u)
			}
		}
		sort.Strings(matched)
		for _, u := range matched {
			add(u)
		}
	}

	return result
}
