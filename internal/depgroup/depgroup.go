// Package depgroup implements the grouped dependency list described in
// spec §4.A: an ordered sequence of dependency keys partitioned into groups,
// preserving both the order a builder requested them in and the boundaries
// of each batch ("group") request.
package depgroup

import (
	"github.com/evalgraph/evalgraph/internal/key"
)

type item struct {
	key      key.Key
	groupEnd bool
}

// List is a grouped, order-preserving, deduplicated sequence of dep keys.
// The zero value is an empty list, ready to use.
type List struct {
	items []item
	set   map[key.Key]struct{}
}

// Len returns the number of distinct keys in the list.
func (l *List) Len() int {
	return len(l.items)
}

// Append adds a single key as its own group of size one. A duplicate key is
// a no-op: groups preserve first-request order, not re-requests.
func (l *List) Append(k key.Key) {
	l.AppendGroup([]key.Key{k})
}

// AppendGroup appends a batch of keys requested together as one group. Keys
// already present in the list are skipped, but the group boundary still
// lands on the last newly-added key so a later dirty re-check still walks
// groups matching the order they were first requested in.
func (l *List) AppendGroup(ks []key.Key) {
	if len(ks) == 0 {
		return
	}
	if l.set == nil {
		l.set = make(map[key.Key]struct{}, len(ks))
	}
	lastIdx := -1
	for _, k := range ks {
		if _, ok := l.set[k]; ok {
			continue
		}
		l.set[k] = struct{}{}
		l.items = append(l.items, item{key: k})
		lastIdx = len(l.items) - 1
	}
	if lastIdx >= 0 {
		l.items[lastIdx].groupEnd = true
	}
}

// Groups returns the dep keys partitioned into their original groups, in
// insertion order.
func (l *List) Groups() [][]key.Key {
	var groups [][]key.Key
	var cur []key.Key
	for _, it := range l.items {
		cur = append(cur, it.key)
		if it.groupEnd {
			groups = append(groups, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// FlattenSet returns the set of all member keys, regardless of grouping.
func (l *List) FlattenSet() map[key.Key]struct{} {
	out := make(map[key.Key]struct{}, len(l.set))
	for k := range l.set {
		out[k] = struct{}{}
	}
	return out
}

// RemoveSet deletes every key in remove from the list. If a removed key
// carried the group-end marker, the marker is re-sealed onto the last
// surviving predecessor (spec §4.A "removal preserves group-end markers on
// predecessors") — never forward onto the next group, which would merge
// the two groups across the boundary the removed key used to close.
func (l *List) RemoveSet(remove map[key.Key]struct{}) {
	if len(remove) == 0 {
		return
	}
	out := l.items[:0]
	for _, it := range l.items {
		if _, dead := remove[it.key]; dead {
			delete(l.set, it.key)
			if it.groupEnd && len(out) > 0 {
				out[len(out)-1].groupEnd = true
			}
			continue
		}
		out = append(out, it)
	}
	l.items = out
}

// Equal reports whether a and b contain the same keys in the same groups in
// the same order (grouped/ordered equality, not set equality — see spec
// §9.6).
func Equal(a, b List) bool {
	ag, bg := a.Groups(), b.Groups()
	if len(ag) != len(bg) {
		return false
	}
	for i := range ag {
		if len(ag[i]) != len(bg[i]) {
			return false
		}
		for j := range ag[i] {
			if ag[i][j] != bg[i][j] {
				return false
			}
		}
	}
	return true
}
