// Package key implements the evaluator's content-addressable node keys and
// their weak-reference intern table.
package key

import (
	"fmt"
	"sync"
	"weak"
)

// Key identifies a node in the computation graph: a node-type tag plus an
// identity within that type. Keys are cheaply hashable and comparable, so
// they can be used directly as map keys without wrapping.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.ID)
}

// Table interns Keys by weak-reference canonicalization: repeated requests
// for the same (Type, ID) pair are folded onto a single *Key, and the table
// does not keep that allocation alive once nothing else references it.
type Table struct {
	mu   sync.Mutex
	m    map[Key]weak.Pointer[Key]
	ins  int
}

// NewTable returns an empty intern table.
func NewTable() *Table {
	return &Table{m: make(map[Key]weak.Pointer[Key])}
}

// Intern returns the canonical *Key for k, allocating one on first use.
func (t *Table) Intern(k Key) *Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	if wp, ok := t.m[k]; ok {
		if p := wp.Value(); p != nil {
			return p
		}
	}
	p := new(Key)
	*p = k
	t.m[k] = weak.Make(p)
	t.ins++
	if t.ins%256 == 0 {
		t.scavengeLocked()
	}
	return p
}

// scavengeLocked drops intern table entries whose weak pointer has been
// collected. Called periodically rather than on every insert to keep Intern
// cheap in the common case.
func (t *Table) scavengeLocked() {
	for k, wp := range t.m {
		if wp.Value() == nil {
			delete(t.m, k)
		}
	}
}

// Len reports the number of live entries currently tracked (best-effort: a
// collected-but-not-yet-scavenged entry still counts).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
