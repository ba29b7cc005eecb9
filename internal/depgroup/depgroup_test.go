package depgroup

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/evalgraph/evalgraph/internal/key"
)

func k(id string) key.Key { return key.Key{Type: "t", ID: id} }

func TestAppendGroup(t *testing.T) {
	var l List
	l.Append(k("a"))
	l.AppendGroup([]key.Key{k("b"), k("c")})
	l.Append(k("d"))

	if got, want := l.Len(), 4; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}

	want := [][]key.Key{
		{k("a")},
		{k("b"), k("c")},
		{k("d")},
	}
	if diff := cmp.Diff(want, l.Groups()); diff != "" {
		t.Errorf("Groups() mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendGroupDeduplicates(t *testing.T) {
	var l List
	l.AppendGroup([]key.Key{k("a"), k("b")})
	l.AppendGroup([]key.Key{k("b"), k("c")})

	want := [][]key.Key{
		{k("a"), k("b")},
		{k("c")},
	}
	if diff := cmp.Diff(want, l.Groups()); diff != "" {
		t.Errorf("Groups() mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveSetReseals(t *testing.T) {
	var l List
	l.AppendGroup([]key.Key{k("a"), k("b"), k("c")})
	l.RemoveSet(map[key.Key]struct{}{k("c"): {}})

	want := [][]key.Key{{k("a"), k("b")}}
	if diff := cmp.Diff(want, l.Groups()); diff != "" {
		t.Errorf("Groups() mismatch after RemoveSet (-want +got):\n%s", diff)
	}
}

func TestRemoveSetReseals_NonTrailingGroup(t *testing.T) {
	// Removing the end-of-group marker for a group that is NOT the last one
	// must seal backward onto that group's own last surviving member, not
	// forward onto the next group's first member (which would merge the two
	// groups together).
	var l List
	l.AppendGroup([]key.Key{k("g1a"), k("g1b")})
	l.AppendGroup([]key.Key{k("g2a"), k("g2b")})
	l.RemoveSet(map[key.Key]struct{}{k("g1b"): {}})

	want := [][]key.Key{{k("g1a")}, {k("g2a"), k("g2b")}}
	if diff := cmp.Diff(want, l.Groups()); diff != "" {
		t.Errorf("Groups() mismatch after removing a non-trailing group-end key (-want +got):\n%s", diff)
	}
}

func TestEqual(t *testing.T) {
	var a, b List
	a.AppendGroup([]key.Key{k("x"), k("y")})
	a.Append(k("z"))

	b.AppendGroup([]key.Key{k("x"), k("y")})
	b.Append(k("z"))

	if !Equal(a, b) {
		t.Errorf("Equal(a, b) = false, want true")
	}

	var c List
	c.Append(k("x"))
	c.AppendGroup([]key.Key{k("y"), k("z")})
	if Equal(a, c) {
		t.Errorf("Equal(a, c) = true, want false (different grouping)")
	}
}
