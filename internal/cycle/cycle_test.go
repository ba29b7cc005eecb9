package cycle

import (
	"testing"

	"github.com/evalgraph/evalgraph/internal/key"
)

func k(id string) key.Key { return key.Key{Type: "t", ID: id} }

func TestPathTrackerDetectsDirectCycle(t *testing.T) {
	pt := NewPathTracker()
	if _, cyclic := pt.Enter(k("x"), k("y")); cyclic {
		t.Fatalf("x -> y reported as cyclic")
	}
	if _, cyclic := pt.Enter(k("y"), k("x")); !cyclic {
		t.Fatalf("y -> x did not detect the x -> y -> x cycle")
	}
}

func TestPathTrackerAllowsDiamonds(t *testing.T) {
	pt := NewPathTracker()
	// a -> b, a -> c, b -> d, c -> d: no cycle despite d being reachable
	// through two paths.
	for _, e := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if _, cyclic := pt.Enter(k(e[0]), k(e[1])); cyclic {
			t.Fatalf("%s -> %s incorrectly reported as cyclic", e[0], e[1])
		}
	}
}

func TestSnapshotFindsCycleAcrossThreeNodes(t *testing.T) {
	edges := map[key.Key][]key.Key{
		k("x"): {k("y")},
		k("y"): {k("z")},
		k("z"): {k("x")},
	}
	cycles := Snapshot(edges)
	if len(cycles) != 1 {
		t.Fatalf("Snapshot found %d cycles, want 1", len(cycles))
	}
	if len(cycles[0]) != 3 {
		t.Fatalf("cycle has %d members, want 3", len(cycles[0]))
	}
}

func TestSnapshotIgnoresAcyclicGraph(t *testing.T) {
	edges := map[key.Key][]key.Key{
		k("a"): {k("b")},
		k("b"): {k("c")},
	}
	if cycles := Snapshot(edges); len(cycles) != 0 {
		t.Fatalf("Snapshot found %d cycles in an acyclic graph, want 0", len(cycles))
	}
}
