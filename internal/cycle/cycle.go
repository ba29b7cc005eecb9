// Package cycle implements the evaluator's two-layer cycle detection (spec
// §4.F, §7 CycleError). A PathTracker catches a cycle the instant it is
// introduced, by remembering the root-to-node ancestry each key was first
// reached through and checking new dep edges against it as they are probed.
// Snapshot is a belt-and-suspenders pass, grounded in the teacher's
// batch.Ctx.Build use of gonum's topo.Sort/TarjanSCC to find and report
// unorderable components, run at the end of an evaluation over the full
// realized dep graph in case concurrent interleaving ever let one slip past
// the tracker.
package cycle

import (
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/evalgraph/evalgraph/internal/key"
)

// PathTracker records, for each key reached so far, the ancestry chain from
// whichever root first reached it. It is safe for concurrent use.
type PathTracker struct {
	mu    sync.Mutex
	paths map[key.Key][]key.Key
}

// NewPathTracker returns an empty tracker.
func NewPathTracker() *PathTracker {
	return &PathTracker{paths: make(map[key.Key][]key.Key)}
}

// Enter records that parent (reached via its own ancestry) is about to
// depend on child. If child already appears in parent's ancestry (including
// parent itself), that is a cycle: Enter returns the path from the cycle's
// root through parent to child, and cyclic=true. Otherwise it records
// child's ancestry as parent's ancestry plus parent, for future Enter calls,
// and returns cyclic=false.
func (t *PathTracker) Enter(parent, child key.Key) (path []key.Key, cyclic bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parentPath, ok := t.paths[parent]
	if !ok {
		parentPath = []key.Key{parent}
		t.paths[parent] = parentPath
	}

	if child == parent {
		return append(append([]key.Key{}, parentPath...), child), true
	}
	for _, anc := range parentPath {
		if anc == child {
			full := append([]key.Key{}, parentPath...)
			full = append(full, child)
			return full, true
		}
	}

	if _, seen := t.paths[child]; !seen {
		childPath := append(append([]key.Key{}, parentPath...), child)
		t.paths[child] = childPath
	}
	return nil, false
}

// Forget drops k's recorded ancestry once it reaches Done, keeping the
// tracker's memory bounded to the currently in-flight frontier.
func (t *PathTracker) Forget(k key.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, k)
}

// snapshotNode adapts a key.Key to gonum's graph.Node via a stable index.
type snapshotNode struct {
	id  int64
	key key.Key
}

func (n snapshotNode) ID() int64 { return n.id }

// Snapshot walks a realized dep graph (a map from key to its current direct
// deps) and reports every strongly connected component of size greater than
// one as a cycle, in gonum-assigned node order.
func Snapshot(edges map[key.Key][]key.Key) [][]key.Key {
	g := simple.NewDirectedGraph()
	ids := make(map[key.Key]snapshotNode, len(edges))
	nextID := int64(0)
	nodeFor := func(k key.Key) snapshotNode {
		if n, ok := ids[k]; ok {
			return n
		}
		n := snapshotNode{id: nextID, key: k}
		nextID++
		ids[k] = n
		g.AddNode(n)
		return n
	}
	for from, deps := range edges {
		fn := nodeFor(from)
		for _, to := range deps {
			tn := nodeFor(to)
			if fn.id == tn.id {
				continue
			}
			g.SetEdge(g.NewEdge(fn, tn))
		}
	}

	var cycles [][]key.Key
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		cyc := make([]key.Key, len(scc))
		for i, n := range scc {
			cyc[i] = n.(snapshotNode).key
		}
		cycles = append(cycles, cyc)
	}
	return cycles
}

var _ graph.Node = snapshotNode{}
