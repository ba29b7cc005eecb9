// Package demo provides a small, self-contained builder set for the
// reference CLI (cmd/evalctl, spec §4.H): nodes declared in a JSON file are
// evaluated as simple arithmetic, so the evaluator can be exercised without
// any real external domain. Grounded in the teacher's declarative
// build.textproto package descriptions (cmd/distri/build.go reads one
// proto-text file per package and turns it into build steps); here the
// declarations are JSON and the "build step" is addition or multiplication.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/evalgraph/evalgraph"
)

// NodeType tags used in a demo graph file.
const (
	TypeConst = "const"
	TypeSum   = "sum"
	TypeProd  = "product"
)

// Node is one entry in a demo graph file.
type Node struct {
	Type  string   `json:"type"`
	ID    string   `json:"id"`
	Value float64  `json:"value,omitempty"` // for TypeConst
	Deps  []string `json:"deps,omitempty"`  // for TypeSum / TypeProd, as "type:id"
}

// LoadFile parses a demo graph file and returns the root keys it declares,
// in file order.
func LoadFile(path string) ([]Node, []evalgraph.Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	var nodes []Node
	if err := json.NewDecoder(f).Decode(&nodes); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	roots := make([]evalgraph.Key, len(nodes))
	for i, n := range nodes {
		roots[i] = evalgraph.Key{Type: n.Type, ID: n.ID}
	}
	return nodes, roots, nil
}

// Register installs const/sum/product builders into reg, reading each
// node's declaration (keyed by evalgraph.Key) from decls.
func Register(reg *evalgraph.Registry, decls map[evalgraph.Key]Node) {
	reg.Register(TypeConst, evalgraph.BuilderFunc(func(_ context.Context, k evalgraph.Key, _ *evalgraph.Env) (any, error) {
		n, ok := decls[k]
		if !ok {
			return nil, fmt.Errorf("no declaration for %s", k)
		}
		return n.Value, nil
	}))

	combine := func(identity float64, fold func(acc, v float64) float64) evalgraph.Builder {
		return evalgraph.BuilderFunc(func(_ context.Context, k evalgraph.Key, env *evalgraph.Env) (any, error) {
			n, ok := decls[k]
			if !ok {
				return nil, fmt.Errorf("no declaration for %s", k)
			}
			deps := make([]evalgraph.Key, len(n.Deps))
			for i, d := range n.Deps {
				deps[i] = parseKey(d)
			}
			values, ok := env.GetDeps(deps)
			if !ok {
				return nil, nil // deferred: env recorded the misses
			}
			acc := identity
			for _, v := range values {
				acc = fold(acc, v.(float64))
			}
			return acc, nil
		})
	}
	reg.Register(TypeSum, combine(0, func(acc, v float64) float64 { return acc + v }))
	reg.Register(TypeProd, combine(1, func(acc, v float64) float64 { return acc * v }))
}

func parseKey(s string) evalgraph.Key {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return evalgraph.Key{Type: s[:i], ID: s[i+1:]}
		}
	}
	return evalgraph.Key{Type: TypeConst, ID: s}
}

// Declarations indexes nodes by their evalgraph.Key for Register.
func Declarations(nodes []Node) map[evalgraph.Key]Node {
	out := make(map[evalgraph.Key]Node, len(nodes))
	for _, n := range nodes {
		out[evalgraph.Key{Type: n.Type, ID: n.ID}] = n
	}
	return out
}
