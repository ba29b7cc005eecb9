// Package evalgraph implements a parallel, incremental, memoizing
// evaluator for directed acyclic computation graphs: register Builders
// keyed by node type, call Eval on a set of root keys, and Invalidate
// whichever keys changed to get a minimal, parallel re-evaluation on the
// next Eval call. The implementation (internal/entry, internal/graphstore,
// internal/queue, internal/eval) follows the node-state-machine design the
// rest of this package's doc comments describe; this file is the small
// public surface users actually import.
package evalgraph

import (
	"github.com/evalgraph/evalgraph/internal/builder"
	"github.com/evalgraph/evalgraph/internal/eval"
	"github.com/evalgraph/evalgraph/internal/key"
)

// Key identifies one node: a type tag plus an identity within that type.
type Key = key.Key

// Builder computes the value for one key, requesting its deps through env.
type Builder = builder.Builder

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc = builder.Func

// Env is the handle a Builder uses to request deps (internal/builder.Env).
type Env = builder.Env

// GetDepOrThrow requests dep and, if it failed with an error matching E,
// returns that error for the caller to propagate.
func GetDepOrThrow[E error](env *Env, dep Key) (any, error) {
	return builder.GetDepOrThrow[E](env, dep)
}

// GetDepsOrThrow is the group form of GetDepOrThrow.
func GetDepsOrThrow[E error](env *Env, deps []Key) ([]any, error) {
	return builder.GetDepsOrThrow[E](env, deps)
}

// Registry maps a node's type tag to its Builder.
type Registry = builder.Registry

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return builder.NewRegistry() }

// Config controls a Graph's evaluation behavior.
type Config = eval.Config

// Result is the outcome of one Eval call.
type Result = eval.Result

// Graph owns one computation graph.
type Graph = eval.Graph

// New constructs an empty Graph using reg to resolve each node's Builder.
func New(reg *Registry, cfg Config) *Graph { return eval.New(reg, cfg) }
