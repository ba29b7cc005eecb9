// Package builder defines the builder-callback protocol (spec §4.D): the
// Builder interface user code implements, the Registry that maps a node's
// type tag to its Builder, and Env, the per-invocation handle through which
// a builder requests deps and records trace events.
package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/evalgraph/evalgraph/internal/depgroup"
	"github.com/evalgraph/evalgraph/internal/entry"
	"github.com/evalgraph/evalgraph/internal/evalerr"
	"github.com/evalgraph/evalgraph/internal/graphstore"
	"github.com/evalgraph/evalgraph/internal/key"
	"github.com/evalgraph/evalgraph/internal/trace"
)

// Builder computes the value for one key. A Builder may be invoked more
// than once for the same key during a single evaluation (spec "Contract
// about restartability"): it must be deterministic given the same key and
// the same set of already-Done dep values.
//
// Returning (nil, nil) with DepsMissing()==true on env means "deferred":
// the builder discovered new deps it needs and will be re-invoked once they
// are Done. Any non-nil error fails the node, whether or not it is a
// *evalerr.BuilderError, and so does a panic (recovered by the driver as an
// *evalerr.InternalInvariantViolation): in fail-fast mode the failure is
// bubbled toward a root and aborts the evaluation; in keep-going mode it is
// recorded on the node and evaluation continues.
type Builder interface {
	Build(ctx context.Context, k key.Key, env *Env) (value any, err error)
}

// Func adapts a plain function to the Builder interface.
type Func func(ctx context.Context, k key.Key, env *Env) (any, error)

func (f Func) Build(ctx context.Context, k key.Key, env *Env) (any, error) {
	return f(ctx, k, env)
}

// Registry maps a node-type tag to the Builder responsible for it. Lookup
// is O(1) per key (spec §6).
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Builder
}

// NewRegistry returns an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Builder)}
}

// Register associates nodeType with b. Re-registering a type replaces the
// previous builder.
func (r *Registry) Register(nodeType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[nodeType] = b
}

// Lookup returns the Builder for k's type tag.
func (r *Registry) Lookup(k key.Key) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byType[k.Type]
	return b, ok
}

// Env is the per-invocation handle a Builder uses to request deps and emit
// trace events (spec §4.D).
type Env struct {
	self  key.Key
	store *graphstore.Store

	// bubble overrides dep resolution during fail-fast error bubbling
	// (spec §4.F step 2): deps present here are treated as already Done in
	// error, without touching the graph.
	bubble map[key.Key]*evalerr.Info

	requested  depgroup.List
	missing    bool
	unresolved bool

	childErrSeen map[key.Key]struct{}
	childErrs    []error

	Events *trace.EventSet
}

// NewEnv constructs an Env for invoking self's builder. bubble may be nil
// outside of error-bubbling re-invocations.
func NewEnv(self key.Key, store *graphstore.Store, bubble map[key.Key]*evalerr.Info) *Env {
	return &Env{self: self, store: store, bubble: bubble, Events: trace.NewEventSet()}
}

// Requested returns the grouped list of every dep requested during this
// invocation, in request order — this becomes the node's temporary direct
// deps once the driver merges it in.
func (e *Env) Requested() depgroup.List {
	return e.requested
}

// DepsMissing reports whether any dep requested so far was not Done, or was
// Done but in error and read through a plain (non-OrThrow) accessor.
func (e *Env) DepsMissing() bool {
	return e.missing
}

// Unresolved reports whether any requested dep has not yet reached Done at
// all. The driver uses this to tell a genuinely pending dep (more deps are
// still being computed; keep deferring) apart from one that is Done but
// failed (no amount of waiting will make it succeed), so that a chain of
// plain GetDep calls over a failed dep does not re-probe it forever waiting
// for a value it will never produce (spec §7 ChildError).
func (e *Env) Unresolved() bool {
	return e.unresolved
}

// ChildErrors returns, in first-seen order, the distinct errors committed on
// requested deps that are Done in error and were read through GetDep(s) (or
// through an OrThrow variant whose type assertion didn't match). These feed
// the driver's ChildError synthesis when a builder defers indefinitely on an
// already-failed dep instead of propagating the error itself.
func (e *Env) ChildErrors() []error {
	if len(e.childErrs) == 0 {
		return nil
	}
	return append([]error{}, e.childErrs...)
}

func (e *Env) recordChildError(dep key.Key, err error) {
	if e.childErrSeen == nil {
		e.childErrSeen = make(map[key.Key]struct{})
	}
	if _, seen := e.childErrSeen[dep]; seen {
		return
	}
	e.childErrSeen[dep] = struct{}{}
	e.childErrs = append(e.childErrs, err)
}

// resolveOne looks up dep's committed value/error without recording it into
// the requested list (callers do that, so group requests record once). When
// dep is Done, its own nested event set is absorbed into e.Events (spec
// §9.5), so a single replay at Eval completion reaches every transitively
// absorbed subtree exactly once.
func (e *Env) resolveOne(dep key.Key) (value any, hasValue bool, errInfo *evalerr.Info, done bool) {
	if e.bubble != nil {
		if info, ok := e.bubble[dep]; ok {
			return nil, false, info, true
		}
	}
	de, ok := e.store.Get(dep)
	if !ok || de.State() != entry.Done {
		return nil, false, nil, false
	}
	e.Events.Absorb(de.Events())
	v, has := de.Value()
	return v, has, de.ErrorInfo(), true
}

// GetDep returns dep's value if it is Done with a value; otherwise it
// records the miss (marking DepsMissing) and registers the dep for the
// caller to enqueue. If dep is Done but failed, the failure is recorded as a
// child error rather than as an unresolved dep (see Unresolved).
func (e *Env) GetDep(dep key.Key) (any, bool) {
	e.requested.Append(dep)
	v, has, errInfo, done := e.resolveOne(dep)
	if !done {
		e.missing = true
		e.unresolved = true
		return nil, false
	}
	if errInfo != nil {
		e.missing = true
		e.recordChildError(dep, errInfo.Err)
		return nil, false
	}
	if !has {
		e.missing = true
		return nil, false
	}
	return v, true
}

// GetDepOrThrow behaves like GetDep, except that if dep is Done in error and
// that error matches E, the matching error is returned for the builder to
// propagate ("throw") rather than being swallowed into a miss. An error that
// doesn't match E still falls through to a recorded child error, rather than
// an unresolved miss, so a builder that only throws some error types doesn't
// defer forever on a dep that failed with an error of a different type.
func GetDepOrThrow[E error](e *Env, dep key.Key) (any, error) {
	e.requested.Append(dep)
	v, has, errInfo, done := e.resolveOne(dep)
	if !done {
		e.missing = true
		e.unresolved = true
		return nil, nil
	}
	if errInfo != nil {
		var target E
		if errors.As(errInfo.Err, &target) {
			return nil, errInfo.Err
		}
		e.missing = true
		e.recordChildError(dep, errInfo.Err)
		return nil, nil
	}
	if !has {
		e.missing = true
		return nil, nil
	}
	return v, nil
}

// GetDeps requests a group of deps atomically: group boundaries are
// preserved so a later dirty-check can re-verify the whole group in
// parallel (spec §4.D).
func (e *Env) GetDeps(deps []key.Key) ([]any, bool) {
	e.requested.AppendGroup(deps)
	values := make([]any, len(deps))
	allDone := true
	for i, d := range deps {
		v, has, errInfo, done := e.resolveOne(d)
		if !done {
			e.missing = true
			e.unresolved = true
			allDone = false
			continue
		}
		if errInfo != nil {
			e.missing = true
			e.recordChildError(d, errInfo.Err)
			allDone = false
			continue
		}
		if !has {
			e.missing = true
			allDone = false
			continue
		}
		values[i] = v
	}
	return values, allDone
}

// GetDepsOrThrow is the group form of GetDepOrThrow: the first dep in the
// group whose committed error matches E is returned for propagation.
func GetDepsOrThrow[E error](e *Env, deps []key.Key) ([]any, error) {
	e.requested.AppendGroup(deps)
	values := make([]any, len(deps))
	for i, d := range deps {
		v, has, errInfo, done := e.resolveOne(d)
		if !done {
			e.missing = true
			e.unresolved = true
			continue
		}
		if errInfo != nil {
			var target E
			if errors.As(errInfo.Err, &target) {
				return nil, errInfo.Err
			}
			e.missing = true
			e.recordChildError(d, errInfo.Err)
			continue
		}
		if !has {
			e.missing = true
			continue
		}
		values[i] = v
	}
	return values, nil
}

// Key returns the key being built.
func (e *Env) Key() key.Key { return e.self }

func (e *Env) String() string {
	return fmt.Sprintf("Env(%s, missing=%v)", e.self, e.missing)
}
