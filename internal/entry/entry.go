// Package entry implements the per-key node state machine (spec §3, §4.B):
// the Fresh → Evaluating → Done lifecycle, the dirty sub-lifecycle, and the
// version/change-detection bookkeeping. Every operation is synchronized by
// the entry's own mutex; the package never takes a lock on more than one
// entry at a time (spec §5, §9.3).
package entry

import (
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/evalgraph/evalgraph/internal/depgroup"
	"github.com/evalgraph/evalgraph/internal/evalerr"
	"github.com/evalgraph/evalgraph/internal/key"
	"github.com/evalgraph/evalgraph/internal/trace"
)

// State is the node's top-level lifecycle state.
type State int

const (
	Fresh State = iota
	Evaluating
	Done
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Evaluating:
		return "Evaluating"
	case Done:
		return "Done"
	default:
		return "State(?)"
	}
}

// DirtyState tracks a Done-turned-dirty node's re-evaluation sub-lifecycle.
type DirtyState int

const (
	DirtyNone DirtyState = iota
	DirtyCheckDependencies
	DirtyVerifiedClean
	DirtyRebuilding
)

// RegisterResult is returned by AddReverseDepAndCheckIfDone.
type RegisterResult int

const (
	// AddedDep means the parent edge was recorded (or the call was a no-op
	// root probe) and the entry is already in flight; the caller must not
	// enqueue it — it will be signaled when it completes.
	AddedDep RegisterResult = iota
	// NeedsScheduling is returned exactly once per Evaluating cycle: to
	// whichever caller drove the entry into Evaluating (or re-armed it after
	// dirtying). That caller, and only that caller, must enqueue the key.
	NeedsScheduling
	// ResultDone means the entry already has a committed value/error.
	ResultDone
)

// Entry is the unit of graph state for one key.
type Entry struct {
	mu sync.Mutex

	key key.Key

	state State

	directDeps depgroup.List
	reverseDeps map[key.Key]struct{}

	value    any
	hasValue bool
	errInfo  *evalerr.Info
	// events is the nested set of trace spans absorbed while producing the
	// committed value/error (spec §9.5, §4.D "listener"): it is replayed
	// exactly once, at Eval completion, by the result assembler.
	events *trace.EventSet

	version      int64
	everDone     bool
	signaledDeps int

	// scheduled guards the single NeedsScheduling return per Evaluating
	// cycle (spec invariant: "NeedsScheduling returned exactly once").
	scheduled bool

	dirtyState      DirtyState
	lastBuildDeps   depgroup.List
	lastBuildValue  any
	lastHasValue    bool
	lastBuildEvents *trace.EventSet
	dirtyGroups     [][]key.Key
	dirtyLastGroup  bool
}

// New creates a Fresh entry for k.
func New(k key.Key) *Entry {
	return &Entry{key: k}
}

// Key returns the entry's key.
func (e *Entry) Key() key.Key { return e.key }

// State returns the current top-level state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// DirtyState returns the current dirty sub-state.
func (e *Entry) DirtyState() DirtyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirtyState
}

// Value returns the committed value, if any.
func (e *Entry) Value() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.hasValue
}

// ErrorInfo returns the committed error, if any.
func (e *Entry) ErrorInfo() *evalerr.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errInfo
}

// Events returns the nested set of trace spans absorbed while this entry was
// last built, if any (spec §9.5). Nil for an entry that never committed.
func (e *Entry) Events() *trace.EventSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// Version returns the entry's last-changed graph version.
func (e *Entry) Version() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// DirectDeps returns a copy of the current (possibly temporary) dep list.
func (e *Entry) DirectDeps() depgroup.List {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.directDeps
}

// ReverseDepsSnapshot returns a point-in-time copy of the reverse-dep set.
func (e *Entry) ReverseDepsSnapshot() map[key.Key]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotReverseDepsLocked()
}

func (e *Entry) snapshotReverseDepsLocked() map[key.Key]struct{} {
	out := make(map[key.Key]struct{}, len(e.reverseDeps))
	for k := range e.reverseDeps {
		out[k] = struct{}{}
	}
	return out
}

// RemoveReverseDep de-registers parent as a dependent of e. Used by the
// work-queue cleanup path (spec §4.E Clean) to unwind a partially-built
// child that never got to signal its parents.
func (e *Entry) RemoveReverseDep(parent key.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reverseDeps, parent)
}

// Ready reports whether every dep requested so far in the current
// Evaluating sub-round has signaled Done (spec invariant 2).
func (e *Entry) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyLocked()
}

func (e *Entry) readyLocked() bool {
	return e.signaledDeps >= e.directDeps.Len()
}

// AddReverseDepAndCheckIfDone is the only legal way to introduce a new
// parent→dep edge (spec §4.F "child-enqueue protocol"). parent is nil for
// root-key probes, which carry no reverse-dep edge but still drive the same
// Fresh/dirty → Evaluating arming.
func (e *Entry) AddReverseDepAndCheckIfDone(parent *key.Key) RegisterResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if parent != nil {
		if e.reverseDeps == nil {
			e.reverseDeps = make(map[key.Key]struct{})
		}
		e.reverseDeps[*parent] = struct{}{}
	}

	if e.state == Done {
		return ResultDone
	}
	if e.state == Fresh {
		e.state = Evaluating
	}
	if !e.scheduled {
		e.scheduled = true
		return NeedsScheduling
	}
	return AddedDep
}

// SignalDep records that one of e's currently-requested deps reached Done at
// depVersion. It returns true once every dep requested so far has signaled
// (spec invariant 2/3). For a dirty entry mid change-check, it also advances
// dirtyState per the change-detection rule (spec §4.B).
func (e *Entry) SignalDep(depVersion int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signaledDeps++
	ready := e.readyLocked()
	if e.dirtyState == DirtyCheckDependencies {
		if depVersion > e.version {
			e.dirtyState = DirtyRebuilding
		} else if ready && e.dirtyLastGroup {
			e.dirtyState = DirtyVerifiedClean
		}
	}
	return ready
}

// GetNextDirtyDirectDeps yields the next unchecked group from the snapshot
// captured at MarkDirty time, installing it as the current (temporary)
// direct-deps round so that SignalDep's readiness bookkeeping applies to
// just that group. On the last group the iterator is cleared so the
// corresponding SignalDep call can conclude VerifiedClean (spec invariant 7).
func (e *Entry) GetNextDirtyDirectDeps() []key.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	group := e.dirtyGroups[0]
	e.dirtyGroups = e.dirtyGroups[1:]
	e.dirtyLastGroup = len(e.dirtyGroups) == 0

	e.directDeps = depgroup.List{}
	e.directDeps.AppendGroup(group)
	e.signaledDeps = 0
	return group
}

// MarkDirty transitions a Done entry back to Evaluating (spec "Dirtying a
// Done entry"), snapshotting the previous deps/value for later change
// comparison.
func (e *Entry) MarkDirty(isChanged bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Done {
		return
	}
	e.lastBuildDeps = e.directDeps
	e.lastBuildValue = e.value
	e.lastHasValue = e.hasValue
	e.lastBuildEvents = e.events

	e.state = Evaluating
	e.scheduled = false
	e.signaledDeps = 0
	e.value = nil
	e.hasValue = false
	e.errInfo = nil
	e.directDeps = depgroup.List{}

	if isChanged {
		e.dirtyState = DirtyRebuilding
		return
	}
	e.dirtyGroups = e.lastBuildDeps.Groups()
	if len(e.dirtyGroups) == 0 {
		// No deps to re-check: nothing could have changed.
		e.dirtyState = DirtyVerifiedClean
		e.dirtyLastGroup = true
		return
	}
	e.dirtyState = DirtyCheckDependencies
	e.dirtyLastGroup = false
}

// MarkClean finalizes a VerifiedClean dirty-check without rebuilding: the
// previous value and deps are restored verbatim and the version is left
// untouched.
func (e *Entry) MarkClean() map[key.Key]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directDeps = e.lastBuildDeps
	e.value = e.lastBuildValue
	e.hasValue = e.lastHasValue
	e.errInfo = nil
	e.events = e.lastBuildEvents
	e.state = Done
	e.dirtyState = DirtyNone
	e.lastBuildDeps = depgroup.List{}
	e.lastBuildValue = nil
	e.lastBuildEvents = nil
	return e.snapshotReverseDepsLocked()
}

// Commit writes a builder's outcome (value, error, or both — spec data
// model allows co-existence in keep-going mode) and transitions to Done.
// graphVersion becomes the entry's version unless the new value and dep
// structure are both equal to the pre-dirty snapshot (equality-based
// version suppression, spec §4.B/§9.6).
func (e *Entry) Commit(value any, hasValue bool, errInfo *evalerr.Info, newDeps depgroup.List, graphVersion int64, events *trace.EventSet) map[key.Key]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	suppress := e.everDone &&
		hasValue == e.lastHasValue &&
		(!hasValue || cmp.Equal(e.lastBuildValue, value)) &&
		depgroup.Equal(e.lastBuildDeps, newDeps)

	if !suppress {
		e.version = graphVersion
	}

	e.value = value
	e.hasValue = hasValue
	e.errInfo = errInfo
	e.directDeps = newDeps
	e.events = events
	e.state = Done
	e.dirtyState = DirtyNone
	e.everDone = true
	e.lastBuildDeps = depgroup.List{}
	e.lastBuildValue = nil
	e.lastBuildEvents = nil

	return e.snapshotReverseDepsLocked()
}

// RemoveUnfinishedDeps prunes a partial, never-committed dep list (spec
// §4.B "remove_unfinished_deps"), used when the work queue unwinds an
// in-flight node on interruption.
func (e *Entry) RemoveUnfinishedDeps(remove map[key.Key]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directDeps.RemoveSet(remove)
}

// AddTemporaryDirectDeps appends a newly-discovered group of deps to the
// entry's temporary (Evaluating-only) dep list.
func (e *Entry) AddTemporaryDirectDeps(group []key.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.directDeps.AppendGroup(group)
}
