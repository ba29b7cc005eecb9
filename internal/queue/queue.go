// Package queue implements the bounded worker pool that drives node
// evaluation (spec §4.E "work queue", §4.F "child-enqueue protocol"). A
// fixed number of goroutines (an errgroup.Group) drain an unbounded FIFO of
// ready keys, invoke each key's Builder, and feed newly-discovered deps and
// newly-ready parents back into the same FIFO. Grounded in the teacher's
// internal/batch scheduler (errgroup workers draining a work channel and a
// done channel, canBuild/markFailed-style propagation to dependents); the
// teacher's channel has a fixed static capacity sized to its known node
// count, which does not fit a graph whose size grows as builders discover
// deps, so the FIFO here is a mutex+condition-variable queue instead (spec
// §9.1 "nodes are created on demand").
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/evalgraph/evalgraph/internal/builder"
	"github.com/evalgraph/evalgraph/internal/cycle"
	"github.com/evalgraph/evalgraph/internal/entry"
	"github.com/evalgraph/evalgraph/internal/evalerr"
	"github.com/evalgraph/evalgraph/internal/graphstore"
	"github.com/evalgraph/evalgraph/internal/key"
	"github.com/evalgraph/evalgraph/internal/trace"
)

// ProgressReceiver observes node lifecycle events for a live status board
// (spec §4.H). workerIdx is stable for the lifetime of one Run call and in
// [1, Config.Workers]; 0 is reserved for a summary line. Implementations
// must return quickly: they are called from the worker goroutine.
type ProgressReceiver interface {
	Scheduled(pending int)
	Started(workerIdx int, k key.Key)
	Finished(workerIdx int, k key.Key, err error)
}

// Config controls one Run invocation.
type Config struct {
	Workers   int
	KeepGoing bool
	MaxCycles int
	Progress  ProgressReceiver
	TraceTid  func(workerIdx int) int
	// OnTransientError, if set, is called for every node whose builder
	// failed with a Transient BuilderError (spec "transient errors add an
	// implicit dependency on the error-transience singleton"), so the
	// caller can re-invalidate it before the next Eval call.
	OnTransientError func(key.Key)
	// Logger receives one diagnostic line per failed build, the way the
	// teacher's scheduler logs "build of %s failed" from its done-channel
	// loop. May be nil.
	Logger *log.Logger
}

// Driver runs evaluation rounds against a shared graph store.
type Driver struct {
	store *graphstore.Store
	reg   *builder.Registry
	cfg   Config

	version int64
	roots   map[key.Key]struct{}

	bubbleMu sync.Mutex
	bubble   map[key.Key]*evalerr.Info

	paths *cycle.PathTracker

	fifoMu     sync.Mutex
	fifoCond   *sync.Cond
	fifo       []key.Key
	inflight   int
	closed     bool
	registered map[key.Key]struct{}

	errMu    sync.Mutex
	errs     []error
	cycles   []*evalerr.CycleError
	aborting bool
}

// NewDriver constructs a Driver over store using reg to resolve builders.
// version is the graph version this run's commits will stamp onto changed
// entries (spec §4.B). bubble carries the sideband error map used during a
// fail-fast re-invocation pass (spec §4.F step 2); it may be nil.
func NewDriver(store *graphstore.Store, reg *builder.Registry, cfg Config, version int64, bubble map[key.Key]*evalerr.Info) *Driver {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	seed := make(map[key.Key]*evalerr.Info, len(bubble))
	for k, v := range bubble {
		seed[k] = v
	}
	d := &Driver{
		store:      store,
		reg:        reg,
		cfg:        cfg,
		version:    version,
		bubble:     seed,
		paths:      cycle.NewPathTracker(),
		registered: make(map[key.Key]struct{}),
	}
	d.fifoCond = sync.NewCond(&d.fifoMu)
	return d
}

// Bubble returns the sideband error map accumulated by fail-fast bubbling
// (spec §4.F "error bubbling"): a root key present here failed not because
// its own builder errored, but because the error was bubbled up to it from
// a failing descendant. The graph itself is never mutated by bubbling.
func (d *Driver) Bubble(k key.Key) (*evalerr.Info, bool) {
	d.bubbleMu.Lock()
	defer d.bubbleMu.Unlock()
	info, ok := d.bubble[k]
	return info, ok
}

// Cycles returns every CycleError recorded during this run (spec §7, capped
// at Config.MaxCycles), for the result assembler to attribute to whichever
// requested root never reached Done.
func (d *Driver) Cycles() []*evalerr.CycleError {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return append([]*evalerr.CycleError{}, d.cycles...)
}

func (d *Driver) bubbleSnapshot() map[key.Key]*evalerr.Info {
	d.bubbleMu.Lock()
	defer d.bubbleMu.Unlock()
	out := make(map[key.Key]*evalerr.Info, len(d.bubble))
	for k, v := range d.bubble {
		out[k] = v
	}
	return out
}

func (d *Driver) setBubble(k key.Key, info *evalerr.Info) {
	d.bubbleMu.Lock()
	d.bubble[k] = info
	d.bubbleMu.Unlock()
}

// Run probes every root key, runs the worker pool until the whole reachable
// frontier is Done (or KeepGoing==false and an error aborts the run), and
// returns the accumulated builder errors.
func (d *Driver) Run(ctx context.Context, roots []key.Key) error {
	d.roots = make(map[key.Key]struct{}, len(roots))
	for _, r := range roots {
		d.roots[r] = struct{}{}
	}

	eg, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= d.cfg.Workers; i++ {
		idx := i
		eg.Go(func() error { return d.worker(ctx, idx) })
	}

	for _, r := range roots {
		d.probe(ctx, nil, r)
	}
	d.maybeFinish()

	err := eg.Wait()
	if err != nil {
		d.clean()
		return err
	}
	if ctx.Err() != nil {
		d.clean()
		return ctx.Err()
	}
	if d.abortingNow() {
		d.clean()
		return d.combinedError()
	}
	if len(d.Cycles()) == 0 && !d.allRootsDone() {
		// The reactive PathTracker attributes a cycle to whichever requested
		// root's build first threads an Enter chain into it; a second root
		// sharing the same cyclic subgraph never gets its own Enter call (the
		// shared key is already AddedDep, not NeedsScheduling) and so never
		// trips the tracker itself. Snapshot is the belt-and-suspenders
		// whole-graph check run once the FIFO has drained with no bubbled
		// error, no cycle already recorded, but some root still un-Done
		// (spec §4.F).
		for _, ce := range d.stallCycles() {
			d.recordErr(ce)
		}
	}
	return d.combinedError()
}

// allRootsDone reports whether every requested root reached Done.
func (d *Driver) allRootsDone() bool {
	for r := range d.roots {
		e, ok := d.store.Get(r)
		if !ok || e.State() != entry.Done {
			return false
		}
	}
	return true
}

// stallCycles runs cycle.Snapshot over every entry currently in the store,
// reporting one CycleError per strongly-connected component of size greater
// than one.
func (d *Driver) stallCycles() []*evalerr.CycleError {
	edges := make(map[key.Key][]key.Key)
	d.store.Range(func(k key.Key, e *entry.Entry) bool {
		var deps []key.Key
		for _, group := range e.DirectDeps().Groups() {
			deps = append(deps, group...)
		}
		edges[k] = deps
		return true
	})
	var out []*evalerr.CycleError
	for _, scc := range cycle.Snapshot(edges) {
		out = append(out, &evalerr.CycleError{Root: scc[0], Cycle: append([]key.Key{}, scc...)})
	}
	return out
}

func (d *Driver) combinedError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if len(d.cycles) > 0 {
		return d.cycles[0]
	}
	if len(d.errs) == 0 {
		return nil
	}
	if len(d.errs) == 1 {
		return d.errs[0]
	}
	return &evalerr.ChildError{Errors: append([]error{}, d.errs...)}
}

func (d *Driver) recordErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if ce, ok := err.(*evalerr.CycleError); ok {
		if len(d.cycles) < max(1, d.cfg.MaxCycles) {
			d.cycles = append(d.cycles, ce)
		}
		d.aborting = d.aborting || !d.cfg.KeepGoing
		return
	}
	d.errs = append(d.errs, err)
	if !d.cfg.KeepGoing {
		d.aborting = true
	}
}

func (d *Driver) abortingNow() bool {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.aborting
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// enqueue appends k to the ready FIFO and records k in the in-flight set
// (spec §4.E "enqueue_evaluation... adds to in-flight set once"), used by
// clean to unwind partial entries on interrupt or fatal abort.
func (d *Driver) enqueue(k key.Key) {
	d.fifoMu.Lock()
	d.fifo = append(d.fifo, k)
	d.inflight++
	d.registered[k] = struct{}{}
	d.fifoMu.Unlock()
	d.fifoCond.Signal()
	if d.cfg.Progress != nil {
		d.cfg.Progress.Scheduled(len(d.fifo))
	}
}

// clean walks every key this run ever enqueued and, for whichever of them
// never reached Done (because the run was interrupted or aborted fail-fast
// first), removes the reverse-dep edge it registered on each of its
// temporary deps and drops the partial entry from the graph store — so the
// next Eval call starts from a consistent graph rather than resuming a
// half-built node (spec §4.E "clean()").
func (d *Driver) clean() {
	d.fifoMu.Lock()
	keys := make([]key.Key, 0, len(d.registered))
	for k := range d.registered {
		keys = append(keys, k)
	}
	d.fifoMu.Unlock()

	for _, k := range keys {
		e, ok := d.store.Get(k)
		if !ok || e.State() == entry.Done {
			continue
		}
		deps := e.DirectDeps().FlattenSet()
		for dep := range deps {
			if de, ok := d.store.Get(dep); ok {
				de.RemoveReverseDep(k)
			}
		}
		e.RemoveUnfinishedDeps(deps)
		d.store.Remove(k)
		d.paths.Forget(k)
	}
}

// completeOne marks one previously-enqueued key as fully handled (built,
// skipped, or short-circuited as already Done) and wakes Run's finish check.
func (d *Driver) completeOne() {
	d.fifoMu.Lock()
	d.inflight--
	d.fifoMu.Unlock()
	d.fifoCond.Broadcast()
}

func (d *Driver) maybeFinish() {
	d.fifoMu.Lock()
	if d.inflight == 0 && len(d.fifo) == 0 {
		d.closed = true
		d.fifoMu.Unlock()
		d.fifoCond.Broadcast()
		return
	}
	d.fifoMu.Unlock()
}

func (d *Driver) worker(ctx context.Context, idx int) error {
	for {
		d.fifoMu.Lock()
		for len(d.fifo) == 0 && !d.closed {
			d.fifoCond.Wait()
		}
		if len(d.fifo) == 0 && d.closed {
			d.fifoMu.Unlock()
			return nil
		}
		k := d.fifo[0]
		d.fifo = d.fifo[1:]
		d.fifoMu.Unlock()

		if ctx.Err() != nil {
			d.completeOne()
			d.maybeFinish()
			continue
		}
		if d.abortingNow() {
			d.completeOne()
			d.maybeFinish()
			continue
		}

		d.process(ctx, idx, k)
		d.completeOne()
		d.maybeFinish()
	}
}

// probe is the single entry point for introducing a parent→dep edge (spec
// §4.F). parent is nil for root keys.
func (d *Driver) probe(ctx context.Context, parent *key.Key, k key.Key) {
	if parent != nil {
		if path, cyclic := d.paths.Enter(*parent, k); cyclic {
			// path ends with k, which also appears earlier in it: the prefix
			// through that first occurrence leads from the root onto the
			// cycle, and the rest (minus the repeated k) is the cycle itself.
			start := 0
			for path[start] != k {
				start++
			}
			d.recordErr(&evalerr.CycleError{Root: path[0], Path: path[:start+1], Cycle: path[start : len(path)-1]})
			return
		}
	}
	e := d.store.CreateIfAbsent(k)
	switch e.AddReverseDepAndCheckIfDone(parent) {
	case entry.ResultDone:
		if parent != nil {
			d.signal(*parent, e.Version())
		}
	case entry.NeedsScheduling:
		d.enqueue(k)
	case entry.AddedDep:
		// Already in flight; the eventual Commit/MarkClean will signal us.
	}
}

func (d *Driver) signal(parent key.Key, depVersion int64) {
	pe, ok := d.store.Get(parent)
	if !ok {
		return
	}
	if pe.SignalDep(depVersion) {
		d.enqueue(parent)
	}
}

func (d *Driver) notifyParents(k key.Key, parents map[key.Key]struct{}, version int64) {
	d.paths.Forget(k)
	for p := range parents {
		d.signal(p, version)
	}
}

// process dispatches k according to its current dirty sub-state, then either
// invokes its Builder or advances the dirty-recheck state machine.
func (d *Driver) process(ctx context.Context, workerIdx int, k key.Key) {
	e, ok := d.store.Get(k)
	if !ok {
		return
	}
	switch e.DirtyState() {
	case entry.DirtyCheckDependencies:
		for _, dep := range e.GetNextDirtyDirectDeps() {
			d.probe(ctx, &k, dep)
		}
		return
	case entry.DirtyVerifiedClean:
		parents := e.MarkClean()
		d.notifyParents(k, parents, e.Version())
		return
	}
	d.build(ctx, workerIdx, k, e)
}

func (d *Driver) build(ctx context.Context, workerIdx int, k key.Key, e *entry.Entry) {
	b, ok := d.reg.Lookup(k)
	if !ok {
		d.finishWithError(ctx, workerIdx, k, e, fmt.Errorf("no builder registered for node type %q", k.Type), nil, false)
		return
	}

	if d.cfg.Progress != nil {
		d.cfg.Progress.Started(workerIdx, k)
	}
	tid := workerIdx
	if d.cfg.TraceTid != nil {
		tid = d.cfg.TraceTid(workerIdx)
	}
	span := trace.Event("build "+k.String(), tid)

	// Snapshot which deps this key already depended on before this
	// invocation: only a dep newly named this round needs a fresh probe.
	// Re-probing an already-registered dep would re-signal it (its eventual
	// Commit already signals us through the edge registered the first time
	// it was probed), over-counting SignalDep past directDeps.Len() and
	// waking the parent before a genuinely new, still-pending dep completes.
	existing := e.DirectDeps().FlattenSet()

	env := builder.NewEnv(k, d.store, d.bubbleSnapshot())
	value, err := d.invoke(ctx, b, k, env)
	span.Done()
	env.Events.Record(span)

	for _, group := range env.Requested().Groups() {
		e.AddTemporaryDirectDeps(group)
	}

	if err != nil {
		d.finishWithError(ctx, workerIdx, k, e, err, env.Events, true)
		return
	}

	if env.DepsMissing() {
		if !env.Unresolved() {
			// Every requested dep reached Done; the ones that remain
			// "missing" are failed, not pending. The builder has no way to
			// make progress on them, so the node itself fails with a
			// synthesized ChildError (spec §7) instead of looping forever.
			childErr := &evalerr.ChildError{Key: k, Errors: env.ChildErrors()}
			d.finishWithError(ctx, workerIdx, k, e, childErr, env.Events, true)
			return
		}
		for _, group := range env.Requested().Groups() {
			for _, dep := range group {
				if _, already := existing[dep]; already {
					continue
				}
				d.probe(ctx, &k, dep)
			}
		}
		return
	}

	parents := e.Commit(value, true, nil, e.DirectDeps(), d.version, env.Events)
	if d.cfg.Progress != nil {
		d.cfg.Progress.Finished(workerIdx, k, nil)
	}
	d.notifyParents(k, parents, e.Version())
}

func (d *Driver) invoke(ctx context.Context, b builder.Builder, k key.Key, env *builder.Env) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &evalerr.InternalInvariantViolation{Msg: fmt.Sprintf("builder for %s panicked", k), Cause: fmt.Errorf("%v", r)}
		}
	}()
	return b.Build(ctx, k, env)
}

// finishWithError commits a failed build. bubbleEligible distinguishes a
// genuine builder failure (spec §4.F "when a builder returns an error")
// from an internal scheduling error (e.g. no builder registered for the
// node's type), which is recorded directly without walking reverse-deps and,
// like any recorded error, aborts the run only in fail-fast mode.
func (d *Driver) finishWithError(ctx context.Context, workerIdx int, k key.Key, e *entry.Entry, err error, events *trace.EventSet, bubbleEligible bool) {
	info := &evalerr.Info{Err: err}
	parents := e.Commit(nil, false, info, e.DirectDeps(), d.version, events)
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf("build of %s failed: %v", k, err)
	}
	if d.cfg.Progress != nil {
		d.cfg.Progress.Finished(workerIdx, k, err)
	}
	if be, ok := err.(*evalerr.BuilderError); ok && be.Transient && d.cfg.OnTransientError != nil {
		d.cfg.OnTransientError(k)
	}
	if bubbleEligible && !d.cfg.KeepGoing {
		d.bubbleUp(ctx, k, info)
	} else {
		d.recordErr(err)
	}
	d.notifyParents(k, parents, e.Version())
}

// bubbleUp implements the fail-fast error-bubbling walk (spec §4.F): starting
// at the key whose builder just failed, it climbs reverse-deps toward a
// requested root, re-invoking each intervening parent's builder once more
// with a sideband map that reports the failing child as already-in-error
// (without mutating the graph), so the parent gets a chance to produce a
// more specific error. The final bubbled error, at whichever root the walk
// reaches, is what aborts the run.
func (d *Driver) bubbleUp(ctx context.Context, origin key.Key, info *evalerr.Info) {
	visited := map[key.Key]struct{}{origin: {}}
	cur, curInfo := origin, info
	for {
		d.setBubble(cur, curInfo)
		if _, isRoot := d.roots[cur]; isRoot {
			d.recordErr(curInfo.Err)
			return
		}
		e, ok := d.store.Get(cur)
		if !ok {
			d.recordErr(curInfo.Err)
			return
		}
		parents := e.ReverseDepsSnapshot()
		next, nextInfo, found := d.bubbleOneParent(ctx, parents, visited, cur, curInfo)
		if !found {
			// No unvisited parent to climb to (cur has no reverse-deps, or
			// every reverse-dep was already on this walk) — treat cur as the
			// effective root of the bubble and stop.
			d.recordErr(curInfo.Err)
			return
		}
		cur, curInfo = next, nextInfo
	}
}

func (d *Driver) bubbleOneParent(ctx context.Context, parents map[key.Key]struct{}, visited map[key.Key]struct{}, child key.Key, childInfo *evalerr.Info) (key.Key, *evalerr.Info, bool) {
	for p := range parents {
		if _, seen := visited[p]; seen {
			// A parent already on this bubble path means the reverse-dep
			// graph closes a loop here: it is skipped rather than bubbled
			// through again. If no unvisited parent is left, bubbleUp ends
			// the walk at the current key; the walk runs no cycle detection
			// of its own.
			continue
		}
		visited[p] = struct{}{}

		pe, ok := d.store.Get(p)
		if !ok {
			continue
		}
		if pe.State() == entry.Done {
			if pinfo := pe.ErrorInfo(); pinfo != nil {
				return p, pinfo, true
			}
			continue
		}

		b, ok := d.reg.Lookup(p)
		if !ok {
			return p, childInfo, true
		}
		snapshot := d.bubbleSnapshot()
		snapshot[child] = childInfo
		env := builder.NewEnv(p, d.store, snapshot)
		_, err := d.invoke(ctx, b, p, env)
		if err == nil {
			// The parent produced no error of its own: it fails because of
			// its child, so report that as a ChildError (spec §7).
			err = &evalerr.ChildError{Key: p, Errors: []error{childInfo.Err}}
		}
		return p, &evalerr.Info{Err: err}, true
	}
	return key.Key{}, nil, false
}
