// Package eval is the evaluator's public driver (spec §4.F, §4.G): it owns
// the graph store and builder registry, assigns graph versions, and exposes
// Eval (build/re-build a set of root keys) and Invalidate (mark keys, and
// transitively their dependents, dirty ahead of the next Eval call).
package eval

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"

	"github.com/evalgraph/evalgraph/internal/builder"
	"github.com/evalgraph/evalgraph/internal/entry"
	"github.com/evalgraph/evalgraph/internal/evalerr"
	"github.com/evalgraph/evalgraph/internal/graphstore"
	"github.com/evalgraph/evalgraph/internal/key"
	"github.com/evalgraph/evalgraph/internal/progress"
	"github.com/evalgraph/evalgraph/internal/queue"
	"github.com/evalgraph/evalgraph/internal/trace"
)

// Config controls a Graph's evaluation behavior.
type Config struct {
	// Workers is the number of concurrent builder invocations. Defaults to
	// runtime.GOMAXPROCS(0).
	Workers int
	// KeepGoing, when true, runs every buildable node to completion even
	// after errors and reports all of them (spec "keep_going"); when false,
	// the first error halts scheduling of not-yet-started nodes (fail-fast).
	KeepGoing bool
	// MaxCyclesReported caps how many CycleErrors one Eval call records (each
	// cycle found is its own CycleError); defaults to 20.
	MaxCyclesReported int
	// Logger receives diagnostic lines; defaults to log.Default().
	Logger *log.Logger
	// Progress, if set, receives per-node lifecycle notifications.
	Progress queue.ProgressReceiver
	// ProgressOutput, if set and Progress is nil, wraps a reference
	// terminal status board (internal/progress) around this writer.
	ProgressOutput io.Writer
	// TraceOutput, if set, receives a Chrome-trace-format JSON event stream
	// for every build span (spec §4.G, §9.5).
	TraceOutput io.Writer
}

// Result is the outcome of one Eval call, keyed by the requested root keys.
type Result struct {
	Values map[key.Key]any
	Errors map[key.Key]error
}

// OK reports whether every requested root resolved without error.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Graph owns one computation graph: its store, its builder registry, and
// the monotonic version counter stamped onto entries that actually change
// (spec §4.B "version").
type Graph struct {
	store *graphstore.Store
	reg   *builder.Registry
	cfg   Config

	mu              sync.Mutex
	version         int64
	transientFailed map[key.Key]struct{}

	board *progress.Board
}

// New constructs an empty Graph using reg to resolve each node's Builder.
func New(reg *builder.Registry, cfg Config) *Graph {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxCyclesReported <= 0 {
		cfg.MaxCyclesReported = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	g := &Graph{store: graphstore.New(), reg: reg, cfg: cfg}
	if cfg.TraceOutput != nil {
		trace.Sink(cfg.TraceOutput)
	}
	if cfg.Progress == nil && cfg.ProgressOutput != nil {
		g.board = progress.NewBoard(cfg.ProgressOutput, cfg.Workers)
		cfg.Progress = boardAdapter{g.board}
	}
	g.cfg = cfg
	return g
}

// boardAdapter satisfies queue.ProgressReceiver over a *progress.Board.
type boardAdapter struct{ b *progress.Board }

func (a boardAdapter) Scheduled(pending int)                      { a.b.Scheduled(pending) }
func (a boardAdapter) Started(idx int, k key.Key)                 { a.b.Started(idx, k) }
func (a boardAdapter) Finished(idx int, k key.Key, err error)     { a.b.Finished(idx, k, err) }

// Eval (re-)builds roots and everything they transitively depend on,
// reusing any already-Done entry whose version is still current. It
// returns a Result with every requested root's value or error, plus the
// combined error from the underlying run (nil if KeepGoing absorbed every
// failure into per-root Errors; non-nil on fail-fast abort, cycles, or
// context cancellation).
func (g *Graph) Eval(ctx context.Context, roots ...key.Key) (*Result, error) {
	if len(roots) == 0 {
		return &Result{Values: map[key.Key]any{}, Errors: map[key.Key]error{}}, nil
	}

	g.mu.Lock()
	if len(g.transientFailed) > 0 {
		stale := make([]key.Key, 0, len(g.transientFailed))
		for k := range g.transientFailed {
			stale = append(stale, k)
		}
		g.transientFailed = nil
		g.mu.Unlock()
		g.Invalidate(stale, true)
		g.mu.Lock()
	}
	g.version++
	version := g.version
	g.mu.Unlock()

	d := queue.NewDriver(g.store, g.reg, queue.Config{
		Workers:   g.cfg.Workers,
		KeepGoing: g.cfg.KeepGoing,
		MaxCycles: g.cfg.MaxCyclesReported,
		Progress:  g.cfg.Progress,
		Logger:    g.cfg.Logger,
		OnTransientError: func(k key.Key) {
			g.mu.Lock()
			if g.transientFailed == nil {
				g.transientFailed = make(map[key.Key]struct{})
			}
			g.transientFailed[k] = struct{}{}
			g.mu.Unlock()
		},
	}, version, nil)

	runErr := d.Run(ctx, roots)
	if runErr != nil && ctx.Err() != nil {
		runErr = evalerr.Interrupted(ctx.Err())
	}

	res := g.collect(roots, d)
	if g.board != nil {
		g.board.Close()
	}
	if g.cfg.KeepGoing {
		// In keep-going mode every per-root failure already landed in
		// res.Errors (including a cyclic root, via collect's cycle fallback
		// below), so only a true internal error propagates as the call's own
		// error; BuilderError/ChildError/CycleError are all already surfaced
		// per-root and must not also abort the caller.
		switch runErr.(type) {
		case nil, *evalerr.CycleError, *evalerr.BuilderError, *evalerr.ChildError:
			return res, nil
		default:
			return res, runErr
		}
	}
	return res, runErr
}

// collect is the result assembler (spec §4.G): for each requested root it
// prefers a fail-fast bubbled error over the entry's own committed state,
// since bubbling deliberately never mutates the graph.
func (g *Graph) collect(roots []key.Key, d *queue.Driver) *Result {
	res := &Result{Values: make(map[key.Key]any, len(roots)), Errors: make(map[key.Key]error)}
	sets := make([]*trace.EventSet, 0, len(roots))
	cycles := d.Cycles()
	for _, k := range roots {
		if info, ok := d.Bubble(k); ok {
			res.Errors[k] = info.Err
			continue
		}
		e, ok := g.store.Get(k)
		if ok {
			if v, has := e.Value(); has {
				res.Values[k] = v
			}
			if info := e.ErrorInfo(); info != nil {
				res.Errors[k] = info.Err
			}
			sets = append(sets, e.Events())
		}
		if _, hasValue := res.Values[k]; hasValue {
			continue
		}
		if _, hasErr := res.Errors[k]; hasErr {
			continue
		}
		// Neither a value nor an error landed on this root: it was left
		// un-Done by a cycle somewhere in its transitive deps (spec §8
		// scenario 3) rather than by any commit, so it would otherwise be
		// silently absent from both maps.
		res.Errors[k] = cycleErrorFor(cycles, k)
	}
	// Result assembler: replay every requested root's nested event set once,
	// deduplicated across roots that share a subtree (spec §4.G, §9.5).
	trace.ReplayAll(sets...)
	return res
}

func cycleErrorFor(cycles []*evalerr.CycleError, root key.Key) error {
	for _, c := range cycles {
		if c.Root == root {
			return c
		}
	}
	if len(cycles) > 0 {
		return cycles[0]
	}
	return fmt.Errorf("%s: never built", root)
}

// Invalidate marks keys dirty (isChanged decides whether their own value is
// assumed stale, per spec "Dirtying a Done entry"), and transitively marks
// every live dependent dirty for re-verification on the next Eval call.
func (g *Graph) Invalidate(keys []key.Key, isChanged bool) {
	visited := make(map[key.Key]bool)
	var walk func(k key.Key, changed bool)
	walk = func(k key.Key, changed bool) {
		if visited[k] {
			return
		}
		visited[k] = true
		e, ok := g.store.Get(k)
		if !ok || e.State() != entry.Done {
			return
		}
		parents := e.ReverseDepsSnapshot()
		e.MarkDirty(changed)
		for p := range parents {
			walk(p, false)
		}
	}
	for _, k := range keys {
		walk(k, isChanged)
	}
}

// Len reports the number of distinct keys the graph currently holds an
// entry for (built, in-flight, or dirty).
func (g *Graph) Len() int {
	n := 0
	g.store.Range(func(key.Key, *entry.Entry) bool { n++; return true })
	return n
}
