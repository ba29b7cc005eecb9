package eval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evalgraph/evalgraph/internal/builder"
	"github.com/evalgraph/evalgraph/internal/evalerr"
	"github.com/evalgraph/evalgraph/internal/key"
)

func k(typ, id string) key.Key { return key.Key{Type: typ, ID: id} }

// A diamond graph: total = (a + b) + (a + c), exercising shared-dep reuse.
func diamondRegistry() *builder.Registry {
	reg := builder.NewRegistry()
	values := map[key.Key]float64{
		k("const", "a"): 1,
		k("const", "b"): 2,
		k("const", "c"): 3,
	}
	reg.Register("const", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return values[key], nil
	}))
	reg.Register("sum", builder.Func(func(_ context.Context, key key.Key, env *builder.Env) (any, error) {
		var deps []key.Key
		switch key.ID {
		case "left":
			deps = []key.Key{k("const", "a"), k("const", "b")}
		case "right":
			deps = []key.Key{k("const", "a"), k("const", "c")}
		case "total":
			deps = []key.Key{k("sum", "left"), k("sum", "right")}
		}
		vs, ok := env.GetDeps(deps)
		if !ok {
			return nil, nil
		}
		var sum float64
		for _, v := range vs {
			sum += v.(float64)
		}
		return sum, nil
	}))
	return reg
}

func TestEvalDiamond(t *testing.T) {
	g := New(diamondRegistry(), Config{Workers: 3})
	res, err := g.Eval(context.Background(), k("sum", "total"))
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	got := res.Values[k("sum", "total")]
	if want := float64(1 + 2 + 1 + 3); got != want {
		t.Errorf("total = %v, want %v", got, want)
	}
}

func TestEvalDetectsCycle(t *testing.T) {
	reg := builder.NewRegistry()
	reg.Register("cyc", builder.Func(func(_ context.Context, key key.Key, env *builder.Env) (any, error) {
		var other string
		if key.ID == "x" {
			other = "y"
		} else {
			other = "x"
		}
		v, ok := env.GetDep(k("cyc", other))
		if !ok {
			return nil, nil
		}
		return v, nil
	}))
	g := New(reg, Config{Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := g.Eval(ctx, k("cyc", "x"))
	if err == nil {
		t.Fatalf("Eval on a self-referential cycle returned no error")
	}
	var ce *evalerr.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Eval error = %v (%T), want *evalerr.CycleError", err, err)
	}
}

func TestEvalKeepGoingCollectsAllErrors(t *testing.T) {
	reg := builder.NewRegistry()
	reg.Register("ok", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return "fine", nil
	}))
	reg.Register("bad", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return nil, evalerr.NewBuilderError(key, errors.New("boom"))
	}))
	g := New(reg, Config{Workers: 2, KeepGoing: true})
	res, err := g.Eval(context.Background(), k("ok", "1"), k("bad", "1"))
	if err != nil {
		t.Fatalf("Eval in keep-going mode returned %v, want nil", err)
	}
	if got := res.Values[k("ok", "1")]; got != "fine" {
		t.Errorf("ok/1 = %v, want %q", got, "fine")
	}
	if _, ok := res.Errors[k("bad", "1")]; !ok {
		t.Errorf("bad/1 has no recorded error")
	}
}

func TestEvalFailFastBubblesErrorToRoot(t *testing.T) {
	leaf := k("leaf", "1")
	mid := k("mid", "1")
	root := k("root", "1")

	reg := builder.NewRegistry()
	reg.Register("leaf", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return nil, evalerr.NewBuilderError(key, errors.New("leaf exploded"))
	}))
	reg.Register("mid", builder.Func(func(_ context.Context, key key.Key, env *builder.Env) (any, error) {
		v, err := builder.GetDepOrThrow[*evalerr.BuilderError](env, leaf)
		if err != nil {
			return nil, fmt.Errorf("mid: %w", err)
		}
		if env.DepsMissing() {
			return nil, nil
		}
		return v, nil
	}))
	reg.Register("root", builder.Func(func(_ context.Context, key key.Key, env *builder.Env) (any, error) {
		v, err := builder.GetDepOrThrow[*evalerr.BuilderError](env, mid)
		if err != nil {
			return nil, fmt.Errorf("root: %w", err)
		}
		if env.DepsMissing() {
			return nil, nil
		}
		return v, nil
	}))

	g := New(reg, Config{Workers: 2})
	res, err := g.Eval(context.Background(), root)
	if err == nil {
		t.Fatalf("fail-fast Eval with a failing leaf returned no error")
	}
	var be *evalerr.BuilderError
	if !errors.As(err, &be) {
		t.Fatalf("bubbled error = %v, want it to wrap *evalerr.BuilderError from the leaf", err)
	}
	rootErr, ok := res.Errors[root]
	if !ok {
		t.Fatalf("result has no error recorded for the requested root")
	}
	if !errors.As(rootErr, &be) {
		t.Fatalf("result root error = %v, want it to wrap the leaf's BuilderError too", rootErr)
	}
}

// A parent that only reads its dep through plain GetDep (never OrThrow) has
// no way to observe *why* the dep came back empty. Once the dep is Done in
// error, re-probing it on every deferred invocation would otherwise loop
// forever (the dep's state never changes); the driver must instead
// synthesize a ChildError for the parent (spec §7).
func TestEvalKeepGoingChildErrorOnFailedDep(t *testing.T) {
	q := k("leaf", "q")
	p := k("mid", "p")

	reg := builder.NewRegistry()
	reg.Register("leaf", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return nil, evalerr.NewBuilderError(key, errors.New("boom"))
	}))
	reg.Register("mid", builder.Func(func(_ context.Context, _ key.Key, env *builder.Env) (any, error) {
		v, ok := env.GetDep(q)
		if !ok {
			return nil, nil
		}
		return v, nil
	}))

	g := New(reg, Config{Workers: 2, KeepGoing: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := g.Eval(ctx, p)
	if err != nil {
		t.Fatalf("Eval in keep-going mode returned %v, want nil", err)
	}

	perr, ok := res.Errors[p]
	if !ok {
		t.Fatalf("result has no error recorded for p")
	}
	var ce *evalerr.ChildError
	if !errors.As(perr, &ce) {
		t.Fatalf("p's error = %v (%T), want it to wrap *evalerr.ChildError", perr, perr)
	}
	if len(ce.Errors) != 1 {
		t.Fatalf("ChildError wraps %d errors, want 1", len(ce.Errors))
	}
	var be *evalerr.BuilderError
	if !errors.As(ce.Errors[0], &be) {
		t.Fatalf("ChildError's wrapped error = %v, want *evalerr.BuilderError from q", ce.Errors[0])
	}
}

// The same deferred-on-a-failed-dep shape, but fail-fast: the synthesized
// ChildError must still bubble up to the root like any other builder
// failure, rather than being treated as a special case that doesn't abort.
func TestEvalFailFastChildErrorBubbles(t *testing.T) {
	q := k("leaf", "q2")
	p := k("mid", "p2")

	reg := builder.NewRegistry()
	reg.Register("leaf", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return nil, evalerr.NewBuilderError(key, errors.New("boom"))
	}))
	reg.Register("mid", builder.Func(func(_ context.Context, _ key.Key, env *builder.Env) (any, error) {
		v, ok := env.GetDep(q)
		if !ok {
			return nil, nil
		}
		return v, nil
	}))

	g := New(reg, Config{Workers: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := g.Eval(ctx, p)
	if err == nil {
		t.Fatalf("fail-fast Eval with a failed dep read through plain GetDep returned no error")
	}
	var ce *evalerr.ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("Eval error = %v (%T), want it to wrap *evalerr.ChildError", err, err)
	}
	if _, ok := res.Errors[p]; !ok {
		t.Fatalf("result has no error recorded for p")
	}
}

// A requested root that sits on a cycle (caught by the reactive PathTracker's
// normal path) must come back with a per-root CycleError in keep-going mode,
// without aborting the call for a sibling root that succeeds.
func TestEvalKeepGoingCycleRecordsErrorWithoutAborting(t *testing.T) {
	reg := builder.NewRegistry()
	reg.Register("cyc", builder.Func(func(_ context.Context, key key.Key, env *builder.Env) (any, error) {
		var other string
		if key.ID == "x" {
			other = "y"
		} else {
			other = "x"
		}
		v, ok := env.GetDep(k("cyc", other))
		if !ok {
			return nil, nil
		}
		return v, nil
	}))
	reg.Register("ok", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return "fine", nil
	}))

	g := New(reg, Config{Workers: 2, KeepGoing: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := g.Eval(ctx, k("cyc", "x"), k("ok", "1"))
	if err != nil {
		t.Fatalf("keep-going Eval over a cyclic root returned %v, want nil", err)
	}
	if got := res.Values[k("ok", "1")]; got != "fine" {
		t.Errorf("ok/1 = %v, want %q", got, "fine")
	}
	cerr, ok := res.Errors[k("cyc", "x")]
	if !ok {
		t.Fatalf("result has no error recorded for the cyclic root")
	}
	var ce *evalerr.CycleError
	if !errors.As(cerr, &ce) {
		t.Fatalf("root error = %v (%T), want *evalerr.CycleError", cerr, cerr)
	}
}

// Regression test for over-signaling on incremental dep discovery: a builder
// that only requests its second dep once its first is available must be
// invoked exactly three times (discover depA only; discover depB once depA
// resolves; succeed once depB resolves too). Re-probing depA a second time
// (the over-signal bug) would make the parent appear Ready one invocation
// early and waste a redundant invocation in between.
func TestEvalIncrementalDepsDoesNotOverSignal(t *testing.T) {
	depA := k("leaf", "a")
	depB := k("leaf", "b")
	root := k("incr", "root")

	reg := builder.NewRegistry()
	reg.Register("leaf", builder.Func(func(_ context.Context, key key.Key, _ *builder.Env) (any, error) {
		return "v:" + key.ID, nil
	}))

	var calls int32
	reg.Register("incr", builder.Func(func(_ context.Context, _ key.Key, env *builder.Env) (any, error) {
		atomic.AddInt32(&calls, 1)
		a, ok := env.GetDep(depA)
		if !ok {
			return nil, nil
		}
		b, ok := env.GetDep(depB)
		if !ok {
			return nil, nil
		}
		return fmt.Sprintf("%v+%v", a, b), nil
	}))

	g := New(reg, Config{Workers: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := g.Eval(ctx, root)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got, want := res.Values[root], "v:a+v:b"; got != want {
		t.Errorf("root = %v, want %v", got, want)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("builder invoked %d times, want exactly 3 (depA-only request, then depB newly requested, then success)", got)
	}
}

func TestInvalidateTriggersRebuildOnlyWhenMarked(t *testing.T) {
	var calls int32
	reg := builder.NewRegistry()
	reg.Register("counter", builder.Func(func(_ context.Context, _ key.Key, _ *builder.Env) (any, error) {
		return int(atomic.AddInt32(&calls, 1)), nil
	}))
	g := New(reg, Config{Workers: 1})
	root := k("counter", "n")

	res, err := g.Eval(context.Background(), root)
	if err != nil {
		t.Fatalf("Eval #1: %v", err)
	}
	if got := res.Values[root]; got != 1 {
		t.Fatalf("first build = %v, want 1", got)
	}

	res, err = g.Eval(context.Background(), root)
	if err != nil {
		t.Fatalf("Eval #2: %v", err)
	}
	if got := res.Values[root]; got != 1 {
		t.Fatalf("re-eval without invalidation rebuilt: got %v, want 1", got)
	}

	g.Invalidate([]key.Key{root}, true)
	res, err = g.Eval(context.Background(), root)
	if err != nil {
		t.Fatalf("Eval #3: %v", err)
	}
	if got := res.Values[root]; got != 2 {
		t.Fatalf("re-eval after invalidation = %v, want 2", got)
	}
}
