package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/evalgraph/evalgraph/internal/builder"
	"github.com/evalgraph/evalgraph/internal/depgroup"
	"github.com/evalgraph/evalgraph/internal/entry"
	"github.com/evalgraph/evalgraph/internal/graphstore"
	"github.com/evalgraph/evalgraph/internal/key"
)

func tk(id string) key.Key { return key.Key{Type: "t", ID: id} }

// clean() is the spec §4.E cleanup pass run when a run is interrupted or
// aborts fail-fast: every key this Driver ever enqueued that never reached
// Done must be dropped from the store, and any dep it registered itself
// against must no longer list it as a reverse dep.
func TestCleanRemovesNeverCompletedEntries(t *testing.T) {
	store := graphstore.New()
	reg := builder.NewRegistry()
	d := NewDriver(store, reg, Config{Workers: 2}, 1, nil)

	parent, dep := tk("parent"), tk("dep")

	d.probe(context.Background(), nil, parent)
	d.probe(context.Background(), &parent, dep)

	depEntry, ok := store.Get(dep)
	if !ok || depEntry.State() != entry.Evaluating {
		t.Fatalf("dep entry missing or not Evaluating before clean()")
	}

	d.clean()

	if _, ok := store.Get(parent); ok {
		t.Fatalf("clean() left the never-completed parent entry in the store")
	}
	if _, ok := store.Get(dep); ok {
		t.Fatalf("clean() left the never-completed dep entry in the store")
	}
}

func TestCleanDeregistersReverseDepsFromSurvivingDeps(t *testing.T) {
	store := graphstore.New()
	reg := builder.NewRegistry()
	d := NewDriver(store, reg, Config{Workers: 1}, 1, nil)

	parent, child := tk("parent"), tk("child")

	childEntry := store.CreateIfAbsent(child)
	childEntry.Commit("v", true, nil, depgroup.List{}, 1, nil)

	// Mirror the real child-enqueue protocol: by the time a parent probes a
	// dep, the dep is already recorded on the parent's (temporary) direct
	// deps list (queue.build merges env.Requested() in before probing).
	d.probe(context.Background(), nil, parent)
	parentEntry, _ := store.Get(parent)
	parentEntry.AddTemporaryDirectDeps([]key.Key{child})
	d.probe(context.Background(), &parent, child)

	if got := childEntry.ReverseDepsSnapshot(); len(got) != 1 {
		t.Fatalf("child has %d reverse deps before clean(), want 1", len(got))
	}

	d.clean()

	if _, ok := store.Get(parent); ok {
		t.Fatalf("clean() left the never-completed parent entry in the store")
	}
	if _, ok := store.Get(child); !ok {
		t.Fatalf("clean() removed a Done entry it should have left alone")
	}
	if got := childEntry.ReverseDepsSnapshot(); len(got) != 0 {
		t.Fatalf("child still has %d reverse dep(s) after clean(), want 0 (dangling edge from a removed node)", len(got))
	}
}

func TestRunReturnsCtxErrAndCleansOnInterrupt(t *testing.T) {
	store := graphstore.New()
	reg := builder.NewRegistry()

	started := make(chan struct{})
	unblock := make(chan struct{})
	reg.Register("slow", builder.Func(func(ctx context.Context, k key.Key, env *builder.Env) (any, error) {
		close(started)
		<-unblock
		return "done", nil
	}))

	d := NewDriver(store, reg, Config{Workers: 1}, 1, nil)
	root := key.Key{Type: "slow", ID: "1"}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx, []key.Key{root}) }()

	<-started
	cancel()
	close(unblock)

	err := <-runDone
	if err == nil {
		t.Fatalf("Run on a cancelled context returned nil error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	store.Range(func(k key.Key, e *entry.Entry) bool {
		if e.State() != entry.Done {
			t.Errorf("entry %s left in state %v after an interrupted Run; clean() should have removed it", k, e.State())
		}
		return true
	})
}
