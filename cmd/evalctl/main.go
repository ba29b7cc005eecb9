// Command evalctl is the reference CLI for the evalgraph evaluator (spec
// §4.H): it loads a declarative node graph from a JSON file, evaluates the
// requested roots, and prints the results. It exists to exercise the
// evaluator end-to-end, the way the teacher's cmd/distri exercises
// internal/batch end-to-end against real package trees. Structured the
// same way: a verb dispatch table, global flags parsed once
// in funcmain, an InterruptibleContext driving cancellation, and errors
// returned up to main rather than calling os.Exit deep in a subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	evalgraph "github.com/evalgraph/evalgraph"
	"github.com/evalgraph/evalgraph/internal/demo"
	internaltrace "github.com/evalgraph/evalgraph/internal/trace"
)

var (
	workers    = flag.Int("workers", 4, "number of concurrent builder invocations")
	keepGoing  = flag.Bool("keep_going", false, "continue evaluating after errors instead of failing fast")
	ctracefile = flag.String("ctracefile", "", "path to write a chrome://tracing event file to")
	verbose    = flag.Bool("v", false, "print progress to stderr")
)

func cmdEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	file := fs.String("file", "", "path to a demo graph JSON file")
	root := fs.String("root", "", "comma-separated type:id keys to evaluate; defaults to every node in -file")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("eval: -file is required")
	}
	nodes, allRoots, err := demo.LoadFile(*file)
	if err != nil {
		return err
	}

	reg := evalgraph.NewRegistry()
	demo.Register(reg, demo.Declarations(nodes))

	cfg := evalgraph.Config{
		Workers:   *workers,
		KeepGoing: *keepGoing,
	}
	if *verbose {
		cfg.ProgressOutput = os.Stderr
	}
	g := evalgraph.New(reg, cfg)

	roots := allRoots
	if *root != "" {
		roots = nil
		for _, s := range strings.Split(*root, ",") {
			roots = append(roots, parseKey(s))
		}
	}

	start := time.Now()
	res, err := g.Eval(ctx, roots...)
	if err != nil && !*keepGoing {
		return err
	}
	for _, k := range roots {
		if e, ok := res.Errors[k]; ok {
			fmt.Printf("%s: error: %v\n", k, e)
			continue
		}
		fmt.Printf("%s = %v\n", k, res.Values[k])
	}
	if *verbose {
		log.Printf("evaluated %d root(s) in %v", len(roots), time.Since(start))
	}
	if !res.OK() && !*keepGoing {
		return fmt.Errorf("eval: %d root(s) failed", len(res.Errors))
	}
	return nil
}

func parseKey(s string) evalgraph.Key {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return evalgraph.Key{Type: s[:i], ID: s[i+1:]}
		}
	}
	return evalgraph.Key{Type: demo.TypeConst, ID: s}
}

func funcmain() error {
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
		evalgraph.RegisterAtExit(f.Close)
	}

	verbs := map[string]func(ctx context.Context, args []string) error{
		"eval": cmdEval,
	}

	args := flag.Args()
	verb := "eval"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: evalctl <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := evalgraph.InterruptibleContext()
	defer canc()

	if err := v(ctx, args); err != nil {
		return fmt.Errorf("%s: %v", verb, err)
	}
	return evalgraph.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
