// Package evalerr defines the evaluator's error taxonomy (spec §7):
// BuilderError, ChildError, CycleError, interruption, and internal
// invariant violations. Errors are wrapped with golang.org/x/xerrors so
// that %w chains keep a stack frame, matching the error-handling idiom
// used throughout the teacher's internal/batch and internal/build
// packages (xerrors.Errorf("...: %w", err)).
package evalerr

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"

	"github.com/evalgraph/evalgraph/internal/key"
)

// BuilderError is returned by a Builder to signal a failed computation.
// Transient errors are retried on the next Eval call without an explicit
// Invalidate: the driver reports each transient failure to the Graph, which
// invalidates those keys as changed when the next Eval starts. No
// error-transience key is added to the graph.
type BuilderError struct {
	Key       key.Key
	Cause     error
	Transient bool
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("building %s: %v", e.Key, e.Cause)
}

func (e *BuilderError) Unwrap() error { return e.Cause }

// NewBuilderError wraps cause as a (permanent) BuilderError for k.
func NewBuilderError(k key.Key, cause error) *BuilderError {
	return &BuilderError{Key: k, Cause: cause}
}

// ChildError is synthesized by the driver when a node's transitive deps
// contain errors but the node's own builder did not itself fail (spec §7).
type ChildError struct {
	Key    key.Key
	Errors []error
}

func (e *ChildError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: dependency failed: %v", e.Key, e.Errors[0])
	}
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%s: %d dependency errors: %s", e.Key, len(e.Errors), strings.Join(parts, "; "))
}

// CycleError reports one or more cycles found in the transitive deps of Root.
type CycleError struct {
	Root key.Key
	// Path is the path from Root to the first node on the cycle.
	Path []key.Key
	// Cycle is the cyclic path itself, starting and ending (implicitly) at
	// the same node.
	Cycle []key.Key
	// Additional holds further cycles discovered from the same root. The
	// driver leaves it empty: each cycle it finds is recorded as its own
	// CycleError, and Config.MaxCyclesReported caps how many one run records.
	Additional [][]key.Key
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected reachable from %s: %s", e.Root, formatCycle(e.Cycle))
}

func formatCycle(cycle []key.Key) string {
	parts := make([]string, len(cycle))
	for i, k := range cycle {
		parts[i] = k.String()
	}
	return strings.Join(parts, " -> ")
}

// InternalInvariantViolation indicates a bug in the evaluator itself (e.g. a
// builder panicked, or a state-machine invariant was violated). It is fatal
// to the evaluation that raised it.
type InternalInvariantViolation struct {
	Msg   string
	Cause error
}

func (e *InternalInvariantViolation) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal invariant violation: %s: %v", e.Msg, e.Cause)
	}
	return "internal invariant violation: " + e.Msg
}

func (e *InternalInvariantViolation) Unwrap() error { return e.Cause }

// ErrInterrupted is wrapped by the error Eval returns when evaluation is
// cancelled cooperatively (via context cancellation).
var ErrInterrupted = xerrors.New("evalgraph: evaluation interrupted")

// Interrupted returns an error that wraps ErrInterrupted. cause (typically a
// context error) appears in its message but is not itself wrapped.
func Interrupted(cause error) error {
	return xerrors.Errorf("%w: %v", ErrInterrupted, cause)
}

// Info is the error payload stored on a node entry. A node may carry both a
// value and an Info in keep-going mode (spec data model, "error" field).
type Info struct {
	Err error
}
