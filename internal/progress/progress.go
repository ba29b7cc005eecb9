// Package progress provides the reference ProgressReceiver implementation
// (spec §4.H): a terminal status board that redraws in place, one line per
// worker plus a summary line. Grounded in the teacher's
// batch.scheduler.refreshStatus/updateStatus (ANSI cursor-up redraw,
// rate-limited to avoid flooding the terminal), with the raw unix.IoctlGetTermios
// TTY probe replaced by go-isatty, the library the rest of the pack reaches
// for instead.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/evalgraph/evalgraph/internal/key"
)

// Board renders one line per worker slot plus a summary line, redrawing in
// place on a terminal. On a non-terminal sink it stays silent: piping a log
// through `less` should not see escape-code garbage.
type Board struct {
	w        io.Writer
	isTerm   bool
	minGap   time.Duration

	mu         sync.Mutex
	lines      []string // lines[0] is the summary line
	lastRedraw time.Time

	done, failed, total int
}

// NewBoard returns a Board with n worker slots, writing to w. isatty.IsTerminal
// gates all drawing; n should match the evaluator's worker count.
func NewBoard(w io.Writer, n int) *Board {
	isTerm := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		isTerm = isatty.IsTerminal(f.Fd())
	}
	return &Board{
		w:      w,
		isTerm: isTerm,
		minGap: 100 * time.Millisecond,
		lines:  make([]string, n+1),
	}
}

// Scheduled updates the summary line's pending count.
func (b *Board) Scheduled(pending int) {
	if !b.isTerm {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total = pending + b.done
	b.setLineLocked(0, b.summaryLocked())
}

// Started marks worker slot idx as building k. Callers own a stable slot
// index per worker goroutine (1..n); 0 is reserved for the summary line.
func (b *Board) Started(idx int, k key.Key) {
	if !b.isTerm {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLineLocked(idx, fmt.Sprintf("[%d] building %s", idx, k))
}

// Finished records k's outcome on worker slot idx and refreshes the summary.
func (b *Board) Finished(idx int, k key.Key, err error) {
	if !b.isTerm {
		b.mu.Lock()
		if err != nil {
			b.failed++
		}
		b.done++
		b.mu.Unlock()
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done++
	if err != nil {
		b.failed++
		b.setLineLocked(idx, fmt.Sprintf("[%d] idle (last failed: %s)", idx, k))
	} else {
		b.setLineLocked(idx, fmt.Sprintf("[%d] idle", idx))
	}
	b.setLineLocked(0, b.summaryLocked())
}

func (b *Board) summaryLocked() string {
	return fmt.Sprintf("%d of %d done, %d failed", b.done, b.total, b.failed)
}

func (b *Board) setLineLocked(idx int, s string) {
	if idx >= len(b.lines) {
		return
	}
	if diff := len(b.lines[idx]) - len(s); diff > 0 {
		s += strings.Repeat(" ", diff)
	}
	b.lines[idx] = s
	if time.Since(b.lastRedraw) < b.minGap {
		return
	}
	b.redrawLocked()
}

func (b *Board) redrawLocked() {
	b.lastRedraw = time.Now()
	for _, line := range b.lines {
		fmt.Fprintln(b.w, line)
	}
	fmt.Fprintf(b.w, "\033[%dA", len(b.lines)) // restore cursor position
}

// Close leaves the cursor below the final board state.
func (b *Board) Close() {
	if !b.isTerm {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for range b.lines {
		fmt.Fprintln(b.w)
	}
}
