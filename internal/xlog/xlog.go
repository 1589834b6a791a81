// Package xlog writes the log file artefact this library produces: a
// version banner, an option dump, per-event traces when tracing is on,
// integrity-error reports, and a final summary.
//
// Grounded on internal/debug (debug.Log's call-site skipping loop, its
// per-goroutine "[g%04d]" tag via github.com/timandy/routine), generalized
// from a debug-build-only stderr tracer (gated by the "debug" build tag)
// into an always-on, file-backed logger. internal/debug's build-tag-gated
// Enabled/Log no-op pair is why this package exists separately rather than
// reusing internal/debug directly: a shipped debugging allocator must log
// in every build, not only debug ones.
package xlog

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/timandy/routine"

	"github.com/flier/memguard/pkg/diag"
)

// Logger writes to one destination, serializing concurrent writers with a
// mutex (the allocator's own global lock already serializes callers in
// practice, but the logger does not assume that).
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

// New constructs a Logger writing to out.
func New(out io.Writer) *Logger {
	return &Logger{out: out}
}

// Banner writes the version banner and option dump, once at the start of
// a run.
func (l *Logger) Banner(version string, options string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "memguard %s, started %s\n", version, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(l.out, "options: %s\n", options)
}

// callSite resolves the stack frame skip levels up (as counted by
// runtime.Caller) to its package, file base name and line. It uses the
// fixed skip only; it does not search for the first frame outside this
// package.
func callSite(skip int) (pkg, file string, line int) {
	pc, f, ln, ok := runtime.Caller(skip)
	if !ok {
		return "?", "?", 0
	}
	fn := runtime.FuncForPC(pc)
	name := fn.Name()
	name = strings.TrimPrefix(name, "github.com/flier/memguard/")
	if i := strings.Index(name, "."); i >= 0 {
		name = name[:i]
	}
	return name, filepath.Base(f), ln
}

// Trace writes one per-event line: goroutine tag, call site, event number,
// and a free-form message, in a "%s/%s:%d [g%04d, event=%d] %s: ..." layout.
func (l *Logger) Trace(event uint64, operation, format string, args ...any) {
	pkg, file, line := callSite(3)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s/%s:%d [g%04d, event=%d] %s: ", pkg, file, line, routine.Goid(), event, operation)
	fmt.Fprintf(l.out, format, args...)
	fmt.Fprintln(l.out)
}

// Diagnostic writes one integrity-error report line for d.
func (l *Logger) Diagnostic(d diag.Diagnostic) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.MismatchOffset >= 0 && (d.Kind == diag.OverflowBefore || d.Kind == diag.OverflowAfter || d.Kind == diag.OverflowAfterFree) {
		fmt.Fprintf(l.out, "[%s] addr=0x%x size=%d offset=%d expected=0x%02x actual=0x%02x alloc#%d\n",
			d.Kind, d.Addr, d.Size, d.MismatchOffset, d.Expected, d.Actual, d.AllocIndex)
		return
	}

	fmt.Fprintf(l.out, "[%s] addr=0x%x alloc#%d %s\n", d.Kind, d.Addr, d.AllocIndex, d.Message)
}

// Summary writes the final teardown summary: total allocations/frees,
// bytes still live, and a per-kind diagnostic count.
func (l *Logger) Summary(allocCount, freeCount uint64, liveBytes uint64, errCounts map[diag.Kind]int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.out, "summary: %d allocations, %d frees, %d bytes still live\n", allocCount, freeCount, liveBytes)
	for k, n := range errCounts {
		if n > 0 {
			fmt.Fprintf(l.out, "  %s: %d\n", k, n)
		}
	}
}
