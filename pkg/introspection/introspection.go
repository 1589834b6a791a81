// Package introspection implements the read-only query surface: block-
// containing-address lookup, per-block info, heap statistics, iteration
// over live/freed blocks, and marking or attaching user data to a block —
// all callable from user code or a debugger while the program runs.
//
// Layered atop [allocator.Allocator] (which already tracks the block and
// metadata state these queries read) and [integrity.Checker] (check()).
// The symbol-table reader that symbol() and print_info() depend on is
// treated as an external collaborator; it is modeled here as the
// [SymbolResolver] capability so this package depends only on the
// interface, the way capability objects generalize elsewhere in this
// module.
package introspection

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/flier/memguard/pkg/allocator"
	"github.com/flier/memguard/pkg/diag"
	"github.com/flier/memguard/pkg/integrity"
	"github.com/flier/memguard/pkg/lifecycle"
	"github.com/flier/memguard/pkg/metadata"
)

// SymbolResolver resolves an address to a human-readable symbol name, the
// one capability the external symbol-table reader and stack unwinder
// expose to this package.
type SymbolResolver interface {
	Resolve(addr uintptr) (name string, ok bool)
}

// noResolver is used when no [SymbolResolver] is configured.
type noResolver struct{}

func (noResolver) Resolve(uintptr) (string, bool) { return "", false }

// Summary is the report produced by [API.Summary] and emitted by the
// lifecycle's teardown sequence: it reports any still-live blocks
// (UnfreedAtExit) exactly once.
type Summary struct {
	Stats       allocator.Stats
	ErrorCounts map[diag.Kind]int
}

// API implements the Introspection API over an allocator, a metadata
// store, and an integrity checker. Operations acquire l for their
// duration: the re-entrancy lock is held for the duration of each query.
//
// A zero API is not ready to use; construct one with [New].
type API struct {
	alloc    *allocator.Allocator
	meta     *metadata.Store
	checker  *integrity.Checker
	life     *lifecycle.Lifecycle
	resolver SymbolResolver

	errCounts map[diag.Kind]int
}

// New constructs an API. resolver may be nil, in which case [API.Symbol]
// always reports not-found.
func New(alloc *allocator.Allocator, meta *metadata.Store, checker *integrity.Checker, life *lifecycle.Lifecycle, resolver SymbolResolver) *API {
	if resolver == nil {
		resolver = noResolver{}
	}
	return &API{
		alloc:     alloc,
		meta:      meta,
		checker:   checker,
		life:      life,
		resolver:  resolver,
		errCounts: make(map[diag.Kind]int),
	}
}

func (a *API) enter() func() {
	if a.life == nil {
		return func() {}
	}
	return a.life.Enter()
}

// tally folds newly drained diagnostics into the running error-kind
// counts reported by [API.Summary], and returns them unchanged so callers
// can still act on individual diagnostics.
func (a *API) tally(diags []diag.Diagnostic) []diag.Diagnostic {
	for _, d := range diags {
		a.errCounts[d.Kind]++
	}
	return diags
}

// Info reports the block containing address, per spec.md's info(address).
func (a *API) Info(address unsafe.Pointer) (allocator.BlockInfo, bool) {
	defer a.enter()()
	return a.alloc.Info(address)
}

// Symbol resolves address to a symbol name via the configured
// [SymbolResolver], per spec.md's symbol(address).
func (a *API) Symbol(address uintptr) (string, bool) {
	defer a.enter()()
	return a.resolver.Resolve(address)
}

// PrintInfo writes a human-readable description of the block containing
// address to w, per spec.md's print_info(address) (documented as a
// debugger-facing routine printing to standard error).
func (a *API) PrintInfo(w io.Writer, address unsafe.Pointer) {
	defer a.enter()()

	info, ok := a.alloc.Info(address)
	if !ok {
		fmt.Fprintf(w, "%p: not a tracked block\n", address)
		return
	}

	fmt.Fprintf(w, "%p: base=0x%x size=%d user=[%d,%d) state=%s kind=%s alloc#%d realloc#%d\n",
		address, info.Base, info.Size, info.UserOffset, info.UserOffset+info.UserSize,
		info.State, info.Record.Kind, info.Record.AllocIndex, info.Record.ReallocIndex)
}

// Iterate visits every block created or modified since sinceEvent, per
// spec.md's iterate(since_event, callback): callback returns negative to
// stop iteration, positive to count the block, zero to skip it without
// counting. Iterate returns the number of blocks counted.
func (a *API) Iterate(sinceEvent uint64, callback func(allocator.BlockInfo) int) int {
	defer a.enter()()

	count := 0
	a.alloc.Iterate(sinceEvent, func(info allocator.BlockInfo) int {
		r := callback(info)
		if r > 0 {
			count++
		}
		return r
	})
	return count
}

// Snapshot returns the current event counter, for use as a later Iterate
// call's sinceEvent, per spec.md's snapshot() -> event_id.
func (a *API) Snapshot() uint64 {
	defer a.enter()()
	return a.meta.Event()
}

// Stats returns the current heap-wide counters, per spec.md's
// stats() -> heap-info.
func (a *API) Stats() allocator.Stats {
	defer a.enter()()
	return a.alloc.Stats()
}

// SetUser attaches an opaque user-data pointer to the block containing
// address, per spec.md's set_user(address, data). Reports whether address
// named a tracked block.
func (a *API) SetUser(address unsafe.Pointer, data uintptr) bool {
	defer a.enter()()

	info, ok := a.alloc.Info(address)
	if !ok {
		return false
	}
	info.Record.SetUserData(data)
	return true
}

// SetMark sets the Marked flag on the block containing address, per
// spec.md's set_mark(address). Reports whether address named a tracked
// block.
func (a *API) SetMark(address unsafe.Pointer) bool {
	defer a.enter()()

	info, ok := a.alloc.Info(address)
	if !ok {
		return false
	}
	info.Record.Mark()
	return true
}

// Check runs an on-demand integrity sweep, per spec.md's check().
func (a *API) Check() []diag.Diagnostic {
	defer a.enter()()
	diags := a.alloc.Diagnostics()
	if a.checker != nil {
		diags = append(diags, a.checker.Check()...)
	}
	return a.tally(diags)
}

// Summary returns the current heap statistics together with the
// cumulative count of every diagnostic kind ever drained through this
// API, per spec.md's summary() and the teardown sequence's leak report.
func (a *API) Summary() Summary {
	defer a.enter()()

	counts := make(map[diag.Kind]int, len(a.errCounts))
	for k, v := range a.errCounts {
		counts[k] = v
	}
	return Summary{Stats: a.alloc.Stats(), ErrorCounts: counts}
}

// DrainDiagnostics drains the allocator's pending diagnostics into this
// API's running error-kind tally, without running a sweep. Called by the
// trampolines after every Allocate/Resize/Free so Summary()'s counts stay
// current even when check() is never called explicitly.
func (a *API) DrainDiagnostics() []diag.Diagnostic {
	defer a.enter()()
	return a.tally(a.alloc.Diagnostics())
}
