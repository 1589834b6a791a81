// Package heap wires the page source, arena, block index, metadata store,
// allocator core, integrity checker, failure policy, lifecycle, and
// introspection API into the single owned value the trampolines call
// into. Callers construct a [Heap] with [New] and hold it; this package
// keeps no process-wide instance.
//
// Grounded on a "replace global state with an owned value" design: the
// original carries one process-wide aggregate; this package restates it
// as a single owned value threaded through an owning context rather than
// implicit global state.
package heap

import (
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"github.com/timandy/routine"

	"github.com/flier/memguard/internal/config"
	"github.com/flier/memguard/internal/xlog"
	"github.com/flier/memguard/internal/xsync"
	"github.com/flier/memguard/pkg/allocator"
	"github.com/flier/memguard/pkg/diag"
	"github.com/flier/memguard/pkg/failpolicy"
	"github.com/flier/memguard/pkg/integrity"
	"github.com/flier/memguard/pkg/introspection"
	"github.com/flier/memguard/pkg/lifecycle"
	"github.com/flier/memguard/pkg/metadata"
	"github.com/flier/memguard/pkg/pagesource"
	"github.com/flier/memguard/pkg/profile"
	"github.com/flier/memguard/pkg/trace"
	"github.com/flier/memguard/pkg/untrust"
	"github.com/flier/memguard/pkg/xerrors"
)

// Version is the banner version string written to the log file.
const Version = "1.0.0"

// Heap is the wired-together allocator: lifecycle state machine, failure
// policy, block/metadata stores, the allocator core itself, the integrity
// checker, the introspection API, and the logging/profiling/tracing
// sinks.
//
// A zero Heap is not ready to use; construct one with [New].
type Heap struct {
	cfg config.Config

	life       *lifecycle.Lifecycle
	meta       *metadata.Store
	alloc      *allocator.Allocator
	checker    *integrity.Checker
	introspect *introspection.API

	log     *xlog.Logger
	prof    *profile.Recorder
	tracer  *trace.Encoder
	logFile io.Closer

	// threadIDs assigns a compact, monotonic thread identifier to each
	// goroutine that ever enters the heap, keyed by its runtime goroutine
	// id. A sync.Map-backed xsync.Map holds the table; threadID is called
	// (from allocate, Realloc and Free) after [lifecycle.Lifecycle.Enter]
	// has taken the lock, which also serialises the nextThreadID increment.
	threadIDs    xsync.Map[int64, uint64]
	nextThreadID uint64
}

// New constructs a Heap from cfg, writing its log to w (typically a file
// opened per cfg.LogFile's "%n"-expanded template).
func New(cfg config.Config, w io.Writer) *Heap {
	src := pagesource.Source(pagesource.NewMem(4096))
	if cfg.UseMmap {
		src = pagesource.NewMmap()
	}

	meta := metadata.New()
	policy := failpolicy.New(cfg.FailPolicy, uint64(time.Now().UnixNano()))
	alloc := allocator.New(src, meta, policy, cfg.Allocator)
	checker := integrity.New(alloc, cfg.Integrity)

	var masker lifecycle.Masker = lifecycle.NoMask{}
	if cfg.SafeSignals {
		masker = lifecycle.NewSigMasker(os.Interrupt)
	}

	h := &Heap{
		cfg:     cfg,
		meta:    meta,
		alloc:   alloc,
		checker: checker,
		log:     xlog.New(w),
		prof:    profile.New(16, 64),
		tracer:  trace.NewEncoder(io.Discard),
	}

	h.life = lifecycle.New(masker, lifecycle.Hooks{Post: h.onEventComplete})
	h.introspect = introspection.New(alloc, meta, checker, h.life, nil)

	return h
}

// Init runs the lifecycle's one-shot initialization, writing the log
// banner. Idempotent from the trampolines' perspective.
func (h *Heap) Init() error {
	h.life.InitFunc = func() error {
		h.log.Banner(Version, fmt.Sprintf("%+v", h.cfg.Allocator))
		return nil
	}
	return h.life.Init()
}

// onEventComplete runs after every outermost public operation: it drains
// pending diagnostics into the log and the introspection API's running
// tally. The event counter increments once per outermost public
// operation.
func (h *Heap) onEventComplete() {
	for _, d := range h.introspect.DrainDiagnostics() {
		h.log.Diagnostic(d)
	}
}

// recoverFatal is deferred by every public allocator entry point. The
// library's own internal heap (pkg/metadata's Store, in turn pkg/arena)
// has no recoverable failure mode: exhausting it is OutOfInternalMemory,
// fatal, and the library aborts after emitting a diagnostic summary.
// pkg/arena signals that case by panicking with a
// *pagesource.OutOfAddressSpace rather than returning an error, since it
// has no caller-facing error return of its own; recoverFatal is the one
// place that panic is expected to surface, converted here into the
// diagnostic and summary emitted before the process exits. Any other
// panic is not ours to interpret and is re-raised unchanged.
func (h *Heap) recoverFatal() {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		panic(r)
	}

	if oom, ok := xerrors.AsA[*pagesource.OutOfAddressSpace](err); ok {
		h.log.Diagnostic(diag.Diagnostic{Kind: diag.OutOfInternalMemory, Message: oom.Error()})
		summary := h.introspect.Summary()
		h.log.Summary(summary.Stats.AllocCount, summary.Stats.DeallocCount, summary.Stats.LiveTotal, summary.ErrorCounts)
		if h.logFile != nil {
			_ = h.logFile.Close()
		}
		os.Exit(1)
	}

	panic(r)
}

// threadID returns a compact thread identifier for the calling goroutine,
// assigning one on first use.
func (h *Heap) threadID() uint64 {
	id, _ := h.threadIDs.LoadOrStore(routine.Goid(), func() uint64 {
		h.nextThreadID++
		return h.nextThreadID
	})
	return id
}

// Malloc implements the malloc trampoline's mapping onto Allocate.
func (h *Heap) Malloc(size int) unsafe.Pointer {
	return h.allocate(size, metadata.Malloc, "", 0)
}

// Calloc implements the calloc trampoline: size is nmemb*size, already
// computed and overflow-checked by the caller; the allocator's
// AllocFillByte is always zero for this kind regardless of configuration
// — the chosen user range is stamped with the allocation fill byte, zero
// for zero-initialising kinds.
func (h *Heap) Calloc(nmemb, size int) unsafe.Pointer {
	total := nmemb * size
	p := h.allocate(total, metadata.Calloc, "", 0)
	if p != nil {
		clear(unsafe.Slice((*byte)(p), total))
	}
	return p
}

// Strdup implements the strdup trampoline: duplicates s into a new
// allocation one byte longer than len(s) for the trailing NUL.
func (h *Heap) Strdup(s string) unsafe.Pointer {
	p := h.allocate(len(s)+1, metadata.Strdup, "", 0)
	if p == nil {
		return nil
	}
	b := unsafe.Slice((*byte)(p), len(s)+1)
	copy(b, s)
	b[len(s)] = 0
	return p
}

func (h *Heap) allocate(size int, kind metadata.Kind, typeDescr string, elemSize int) unsafe.Pointer {
	exit := h.life.Enter()
	defer exit()
	defer h.recoverFatal()

	site := metadata.CallSite(2)
	p := h.alloc.Allocate(size, h.cfg.Allocator.Alignment, kind, site, nil, typeDescr, elemSize, h.threadID())
	if p != nil {
		h.prof.RecordAlloc(size)
		h.tracer.Encode(trace.Record{Op: trace.OpAlloc, Event: h.meta.Event(), Addr: uint64(uintptr(p)), Size: uint64(size)})
	}
	if !h.life.Nested() {
		h.maybeCheck()
	}
	return p
}

// Realloc implements the realloc trampoline's mapping onto Resize.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	exit := h.life.Enter()
	defer exit()
	defer h.recoverFatal()

	site := metadata.CallSite(1)
	p := h.alloc.Resize(ptr, newSize, metadata.Realloc, site, nil, h.threadID())
	if !h.life.Nested() {
		h.maybeCheck()
	}
	return p
}

// Free implements the free trampoline's mapping onto Free.
func (h *Heap) Free(ptr unsafe.Pointer) {
	exit := h.life.Enter()
	defer exit()
	defer h.recoverFatal()

	site := metadata.CallSite(1)
	h.alloc.Free(ptr, metadata.Malloc, site, h.threadID())
	if !h.life.Nested() {
		h.maybeCheck()
	}
}

func (h *Heap) maybeCheck() {
	for _, d := range h.checker.OnEvent(h.meta.Event()) {
		h.log.Diagnostic(d)
	}
}

// Introspection returns the heap's [introspection.API], for `info`,
// `iterate`, `stats`, `check`, `set_mark`, and the rest of its surface.
func (h *Heap) Introspection() *introspection.API { return h.introspect }

// CheckAddr implements the Memory-checker ABI's check_addr: reports
// whether the range [addr, addr+size) lies entirely within one Live
// block's user range — this is the entry-point family that maps incoming
// ranges onto range-validity queries over the allocator's entries.
func (h *Heap) CheckAddr(addr uintptr, size int) bool {
	exit := h.life.Enter()
	defer exit()
	return h.alloc.CheckRange(addr, size)
}

// CheckStr implements the Memory-checker ABI's check_str: reports whether
// a NUL-terminated string starting at addr is entirely contained within
// one Live block. The block's bytes are read through
// [pkg/untrust.Reader], a panic-free cursor over an untrusted byte range,
// rather than scanned directly: addr is attacker- or caller-misuse-
// controlled input by the nature of this ABI, exactly the "untrusted
// input" case that package exists for.
func (h *Heap) CheckStr(addr uintptr) bool {
	exit := h.life.Enter()
	defer exit()

	b, ok := h.alloc.BytesOf(addr)
	if !ok {
		return false
	}

	r := untrust.NewReader(untrust.Input(b))
	for !r.AtEnd() {
		c, err := r.ReadByte()
		if err != nil {
			return false
		}
		if c == 0 {
			return true
		}
	}
	return false
}

// CheckExec implements the Memory-checker ABI's check_exec: reports
// whether addr names a tracked block at all. The original's check_exec
// additionally validated the range against the executable's loaded code
// segments (handled by an external symbol-table-reader collaborator, out
// of scope here); here it degrades to "is this heap memory", which is the
// one part of that query the allocator core can answer on its own.
func (h *Heap) CheckExec(addr uintptr) bool {
	exit := h.life.Enter()
	defer exit()
	_, ok := h.alloc.Info(unsafe.Pointer(addr)) //nolint:govet // addr is a caller-supplied address, not derived from a live unsafe.Pointer
	return ok
}

// SetRight implements the Memory-checker ABI's set_right: marks the block
// containing addr, the way set_mark does for the introspection API,
// recording that this range has been granted a particular access right by
// the caller. The original distinguishes read/write/no-access rights per
// range; this module tracks heap blocks, not sub-block permissions, so
// the only right it can record is "has been asserted over," folded into
// the same Marked flag the introspection API's set_mark uses.
func (h *Heap) SetRight(addr uintptr) bool {
	exit := h.life.Enter()
	defer exit()
	return h.introspect.SetMark(unsafe.Pointer(addr)) //nolint:govet // addr is a caller-supplied address, not derived from a live unsafe.Pointer
}

// Teardown runs the lifecycle's single-shot teardown: a final integrity
// check over the whole heap, a leak report, and the final summary line.
func (h *Heap) Teardown() introspection.Summary {
	h.life.TeardownFunc = func() {
		for _, d := range h.alloc.Sweep(allocator.ScopeAll) {
			h.log.Diagnostic(d)
		}

		stats := h.alloc.Stats()
		if stats.LiveCount > 0 {
			h.log.Diagnostic(diag.Diagnostic{Kind: diag.UnfreedAtExit, Message: fmt.Sprintf("%d blocks, %d bytes", stats.LiveCount, stats.LiveTotal)})
		}
	}
	h.life.Teardown()

	summary := h.introspect.Summary()
	h.log.Summary(summary.Stats.AllocCount, summary.Stats.DeallocCount, summary.Stats.LiveTotal, summary.ErrorCounts)

	if h.logFile != nil {
		_ = h.logFile.Close()
	}

	return summary
}
