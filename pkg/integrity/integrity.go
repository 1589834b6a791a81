// Package integrity schedules and runs sweeps of the heap's guard and fill
// bytes: a single pass over some subset of tracked blocks, reporting every
// mismatch it finds rather than stopping at the first.
//
// Grounded on original_source/src/inter.c's checking pass
// (__mp_checkrange, the overflow-byte comparison loop run over the heap's
// block table) and on mpatrol's documented "check-all" / "check frequency"
// options (original_source/src/mpatrol.c's option table), re-expressed as
// an explicit scheduler driving a [Sweeper] capability rather than a global
// flag checked ad hoc at every call site.
package integrity

import (
	"github.com/flier/memguard/pkg/allocator"
	"github.com/flier/memguard/pkg/diag"
)

// Scope aliases the allocator's own scope enum: the checker has no
// heap-shape knowledge of its own beyond "which view to walk."
type Scope = allocator.Scope

const (
	FreeOnly      = allocator.ScopeFree
	QuarantineOnly = allocator.ScopeQuarantine
	LiveOnly      = allocator.ScopeLive
	All           = allocator.ScopeAll
)

// Sweeper is the capability the checker drives. [*allocator.Allocator]
// implements it directly.
type Sweeper interface {
	Sweep(Scope) []diag.Diagnostic
}

// Config governs when sweeps run automatically: explicit call (always
// available via [Checker.Check]),
// every operation when check-all is on, every k-th event when a frequency
// is set, and on teardown (run by heap.Teardown calling the allocator's
// Sweep with the whole-heap scope directly, so it is not modeled as a
// trigger here).
type Config struct {
	Scope Scope

	// CheckAll runs a sweep on every operation.
	CheckAll bool

	// Frequency, if non-zero, runs a sweep every Frequency-th event.
	Frequency uint64
}

// Checker schedules sweeps of a [Sweeper] according to Config.
//
// A zero Checker never triggers automatically; [Checker.Check] still works.
type Checker struct {
	sweeper Sweeper
	cfg     Config
}

// New constructs a Checker over sweeper using cfg.
func New(sweeper Sweeper, cfg Config) *Checker {
	return &Checker{sweeper: sweeper, cfg: cfg}
}

// Check runs one sweep over the configured scope unconditionally,
// regardless of trigger configuration, and returns every diagnostic found.
func (c *Checker) Check() []diag.Diagnostic {
	return c.sweeper.Sweep(c.cfg.Scope)
}

// OnEvent is called once per outermost public allocator operation, with the
// event counter the operation was stamped with. It runs a sweep and returns
// its diagnostics when check-all is configured, or when a frequency is set
// and event is a multiple of it; otherwise it returns nil without sweeping.
func (c *Checker) OnEvent(event uint64) []diag.Diagnostic {
	if c.cfg.CheckAll {
		return c.Check()
	}
	if c.cfg.Frequency != 0 && event%c.cfg.Frequency == 0 {
		return c.Check()
	}
	return nil
}
