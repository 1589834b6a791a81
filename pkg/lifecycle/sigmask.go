package lifecycle

import (
	"os"
	"os/signal"
)

// SigMasker is a [Masker] that swaps the configured subset of signal
// handlers for "ignore" on [SigMasker.Mask] and restores normal delivery
// on [SigMasker.Restore]: the configured subset of signal handlers is
// swapped for ignore and restored on the outermost exit, which prevents
// asynchronous signal delivery from observing half-mutated indices.
//
// Grounded on original_source/build/windows/main2.c's and inter.c's
// signal-handler save/restore dance around the allocator's critical
// sections (the "safe-signals" option); expressed here via the standard
// library's os/signal rather than a raw sigprocmask(2) call, since
// os/signal.Ignore/Reset is the portable, Go-runtime-aware equivalent —
// Go's own signal dispatch already runs signals through the runtime's
// internal handler before user code sees them, so masking at that layer
// (rather than the kernel mask a C program would flip) is the correct
// level for a Go process to intercept at.
type SigMasker struct {
	signals []os.Signal
}

var _ Masker = (*SigMasker)(nil)

// NewSigMasker constructs a SigMasker that ignores exactly the given
// signals for the duration of each outermost critical section.
func NewSigMasker(signals ...os.Signal) *SigMasker {
	return &SigMasker{signals: signals}
}

func (m *SigMasker) Mask() (any, error) {
	if len(m.signals) == 0 {
		return nil, nil
	}
	signal.Ignore(m.signals...)
	return nil, nil
}

func (m *SigMasker) Restore(any) error {
	if len(m.signals) == 0 {
		return nil
	}
	signal.Reset(m.signals...)
	return nil
}
