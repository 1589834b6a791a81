// Package lifecycle implements the one-shot init / single-shot teardown
// state machine, the re-entrancy guard, and the pre/post hook dispatch
// around the allocator's critical sections.
//
// Grounded on original_source/src/inter.c's __mp_init/__mp_fini (the
// Uninitialized->Initializing->Ready->Finalizing->Finalized state machine,
// re-initialization after Finalized being a hard error) and on
// original_source/build/*/main2.c's signal save/mask/restore dance around
// the allocator's critical sections. The re-entrancy counter uses
// github.com/timandy/routine, the same goroutine-identity dependency used
// elsewhere in this codebase for goroutine-scoped state — a plain
// sync.Mutex cannot express "nested entries from the same goroutine don't
// re-run hooks or checks, but a different goroutine must still block,"
// which is exactly what a per-owner recursion counter gives us.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/timandy/routine"
)

// State is one point in the lifecycle state machine.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Finalizing
	Finalized
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Finalizing:
		return "finalizing"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrAlreadyFinalized is returned by Init when the lifecycle has already
// run its teardown; re-initialization after Finalized is a fatal error.
var ErrAlreadyFinalized = fmt.Errorf("lifecycle: re-initialization after Finalized")

// reentry is the per-goroutine recursion counter: one entry per owning
// goroutine that has entered a public operation and not yet returned from
// its outermost call.
type reentry struct {
	depth int
}

// Masker is the capability used to block and restore a configured subset
// of signals around the outermost critical section. Concrete implementation: [SigMasker]
// (unix, via golang.org/x/sys/unix.Sigprocmask); a no-op Masker is the zero
// value of *NoMask for platforms or configurations with "safe-signals"
// disabled.
type Masker interface {
	// Mask blocks the configured signals, returning a token to pass to
	// Restore once the outermost critical section ends.
	Mask() (token any, err error)
	// Restore unblocks the signals masked by a prior call to Mask.
	Restore(token any) error
}

// NoMask is a [Masker] that does nothing, for configurations with
// "safe-signals" off or platforms without signal masking.
type NoMask struct{}

func (NoMask) Mask() (any, error) { return nil, nil }
func (NoMask) Restore(any) error  { return nil }

// Hooks are called once per outermost public operation: Pre before the
// operation's work begins (after the lock is acquired and signals are
// masked), Post after it ends (before the lock is released and signals are
// restored). Hooks are not re-invoked for nested entries.
type Hooks struct {
	Pre  func()
	Post func()
}

// Lifecycle owns the global mutex, the state machine, and the per-owner
// re-entrancy counters.
//
// A zero Lifecycle is not ready to use; construct one with [New].
type Lifecycle struct {
	mu     sync.Mutex
	state  State
	masker Masker
	hooks  Hooks

	owners *routine.ThreadLocal[*reentry]

	// InitFunc/TeardownFunc run exactly once, under the lock, inside
	// Init/Teardown respectively.
	InitFunc     func() error
	TeardownFunc func()
}

// New constructs a Lifecycle using masker for signal discipline (pass
// [NoMask]{} to disable it) and hooks for pre/post dispatch.
func New(masker Masker, hooks Hooks) *Lifecycle {
	if masker == nil {
		masker = NoMask{}
	}
	return &Lifecycle{
		masker: masker,
		hooks:  hooks,
		owners: routine.NewThreadLocal[*reentry](),
	}
}

// State reports the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Init transitions Uninitialized->Initializing->Ready, running InitFunc
// once. Idempotent from the trampolines' perspective: a call while already
// Ready or Initializing is a no-op success; a call after Finalized returns
// [ErrAlreadyFinalized].
func (l *Lifecycle) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Ready, Initializing:
		return nil
	case Finalized:
		return ErrAlreadyFinalized
	}

	l.state = Initializing
	if l.InitFunc != nil {
		if err := l.InitFunc(); err != nil {
			return err
		}
	}
	l.state = Ready
	return nil
}

// Teardown transitions Ready->Finalizing->Finalized, running TeardownFunc
// once. Calling Teardown when not Ready is a no-op.
func (l *Lifecycle) Teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Ready {
		return
	}

	l.state = Finalizing
	if l.TeardownFunc != nil {
		l.TeardownFunc()
	}
	l.state = Finalized
}

// Enter acquires the global lock for the duration of one public operation,
// masking signals and dispatching the Pre hook on the outermost entry only.
// It returns an exit function the caller must invoke (typically deferred)
// to dispatch Post, restore signals, and release the lock symmetrically.
//
// A nested Enter from the same goroutine (e.g. a user hook that itself
// allocates) re-enters without blocking, without re-running Pre/Post, and
// without re-masking signals; the lock is re-entrant for the owning
// goroutine.
func (l *Lifecycle) Enter() (exit func()) {
	r := l.owners.Get()
	if r == nil {
		r = &reentry{}
		l.owners.Set(r)
	}

	if r.depth > 0 {
		r.depth++
		return func() { r.depth-- }
	}

	l.mu.Lock()
	r.depth = 1

	token, _ := l.masker.Mask()
	if l.hooks.Pre != nil {
		l.hooks.Pre()
	}

	return func() {
		if l.hooks.Post != nil {
			l.hooks.Post()
		}
		_ = l.masker.Restore(token)

		r.depth--
		l.mu.Unlock()
	}
}

// Nested reports whether the calling goroutine is currently inside a
// nested (non-outermost) Enter, the condition under which integrity checks
// and hook dispatch are skipped.
func (l *Lifecycle) Nested() bool {
	r := l.owners.Get()
	return r != nil && r.depth > 1
}
