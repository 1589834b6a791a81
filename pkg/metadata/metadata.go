// Package metadata records the Metadata described by the data model: one
// record per Live block, created atomically with the block's Live
// transition and mutated only by the allocator (on resize/free) or by the
// introspection API (user-data, the Marked flag).
//
// Grounded on this module's own pkg/arena as the node allocator — records
// are arena.New[Record]-allocated, so they live in the library's own heap
// and never appear in a user-visible index — and on original_source/src/inter.c,
// whose loginfo/stackinfo capture a call's return addresses into an
// addrnode chain (see checkalloca's call to __mp_getaddrs) the way
// [CaptureStack] walks runtime.Callers here.
package metadata

import (
	"runtime"

	"github.com/flier/memguard/pkg/arena"
	"github.com/flier/memguard/pkg/arena/slice"
)

// Kind names the source function that produced an allocation, carried
// through to diagnostics and to kind-specific failure policy (aborting
// wrappers such as xmalloc must never return null).
type Kind uint8

const (
	Unknown Kind = iota
	Malloc
	Calloc
	Realloc
	Memalign
	Strdup
	Strndup
	NewOperator
	NewArrayOperator
	Alloca
	XMalloc
	XRealloc
	XStrdup
)

//go:generate stringer -type Kind

func (k Kind) String() string {
	switch k {
	case Malloc:
		return "malloc"
	case Calloc:
		return "calloc"
	case Realloc:
		return "realloc"
	case Memalign:
		return "memalign"
	case Strdup:
		return "strdup"
	case Strndup:
		return "strndup"
	case NewOperator:
		return "new"
	case NewArrayOperator:
		return "new[]"
	case Alloca:
		return "alloca"
	case XMalloc:
		return "xmalloc"
	case XRealloc:
		return "xrealloc"
	case XStrdup:
		return "xstrdup"
	default:
		return "unknown"
	}
}

// MustNotFail reports whether this kind's contract forbids returning null on
// failure, aborting the process instead.
func (k Kind) MustNotFail() bool {
	switch k {
	case XMalloc, XRealloc, XStrdup:
		return true
	default:
		return false
	}
}

// Flag is one bit of a Record's flag set.
type Flag uint8

const (
	Freed Flag = 1 << iota
	Marked
	Profiled
	Traced
	Internal
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Frame is one captured call-stack entry: a return address with an
// optionally resolved symbol name and source location.
//
// A Record's captured stack is stored as a [slice.Slice] of Frame rather
// than a plain Go slice: the Record itself lives in arena memory the
// garbage collector does not scan, so every field reachable from it must
// either hold no Go pointers or, like Function and File here, be interned
// into the arena's own string table first — a string copied that way
// still carries a pointer, but one into manually-managed arena bytes that
// are never collected out from under it.
type Frame struct {
	PC       uintptr
	Function string
	File     string
	Line     int
}

// Record is the Metadata attached to a Live block.
//
// Fields follow the data model exactly: allocation type, allocation and
// reallocation indices, owning thread, event counter at creation, call-site
// location, captured stack, type descriptor, user data, and flags.
type Record struct {
	Kind Kind

	AllocIndex   uint64
	ReallocIndex uint64

	ThreadID uint64
	Event    uint64

	Function string
	File     string
	Line     int

	Stack slice.Slice[Frame]

	TypeDescr string
	ElemSize  int

	UserData uintptr

	Flags Flag
}

// Store allocates and tracks Metadata records out of a dedicated arena. It
// owns the monotonic allocation-index and event counters: indices are never
// reused, so a Record's AllocIndex is a stable identity even after the
// Record itself is released back to the arena's free-list on Quarantine
// eviction.
//
// A zero Store is not ready to use; construct one with [New].
type Store struct {
	arena arena.Recycled
	names *arena.StringTable

	nextAlloc uint64
	event     uint64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{names: arena.NewStringTable()}
}

// CaptureSite describes the call site information gathered by the
// trampoline before it enters the allocator, resolved with runtime.Caller
// at a fixed skip count (see [CallSite]).
type CaptureSite struct {
	Function string
	File     string
	Line     int
}

// CallSite resolves the function/file/line of the frame skip levels above
// its caller; the trampolines pass the skip that lands on their own caller.
func CallSite(skip int) CaptureSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CaptureSite{}
	}

	fn := runtime.FuncForPC(pc)
	name := ""
	if fn != nil {
		name = fn.Name()
	}

	return CaptureSite{Function: name, File: file, Line: line}
}

// CaptureStack captures up to maxFrames return addresses starting skip
// frames above its caller, resolving each to a function/file/line the way
// original_source/src/inter.c's __mp_getaddrs walks the call stack into an
// addrnode chain.
func CaptureStack(skip, maxFrames int) []Frame {
	if maxFrames <= 0 {
		return nil
	}

	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := make([]Frame, 0, n)
	it := runtime.CallersFrames(pcs[:n])
	for {
		f, more := it.Next()
		frames = append(frames, Frame{
			PC:       f.PC,
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}

	return frames
}

// Create allocates a new Record for an allocation of kind at site, attaching
// the captured stack, and returns it with AllocIndex set to the next
// identity in sequence. The event counter is bumped for both this and every
// other operation the caller reports via [Store.Tick].
func (s *Store) Create(kind Kind, site CaptureSite, stack []Frame, typeDescr string, elemSize int, threadID uint64) *Record {
	s.nextAlloc++
	s.event++

	interned := make([]Frame, len(stack))
	for i, f := range stack {
		interned[i] = Frame{
			PC:       f.PC,
			Function: s.names.Intern(f.Function),
			File:     s.names.Intern(f.File),
			Line:     f.Line,
		}
	}

	r := arena.New(&s.arena, Record{
		Kind:       kind,
		AllocIndex: s.nextAlloc,
		ThreadID:   threadID,
		Event:      s.event,
		Function:   s.names.Intern(site.Function),
		File:       s.names.Intern(site.File),
		Line:       site.Line,
		Stack:      slice.Of[Frame](&s.arena, interned...),
		TypeDescr:  s.names.Intern(typeDescr),
		ElemSize:   elemSize,
	})

	return r
}

// Tick advances the event counter without creating a record, for operations
// (free, resize) that participate in the event-frequency check trigger but
// don't themselves allocate a new identity.
func (s *Store) Tick() uint64 {
	s.event++
	return s.event
}

// Event returns the current event counter.
func (s *Store) Event() uint64 { return s.event }

// Resized marks r as resized in place: its ReallocIndex increments, which
// is the only field change a successful in-place [Resize] makes to an
// existing record's identity.
func (r *Record) Resized() {
	r.ReallocIndex++
}

// MarkFreed sets the Freed flag, leaving the record otherwise intact so it
// can be inspected while Quarantined.
func (r *Record) MarkFreed() {
	r.Flags |= Freed
}

// Mark sets the Marked flag, per the introspection API's set_mark
// operation. User-settable; the allocator never sets or clears it itself.
func (r *Record) Mark() {
	r.Flags |= Marked
}

// SetUserData attaches an opaque user-data pointer to r, per the
// introspection API's set_user operation.
func (r *Record) SetUserData(v uintptr) {
	r.UserData = v
}

// Release returns r to the store's arena free-list. Called once a
// Quarantined block is evicted and coalesced back into the free index; r
// must not be used afterwards.
func (s *Store) Release(r *Record) {
	arena.Free(&s.arena, r)
}

// Len reports how many interned call-site strings the store has recorded.
// Exposed mainly for tests; the store does not separately count live
// records, since the allocator's live index is the authority on that.
func (s *Store) Len() int { return s.names.Len() }
