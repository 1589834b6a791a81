//go:build go1.22

// Package arena is the library's own internal heap: the slab that block
// metadata, index nodes, and captured stack frames are allocated from, kept
// entirely separate from the blocks the allocator core hands back to the
// host program.
//
// Originally a bump allocator over Go-GC-visible chunks obtained via
// reflect.New, arranged so that a pointer anywhere into a chunk keeps the
// whole arena reachable. That trick only
// matters when the arena's own memory is itself subject to Go's garbage
// collector; here it is not. Chunks instead come from a [pagesource.Source]:
// real OS pages, which this package can also flip to read-only between
// allocator re-entries so that a stray write into its own bookkeeping
// structures faults instead of corrupting silently. The bump-pointer,
// doubling-chunk-size growth policy and the per-size-class recycling free
// list (see recycle.go) carry over unchanged.
//
// # Design
//
// See [Cheating the Reaper in Go] for the arena design this package grew
// out of.
//
// [Cheating the Reaper in Go]: https://mcyoung.xyz/2025/04/21/go-arenas/
package arena

import (
	"unsafe"

	"github.com/flier/memguard/internal/debug"
	"github.com/flier/memguard/pkg/pagesource"
	"github.com/flier/memguard/pkg/xunsafe"
	"github.com/flier/memguard/pkg/xunsafe/layout"
)

// Allocator is the interface wrapping the basic allocate/release operations
// shared by [Arena] and [Recycled].
type Allocator interface {
	// Alloc allocates size bytes of memory and returns a pointer to the
	// allocated block. The memory is pointer-aligned and may be
	// uninitialized.
	Alloc(size int) *byte

	// Release returns previously allocated memory back to the allocator.
	Release(p *byte, size int)
}

// AllocatorExt is the extended interface some callers need: direct access to
// the bump cursor, for hot paths the inliner won't open-code through the
// Allocator interface.
type AllocatorExt interface {
	Allocator

	Next() xunsafe.Addr[byte]
	End() xunsafe.Addr[byte]
	Cap() int
	Advance(n int)
	Log(op, format string, args ...any)
}

// Align is the alignment of every object handed out by an Arena.
const Align = int(unsafe.Sizeof(uintptr(0)))

// Arena holds values that do not contain Go pointers, bump-allocated out of
// pages obtained from a [pagesource.Source].
//
// A zero Arena has no source attached; its first Grow attaches a
// [pagesource.Mem] source, so a zero Arena is usable directly. Use
// [NewWithSource] to draw pages from another source.
type Arena struct {
	_ xunsafe.NoCopy

	src pagesource.Source

	// Exported via Next/End/Cap to allow open-coding of Alloc() at hot
	// callsites, because Go won't inline it.
	next, end xunsafe.Addr[byte]
	cap       int // Size of the active region: a page-size multiple, once src is set.

	// Regions of OS memory backing this arena, indexed by their size log2.
	regions []pagesource.Region

	protected bool
}

var _ Allocator = (*Arena)(nil)
var _ AllocatorExt = (*Arena)(nil)

// NewWithSource constructs an Arena that draws its pages from src.
func NewWithSource(src pagesource.Source) *Arena {
	return &Arena{src: src}
}

// New allocates a new value of type T on an allocator.
func New[T any](a Allocator, value T) *T {
	lay := layout.Of[T]()
	if lay.Align > Align {
		panic("arena: over-aligned object")
	}

	p := xunsafe.Cast[T](a.Alloc(lay.Size))
	*p = value
	return p
}

// Free releases a value of type T previously allocated from a, determining
// its size from type layout metadata.
func Free[T any](a Allocator, p *T) {
	size := layout.Of[T]().Size
	a.Release(xunsafe.Cast[byte](p), size)
}

// Alloc allocates size bytes of memory. All memory is pointer-aligned and
// may be uninitialized.
//
// Do not use this method directly; use [New] instead.
func (a *Arena) Alloc(size int) *byte {
	alignedSize := alignUp(size)

	if a.next.Add(alignedSize) <= a.end {
		p := a.next.AssertValid()
		a.next = a.next.Add(alignedSize)
		a.Log("alloc", "%v:%v, %d:%d", p, a.next, alignedSize, Align)
		return p
	}

	a.Grow(alignedSize)
	p := a.next.AssertValid()
	a.next = a.next.Add(alignedSize)
	a.Log("alloc", "%v:%v, %d:%d", p, a.next, alignedSize, Align)
	return p
}

// Release is a no-op for Arena; use [Free] for clarity at call sites.
func (a *Arena) Release(p *byte, size int) {}

// Reserve ensures that at least size bytes can be allocated without calling
// [Arena.Grow].
func (a *Arena) Reserve(size int) {
	if a.next.Add(size) > a.end {
		a.Grow(size)
	}
}

// Reset resets this arena to an "empty" state, returning every region but
// the largest back to its [pagesource.Source] and clearing that one for
// reuse. Any pointer into memory this arena handed out must not be used
// after Reset.
func (a *Arena) Reset() {
	if len(a.regions) == 0 {
		return
	}

	end := len(a.regions) - 1
	for i := 0; i < end; i++ {
		if a.regions[i].Bytes != nil {
			_ = a.src.Release(a.regions[i])
			a.regions[i] = pagesource.Region{}
		}
	}

	last := a.regions[end]
	clear(last.Bytes)

	a.next = xunsafe.AddrOf(&last.Bytes[0])
	a.end = a.next.Add(len(last.Bytes))
	a.cap = len(last.Bytes)
}

// Grow allocates a fresh region of at least the given size and makes it the
// active chunk.
func (a *Arena) Grow(size int) {
	if a.src == nil {
		// A zero Arena has no explicit source; default to a GC-backed Mem
		// source so that `new(Arena)` and `&Arena{}` remain directly usable
		// without every caller having to thread a pagesource.Source through
		// construction.
		a.src = pagesource.NewMem(0)
	}

	n := size
	if a.cap*2 > n {
		n = a.cap * 2
	}

	r, err := a.src.Reserve(n)
	if err != nil {
		panic(&pagesource.OutOfAddressSpace{Requested: n, Cause: err})
	}

	log := sizeClassIndex(len(r.Bytes))
	if log >= len(a.regions) {
		grown := make([]pagesource.Region, log+1)
		copy(grown, a.regions)
		a.regions = grown
	}
	a.regions[log] = r

	a.next = xunsafe.AddrOf(&r.Bytes[0])
	a.end = a.next.Add(len(r.Bytes))
	a.cap = len(r.Bytes)

	a.Log("grow", "%v:%v:%d", a.next, a.end, a.cap)
}

func (a *Arena) Next() xunsafe.Addr[byte] { return a.next }
func (a *Arena) End() xunsafe.Addr[byte]  { return a.end }
func (a *Arena) Cap() int                 { return a.cap }
func (a *Arena) Advance(n int)            { a.next = a.next.Add(n) }

// Source returns the page source this arena draws memory from.
func (a *Arena) Source() pagesource.Source { return a.src }

// Regions returns the live OS regions currently backing this arena.
func (a *Arena) Regions() []pagesource.Region {
	var out []pagesource.Region
	for _, r := range a.regions {
		if r.Bytes != nil {
			out = append(out, r)
		}
	}
	return out
}

// Protect toggles every live region's page protection to mode. Arenas whose
// source reports [pagesource.Descriptor.ProtectAdvisory] accept this call
// but do not actually gain write protection.
//
// No other package in this module calls Protect, so arena pages stay
// read-write unless the arena's owner calls it.
func (a *Arena) Protect(mode pagesource.Mode) error {
	for _, r := range a.regions {
		if r.Bytes == nil {
			continue
		}
		if err := a.src.Protect(r, mode); err != nil {
			return err
		}
	}
	a.protected = mode != pagesource.RW
	return nil
}

// Protected reports whether the last call to Protect left this arena in a
// non-writable mode.
func (a *Arena) Protected() bool { return a.protected }

func (a *Arena) Log(op, format string, args ...any) {
	debug.Log([]any{"%p %v:%v", a, a.next, a.end}, op, format, args...)
}
