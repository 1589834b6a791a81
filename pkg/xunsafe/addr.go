//go:build go1.20

package xunsafe

import (
	"fmt"
	"unsafe"

	"github.com/flier/memguard/internal/debug"
	"github.com/flier/memguard/pkg/xunsafe/layout"
)

// Addr is an untyped, unsafe address of a T.
//
// Representing a pointer as an integer lets it live inside an index node or
// a free-list slot without participating in GC write barriers or requiring
// the pointee to stay reachable through it. Use [AddrOf] and [Addr.AssertValid]
// to convert to and from a real *T.
type Addr[T any] uintptr

// AddrOf returns the address of p as an Addr.
func AddrOf[T any](p *T) Addr[T] {
	return Addr[T](uintptr(unsafe.Pointer(p)))
}

// EndOf returns the address one past the last element of s.
func EndOf[T any](s []T) Addr[T] {
	return AddrOf(unsafe.SliceData(s)).Add(len(s))
}

// AssertValid converts this address back into a pointer.
//
// Returns nil for a zero address. In debug builds, panics if the address is
// not aligned for T.
func (a Addr[T]) AssertValid() *T {
	if a == 0 {
		return nil
	}

	debug.Assert(uintptr(a)%uintptr(layout.Align[T]()) == 0,
		"misaligned address %v for element of align %d", a, layout.Align[T]())

	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Add returns a advanced by n elements of T.
func (a Addr[T]) Add(n int) Addr[T] {
	return a + Addr[T](n*layout.Size[T]())
}

// ByteAdd returns a advanced by n bytes, without scaling by the size of T.
func (a Addr[T]) ByteAdd(n int) Addr[T] {
	return a + Addr[T](n)
}

// Sub returns the number of elements of T between a and b (a - b).
func (a Addr[T]) Sub(b Addr[T]) int {
	return int(a-b) / layout.Size[T]()
}

// Padding returns the number of bytes needed to round a up to align.
func (a Addr[T]) Padding(align int) int {
	return int(layout.Padding(uintptr(a), uintptr(align)))
}

// RoundUpTo rounds a up to the given byte alignment.
func (a Addr[T]) RoundUpTo(align int) Addr[T] {
	return Addr[T](layout.RoundUp(uintptr(a), uintptr(align)))
}

// SignBit reports whether a's most significant bit is set.
func (a Addr[T]) SignBit() bool {
	return a>>(unsafe.Sizeof(uintptr(0))*8-1) != 0
}

// SignBitMask returns all-ones if a's sign bit is set, else all-zeros.
func (a Addr[T]) SignBitMask() Addr[T] {
	if a.SignBit() {
		return ^Addr[T](0)
	}
	return 0
}

// ClearSignBit returns a with its most significant bit cleared.
func (a Addr[T]) ClearSignBit() Addr[T] {
	return a &^ (Addr[T](1) << (unsafe.Sizeof(uintptr(0))*8 - 1))
}

// Format implements [fmt.Formatter], printing the address in hex.
func (a Addr[T]) Format(s fmt.State, verb rune) {
	switch verb {
	case 'x':
		fmt.Fprintf(s, "%x", uintptr(a))
	default:
		fmt.Fprintf(s, "0x%x", uintptr(a))
	}
}
