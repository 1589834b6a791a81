package xunsafe

import (
	"reflect"
	"testing"
	"unsafe"
)

// eface mirrors the runtime's two-word representation of an interface{}
// value: a handle for the dynamic type, and a data word.
type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// AnyType returns an opaque handle identifying v's dynamic type.
//
// Two values produced from the same dynamic type compare equal.
func AnyType(v any) uintptr {
	return uintptr((*eface)(unsafe.Pointer(&v)).typ)
}

// AnyData returns the data word of v.
//
// For pointer-shaped dynamic types (pointers, maps, chans, funcs,
// unsafe.Pointer, and structs or arrays whose single element is one of
// these) this is the value itself. For everything else, Go boxes
// the value on the heap and this is a pointer to that copy.
func AnyData(v any) unsafe.Pointer {
	return (*eface)(unsafe.Pointer(&v)).data
}

// MakeAny reassembles an any from a type handle and data word previously
// split out by [AnyType] and [AnyData].
func MakeAny(typ uintptr, data unsafe.Pointer) any {
	var v any
	*(*eface)(unsafe.Pointer(&v)) = eface{typ: unsafe.Pointer(typ), data: data}
	return v
}

// IsDirectAny reports whether v's dynamic type is stored directly in the
// interface's data word rather than behind a pointer to a boxed copy.
func IsDirectAny(v any) bool {
	// A boxed zero value has a non-nil data word; a direct one is nil.
	return AnyData(reflect.Zero(reflect.TypeOf(v)).Interface()) == nil
}

// IsDirect reports whether values of type T are stored directly in an
// interface's data word. It reports true for interface types, whose zero
// value converts to a nil any.
func IsDirect[T any]() bool {
	var z T
	return AnyData(z) == nil
}

// AssertInlinedAny fails t if values of type T are not stored directly in an
// interface's data word.
func AssertInlinedAny[T any](t testing.TB) {
	t.Helper()
	if !IsDirect[T]() {
		var z T
		t.Fatalf("%T is not stored directly in an interface", z)
	}
}

// AnyBytes returns the in-memory representation of v's dynamic value.
//
// Returns nil for a nil v.
func AnyBytes(v any) []byte {
	if v == nil {
		return nil
	}

	size := int(reflect.TypeOf(v).Size())
	if size == 0 {
		return []byte{}
	}

	if IsDirectAny(v) {
		data := AnyData(v)
		return unsafe.Slice((*byte)(unsafe.Pointer(&data)), size)
	}

	return unsafe.Slice((*byte)(AnyData(v)), size)
}
