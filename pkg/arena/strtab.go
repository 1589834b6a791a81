//go:build go1.22

package arena

import (
	"unsafe"

	"github.com/dolthub/maphash"

	"github.com/flier/memguard/pkg/zc"
)

// StringTable deduplicates strings by content, bump-allocating their bytes
// out of a dedicated arena and indexing them by content hash.
//
// Modeled on an open-addressed map keyed by a github.com/dolthub/maphash
// hash of a generic key; this table narrows that down to chained buckets
// over one specific key shape (string content), since all it needs to
// answer is "have I already allocated this exact string" — symbol names
// and source file paths recur heavily across a program's captured stack
// frames.
type StringTable struct {
	data    Arena
	hash    maphash.Hasher[string]
	buckets map[uint64][]internedString
}

type internedString struct {
	base *byte
	view zc.View
}

// NewStringTable constructs an empty string table.
func NewStringTable() *StringTable {
	return &StringTable{
		hash:    maphash.NewHasher[string](),
		buckets: make(map[uint64][]internedString),
	}
}

// Intern returns s, deduplicated against every string interned so far. The
// returned string's bytes live in this table's arena, not in s's original
// backing array.
func (t *StringTable) Intern(s string) string {
	if s == "" {
		return ""
	}

	h := t.hash.Hash(s)
	for _, e := range t.buckets[h] {
		if e.view.String(e.base) == s {
			return e.view.String(e.base)
		}
	}

	p := t.data.Alloc(len(s))
	copy(unsafe.Slice(p, len(s)), s)

	e := internedString{base: p, view: zc.Raw(0, len(s))}
	t.buckets[h] = append(t.buckets[h], e)

	return e.view.String(e.base)
}

// Len returns the number of distinct strings interned so far.
func (t *StringTable) Len() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b)
	}
	return n
}

// Reset discards every interned string and releases the table's arena.
// Strings previously returned by Intern must not be used after Reset.
func (t *StringTable) Reset() {
	t.data.Reset()
	t.buckets = make(map[uint64][]internedString)
}
