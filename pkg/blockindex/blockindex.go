// Package blockindex maintains the ordered views the allocator core needs
// over the blocks carved out of a heap region: free blocks ordered by size
// (to answer "find me something at least this big") and by address (to find
// a free block's neighbours for coalescing), and live blocks ordered by
// address (to validate a pointer a caller hands back to Free or Resize).
//
// None of this has a direct analogue upstream — plain utility code has no
// notion of a heap block at all — but github.com/google/btree is the
// ordered-index library of choice elsewhere in this codebase, and a generic
// BTreeG[T] is exactly the shape three independent ordered views over the
// same block set need.
package blockindex

import (
	"github.com/google/btree"
)

const degree = 32

// Block describes one contiguous span of heap memory, free or live.
type Block struct {
	Addr uintptr
	Size int
}

// End returns the address one past the last byte of b.
func (b Block) End() uintptr { return b.Addr + uintptr(b.Size) }

type bySize struct {
	Block
}

func lessBySize(a, b bySize) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Addr < b.Addr
}

type byAddr struct {
	Block
}

func lessByAddr(a, b byAddr) bool {
	return a.Addr < b.Addr
}

// Index holds the three ordered views over one heap's blocks.
//
// A zero Index is not ready to use; construct one with [New].
type Index struct {
	free     *btree.BTreeG[bySize]
	freeAddr *btree.BTreeG[byAddr]
	live     *btree.BTreeG[byAddr]
}

// New constructs an empty Index.
func New() *Index {
	return &Index{
		free:     btree.NewG(degree, lessBySize),
		freeAddr: btree.NewG(degree, lessByAddr),
		live:     btree.NewG(degree, lessByAddr),
	}
}

// InsertFree records b as a free block.
func (idx *Index) InsertFree(b Block) {
	idx.free.ReplaceOrInsert(bySize{b})
	idx.freeAddr.ReplaceOrInsert(byAddr{b})
}

// RemoveFree removes the free block at addr, if present, and reports it.
func (idx *Index) RemoveFree(addr uintptr) (Block, bool) {
	item, ok := idx.freeAddr.Delete(byAddr{Block{Addr: addr}})
	if !ok {
		return Block{}, false
	}
	idx.free.Delete(bySize{item.Block})
	return item.Block, true
}

// FindFree returns the smallest free block that can satisfy a request of at
// least minSize bytes, following a best-fit policy. Reports false if no
// block is large enough.
func (idx *Index) FindFree(minSize int) (Block, bool) {
	var found Block
	var ok bool

	idx.free.AscendGreaterOrEqual(bySize{Block{Size: minSize}}, func(item bySize) bool {
		found, ok = item.Block, true
		return false
	})

	return found, ok
}

// FreeLen returns the number of free blocks currently indexed.
func (idx *Index) FreeLen() int { return idx.free.Len() }

// InsertLive records b as a live (allocated) block.
func (idx *Index) InsertLive(b Block) {
	idx.live.ReplaceOrInsert(byAddr{b})
}

// RemoveLive removes the live block at addr, if present, and reports it.
func (idx *Index) RemoveLive(addr uintptr) (Block, bool) {
	item, ok := idx.live.Delete(byAddr{Block{Addr: addr}})
	if !ok {
		return Block{}, false
	}
	return item.Block, true
}

// FindLive reports the live block starting exactly at addr.
func (idx *Index) FindLive(addr uintptr) (Block, bool) {
	item, ok := idx.live.Get(byAddr{Block{Addr: addr}})
	return item.Block, ok
}

// LiveLen returns the number of live blocks currently indexed.
func (idx *Index) LiveLen() int { return idx.live.Len() }

// ContainingLive returns the live block whose range [Addr, End) contains
// addr, if any. Used to validate an interior pointer against the block it
// was carved from.
func (idx *Index) ContainingLive(addr uintptr) (Block, bool) {
	var found Block
	var ok bool

	idx.live.DescendLessOrEqual(byAddr{Block{Addr: addr}}, func(item byAddr) bool {
		if addr < item.End() {
			found, ok = item.Block, true
		}
		return false
	})

	return found, ok
}

// Neighbours returns the free blocks immediately preceding and following
// the byte range [addr, addr+size), for coalescing a block about to be
// freed with its adjacent free neighbours. Either return value's ok field
// is false if there is no adjacent free block on that side.
func (idx *Index) Neighbours(addr uintptr, size int) (prev, next Block, prevOK, nextOK bool) {
	idx.freeAddr.DescendLessOrEqual(byAddr{Block{Addr: addr}}, func(item byAddr) bool {
		if item.End() == addr {
			prev, prevOK = item.Block, true
		}
		return false
	})

	end := addr + uintptr(size)
	idx.freeAddr.AscendGreaterOrEqual(byAddr{Block{Addr: end}}, func(item byAddr) bool {
		if item.Addr == end {
			next, nextOK = item.Block, true
		}
		return false
	})

	return
}

// AscendFree calls f for every free block in address order, stopping early
// if f returns false.
func (idx *Index) AscendFree(f func(Block) bool) {
	idx.freeAddr.Ascend(func(item byAddr) bool {
		return f(item.Block)
	})
}

// AscendLive calls f for every live block in address order, stopping early
// if f returns false.
func (idx *Index) AscendLive(f func(Block) bool) {
	idx.live.Ascend(func(item byAddr) bool {
		return f(item.Block)
	})
}
