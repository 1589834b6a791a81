// Package allocator implements the Allocator Core: split/coalesce policy,
// alignment and overflow-guard placement, fill-byte stamping, quarantine,
// and recycling over blocks carved out of pages obtained from a
// [pagesource.Source].
//
// Grounded on original_source/src/inter.c's __mp_alloc/__mp_realloc/
// __mp_free, which carve a requested size plus guard padding out of the
// library's page pool, stamp fill and guard bytes, and hold freed blocks
// in a bounded quarantine queue before returning them to the free list.
// The quarantine FIFO itself is a direct use of the standard library's
// container/list rather than a third-party dependency: it is a textbook
// doubly-linked queue with O(1) push-front/pop-back, and no dedicated
// deque/ring-buffer library is in play elsewhere in this codebase —
// reaching for one would add a dependency to wrap three pointer fields
// stdlib already provides directly.
package allocator

import (
	"container/list"
	"unsafe"

	"github.com/flier/memguard/pkg/blockindex"
	"github.com/flier/memguard/pkg/diag"
	"github.com/flier/memguard/pkg/failpolicy"
	"github.com/flier/memguard/pkg/metadata"
	"github.com/flier/memguard/pkg/pagesource"
)

// ZeroResizePolicy governs Resize(ptr, 0, ...) behaviour.
type ZeroResizePolicy int

const (
	// FreeAndReturnNil treats a resize to zero as a free; the call
	// returns nil.
	FreeAndReturnNil ZeroResizePolicy = iota
	// ReturnMinimal treats a resize to zero as a resize to the smallest
	// representable block, returning a valid, freeable, zero-usable
	// pointer.
	ReturnMinimal
	// Fail reports BadRange and returns nil without freeing the block.
	Fail
)

// Placement controls where the user range sits within a page-granular
// block: flush to the high end (catching overflows on the next page) or
// flush to the low end (catching underflows on the previous page).
type Placement int

const (
	PlacementNone Placement = iota
	PlacementUpper
	PlacementLower
)

// Config collects the tunables drawn from the option string that govern
// the Allocator Core's behaviour.
type Config struct {
	Alignment int // default alignment; the pointer size when zero or negative.

	OverflowSize int  // bytes of guard region on each side of the user range.
	GuardByte    byte // pattern stamped into guard regions.

	AllocFillByte byte // pattern stamped into a fresh user range.
	FreeFillByte  byte // pattern stamped into a freed user range.

	MinSplit int // blocks smaller than this beyond a fit are handed out whole.

	QuarantineBytes  uint64 // bounded FIFO size, in bytes; 0 disables quarantine.
	ReleaseThreshold int    // whole-page-spanning free blocks beyond this size return to the source.

	Placement    Placement
	ZeroResize   ZeroResizePolicy
	NoProtect    bool // advisory: page-protection guard pages are not attempted even if available.
}

func (c Config) align() int {
	if c.Alignment <= 0 {
		return int(unsafe.Sizeof(uintptr(0)))
	}
	return c.Alignment
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

type state int

const (
	free state = iota
	live
	quarantined
)

func (s state) String() string {
	switch s {
	case free:
		return "free"
	case live:
		return "live"
	case quarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// entry is the allocator's side-table for a block, keyed by the block's
// base address in both blockindex views it appears in. It plays the role
// of the header original_source/src/inter.c writes at the start of every
// block; unlike that header, it lives in a Go map rather than inline
// bytes immediately before the user range, since the allocator already
// has a reliable index mapping addresses to blocks without needing the
// recovery guarantees in-band headers exist for in the original.
type entry struct {
	state state

	userOffset int
	userSize   int

	record *metadata.Record

	qelem *list.Element // position in the quarantine queue, when quarantined
}

func (e *entry) userEnd() int { return e.userOffset + e.userSize }

// region is one page-aligned span obtained from the page source, tracked
// so block addresses can be mapped back to a []byte for stamping.
type region struct {
	base  uintptr
	bytes []byte
}

// Stats is a snapshot of heap-wide counters, returned by the Introspection
// API's stats() operation.
type Stats struct {
	LiveCount   int
	LiveTotal   uint64
	FreeCount   int
	FreeTotal   uint64
	AllocCount  uint64
	AllocTotal  uint64
	DeallocCount uint64
	DeallocTotal uint64
	QuarantineCount int
	QuarantineBytes uint64
}

// Allocator is the Allocator Core. A zero Allocator is not ready to use;
// construct one with [New].
type Allocator struct {
	src    pagesource.Source
	idx    *blockindex.Index
	meta   *metadata.Store
	policy *failpolicy.Policy
	cfg    Config

	regions []region
	entries map[uintptr]*entry

	quarantine      *list.List
	quarantineBytes uint64

	stats Stats

	diags []diag.Diagnostic
}

// New constructs an Allocator drawing pages from src, metadata records
// from meta, and failure decisions from policy.
func New(src pagesource.Source, meta *metadata.Store, policy *failpolicy.Policy, cfg Config) *Allocator {
	return &Allocator{
		src:        src,
		idx:        blockindex.New(),
		meta:       meta,
		policy:     policy,
		cfg:        cfg,
		entries:    make(map[uintptr]*entry),
		quarantine: list.New(),
	}
}

// Diagnostics drains and returns every diagnostic recorded since the last
// call.
func (a *Allocator) Diagnostics() []diag.Diagnostic {
	d := a.diags
	a.diags = nil
	return d
}

func (a *Allocator) record(d diag.Diagnostic) {
	a.diags = append(a.diags, d)
}

// Stats returns a snapshot of the current heap-wide counters.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.LiveCount = 0
	s.FreeCount = a.idx.FreeLen()
	a.idx.AscendLive(func(b blockindex.Block) bool {
		if e, ok := a.entries[b.Addr]; ok && e.state == live {
			s.LiveCount++
		}
		return true
	})
	s.QuarantineCount = a.quarantine.Len()
	s.QuarantineBytes = a.quarantineBytes
	return s
}

func (a *Allocator) bytesAt(addr uintptr, size int) []byte {
	for _, r := range a.regions {
		base := r.base
		if addr >= base && addr+uintptr(size) <= base+uintptr(len(r.bytes)) {
			off := addr - base
			return r.bytes[off : off+uintptr(size)]
		}
	}
	return nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// blockLayout computes the total block size and the user-range offset
// within it for a user request of size bytes at the given alignment,
// accounting for guard padding on both sides.
func (a *Allocator) blockLayout(size, alignment int) (total, userOffset int) {
	align := alignment
	if align < a.cfg.align() {
		align = a.cfg.align()
	}

	guard := a.cfg.OverflowSize
	userOffset = alignUp(guard, align)
	total = userOffset + size + guard
	return total, userOffset
}

func (a *Allocator) growAndInsertFree(minSize int) (blockindex.Block, error) {
	desc := a.src.Descriptor()
	n := pagesource.RoundUpToPage(minSize, desc.PageSize)

	r, err := a.src.Reserve(n)
	if err != nil {
		a.record(diag.Diagnostic{Kind: diag.OutOfMemory, Message: err.Error()})
		return blockindex.Block{}, err
	}

	a.regions = append(a.regions, region{base: r.Base(), bytes: r.Bytes})
	fill(r.Bytes, a.cfg.FreeFillByte)

	b := blockindex.Block{Addr: r.Base(), Size: len(r.Bytes)}
	a.idx.InsertFree(b)
	return b, nil
}

// Allocate carves out a block of at least size bytes, guard-padded and
// fill-stamped per cfg, and returns the user pointer. A nil return
// indicates failure; call [Allocator.Diagnostics] for the reason.
func (a *Allocator) Allocate(
	size, alignment int,
	kind metadata.Kind,
	site metadata.CaptureSite,
	stack []metadata.Frame,
	typeDescr string,
	elemSize int,
	threadID uint64,
) unsafe.Pointer {
	total, userOffset := a.blockLayout(size, alignment)

	switch a.policy.Decide(failpolicy.State{
		LiveTotal:   a.stats.LiveTotal,
		RequestSize: uint64(total),
		AllocIndex:  a.meta.Event(),
	}) {
	case failpolicy.FailWithoutRetry:
		a.record(diag.Diagnostic{Kind: diag.StopReached})
		return nil
	case failpolicy.FailAfterRetry:
		a.record(diag.Diagnostic{Kind: diag.LimitExceeded})
		return nil
	}

	blk, ok := a.idx.FindFree(total)
	if !ok {
		var err error
		blk, err = a.growAndInsertFree(total)
		if err != nil {
			return nil
		}
		blk, ok = a.idx.FindFree(total)
		if !ok {
			a.record(diag.Diagnostic{Kind: diag.OutOfMemory})
			return nil
		}
	}

	a.idx.RemoveFree(blk.Addr)

	used := blk
	if blk.Size-total >= a.cfg.MinSplit && a.cfg.MinSplit > 0 {
		used = blockindex.Block{Addr: blk.Addr, Size: total}
		rest := blockindex.Block{Addr: blk.Addr + uintptr(total), Size: blk.Size - total}
		a.idx.InsertFree(rest)
	}

	a.idx.InsertLive(used)

	buf := a.bytesAt(used.Addr, used.Size)
	if buf != nil {
		fill(buf[:userOffset], a.cfg.GuardByte)
		fill(buf[userOffset:userOffset+size], a.cfg.AllocFillByte)
		fill(buf[userOffset+size:], a.cfg.GuardByte)
	}

	rec := a.meta.Create(kind, site, stack, typeDescr, elemSize, threadID)
	a.entries[used.Addr] = &entry{
		state:      live,
		userOffset: userOffset,
		userSize:   size,
		record:     rec,
	}

	a.stats.AllocCount++
	a.stats.AllocTotal += uint64(size)
	a.stats.LiveTotal += uint64(used.Size)

	if buf == nil {
		return nil
	}
	return unsafe.Pointer(&buf[userOffset])
}

// BlockInfo describes one Live or Quarantined block, returned by the
// introspection API's info(address) operation.
type BlockInfo struct {
	Base       uintptr
	Size       int
	UserOffset int
	UserSize   int
	State      string
	Record     *metadata.Record
}

// Info reports the BlockInfo for the block containing ptr, if any.
func (a *Allocator) Info(ptr unsafe.Pointer) (BlockInfo, bool) {
	_, e, ok := a.lookupLive(ptr)
	if !ok {
		return BlockInfo{}, false
	}
	blk, _ := a.idx.ContainingLive(uintptr(ptr))
	return BlockInfo{
		Base:       blk.Addr,
		Size:       blk.Size,
		UserOffset: e.userOffset,
		UserSize:   e.userSize,
		State:      e.state.String(),
		Record:     e.record,
	}, true
}

// Iterate visits every Live or Quarantined block whose Metadata's Event
// counter is greater than sinceEvent, in address order. The callback
// returns negative to stop, positive to count, zero to skip; Iterate
// itself only needs to know whether to keep walking, and leaves the
// count/skip distinction to the caller.
func (a *Allocator) Iterate(sinceEvent uint64, f func(BlockInfo) int) {
	a.idx.AscendLive(func(b blockindex.Block) bool {
		e, ok := a.entries[b.Addr]
		if !ok || e.record.Event <= sinceEvent {
			return true
		}
		info := BlockInfo{
			Base:       b.Addr,
			Size:       b.Size,
			UserOffset: e.userOffset,
			UserSize:   e.userSize,
			State:      e.state.String(),
			Record:     e.record,
		}
		return f(info) >= 0
	})
}

func (a *Allocator) lookupLive(ptr unsafe.Pointer) (blockindex.Block, *entry, bool) {
	return a.lookupLiveAddr(uintptr(ptr))
}

func (a *Allocator) lookupLiveAddr(addr uintptr) (blockindex.Block, *entry, bool) {
	blk, ok := a.idx.ContainingLive(addr)
	if !ok {
		return blockindex.Block{}, nil, false
	}

	e, ok := a.entries[blk.Addr]
	if !ok {
		return blockindex.Block{}, nil, false
	}

	return blk, e, true
}

// CheckRange reports whether the byte range [addr, addr+size) lies
// entirely within one Live block's user range — the range-validity query
// the Memory-checker ABI's entry points map incoming ranges onto.
func (a *Allocator) CheckRange(addr uintptr, size int) bool {
	blk, e, ok := a.lookupLiveAddr(addr)
	if !ok || e.state != live {
		return false
	}
	lo := blk.Addr + uintptr(e.userOffset)
	hi := lo + uintptr(e.userSize)
	return addr >= lo && addr+uintptr(size) <= hi
}

// BytesOf returns the user-range bytes of the Live block containing addr,
// if any, for callers (the checker ABI's check_str in particular) that
// need to read an untrusted range themselves rather than have this
// package interpret it.
func (a *Allocator) BytesOf(addr uintptr) ([]byte, bool) {
	blk, e, ok := a.lookupLiveAddr(addr)
	if !ok || e.state != live {
		return nil, false
	}
	buf := a.bytesAt(blk.Addr, blk.Size)
	if buf == nil {
		return nil, false
	}
	start := int(addr - blk.Addr)
	if start < e.userOffset || start > e.userEnd() {
		return nil, false
	}
	return buf[start:e.userEnd()], true
}

// CheckString reports whether the NUL-terminated string starting at addr
// is entirely contained within one Live block's user range, reading byte
// by byte via bytesAt rather than scanning raw memory so a misuse never
// runs past a block's end. checkString is the "range-validity query"
// counterpart of the checker ABI's check_str.
func (a *Allocator) CheckString(addr uintptr) bool {
	blk, e, ok := a.lookupLiveAddr(addr)
	if !ok || e.state != live {
		return false
	}
	lo := blk.Addr + uintptr(e.userOffset)
	hi := lo + uintptr(e.userSize)
	if addr < lo || addr >= hi {
		return false
	}

	buf := a.bytesAt(blk.Addr, blk.Size)
	if buf == nil {
		return false
	}
	start := int(addr - blk.Addr)
	end := int(hi - blk.Addr)
	for i := start; i < end; i++ {
		if buf[i] == 0 {
			return true
		}
	}
	return false
}

// Scope selects which view of the heap an integrity sweep walks.
type Scope int

const (
	ScopeFree Scope = iota
	ScopeQuarantine
	ScopeLive
	ScopeAll
)

// Sweep verifies every block in scope, returning every mismatch found. The
// sweep does not stop at the first mismatch — it continues so all
// mismatches are reported.
func (a *Allocator) Sweep(scope Scope) []diag.Diagnostic {
	var out []diag.Diagnostic

	if scope == ScopeFree || scope == ScopeAll {
		a.idx.AscendFree(func(b blockindex.Block) bool {
			out = append(out, a.VerifyFreeBlock(b)...)
			return true
		})
	}

	if scope == ScopeLive || scope == ScopeQuarantine || scope == ScopeAll {
		a.idx.AscendLive(func(b blockindex.Block) bool {
			e, ok := a.entries[b.Addr]
			if !ok {
				return true
			}
			if scope == ScopeLive && e.state != live {
				return true
			}
			if scope == ScopeQuarantine && e.state != quarantined {
				return true
			}
			out = append(out, a.VerifyBlock(b)...)
			return true
		})
	}

	return out
}

// VerifyFreeBlock checks that every byte of a free block still holds the
// configured free-fill pattern, the way [Allocator.release] leaves it.
// A mismatch here means something wrote into memory the allocator believes
// is unused.
func (a *Allocator) VerifyFreeBlock(blk blockindex.Block) []diag.Diagnostic {
	buf := a.bytesAt(blk.Addr, blk.Size)
	if buf == nil {
		return nil
	}

	var out []diag.Diagnostic
	for i, got := range buf {
		if got != a.cfg.FreeFillByte {
			out = append(out, diag.Diagnostic{
				Kind:           diag.OverflowAfterFree,
				Addr:           blk.Addr,
				Size:           blk.Size,
				MismatchOffset: i,
				Expected:       a.cfg.FreeFillByte,
				Actual:         got,
			})
		}
	}
	return out
}

// VerifyBlock checks a live or quarantined block's guard and fill bytes
// against their expected values, returning one diagnostic per mismatching
// region. Shared with the integrity checker so both report misuse through
// one code path.
func (a *Allocator) VerifyBlock(blk blockindex.Block) []diag.Diagnostic {
	e, ok := a.entries[blk.Addr]
	if !ok {
		return nil
	}

	buf := a.bytesAt(blk.Addr, blk.Size)
	if buf == nil {
		return nil
	}

	var out []diag.Diagnostic

	checkRange := func(b []byte, want byte, before bool) {
		for i, got := range b {
			if got != want {
				kind := diag.OverflowAfter
				if before {
					kind = diag.OverflowBefore
				}
				if e.state == quarantined {
					kind = diag.OverflowAfterFree
				}
				out = append(out, diag.Diagnostic{
					Kind:           kind,
					Addr:           blk.Addr,
					Size:           blk.Size,
					MismatchOffset: i,
					Expected:       want,
					Actual:         got,
					AllocIndex:     e.record.AllocIndex,
				})
			}
		}
	}

	checkRange(buf[:e.userOffset], a.cfg.GuardByte, true)
	checkRange(buf[e.userEnd():], a.cfg.GuardByte, false)

	if e.state == quarantined {
		checkRange(buf[e.userOffset:e.userEnd()], a.cfg.FreeFillByte, false)
	}

	return out
}

// Resize grows or shrinks the block at ptr to newSize. On success, returns
// the (possibly new) user pointer; the record's ReallocIndex is
// incremented in either case. A nil return on a non-zero newSize indicates
// failure.
func (a *Allocator) Resize(
	ptr unsafe.Pointer,
	newSize int,
	kind metadata.Kind,
	site metadata.CaptureSite,
	stack []metadata.Frame,
	threadID uint64,
) unsafe.Pointer {
	blk, e, ok := a.lookupLive(ptr)
	if !ok {
		a.record(diag.Diagnostic{Kind: diag.ResizeUnknown, Addr: uintptr(ptr)})
		return nil
	}

	for _, d := range a.VerifyBlock(blk) {
		a.record(d)
	}

	if newSize == 0 {
		switch a.cfg.ZeroResize {
		case FreeAndReturnNil:
			a.Free(ptr, kind, site, threadID)
			return nil
		case Fail:
			a.record(diag.Diagnostic{Kind: diag.BadRange, Addr: uintptr(ptr)})
			return nil
		case ReturnMinimal:
			newSize = 1
		}
	}

	capacity := blk.Size - e.userOffset - a.cfg.OverflowSize
	if newSize <= capacity {
		buf := a.bytesAt(blk.Addr, blk.Size)
		if newSize > e.userSize && buf != nil {
			fill(buf[e.userOffset+e.userSize:e.userOffset+newSize], a.cfg.AllocFillByte)
		}
		e.userSize = newSize
		if buf != nil {
			fill(buf[e.userEnd():], a.cfg.GuardByte)
		}
		e.record.Resized()
		return unsafe.Pointer(&a.bytesAt(blk.Addr, blk.Size)[e.userOffset])
	}

	newPtr := a.Allocate(newSize, a.cfg.align(), kind, site, stack, e.record.TypeDescr, e.record.ElemSize, threadID)
	if newPtr == nil {
		return nil
	}

	oldBuf := a.bytesAt(blk.Addr, blk.Size)
	if oldBuf != nil {
		n := e.userSize
		if newSize < n {
			n = newSize
		}
		copy(unsafe.Slice((*byte)(newPtr), n), oldBuf[e.userOffset:e.userOffset+n])
	}

	e.record.Resized()
	a.Free(ptr, kind, site, threadID)

	return newPtr
}

// Free releases ptr. A nil ptr is a no-op.
func (a *Allocator) Free(ptr unsafe.Pointer, kind metadata.Kind, site metadata.CaptureSite, threadID uint64) {
	if ptr == nil {
		return
	}

	blk, e, ok := a.lookupLive(ptr)
	if !ok {
		a.record(diag.Diagnostic{Kind: diag.FreeUnknown, Addr: uintptr(ptr)})
		return
	}

	if e.state == quarantined {
		a.record(diag.Diagnostic{Kind: diag.FreeTwice, Addr: uintptr(ptr), AllocIndex: e.record.AllocIndex})
		return
	}

	for _, d := range a.VerifyBlock(blk) {
		a.record(d)
	}

	buf := a.bytesAt(blk.Addr, blk.Size)
	if buf != nil {
		fill(buf[e.userOffset:e.userEnd()], a.cfg.FreeFillByte)
	}

	e.record.MarkFreed()

	a.stats.DeallocCount++
	a.stats.DeallocTotal += uint64(e.userSize)
	a.stats.LiveTotal -= uint64(blk.Size)

	if a.cfg.QuarantineBytes > 0 {
		e.state = quarantined
		e.qelem = a.quarantine.PushFront(blk.Addr)
		a.quarantineBytes += uint64(blk.Size)
		a.evictQuarantine()
		return
	}

	a.release(blk)
}

// evictQuarantine evicts the oldest quarantined block(s) until the
// quarantine is back within its configured byte bound.
func (a *Allocator) evictQuarantine() {
	for a.quarantineBytes > a.cfg.QuarantineBytes {
		back := a.quarantine.Back()
		if back == nil {
			return
		}
		addr := back.Value.(uintptr)
		a.quarantine.Remove(back)

		blk, ok := a.idx.FindLive(addr)
		if !ok {
			continue
		}

		for _, d := range a.VerifyBlock(blk) {
			d.Kind = diag.OverflowAfterFree
			a.record(d)
		}

		a.quarantineBytes -= uint64(blk.Size)
		a.release(blk)
	}
}

// release removes blk from the live index, coalesces it with any free
// neighbours, and inserts the result into the free index, returning
// whole pages to the page source when the result spans enough of them.
func (a *Allocator) release(blk blockindex.Block) {
	a.idx.RemoveLive(blk.Addr)
	if e, ok := a.entries[blk.Addr]; ok {
		a.meta.Release(e.record)
	}
	delete(a.entries, blk.Addr)

	merged := blk
	if prev, next, prevOK, nextOK := a.idx.Neighbours(merged.Addr, merged.Size); prevOK || nextOK {
		if prevOK {
			a.idx.RemoveFree(prev.Addr)
			merged = blockindex.Block{Addr: prev.Addr, Size: prev.Size + merged.Size}
		}
		if nextOK {
			a.idx.RemoveFree(next.Addr)
			merged = blockindex.Block{Addr: merged.Addr, Size: merged.Size + next.Size}
		}
	}

	if buf := a.bytesAt(merged.Addr, merged.Size); buf != nil {
		fill(buf, a.cfg.FreeFillByte)
	}

	if a.cfg.ReleaseThreshold > 0 && merged.Size >= a.cfg.ReleaseThreshold {
		for i, r := range a.regions {
			if r.base == merged.Addr && len(r.bytes) == merged.Size {
				if err := a.src.Release(pagesource.Region{Bytes: r.bytes}); err == nil {
					a.regions = append(a.regions[:i], a.regions[i+1:]...)
					return
				}
				break
			}
		}
	}

	a.idx.InsertFree(merged)
}
