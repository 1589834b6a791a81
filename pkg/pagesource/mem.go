package pagesource

// Mem is a [Source] backed by plain Go byte slices rather than real OS
// mappings.
//
// Protect is advisory (recorded but not enforced): Go slices have no
// concept of access permission, so guard-page enforcement downgrades to
// fill-byte checking when this source is in use. This lets the allocator
// core and its indices be exercised in tests without depending on mmap or
// running with elevated build tags.
type Mem struct {
	PageSize int

	protected map[uintptr]Mode
}

var _ Source = (*Mem)(nil)

// NewMem constructs a Mem source with the given page size (4096 if zero).
func NewMem(pageSize int) *Mem {
	if pageSize <= 0 {
		pageSize = 4096
	}
	return &Mem{PageSize: pageSize, protected: make(map[uintptr]Mode)}
}

func (m *Mem) Descriptor() Descriptor {
	return Descriptor{PageSize: m.PageSize, StackGrowsDown: true, ProtectAdvisory: true}
}

func (m *Mem) Reserve(n int) (Region, error) {
	size := RoundUpToPage(n, m.PageSize)
	return Region{Bytes: make([]byte, size)}, nil
}

func (m *Mem) Release(r Region) error {
	delete(m.protected, r.Base())
	return nil
}

// Protect records the requested mode but does not enforce it; see
// [Mem.ModeOf].
func (m *Mem) Protect(r Region, mode Mode) error {
	m.protected[r.Base()] = mode
	return nil
}

// ModeOf reports the last mode recorded for r via Protect, for use by tests
// asserting that the allocator requested the right protection transitions.
func (m *Mem) ModeOf(r Region) Mode {
	return m.protected[r.Base()]
}
