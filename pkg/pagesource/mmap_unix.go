//go:build unix

package pagesource

import (
	"golang.org/x/sys/unix"
)

// Mmap is a [Source] backed by anonymous mmap'd pages.
//
// Grounded on the pack's own use of golang.org/x/sys/unix for raw page
// control (Giulio2002/gdbx's page.go, SeleniaProject/Orizon's runtime
// package, eef808a24ff/aistore's memsys package all reach for this module
// to mmap and mprotect arena-style memory).
type Mmap struct {
	pageSize int
}

var _ Source = (*Mmap)(nil)

// NewMmap constructs an mmap-backed page source, querying the OS page size
// once at construction.
func NewMmap() *Mmap {
	return &Mmap{pageSize: unix.Getpagesize()}
}

func (m *Mmap) Descriptor() Descriptor {
	return Descriptor{
		PageSize:        m.pageSize,
		StackGrowsDown:  true,
		ProtectAdvisory: false,
	}
}

func (m *Mmap) Reserve(n int) (Region, error) {
	size := RoundUpToPage(n, m.pageSize)

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, &OutOfAddressSpace{Requested: n, Cause: err}
	}

	return Region{Bytes: b}, nil
}

func (m *Mmap) Release(r Region) error {
	if len(r.Bytes) == 0 {
		return nil
	}
	return unix.Munmap(r.Bytes)
}

func (m *Mmap) Protect(r Region, mode Mode) error {
	if len(r.Bytes) == 0 {
		return nil
	}

	var prot int
	switch mode {
	case RW:
		prot = unix.PROT_READ | unix.PROT_WRITE
	case RO:
		prot = unix.PROT_READ
	case None:
		prot = unix.PROT_NONE
	}

	return unix.Mprotect(r.Bytes, prot)
}
