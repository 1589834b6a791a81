// Package profile records the binary profiling-bin artefact: a small
// fixed header (allocation count, allocated total, deallocation count,
// deallocated total), a bin size B, B size-indexed allocation counts, an
// overflow-bin total, and a symmetric deallocation series.
//
// Grounded on original_source/src/profile.c, which maintains exactly this
// histogram shape (a bin per size-class up to a configured bin count,
// with all larger requests folded into one overflow bin) and flushes it
// to a binary profile file on teardown.
package profile

import (
	"encoding/binary"
	"io"
)

// header is the fixed-size record written first, matching
// original_source/src/profile.c's documented profile-file header.
type header struct {
	AllocCount   uint64
	AllocTotal   uint64
	DeallocCount uint64
	DeallocTotal uint64
	BinSize      uint32
	NumBins      uint32
}

// Recorder accumulates a size-bin histogram of allocation and
// deallocation sizes. Sizes from 0 to binSize*numBins-1 fall into
// size/binSize; anything at or beyond that folds into the overflow bin.
//
// A zero Recorder is not ready to use; construct one with [New].
type Recorder struct {
	binSize int
	numBins int

	allocCount, allocTotal     uint64
	deallocCount, deallocTotal uint64

	allocBins    []uint64
	allocOver    uint64
	deallocBins  []uint64
	deallocOver  uint64
}

// New constructs a Recorder with numBins bins of binSize bytes each.
func New(binSize, numBins int) *Recorder {
	if binSize <= 0 {
		binSize = 16
	}
	if numBins <= 0 {
		numBins = 64
	}
	return &Recorder{
		binSize:     binSize,
		numBins:     numBins,
		allocBins:   make([]uint64, numBins),
		deallocBins: make([]uint64, numBins),
	}
}

func (r *Recorder) bin(size int) (idx int, overflow bool) {
	idx = size / r.binSize
	if idx >= r.numBins {
		return 0, true
	}
	return idx, false
}

// RecordAlloc folds one allocation of size bytes into the histogram.
func (r *Recorder) RecordAlloc(size int) {
	r.allocCount++
	r.allocTotal += uint64(size)

	if idx, overflow := r.bin(size); overflow {
		r.allocOver++
	} else {
		r.allocBins[idx]++
	}
}

// RecordFree folds one deallocation of size bytes into the histogram.
func (r *Recorder) RecordFree(size int) {
	r.deallocCount++
	r.deallocTotal += uint64(size)

	if idx, overflow := r.bin(size); overflow {
		r.deallocOver++
	} else {
		r.deallocBins[idx]++
	}
}

// WriteTo encodes the profile in the fixed binary layout: header, then the
// allocation bin series, the allocation overflow total, the deallocation
// bin series, and the deallocation overflow total — all little-endian
// fixed-width integers, so an external tool can parse it without framing.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	h := header{
		AllocCount:   r.allocCount,
		AllocTotal:   r.allocTotal,
		DeallocCount: r.deallocCount,
		DeallocTotal: r.deallocTotal,
		BinSize:      uint32(r.binSize),
		NumBins:      uint32(r.numBins),
	}

	var n int64
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return n, err
	}
	n += int64(binary.Size(h))

	for _, series := range [][]uint64{r.allocBins} {
		if err := binary.Write(w, binary.LittleEndian, series); err != nil {
			return n, err
		}
		n += int64(len(series)) * 8
	}
	if err := binary.Write(w, binary.LittleEndian, r.allocOver); err != nil {
		return n, err
	}
	n += 8

	for _, series := range [][]uint64{r.deallocBins} {
		if err := binary.Write(w, binary.LittleEndian, series); err != nil {
			return n, err
		}
		n += int64(len(series)) * 8
	}
	if err := binary.Write(w, binary.LittleEndian, r.deallocOver); err != nil {
		return n, err
	}
	n += 8

	return n, nil
}
