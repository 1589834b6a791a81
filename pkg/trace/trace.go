// Package trace emits the binary trace-file artefact: a trace file in a
// line-event format compatible with an external trace-processor.
//
// Grounded on original_source/tools/dbmalloc.h and tools/mtrace.h, which
// document a fixed-width binary line-record: an operation tag, the
// allocation identity it concerns, and the address/size involved.
package trace

import (
	"encoding/binary"
	"io"
)

// Op tags one traced operation, matching the original's mtrace record
// kinds (+ allocate, - free, < shrink, > grow).
type Op uint8

const (
	OpAlloc Op = iota + 1
	OpFree
	OpShrink
	OpGrow
)

// Record is one traced event: which operation, on which allocation
// identity, at which address, of what size, at which global event number.
type Record struct {
	Op      Op
	Event   uint64
	Addr    uint64
	Size    uint64
	AllocID uint64
}

// wireRecord is Record's fixed-width, little-endian on-disk layout.
type wireRecord struct {
	Op      uint8
	_       [7]uint8 // pad to 8-byte alignment for the following uint64s
	Event   uint64
	Addr    uint64
	Size    uint64
	AllocID uint64
}

// Encoder writes [Record]s to an underlying stream in the fixed binary
// layout an external trace-processor compatible with mtrace/dbmalloc can
// parse without framing.
type Encoder struct {
	w io.Writer
}

// NewEncoder constructs an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one Record.
func (e *Encoder) Encode(r Record) error {
	wr := wireRecord{Op: uint8(r.Op), Event: r.Event, Addr: r.Addr, Size: r.Size, AllocID: r.AllocID}
	return binary.Write(e.w, binary.LittleEndian, wr)
}

// Decoder reads [Record]s back out of a stream written by an [Encoder].
type Decoder struct {
	r io.Reader
}

// NewDecoder constructs a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads one Record, returning io.EOF once the stream is exhausted.
func (d *Decoder) Decode() (Record, error) {
	var wr wireRecord
	if err := binary.Read(d.r, binary.LittleEndian, &wr); err != nil {
		return Record{}, err
	}
	return Record{Op: Op(wr.Op), Event: wr.Event, Addr: wr.Addr, Size: wr.Size, AllocID: wr.AllocID}, nil
}
