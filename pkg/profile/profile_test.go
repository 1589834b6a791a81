package profile_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/memguard/pkg/profile"
)

func TestRecorder(t *testing.T) {
	Convey("Given a Recorder with 4 bins of 16 bytes", t, func() {
		r := profile.New(16, 4)

		Convey("An in-range allocation is folded into its bin, not overflow", func() {
			r.RecordAlloc(20) // bin 1 (20/16 = 1)

			var buf bytes.Buffer
			n, err := r.WriteTo(&buf)
			So(err, ShouldBeNil)
			So(n, ShouldBeGreaterThan, 0)

			// 40-byte header, then 4 allocation bins of 8 bytes, then the
			// allocation overflow total.
			b := buf.Bytes()
			So(binary.LittleEndian.Uint64(b[48:56]), ShouldEqual, 1)
			So(binary.LittleEndian.Uint64(b[72:80]), ShouldEqual, 0)
		})

		Convey("An out-of-range allocation folds into the overflow bin", func() {
			r.RecordAlloc(1000)
			r.RecordFree(1000)

			var buf bytes.Buffer
			_, err := r.WriteTo(&buf)
			So(err, ShouldBeNil)
			So(buf.Len(), ShouldBeGreaterThan, 0)

			b := buf.Bytes()
			So(binary.LittleEndian.Uint64(b[72:80]), ShouldEqual, 1)   // allocation overflow
			So(binary.LittleEndian.Uint64(b[112:120]), ShouldEqual, 1) // deallocation overflow
		})

		Convey("Counts and totals accumulate across multiple records", func() {
			r.RecordAlloc(8)
			r.RecordAlloc(24)
			r.RecordFree(8)

			var buf bytes.Buffer
			_, _ = r.WriteTo(&buf)
			So(buf.Len(), ShouldBeGreaterThan, 0)

			b := buf.Bytes()
			So(binary.LittleEndian.Uint64(b[0:8]), ShouldEqual, 2)   // allocation count
			So(binary.LittleEndian.Uint64(b[8:16]), ShouldEqual, 32) // allocation total
			So(binary.LittleEndian.Uint64(b[16:24]), ShouldEqual, 1) // deallocation count
			So(binary.LittleEndian.Uint64(b[24:32]), ShouldEqual, 8) // deallocation total
		})
	})
}
