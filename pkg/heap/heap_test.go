package heap_test

import (
	"bytes"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/memguard/internal/config"
	"github.com/flier/memguard/pkg/heap"
)

func TestHeapLifecycle(t *testing.T) {
	Convey("Given a freshly constructed Heap", t, func() {
		var log bytes.Buffer
		h := heap.New(config.Default(), &log)

		So(h.Init(), ShouldBeNil)

		Convey("Malloc returns a usable block and Free releases it cleanly", func() {
			p := h.Malloc(32)
			So(p, ShouldNotBeNil)

			b := unsafe.Slice((*byte)(p), 32)
			for i := range b {
				b[i] = byte(i)
			}

			h.Free(p)

			summary := h.Teardown()
			So(summary.Stats.AllocCount, ShouldEqual, 1)
			So(summary.Stats.DeallocCount, ShouldEqual, 1)
			So(summary.Stats.LiveCount, ShouldEqual, 0)
		})

		Convey("Calloc zero-fills the returned range", func() {
			p := h.Calloc(4, 8)
			So(p, ShouldNotBeNil)

			b := unsafe.Slice((*byte)(p), 32)
			for _, v := range b {
				So(v, ShouldEqual, 0)
			}

			h.Free(p)
			h.Teardown()
		})

		Convey("Strdup duplicates the string with a trailing NUL", func() {
			p := h.Strdup("hi")
			So(p, ShouldNotBeNil)

			b := unsafe.Slice((*byte)(p), 3)
			So(string(b[:2]), ShouldEqual, "hi")
			So(b[2], ShouldEqual, 0)

			h.Free(p)
			h.Teardown()
		})

		Convey("Unfreed blocks are reported in the teardown summary", func() {
			_ = h.Malloc(16)

			summary := h.Teardown()
			So(summary.Stats.LiveCount, ShouldEqual, 1)
			So(log.String(), ShouldContainSubstring, "UnfreedAtExit")
		})

		Convey("the Memory-checker ABI validates ranges against tracked blocks", func() {
			p := h.Strdup("hi")
			addr := uintptr(p)

			So(h.CheckAddr(addr, 2), ShouldBeTrue)
			So(h.CheckAddr(addr, 1000), ShouldBeFalse)
			So(h.CheckAddr(addr+1000, 1), ShouldBeFalse)

			So(h.CheckStr(addr), ShouldBeTrue)

			So(h.CheckExec(addr), ShouldBeTrue)
			So(h.CheckExec(addr+1000), ShouldBeFalse)

			So(h.SetRight(addr), ShouldBeTrue)
			info, ok := h.Introspection().Info(p)
			So(ok, ShouldBeTrue)
			So(info.Record.Flags.Has(1<<1), ShouldBeTrue) // Marked

			h.Free(p)
			h.Teardown()
		})

		Convey("check() runs an integrity sweep, not just the buffered queue", func() {
			p := h.Malloc(16)
			b := unsafe.Slice((*byte)(p), 17)
			b[16] = 0xAA // write one byte past the user range into the guard

			diags := h.Introspection().Check()
			found := false
			for _, d := range diags {
				if d.Kind.String() == "OverflowAfter" {
					found = true
				}
			}
			So(found, ShouldBeTrue)

			h.Free(p)
			h.Teardown()
		})
	})
}
