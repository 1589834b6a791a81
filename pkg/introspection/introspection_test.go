package introspection_test

import (
	"strings"
	"testing"
	"unsafe"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/memguard/pkg/allocator"
	"github.com/flier/memguard/pkg/failpolicy"
	"github.com/flier/memguard/pkg/integrity"
	"github.com/flier/memguard/pkg/introspection"
	"github.com/flier/memguard/pkg/metadata"
	"github.com/flier/memguard/pkg/pagesource"
)

func site() metadata.CaptureSite {
	return metadata.CaptureSite{Function: "test", File: "introspection_test.go", Line: 1}
}

func newAPI() (*allocator.Allocator, *introspection.API) {
	src := pagesource.NewMem(4096)
	meta := metadata.New()
	policy := failpolicy.New(failpolicy.Config{}, 1)
	a := allocator.New(src, meta, policy, allocator.Config{
		Alignment:     8,
		OverflowSize:  16,
		GuardByte:     0xAA,
		AllocFillByte: 0xCD,
		FreeFillByte:  0xDD,
		MinSplit:      32,
	})
	checker := integrity.New(a, integrity.Config{Scope: integrity.All})
	return a, introspection.New(a, meta, checker, nil, nil)
}

func TestAPI(t *testing.T) {
	Convey("Given an API over a fresh Allocator", t, func() {
		a, api := newAPI()

		Convey("Info reports the block for a tracked pointer", func() {
			p := a.Allocate(32, 8, metadata.Malloc, site(), nil, "", 0, 1)

			info, ok := api.Info(p)
			So(ok, ShouldBeTrue)
			So(info.UserSize, ShouldEqual, 32)
		})

		Convey("Info reports false for an untracked pointer", func() {
			_, ok := api.Info(nil)
			So(ok, ShouldBeFalse)
		})

		Convey("SetMark and SetUser mutate the block's record", func() {
			p := a.Allocate(32, 8, metadata.Malloc, site(), nil, "", 0, 1)

			So(api.SetMark(p), ShouldBeTrue)
			So(api.SetUser(p, 0xdeadbeef), ShouldBeTrue)

			info, _ := api.Info(p)
			So(info.Record.Flags.Has(metadata.Marked), ShouldBeTrue)
			So(info.Record.UserData, ShouldEqual, uintptr(0xdeadbeef))
		})

		Convey("Snapshot and Iterate report only blocks created after it", func() {
			a.Allocate(16, 8, metadata.Malloc, site(), nil, "", 0, 1)
			since := api.Snapshot()
			a.Allocate(16, 8, metadata.Malloc, site(), nil, "", 0, 1)

			n := api.Iterate(since, func(allocator.BlockInfo) int { return 1 })
			So(n, ShouldEqual, 1)
		})

		Convey("PrintInfo writes a human-readable line", func() {
			p := a.Allocate(16, 8, metadata.Malloc, site(), nil, "", 0, 1)

			var buf strings.Builder
			api.PrintInfo(&buf, p)
			So(buf.String(), ShouldContainSubstring, "state=live")
		})

		Convey("Summary reports the live block count after Check drains diagnostics", func() {
			a.Allocate(16, 8, metadata.Malloc, site(), nil, "", 0, 1)
			a.Free(nil, metadata.Malloc, site(), 1) // no-op, not an error
			a.Free(unsafe.Pointer(uintptr(0x99999999)), metadata.Malloc, site(), 1)

			api.Check()
			s := api.Summary()
			So(s.Stats.LiveCount, ShouldEqual, 1)
		})
	})
}
