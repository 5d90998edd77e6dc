package pagefault

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
	"github.com/joeycumines/go-kerncore/internal/vm"
)

type fakeFile struct{ data []byte }

func (f *fakeFile) ReadAt(buf []byte, offset int64) (int, error) {
	return copy(buf, f.data[offset:]), nil
}

func (f *fakeFile) WriteAt(buf []byte, offset int64) (int, error) {
	return copy(f.data[offset:], buf), nil
}

func newTestHandler(t *testing.T, capacity int) (*Handler, map[thread.TID]*vm.SupplementalTable) {
	t.Helper()
	disk := diskio.New(capacity * diskio.SectorsPerPage)
	t.Cleanup(func() { _ = disk.Close() })
	area := swap.NewArea(disk, capacity)
	pagedir := vm.NewSimplePageDirectory()
	tables := make(map[thread.TID]*vm.SupplementalTable)
	lookup := func(owner thread.TID) (*vm.SupplementalTable, bool) {
		tbl, ok := tables[owner]
		return tbl, ok
	}
	frames := vm.NewFrameTable(capacity, pagedir, area, lookup, nil)
	return &Handler{Frames: frames, Pagedir: pagedir, Area: area, Tables: lookup}, tables
}

func TestHandleKillsKernelModeFault(t *testing.T) {
	h, _ := newTestHandler(t, 2)
	require.ErrorIs(t, h.Handle(1, 0x1000, false, false, 0x2000), kerr.ErrBadUserPointer)
}

func TestHandleKillsWithNoTableAndNoGrowth(t *testing.T) {
	h, _ := newTestHandler(t, 2)
	require.ErrorIs(t, h.Handle(1, 0x1000, false, true, 0x1000), kerr.ErrBadUserPointer)
}

func TestHandleSynthesisesStackGrowthPage(t *testing.T) {
	h, tables := newTestHandler(t, 2)
	tables[1] = vm.NewSupplementalTable()

	sp := uintptr(diskio.PageSize)
	va := sp - 4 // PUSH reg, 4 bytes below esp

	require.NoError(t, h.Handle(1, va, true, true, sp))

	page := va &^ (diskio.PageSize - 1)
	_, resident := h.Frames.FindOwned(1, page)
	require.True(t, resident)
}

func TestHandleRejectsFarStackGrowth(t *testing.T) {
	h, tables := newTestHandler(t, 2)
	tables[1] = vm.NewSupplementalTable()

	sp := uintptr(16 * diskio.PageSize)
	va := sp - 10*diskio.PageSize // way below tolerance
	require.ErrorIs(t, h.Handle(1, va, true, true, sp), kerr.ErrBadUserPointer)
}

func TestHandleLoadsExecPageAndDestroysEntryIfWritable(t *testing.T) {
	h, tables := newTestHandler(t, 2)
	sup := vm.NewSupplementalTable()
	tables[1] = sup

	file := &fakeFile{data: make([]byte, diskio.PageSize)}
	copy(file.data, []byte("payload"))

	sup.Put(&vm.PageEntry{UserVaddr: 0x4000, Writable: true, Kind: vm.KindExec, File: file, ReadBytes: len("payload")})

	require.NoError(t, h.Handle(1, 0x4000, false, true, 0x8000))

	frame, ok := h.Frames.FindOwned(1, 0x4000)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), frame.Data[:len("payload")])

	_, stillThere := sup.Get(0x4000)
	require.False(t, stillThere)
}

func TestHandleLoadsSwapPageAndDestroysEntry(t *testing.T) {
	h, tables := newTestHandler(t, 2)
	sup := vm.NewSupplementalTable()
	tables[1] = sup

	page := make([]byte, diskio.PageSize)
	copy(page, []byte("from-swap"))
	slot, err := h.Area.WriteSwap(page)
	require.NoError(t, err)

	sup.Put(&vm.PageEntry{UserVaddr: 0x5000, Writable: true, Kind: vm.KindSwap, Slot: slot})

	require.NoError(t, h.Handle(1, 0x5000, false, true, 0x9000))

	frame, ok := h.Frames.FindOwned(1, 0x5000)
	require.True(t, ok)
	require.Equal(t, []byte("from-swap"), frame.Data[:len("from-swap")])

	_, stillThere := sup.Get(0x5000)
	require.False(t, stillThere)
}

func TestHandleKillsWriteToReadOnlyPage(t *testing.T) {
	h, tables := newTestHandler(t, 2)
	sup := vm.NewSupplementalTable()
	tables[1] = sup

	file := &fakeFile{data: make([]byte, diskio.PageSize)}
	sup.Put(&vm.PageEntry{UserVaddr: 0x4000, Writable: false, Kind: vm.KindExec, File: file, ReadBytes: 10})

	require.ErrorIs(t, h.Handle(1, 0x4000, true, true, 0x9000), kerr.ErrBadUserPointer)
}
