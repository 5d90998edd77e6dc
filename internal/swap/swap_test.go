package swap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/kerr"
)

func newTestArea(t *testing.T, capacitySlots int) *Area {
	t.Helper()
	disk := diskio.New(capacitySlots * diskio.SectorsPerPage)
	t.Cleanup(func() { _ = disk.Close() })
	return NewArea(disk, capacitySlots)
}

func TestWriteReadRoundTrip(t *testing.T) {
	// P6: write_swap followed by read_swap into an equally-sized buffer
	// yields the original bytes.
	a := newTestArea(t, 4)

	page := make([]byte, diskio.PageSize)
	for i := range page {
		page[i] = byte(i % 251)
	}

	slot, err := a.WriteSwap(page)
	require.NoError(t, err)

	out := make([]byte, diskio.PageSize)
	require.NoError(t, a.ReadSwap(out, slot))
	require.Equal(t, page, out)
}

func TestFreeSlotLeavesCntNonIncreasing(t *testing.T) {
	// P6: free_slot after read_swap leaves cnt non-increasing.
	a := newTestArea(t, 4)
	page := make([]byte, diskio.PageSize)

	slot, err := a.WriteSwap(page)
	require.NoError(t, err)
	before := a.Cnt()

	require.NoError(t, a.ReadSwap(make([]byte, diskio.PageSize), slot))
	after := a.Cnt()

	require.LessOrEqual(t, after, before)
}

func TestWriteSwapReusesFreedSlotBeforeGrowing(t *testing.T) {
	a := newTestArea(t, 2)
	page := make([]byte, diskio.PageSize)

	s1, err := a.WriteSwap(page)
	require.NoError(t, err)
	require.Equal(t, 1, a.Cnt())

	a.FreeSlot(s1)
	require.Equal(t, 0, a.Cnt())
	require.Equal(t, 0, a.FreeCount())

	s2, err := a.WriteSwap(page)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
	require.Equal(t, 1, a.Cnt())
}

func TestWriteSwapFailsWhenFull(t *testing.T) {
	a := newTestArea(t, 1)
	page := make([]byte, diskio.PageSize)

	_, err := a.WriteSwap(page)
	require.NoError(t, err)

	_, err = a.WriteSwap(page)
	require.ErrorIs(t, err, kerr.ErrSwapFull)
}

func TestFreeSlotOutOfOrderCoalesces(t *testing.T) {
	a := newTestArea(t, 3)
	page := make([]byte, diskio.PageSize)

	s0, err := a.WriteSwap(page)
	require.NoError(t, err)
	s1, err := a.WriteSwap(page)
	require.NoError(t, err)
	s2, err := a.WriteSwap(page)
	require.NoError(t, err)
	require.Equal(t, 3, a.Cnt())

	// Free the middle slot first: goes onto the free list, cnt unchanged.
	a.FreeSlot(s1)
	require.Equal(t, 3, a.Cnt())
	require.Equal(t, 1, a.FreeCount())

	// Free the tip slot: cnt drops to 2, which makes s1 the new tip, so
	// the drain loop immediately frees it too, dropping cnt to 1.
	a.FreeSlot(s2)
	require.Equal(t, 1, a.Cnt())
	require.Equal(t, 0, a.FreeCount())

	// Free s0, now the tip: cnt drops to 0.
	a.FreeSlot(s0)
	require.Equal(t, 0, a.Cnt())
	require.Equal(t, 0, a.FreeCount())
}
