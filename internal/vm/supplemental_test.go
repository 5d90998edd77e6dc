package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/swap"
)

func TestSupplementalTablePutGetRemove(t *testing.T) {
	s := NewSupplementalTable()
	e := &PageEntry{UserVaddr: 0x1000, Kind: KindExec, ReadBytes: 100}
	s.Put(e)

	got, ok := s.Get(0x1000)
	require.True(t, ok)
	require.Same(t, e, got)

	s.Remove(0x1000)
	_, ok = s.Get(0x1000)
	require.False(t, ok)
}

func TestSupplementalTableDestroyFreesSwapSlots(t *testing.T) {
	disk := diskio.New(4 * diskio.SectorsPerPage)
	defer disk.Close()
	area := swap.NewArea(disk, 4)

	page := make([]byte, diskio.PageSize)
	slot, err := area.WriteSwap(page)
	require.NoError(t, err)
	before := area.Cnt()

	s := NewSupplementalTable()
	s.Put(&PageEntry{UserVaddr: 0x1000, Kind: KindSwap, Slot: slot})
	s.Put(&PageEntry{UserVaddr: 0x2000, Kind: KindExec})

	s.Destroy(area)

	require.Equal(t, 0, s.Len())
	require.LessOrEqual(t, area.Cnt(), before)
}
