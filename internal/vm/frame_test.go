package vm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/ksync"
	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
)

func newTestFrameTable(t *testing.T, capacity int) (*FrameTable, *SimplePageDirectory, *swap.Area, map[thread.TID]*SupplementalTable) {
	t.Helper()
	disk := diskio.New(capacity * diskio.SectorsPerPage)
	t.Cleanup(func() { _ = disk.Close() })
	area := swap.NewArea(disk, capacity)
	pagedir := NewSimplePageDirectory()
	tables := make(map[thread.TID]*SupplementalTable)
	lookup := func(owner thread.TID) (*SupplementalTable, bool) {
		tbl, ok := tables[owner]
		return tbl, ok
	}
	tick := int64(0)
	clock := func() int64 { tick++; return tick }
	ft := NewFrameTable(capacity, pagedir, area, lookup, clock)
	return ft, pagedir, area, tables
}

func TestGetFrameAllocatesUntilExhausted(t *testing.T) {
	ft, pagedir, _, tables := newTestFrameTable(t, 2)
	tables[1] = NewSupplementalTable()

	f0, err := ft.GetFrame(1, 0x1000, true)
	require.NoError(t, err)
	pagedir.Install(1, 0x1000, f0.Index, true)
	ft.MarkInstalled(f0)

	f1, err := ft.GetFrame(1, 0x2000, true)
	require.NoError(t, err)
	pagedir.Install(1, 0x2000, f1.Index, true)
	ft.MarkInstalled(f1)

	require.Equal(t, 2, ft.InUse())
}

func TestGetFrameEvictsAnonymousPageToSwap(t *testing.T) {
	ft, pagedir, _, tables := newTestFrameTable(t, 1)
	tables[1] = NewSupplementalTable()

	f0, err := ft.GetFrame(1, 0x1000, true)
	require.NoError(t, err)
	copy(f0.Data[:], "sentinel-data")
	pagedir.Install(1, 0x1000, f0.Index, true)
	ft.MarkInstalled(f0)
	pagedir.ClearAccessed(1, 0x1000) // make it the obvious victim

	// Pool exhausted: the next GetFrame call must evict frame 0.
	f1, err := ft.GetFrame(2, 0x3000, true)
	require.NoError(t, err)
	require.Equal(t, f0.Index, f1.Index)
	require.Equal(t, thread.TID(2), f1.Owner)

	// The evicted page now has a Swap-kind supplemental entry for its
	// original owner.
	entry, ok := tables[1].Get(0x1000)
	require.True(t, ok)
	require.Equal(t, KindSwap, entry.Kind)
}

func TestEvictionSkipsAccessedFramesTwice(t *testing.T) {
	ft, pagedir, _, tables := newTestFrameTable(t, 2)
	tables[1] = NewSupplementalTable()

	f0, _ := ft.GetFrame(1, 0x1000, true)
	pagedir.Install(1, 0x1000, f0.Index, true)
	ft.MarkInstalled(f0)

	f1, _ := ft.GetFrame(1, 0x2000, true)
	pagedir.Install(1, 0x2000, f1.Index, true)
	ft.MarkInstalled(f1)

	// Both frames are "accessed" (Install sets it); the sweep must clear
	// both bits once before picking a victim on its second pass over the
	// (now fully cleared) list.
	_, err := ft.GetFrame(1, 0x3000, true)
	require.NoError(t, err)
	require.Equal(t, 2, ft.InUse())

	evicted := 0
	for _, vaddr := range []uintptr{0x1000, 0x2000} {
		if entry, ok := tables[1].Get(vaddr); ok {
			require.Equal(t, KindSwap, entry.Kind)
			evicted++
		}
	}
	require.Equal(t, 1, evicted)
}

func TestEvictWaitsOnOwnerFaultSemaphore(t *testing.T) {
	ft, pagedir, _, tables := newTestFrameTable(t, 1)
	tables[1] = NewSupplementalTable()

	f0, err := ft.GetFrame(1, 0x1000, true)
	require.NoError(t, err)
	pagedir.Install(1, 0x1000, f0.Index, true)
	ft.MarkInstalled(f0)
	pagedir.ClearAccessed(1, 0x1000)

	sched := thread.NewScheduler()
	tid, err := sched.Create("owner", 10, nil, nil)
	require.NoError(t, err)
	require.Equal(t, thread.TID(1), tid) // matches victim's Owner above

	sema := ksync.NewSemaphore(sched, 0) // held: a fault is mid-flight for tid 1
	ft.SetFaultSemas(func(owner thread.TID) *ksync.Semaphore {
		require.Equal(t, thread.TID(1), owner)
		return sema
	})

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		_, err := ft.GetFrame(2, 0x3000, true)
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("eviction must not proceed while the owner's fault semaphore is held")
	case <-time.After(20 * time.Millisecond):
	}

	sema.Up()
	wg.Wait()
	select {
	case <-done:
	default:
		t.Fatal("expected eviction to complete once the semaphore was released")
	}
}

func TestRemoveFramesOfSkipsNonEvictable(t *testing.T) {
	ft, pagedir, _, tables := newTestFrameTable(t, 2)
	tables[1] = NewSupplementalTable()

	f0, _ := ft.GetFrame(1, 0x1000, true)
	pagedir.Install(1, 0x1000, f0.Index, true)
	// Deliberately left Evictable=false (mid-install).

	f1, _ := ft.GetFrame(1, 0x2000, true)
	pagedir.Install(1, 0x2000, f1.Index, true)
	ft.MarkInstalled(f1)

	ft.RemoveFramesOf(1)
	require.Equal(t, 1, ft.InUse()) // f0 left in place, f1 freed
}
