package vm

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/kmetrics"
	"github.com/joeycumines/go-kerncore/internal/ksync"
	"github.com/joeycumines/go-kerncore/internal/swap"
	"github.com/joeycumines/go-kerncore/internal/thread"
)

// Frame is one physical frame-pool slot (spec.md §3).
type Frame struct {
	Index      int
	Owner      thread.TID
	UserVaddr  uintptr
	Writable   bool
	Evictable  bool
	LastAccess int64
	Data       [diskio.PageSize]byte
}

// TableLookup resolves a thread's supplemental table, used by the frame
// table to find the victim's owner's table during eviction. Threads
// without a user address space (kernel-only) have none.
type TableLookup func(owner thread.TID) (*SupplementalTable, bool)

// FrameTable is the global physical frame pool with enhanced-second-chance
// eviction (spec.md §4.4), grounded on the clock cursor pattern in the
// teacher's registry.go Scavenge (a moving head over a fixed-size slice,
// advanced past whatever it just decided about).
type FrameTable struct {
	mu      sync.Mutex
	frames  []*Frame // nil entries are free physical slots
	cursor  int
	pagedir PageDirectory
	area    *swap.Area
	tables  TableLookup
	clock   func() int64
	metrics *kmetrics.Counters
	// faultSemas resolves a thread's page-fault semaphore (spec.md §4.9
	// lock order: "page-fault semaphore of owner → frame-table lock").
	// evict takes victim.Owner's semaphore around the pagedir-clear /
	// write-back pair (spec.md line 136); nil disables the gating, e.g.
	// in tests that exercise eviction without a scheduler.
	faultSemas func(owner thread.TID) *ksync.Semaphore
}

// SetMetrics installs an optional counters target; evictions increment
// FrameEvictions. Nil (the default) disables instrumentation.
func (ft *FrameTable) SetMetrics(m *kmetrics.Counters) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.metrics = m
}

// SetFaultSemas installs the per-owner page-fault semaphore lookup evict
// uses to serialize against concurrent eviction of the same owner's other
// frames (spec.md §4.9). Nil (the default) disables the gating.
func (ft *FrameTable) SetFaultSemas(f func(owner thread.TID) *ksync.Semaphore) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.faultSemas = f
}

// NewFrameTable constructs a frame table with capacity physical frames.
func NewFrameTable(capacity int, pagedir PageDirectory, area *swap.Area, tables TableLookup, clock func() int64) *FrameTable {
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	return &FrameTable{
		frames:  make([]*Frame, capacity),
		pagedir: pagedir,
		area:    area,
		tables:  tables,
		clock:   clock,
	}
}

// Capacity returns the total number of physical frames.
func (ft *FrameTable) Capacity() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

// InUse reports the number of currently occupied frames, for tests.
func (ft *FrameTable) InUse() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, f := range ft.frames {
		if f != nil {
			n++
		}
	}
	return n
}

// GetFrame is the only allocation entry point (spec.md §4.4): it returns a
// zeroed frame assigned to (owner, vaddr, writable), evicting another
// frame first if the pool is exhausted.
func (ft *FrameTable) GetFrame(owner thread.TID, vaddr uintptr, writable bool) (*Frame, error) {
	ft.mu.Lock()
	for i, f := range ft.frames {
		if f == nil {
			frame := &Frame{Index: i, Owner: owner, UserVaddr: vaddr, Writable: writable, Evictable: false, LastAccess: ft.clock()}
			ft.frames[i] = frame
			ft.mu.Unlock()
			return frame, nil
		}
	}

	victim, err := ft.chooseVictim()
	if err != nil {
		ft.mu.Unlock()
		return nil, err
	}
	ft.mu.Unlock()

	if err := ft.evict(victim); err != nil {
		return nil, err
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	victim.Owner = owner
	victim.UserVaddr = vaddr
	victim.Writable = writable
	victim.Evictable = false
	victim.LastAccess = ft.clock()
	victim.Data = [diskio.PageSize]byte{}
	return victim, nil
}

// chooseVictim runs the enhanced-second-chance sweep (spec.md §4.4):
// starting at the cursor, skip non-evictable frames without touching
// their accessed bit; for an evictable frame, accept it if its accessed
// bit is clear, otherwise clear the bit and keep sweeping. Must be called
// with ft.mu held; the cursor is advanced past the chosen victim.
func (ft *FrameTable) chooseVictim() (*Frame, error) {
	n := len(ft.frames)
	for i := 0; i < 2*n; i++ {
		idx := (ft.cursor + i) % n
		f := ft.frames[idx]
		if f == nil || !f.Evictable {
			continue
		}
		if !ft.pagedir.IsAccessed(f.Owner, f.UserVaddr) {
			ft.cursor = (idx + 1) % n
			f.Evictable = false
			return f, nil
		}
		ft.pagedir.ClearAccessed(f.Owner, f.UserVaddr)
	}
	return nil, kerr.ErrOutOfMemory
}

// evict performs the write-back-or-swap-out decision for victim (spec.md
// §4.4 step 3) and clears its page-table mapping. victim.Evictable is
// already false (chooseVictim's caller-visible contract).
func (ft *FrameTable) evict(victim *Frame) error {
	ft.mu.Lock()
	m := ft.metrics
	faultSemas := ft.faultSemas
	ft.mu.Unlock()
	if m != nil {
		m.FrameEvictions.Add(1)
	}

	var sema *ksync.Semaphore
	if faultSemas != nil {
		sema = faultSemas(victim.Owner)
	}
	if sema != nil {
		sema.Down(victim.Owner)
		defer sema.Up()
	}

	table, hasTable := ft.tables(victim.Owner)
	var entry *PageEntry
	var found bool
	if hasTable {
		entry, found = table.Get(victim.UserVaddr)
	}

	switch {
	case found && entry.Kind != KindSwap:
		if ft.pagedir.IsDirty(victim.Owner, victim.UserVaddr) && victim.Writable {
			if _, err := entry.File.WriteAt(victim.Data[:entry.ReadBytes], entry.Offset); err != nil {
				return kerr.Wrap("vm.FrameTable.evict: write-back failed", kerr.ErrIOFailure)
			}
		}
		// else: discard, the file already holds the clean content.
	default:
		slot, err := ft.area.WriteSwap(victim.Data[:])
		if err != nil {
			return err
		}
		if hasTable {
			table.Put(&PageEntry{UserVaddr: victim.UserVaddr, Writable: victim.Writable, Kind: KindSwap, Slot: slot})
		}
	}

	ft.pagedir.Clear(victim.Owner, victim.UserVaddr)
	return nil
}

// FindOwned returns the frame currently mapping (owner, vaddr), if any.
func (ft *FrameTable) FindOwned(owner thread.TID, vaddr uintptr) (*Frame, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, f := range ft.frames {
		if f != nil && f.Owner == owner && f.UserVaddr == vaddr {
			return f, true
		}
	}
	return nil, false
}

// FreeFrame unconditionally releases f back to the free pool, used by
// Munmap and by a thread's own exit path rather than the eviction sweep.
func (ft *FrameTable) FreeFrame(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if f.Index >= 0 && f.Index < len(ft.frames) && ft.frames[f.Index] == f {
		ft.frames[f.Index] = nil
	}
}

// RemoveFramesOf frees every evictable frame owned by t (spec.md §4.4):
// non-evictable frames are left, since another thread is mid-eviction of
// them and will free them when that completes.
func (ft *FrameTable) RemoveFramesOf(t thread.TID) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for i, f := range ft.frames {
		if f != nil && f.Owner == t && f.Evictable {
			ft.frames[i] = nil
		}
	}
}

// MarkInstalled transitions a freshly allocated frame to Evictable=true
// once its owner has finished installing the mapping (spec.md §4.4
// lifecycle: Allocated(evictable=false) → InUse(evictable=true)).
func (ft *FrameTable) MarkInstalled(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f.Evictable = true
}

// Touch records an access to f, used to seed LastAccess-based cursor
// bootstrap ordering (spec.md §4.4: "starting cursor after bootstrap is
// the least-recently-accessed frame").
func (ft *FrameTable) Touch(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f.LastAccess = ft.clock()
}

// BootstrapCursor positions the victim cursor at the least-recently
// accessed frame (tie-break: list order), per spec.md §4.4.
func (ft *FrameTable) BootstrapCursor() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	best := -1
	for i, f := range ft.frames {
		if f == nil {
			continue
		}
		if best == -1 || f.LastAccess < ft.frames[best].LastAccess {
			best = i
		}
	}
	if best != -1 {
		ft.cursor = best
	}
}
