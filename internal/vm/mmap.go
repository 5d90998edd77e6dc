package vm

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/diskio"
	"github.com/joeycumines/go-kerncore/internal/kerr"
	"github.com/joeycumines/go-kerncore/internal/thread"
)

// MapID identifies one memory mapping, monotonic per owning thread
// (spec.md §4.7).
type MapID int

// Mapping is one mmap record: the file, base address, byte size, and the
// contiguous run of supplemental entries it installed.
type Mapping struct {
	ID       MapID
	File     BackingFile
	Base     uintptr
	ByteSize int64
	pages    []uintptr
	closed   bool
}

// MmapTable tracks one thread's mappings (spec.md §3: mapid, file,
// base_vaddr, byte_size plus its generated supplemental entries).
type MmapTable struct {
	mu      sync.Mutex
	nextID  MapID
	entries map[MapID]*Mapping
}

// NewMmapTable returns an empty mapping table.
func NewMmapTable() *MmapTable {
	return &MmapTable{nextID: 1, entries: make(map[MapID]*Mapping)}
}

// overlaps reports whether [base, base+size) intersects any existing,
// still-open mapping's range (spec.md §4.7 precondition).
func (t *MmapTable) overlaps(base uintptr, size int64) bool {
	for _, m := range t.entries {
		if m.closed {
			continue
		}
		if base < m.Base+uintptr(m.ByteSize) && m.Base < base+uintptr(size) {
			return true
		}
	}
	return false
}

// Mmap validates and installs a memory mapping (spec.md §4.7): fd must
// not be stdin/stdout, addr must be non-zero and page-aligned, the file
// must be non-empty, and the resulting range must not overlap an
// existing mapping or the code/data segment. It installs one File-kind
// supplemental entry per page and returns the new mapid.
func Mmap(sup *SupplementalTable, table *MmapTable, fd int, addr uintptr, file BackingFile, fileLength int64, codeSegmentMax uintptr) (MapID, error) {
	if fd == 0 || fd == 1 {
		return 0, kerr.ErrInvalidMmap
	}
	if addr == 0 || addr%diskio.PageSize != 0 {
		return 0, kerr.ErrInvalidMmap
	}
	if fileLength <= 0 {
		return 0, kerr.ErrInvalidMmap
	}

	table.mu.Lock()
	if table.overlaps(addr, fileLength) || addr < codeSegmentMax {
		table.mu.Unlock()
		return 0, kerr.ErrInvalidMmap
	}
	id := table.nextID
	table.nextID++
	table.mu.Unlock()

	m := &Mapping{ID: id, File: file, Base: addr, ByteSize: fileLength}

	remaining := fileLength
	for i := uintptr(0); int64(i) < fileLength; i += diskio.PageSize {
		readBytes := int64(diskio.PageSize)
		if remaining < int64(diskio.PageSize) {
			readBytes = remaining
		}
		vaddr := addr + i
		sup.Put(&PageEntry{
			UserVaddr: vaddr,
			Writable:  true,
			Kind:      KindFile,
			File:      file,
			Offset:    int64(i),
			ReadBytes: int(readBytes),
			ZeroBytes: diskio.PageSize - int(readBytes),
		})
		m.pages = append(m.pages, vaddr)
		remaining -= readBytes
	}

	table.mu.Lock()
	table.entries[id] = m
	table.mu.Unlock()

	return id, nil
}

// Munmap walks mapid's pages: for any still resident in a frame, writes
// back the dirty ones via the mapping's file, clears the page-table
// mapping, and frees the frame; every page's supplemental entry is
// removed either way. Finally the reopened file handle is closed and the
// mapping record is dropped. Idempotent (P7): a second call on an
// already-unmapped id is a no-op.
func Munmap(owner thread.TID, sup *SupplementalTable, table *MmapTable, pagedir PageDirectory, frames *FrameTable, mapid MapID, closeFile func(BackingFile) error) error {
	table.mu.Lock()
	m, ok := table.entries[mapid]
	if !ok || m.closed {
		table.mu.Unlock()
		return nil
	}
	m.closed = true
	table.mu.Unlock()

	for _, vaddr := range m.pages {
		entry, hasEntry := sup.Get(vaddr)
		if f, resident := frames.FindOwned(owner, vaddr); resident {
			if pagedir.IsDirty(owner, vaddr) && hasEntry {
				if _, err := entry.File.WriteAt(f.Data[:entry.ReadBytes], entry.Offset); err != nil {
					return kerr.Wrap("vm.Munmap: write-back failed", kerr.ErrIOFailure)
				}
			}
			pagedir.Clear(owner, vaddr)
			frames.FreeFrame(f)
		}
		sup.Remove(vaddr)
	}

	if closeFile != nil {
		return closeFile(m.File)
	}
	return nil
}
