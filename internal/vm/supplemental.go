package vm

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/swap"
)

// Kind tags how a supplemental entry's backing content is found
// (spec.md §4.5).
type Kind int

const (
	// KindExec is a read-only or writable executable/data segment page,
	// loaded from a file at process start.
	KindExec Kind = iota
	// KindFile is a memory-mapped-file page.
	KindFile
	// KindSwap is an anonymous page currently resident in the swap area.
	KindSwap
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "Exec"
	case KindFile:
		return "File"
	case KindSwap:
		return "Swap"
	default:
		return "Unknown"
	}
}

// BackingFile is the minimal file contract a supplemental entry needs for
// Exec/File-kind loads and mmap write-back (spec.md §6: file_read_at,
// file_write_at).
type BackingFile interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
}

// PageEntry is one supplemental page-table record (spec.md §3).
type PageEntry struct {
	UserVaddr uintptr
	Writable  bool
	Kind      Kind

	// Exec/File fields.
	File      BackingFile
	Offset    int64
	ReadBytes int
	ZeroBytes int

	// Swap field.
	Slot swap.Slot
}

// SupplementalTable is one thread's record of where each of its virtual
// pages not currently mapped lives (spec.md §4.5), keyed by a hash of the
// virtual address per SPEC_FULL.md §D item 5 (original_source/pintos
// vm/page.c uses a hash table, not a list).
type SupplementalTable struct {
	mu      sync.Mutex
	entries map[uintptr]*PageEntry
}

// NewSupplementalTable returns an empty table.
func NewSupplementalTable() *SupplementalTable {
	return &SupplementalTable{entries: make(map[uintptr]*PageEntry)}
}

// Get returns the entry for vaddr, if any.
func (s *SupplementalTable) Get(vaddr uintptr) (*PageEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[vaddr]
	return e, ok
}

// Put installs entry, replacing any existing record for the same vaddr (a
// page has at most one entry per owner, spec.md §3).
func (s *SupplementalTable) Put(entry *PageEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.UserVaddr] = entry
}

// Remove deletes the entry for vaddr, if present.
func (s *SupplementalTable) Remove(vaddr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, vaddr)
}

// Destroy drains the table on thread exit (spec.md §4.5): Swap entries
// free their backing slot via area; every entry is removed.
func (s *SupplementalTable) Destroy(area *swap.Area) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for vaddr, e := range s.entries {
		if e.Kind == KindSwap {
			area.FreeSlot(e.Slot)
		}
		delete(s.entries, vaddr)
	}
}

// Len reports the number of live entries, for diagnostics/tests.
func (s *SupplementalTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
