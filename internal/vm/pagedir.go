// Package vm implements demand-paged virtual memory (spec.md §4.4, §4.5,
// §4.7): the global frame table, per-thread supplemental page tables, and
// memory-mapped files.
package vm

import (
	"sync"

	"github.com/joeycumines/go-kerncore/internal/thread"
)

// PageDirectory is the map/unmap/dirty/accessed-bit primitive spec.md §1
// lists as an external collaborator (out of scope: "the page-directory
// primitive"). kerncore still needs something concrete to drive the
// eviction algorithm against in tests, so PageDirectory is simulated
// in-memory rather than backed by a real MMU — the frame table only ever
// talks to it through this interface, so a future real implementation
// is a drop-in replacement.
type PageDirectory interface {
	Install(owner thread.TID, vaddr uintptr, frame int, writable bool)
	Clear(owner thread.TID, vaddr uintptr)
	IsDirty(owner thread.TID, vaddr uintptr) bool
	IsAccessed(owner thread.TID, vaddr uintptr) bool
	ClearAccessed(owner thread.TID, vaddr uintptr)
	SetDirty(owner thread.TID, vaddr uintptr, dirty bool)
}

type pteKey struct {
	owner thread.TID
	vaddr uintptr
}

type pte struct {
	frame    int
	writable bool
	dirty    bool
	accessed bool
}

// SimplePageDirectory is the in-memory PageDirectory used by kerncore's
// own tests and its reference Kernel wiring.
type SimplePageDirectory struct {
	mu      sync.Mutex
	entries map[pteKey]*pte
}

// NewSimplePageDirectory returns an empty simulated page directory.
func NewSimplePageDirectory() *SimplePageDirectory {
	return &SimplePageDirectory{entries: make(map[pteKey]*pte)}
}

func (p *SimplePageDirectory) Install(owner thread.TID, vaddr uintptr, frame int, writable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[pteKey{owner, vaddr}] = &pte{frame: frame, writable: writable, accessed: true}
}

func (p *SimplePageDirectory) Clear(owner thread.TID, vaddr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, pteKey{owner, vaddr})
}

func (p *SimplePageDirectory) IsDirty(owner thread.TID, vaddr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[pteKey{owner, vaddr}]; ok {
		return e.dirty
	}
	return false
}

func (p *SimplePageDirectory) IsAccessed(owner thread.TID, vaddr uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[pteKey{owner, vaddr}]; ok {
		return e.accessed
	}
	return false
}

func (p *SimplePageDirectory) ClearAccessed(owner thread.TID, vaddr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[pteKey{owner, vaddr}]; ok {
		e.accessed = false
	}
}

func (p *SimplePageDirectory) SetDirty(owner thread.TID, vaddr uintptr, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[pteKey{owner, vaddr}]; ok {
		e.dirty = dirty
	}
}
