// Package boot implements component B: the boot-time physical memory
// allocator. It realizes spec.md §9's "arena + indices" option
// directly — physical memory is a simulated byte slice, and pages
// handed out are identified by their PhysAddr into that slice. Grounded
// on biscuit's mem.Physmem_t (biscuit/src/mem/mem.go), which embeds a
// sync.Mutex and a bump-style free index over a Pgs []Physpg_t table;
// this allocator drops Physmem_t's free-list/refcount half (spec.md
// names no reclamation path for the boot allocator) and keeps the pure
// bump-cursor half, per original_source/kernel/src/mem/pmem.rs.
package boot

import (
	"sync"

	"addr"
	"defs"
)

// Arena is the simulated physical address space: one contiguous byte
// slice, handed out page by page from a monotonically increasing
// cursor. There is no free path — spec.md's boot allocator is
// consumed once, during root-task construction, and never needs to
// give memory back.
type Arena struct {
	mu     sync.Mutex
	base   addr.PhysAddr
	bytes  []byte
	cursor uint64 // pages allocated so far
}

// NewArena builds a simulated arena of npages pages starting at base.
// base must already be page-aligned; callers (cmd/kernel) choose it.
func NewArena(base addr.PhysAddr, npages uint64) *Arena {
	return &Arena{
		base:  base,
		bytes: make([]byte, npages*addr.PageSize),
	}
}

// NumPages returns the total page capacity of the arena.
func (a *Arena) NumPages() uint64 {
	return uint64(len(a.bytes)) / addr.PageSize
}

// Alloc bumps the cursor by n pages and returns the physical address
// of the first one, zeroing the whole region before handing it back —
// matching spec.md §4.B's "freshly handed-out memory is always
// zeroed" invariant (PT1 in §8).
func (a *Arena) Alloc(n uint64) (addr.PhysAddr, defs.Err_t) {
	if n == 0 {
		return 0, defs.INVALID_SLOT
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.NumPages()
	if a.cursor+n > total {
		return 0, defs.UNTYPED_OOM
	}
	start := a.cursor
	a.cursor += n

	off := start * addr.PageSize
	length := n * addr.PageSize
	for i := range a.bytes[off : off+length] {
		a.bytes[off+uint64(i)] = 0
	}
	return a.base + addr.PhysAddr(off), defs.SUCCESS
}

// Remaining reports how many pages are still available.
func (a *Arena) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.NumPages() - a.cursor
}

// Bytes returns the backing byte slice for the page at pa, sized to
// exactly one page. Panics (a programmer error, not a runtime
// condition) if pa is not a page-aligned address inside the arena —
// every caller first obtained pa from Alloc or a page-table walk.
func (a *Arena) Bytes(pa addr.PhysAddr) []byte {
	if pa < a.base {
		panic("boot: address below arena base")
	}
	off := uint64(pa - a.base)
	if off%addr.PageSize != 0 {
		panic("boot: unaligned page address")
	}
	if off+addr.PageSize > uint64(len(a.bytes)) {
		panic("boot: address above arena extent")
	}
	return a.bytes[off : off+addr.PageSize]
}

// Contains reports whether pa lies within the arena's extent.
func (a *Arena) Contains(pa addr.PhysAddr) bool {
	if pa < a.base {
		return false
	}
	return uint64(pa-a.base) < uint64(len(a.bytes))
}

// Base returns the arena's starting physical address.
func (a *Arena) Base() addr.PhysAddr { return a.base }
