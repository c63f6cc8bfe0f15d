// Package pgtbl implements component C: the three-level Sv39 page-table
// engine (walk/map/unmap/lookup/destroy/copy). Grounded on
// original_source/kernel/src/mem/{pagetable,pgtbl}.rs for the walk and
// permission-refinement algorithm, and on biscuit's mem.Pmap_t
// ([512]Pa_t reinterpreted from a raw page via unsafe.Pointer,
// biscuit/src/mem/mem.go's pg2pmap/Pg2bytes) for how a page-table page
// is viewed directly against its backing arena bytes rather than
// copied in and out.
package pgtbl

import (
	"unsafe"

	"addr"
	"boot"
	"defs"
)

// entriesPerTable is the number of PTE slots in one Sv39 table page.
const entriesPerTable = addr.PageSize / 8

// table is the [512]addr.PTE view of one physical page, laid directly
// over the arena's backing bytes the same way biscuit's pg2pmap casts
// a *Pg_t to a *Pmap_t.
type table [entriesPerTable]addr.PTE

// PageTable is a handle to an Sv39 root page table living inside an
// Arena. It carries no lock of its own; callers (vm.Vm_t-equivalent
// address-space owners, in this core the thread/sched packages) guard
// concurrent walks the way biscuit's Vm_t does with Lock_pmap.
type PageTable struct {
	arena *boot.Arena
	root  addr.PhysAddr
}

// New allocates a fresh, zeroed root table from the arena.
func New(a *boot.Arena) (*PageTable, defs.Err_t) {
	pa, err := a.Alloc(1)
	if err != defs.SUCCESS {
		return nil, err
	}
	return &PageTable{arena: a, root: pa}, defs.SUCCESS
}

// FromRoot wraps an already-allocated, already-zeroed page at root as
// a PageTable, for callers (untyped's Retype) that obtained the page
// from their own bump allocation rather than a.Alloc directly.
func FromRoot(a *boot.Arena, root addr.PhysAddr) *PageTable {
	return &PageTable{arena: a, root: root}
}

// Root returns the physical address of the root table page.
func (pt *PageTable) Root() addr.PhysAddr { return pt.root }

func (pt *PageTable) view(pa addr.PhysAddr) *table {
	return (*table)(unsafe.Pointer(&pt.arena.Bytes(pa)[0]))
}

// walk returns a pointer to the leaf-level PTE slot for va, allocating
// intermediate table pages along the way if alloc is true. A nil
// return with defs.SUCCESS means "no mapping and alloc was false";
// non-SUCCESS means an allocation failed or an intermediate level
// already holds a leaf (MAPPING_FAILED). va itself is not validated.
func (pt *PageTable) walk(va addr.VirtAddr, alloc bool) (*addr.PTE, defs.Err_t) {
	tbl := pt.view(pt.root)
	for level := 2; level >= 1; level-- {
		idx := va.VPN(level)
		e := tbl[idx]
		switch {
		case e.IsValid() && e.IsLeaf():
			return nil, defs.MAPPING_FAILED
		case e.IsValid():
			tbl = pt.view(e.Addr())
		case !alloc:
			return nil, defs.SUCCESS
		default:
			childPA, err := pt.arena.Alloc(1)
			if err != defs.SUCCESS {
				return nil, err
			}
			tbl[idx] = addr.EncodePTE(childPA, addr.PTE_V)
			tbl = pt.view(childPA)
		}
	}
	idx := va.VPN(0)
	return &tbl[idx], defs.SUCCESS
}

// Lookup returns the leaf PTE currently mapping va, if any.
func (pt *PageTable) Lookup(va addr.VirtAddr) (addr.PTE, bool) {
	e, err := pt.walk(va, false)
	if err != defs.SUCCESS || e == nil || !e.IsValid() {
		return 0, false
	}
	return *e, true
}

// Map installs a single-page mapping from va to pa with the given
// flags (PTE_V is added automatically). Mapping an already-mapped
// virtual address at the *same* physical page updates its flags in
// place (spec.md §4.C, resolved as an Open Question in DESIGN.md);
// mapping it to a different physical page fails.
func (pt *PageTable) Map(va addr.VirtAddr, pa addr.PhysAddr, flags addr.PTEFlags) defs.Err_t {
	va = va.PageRound()
	pa = pa.PageRound()

	e, err := pt.walk(va, true)
	if err != defs.SUCCESS {
		return err
	}
	if e.IsValid() {
		if !e.IsLeaf() || e.Addr() != pa {
			return defs.MAPPING_FAILED
		}
		*e = addr.EncodePTE(pa, flags|addr.PTE_V)
		return defs.SUCCESS
	}
	*e = addr.EncodePTE(pa, flags|addr.PTE_V)
	return defs.SUCCESS
}

// Unmap clears the mapping for va, returning the physical page it had
// mapped. Fails with MAPPING_FAILED if va had no leaf mapping.
func (pt *PageTable) Unmap(va addr.VirtAddr) (addr.PhysAddr, defs.Err_t) {
	va = va.PageRound()
	e, err := pt.walk(va, false)
	if err != defs.SUCCESS {
		return 0, err
	}
	if e == nil || !e.IsValid() || !e.IsLeaf() {
		return 0, defs.MAPPING_FAILED
	}
	pa := e.Addr()
	*e = 0
	return pa, defs.SUCCESS
}

// Destroy walks every level of the table and zeroes every leaf and
// intermediate entry it finds, mirroring
// original_source/kernel/src/mem/pagetable.rs's destroy_level. The
// underlying arena pages are not reclaimed (no free path; see
// boot.Arena's doc comment).
func (pt *PageTable) Destroy() {
	pt.destroyLevel(pt.root, 2)
}

func (pt *PageTable) destroyLevel(pa addr.PhysAddr, level int) {
	tbl := pt.view(pa)
	for i := range tbl {
		e := tbl[i]
		if !e.IsValid() {
			continue
		}
		if e.IsTable() && level > 0 {
			pt.destroyLevel(e.Addr(), level-1)
		}
		tbl[i] = 0
	}
}

// Copy deep-copies every leaf mapping into a freshly allocated
// destination table: user pages get freshly allocated and
// byte-for-byte duplicated backing pages, matching
// original_source/kernel/src/mem/pagetable.rs's copy. Kernel-executable,
// non-user leaves (X=1, U=0 — the trampoline per spec.md §4.C) are the
// one exception: copyLevel maps the same physical page into dst
// instead of allocating and duplicating it, so the trampoline PA stays
// identical between src and dst (spec.md §8 PT3).
func (pt *PageTable) Copy() (*PageTable, defs.Err_t) {
	dst, err := New(pt.arena)
	if err != defs.SUCCESS {
		return nil, err
	}
	if err := pt.copyLevel(pt.root, dst, 2, 0); err != defs.SUCCESS {
		return nil, err
	}
	return dst, defs.SUCCESS
}

func (pt *PageTable) copyLevel(srcPA addr.PhysAddr, dst *PageTable, level int, vaPrefix uint64) defs.Err_t {
	tbl := pt.view(srcPA)
	for i, e := range tbl {
		if !e.IsValid() {
			continue
		}
		idxVA := vaPrefix | uint64(i)<<(addr.PageShift+addr.VPNBits*level)
		if e.IsTable() {
			if err := pt.copyLevel(e.Addr(), dst, level-1, idxVA); err != defs.SUCCESS {
				return err
			}
			continue
		}
		va := addr.VirtAddr(idxVA)
		flags := e.Flags()
		if flags&addr.PTE_X != 0 && flags&addr.PTE_U == 0 {
			// Kernel-executable, non-user leaf: share the same
			// physical page rather than duplicating it.
			if err := dst.Map(va, e.Addr(), flags); err != defs.SUCCESS {
				return err
			}
			continue
		}
		newPA, err := pt.arena.Alloc(1)
		if err != defs.SUCCESS {
			return err
		}
		copy(dst.arena.Bytes(newPA), pt.arena.Bytes(e.Addr()))
		if err := dst.Map(va, newPA, flags); err != defs.SUCCESS {
			return err
		}
	}
	return defs.SUCCESS
}
