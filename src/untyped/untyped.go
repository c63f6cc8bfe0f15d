// Package untyped implements component F: the Retype operation that
// turns a raw physical region into freshly constructed kernel objects
// (spec.md §4.F). Grounded on
// original_source/kernel/src/cap/invoke.rs's invoke_untyped/RETYPE
// arm for the per-object-kind construction switch (CNode/TCB/Endpoint/
// Frame/PageTable), with one deliberate divergence recorded in
// DESIGN.md: spec.md step 3 requires rolling the whole batch back on
// any failed insert, which the retrieved Rust fragment does not
// actually do; this package follows spec.md.
//
// An Untyped capability (spec.md §3: `Untyped{start, size}`) carries
// no handle of its own — like Frame and PageTable, it names physical
// memory directly. The "already_consumed" bump cursor spec.md's
// glossary describes therefore cannot live on the capability value (it
// is copied by value whenever minted or looked up); it is kept here in
// a package-level table keyed by the region's start address, which is
// stable for the region's lifetime since retype never produces further
// Untyped capabilities (not in its producible-kinds list).
package untyped

import (
	"sync"

	"addr"
	"boot"
	"captype"
	"cnode"
	"defs"
	"ipc"
	"pgtbl"
	"thread"
	"util"
)

var (
	mu       sync.Mutex
	consumed = map[addr.PhysAddr]uint64{}
)

// zeroRegion clears n bytes starting at pa, one page at a time, via
// the arena's byte view (spec.md §4.F step 2: "zero its bytes"). Only
// called for Frame/PageTable objects — CNode/Thread/Endpoint objects
// are realized as Go-side tables (captype's doc comment) whose
// constructors already return zero-valued structs, so there are no
// arena bytes of theirs left to clear.
func zeroRegion(a *boot.Arena, pa addr.PhysAddr, n uint64) {
	for off := uint64(0); off < n; off += addr.PageSize {
		b := a.Bytes(pa + addr.PhysAddr(off))
		for i := range b {
			b[i] = 0
		}
	}
}

// construct builds the type-specific header and capability for one
// freshly zeroed object at pa (spec.md §4.F step 2). objSizeBits is
// passed through verbatim for CNode (it names the CNode's own slot
// count log2, not a byte size).
func construct(a *boot.Arena, objType defs.ObjKind, pa addr.PhysAddr, objSizeBits uint) (captype.Capability, defs.Err_t) {
	switch objType {
	case defs.KindCNode:
		h, err := cnode.New(uint8(objSizeBits))
		if err != defs.SUCCESS {
			return captype.Empty(), err
		}
		return captype.CreateCNode(h, uint8(objSizeBits), defs.RightsAll), defs.SUCCESS

	case defs.KindThread:
		h := thread.New()
		return captype.CreateThread(h, defs.RightsAll), defs.SUCCESS

	case defs.KindEndpoint:
		h := ipc.New()
		return captype.CreateEndpoint(h, defs.RightsAll), defs.SUCCESS

	case defs.KindFrame:
		return captype.CreateFrame(pa, defs.RightsAll), defs.SUCCESS

	case defs.KindPageTable:
		pt := pgtbl.FromRoot(a, pa)
		return captype.CreatePageTable(pt.Root(), 2, defs.RightsAll), defs.SUCCESS

	default:
		return captype.Empty(), defs.INVALID_OBJ_TYPE
	}
}

// Retype implements spec.md §4.F's retype(type, obj_size_bits,
// n_objects, dest_cnode, dest_offset): it carves n objects of objType,
// each 1<<objSizeBits bytes, out of untypedCap's region starting at
// the region's current bump cursor, and inserts a capability for each
// into destCNode at consecutive slots from destOffset, linked into the
// CDT as a child of untypedCNode/untypedSlot — the untyped capability's
// own location — per step 2's `dest_cnode.insert_child(dest_offset+i,
// cap, untyped_slot_addr)`, so revoking or deleting the untyped slot
// later cascades to every object retyped from it (§CDT1). arena backs
// the physical bytes zeroed for each Frame and PageTable object (the
// Go-table-backed kinds touch no arena bytes).
func Retype(arena *boot.Arena, untypedCap captype.Capability, untypedCNode captype.Handle, untypedSlot int, objType defs.ObjKind, objSizeBits uint, n uint64, destCNode captype.Handle, destOffset int) defs.Err_t {
	if untypedCap.Kind != defs.KindUntyped {
		return defs.INVALID_OBJ_TYPE
	}
	if n == 0 {
		return defs.SUCCESS
	}
	objSize := uint64(1) << objSizeBits

	// Every object in a batch shares objSize, so aligning the batch's
	// start to objSize keeps each one naturally aligned — required for
	// Frame/PageTable objects, whose bytes are zeroed through the
	// arena's page-granular Bytes view, and harmless for the
	// Go-table-backed kinds (CNode/Thread/Endpoint) that never touch
	// arena bytes at all.
	mu.Lock()
	used := consumed[untypedCap.Paddr]
	start := util.Roundup(used, objSize)
	total := n * objSize
	if start > untypedCap.Size || total > untypedCap.Size-start {
		mu.Unlock()
		return defs.UNTYPED_OOM
	}
	mu.Unlock()

	needsArenaBytes := objType == defs.KindFrame || objType == defs.KindPageTable
	parent := cnode.SlotRef{CNode: untypedCNode, Slot: untypedSlot}

	filledSlots := make([]int, 0, n)
	rollback := func() {
		for _, slot := range filledSlots {
			_ = cnode.Delete(destCNode, slot)
		}
	}

	for i := uint64(0); i < n; i++ {
		objPaddr := untypedCap.Paddr + addr.PhysAddr(start) + addr.PhysAddr(i*objSize)
		if needsArenaBytes {
			zeroRegion(arena, objPaddr, objSize)
		}

		cap, err := construct(arena, objType, objPaddr, objSizeBits)
		if err != defs.SUCCESS {
			rollback()
			return err
		}

		slot := destOffset + int(i)
		if err := cnode.InsertChild(destCNode, slot, cap, parent); err != defs.SUCCESS {
			rollback()
			return defs.INVALID_SLOT
		}
		filledSlots = append(filledSlots, slot)
	}

	mu.Lock()
	consumed[untypedCap.Paddr] = start + total
	mu.Unlock()
	return defs.SUCCESS
}

// Remaining reports how many bytes of untypedCap's region have not yet
// been consumed by a prior Retype call.
func Remaining(untypedCap captype.Capability) uint64 {
	if untypedCap.Kind != defs.KindUntyped {
		return 0
	}
	mu.Lock()
	defer mu.Unlock()
	used := consumed[untypedCap.Paddr]
	if used >= untypedCap.Size {
		return 0
	}
	return untypedCap.Size - used
}
