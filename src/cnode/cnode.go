// Package cnode implements component E: CNode slot tables and the
// per-slot Capability Derivation Tree (CDT) used for revoke/delete
// (spec.md §4.E). Grounded on
// original_source/kernel/src/cap/cnode.rs (CNodeHeader.ref_count,
// CDTNode parent/first_child/next_sibling/prev_sibling, Slot,
// insert_child's "add at head of parent's child list") — realized
// with package-level object tables and captype.Handle indices instead
// of raw physical pointers, per spec.md §9 / SPEC_FULL.md §0.
//
// original_source's invoke.rs calls cnode::delete_recursive and
// cnode::revoke_recursive but the retrieved fragment does not define
// either; Delete/Revoke below are built directly from spec.md §4.E's
// prose ("recursively revoke descendants via CDT, then overwrite slot
// with Empty") and §CDT1's invariant (every descendant slot ends up
// Empty, unlinked, visited exactly once).
package cnode

import (
	"sync"

	"captype"
	"defs"
	"limits"
)

// SlotRef names one slot of one CNode: the CNode's table handle plus
// a slot index within it. The zero value (CNode == captype.NoHandle)
// means "no such slot" — the CDT's root-level sentinel.
type SlotRef struct {
	CNode captype.Handle
	Slot  int
}

// Valid reports whether r actually names a slot.
func (r SlotRef) Valid() bool { return r.CNode != captype.NoHandle }

type cdtNode struct {
	parent      SlotRef
	firstChild  SlotRef
	nextSibling SlotRef
	prevSibling SlotRef
}

type slot struct {
	cap captype.Capability
	cdt cdtNode
}

// cnodeObj is one CNode's backing storage: a header (here, just the
// reference count) followed by 2^bits slots, exactly as
// original_source lays them out in one physical region — except this
// storage lives on the Go heap, not in the simulated arena, since
// nothing outside the kernel ever reads a CNode's bytes directly.
type cnodeObj struct {
	bits     uint8
	slots    []slot
	refcount int32
}

func (c *cnodeObj) size() int { return 1 << c.bits }

// All CNode mutation, including cross-CNode CDT links, is guarded by
// one package-level mutex — the same coarse-locking choice biscuit
// makes for its bump allocator (mem.Physmem_t embeds one sync.Mutex
// over the whole free-page index) rather than one lock per object,
// since CDT edges routinely span two different CNodes and a
// per-object lock would need an acquisition order to avoid deadlock.
var (
	mu    sync.Mutex
	table []*cnodeObj // handle h lives at index h-1; captype.NoHandle (0) is never issued
)

// New allocates a fresh CNode with 2^bits empty slots and returns its
// handle. bits must not exceed limits.MaxCNodeBits.
func New(bits uint8) (captype.Handle, defs.Err_t) {
	if bits > limits.MaxCNodeBits {
		return captype.NoHandle, defs.INVALID_SLOT
	}
	obj := &cnodeObj{
		bits:     bits,
		slots:    make([]slot, 1<<bits),
		refcount: 1,
	}
	mu.Lock()
	defer mu.Unlock()
	table = append(table, obj)
	return captype.Handle(len(table) - 1 + 1), defs.SUCCESS
}

func get(h captype.Handle) (*cnodeObj, defs.Err_t) {
	idx := int(h) - 1
	if idx < 0 || idx >= len(table) || table[idx] == nil {
		return nil, defs.INVALID_CAP
	}
	return table[idx], defs.SUCCESS
}

// Size returns the number of slots (2^bits) in the CNode at h.
func Size(h captype.Handle) (int, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()
	obj, err := get(h)
	if err != defs.SUCCESS {
		return 0, err
	}
	return obj.size(), defs.SUCCESS
}

// IncRef bumps the reference count of the CNode at h — called when a
// CNode capability referring to h is copied or minted into another
// slot.
func IncRef(h captype.Handle) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()
	obj, err := get(h)
	if err != defs.SUCCESS {
		return err
	}
	obj.refcount++
	return defs.SUCCESS
}

// decRef drops the reference count, releasing the CNode's slots once
// it reaches zero. Release has no backing storage to return (the Go
// heap reclaims it via garbage collection; there is no arena-level
// free path, matching boot.Arena's no-reclamation design).
func decRef(obj *cnodeObj) {
	obj.refcount--
	if obj.refcount <= 0 {
		obj.slots = nil
	}
}

// Lookup returns the capability in slot, or Empty if out of range or
// unoccupied.
func Lookup(h captype.Handle, slotIdx int) (captype.Capability, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()
	obj, err := get(h)
	if err != defs.SUCCESS {
		return captype.Empty(), err
	}
	if slotIdx < 0 || slotIdx >= obj.size() {
		return captype.Empty(), defs.INVALID_SLOT
	}
	return obj.slots[slotIdx].cap, defs.SUCCESS
}

// Insert installs cap into slot with no CDT parent — used for the
// root task's initial capabilities, which have no ancestor.
func Insert(h captype.Handle, slotIdx int, cap captype.Capability) defs.Err_t {
	return InsertChild(h, slotIdx, cap, SlotRef{})
}

// InsertChild installs cap into slot and links it into the CDT as the
// new head of parent's child list (spec.md §4.E: "add as head of
// parent's child list"), mirroring
// original_source/kernel/src/cap/cnode.rs's insert_child.
func InsertChild(h captype.Handle, slotIdx int, cap captype.Capability, parent SlotRef) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	obj, err := get(h)
	if err != defs.SUCCESS {
		return err
	}
	if slotIdx < 0 || slotIdx >= obj.size() {
		return defs.INVALID_SLOT
	}
	if obj.slots[slotIdx].cap.IsValid() {
		// spec.md §4.F step 3: "fail and roll back if any insert
		// fails (destination slot not Empty)" — clobbering an
		// occupied slot here would orphan its existing CDT children,
		// whose parent link would keep pointing at this slot after
		// its capability silently changed underneath them.
		return defs.INVALID_SLOT
	}

	self := SlotRef{CNode: h, Slot: slotIdx}
	node := cdtNode{parent: parent}

	if parent.Valid() {
		parentObj, err := get(parent.CNode)
		if err != defs.SUCCESS {
			return err
		}
		if parent.Slot < 0 || parent.Slot >= parentObj.size() {
			return defs.INVALID_SLOT
		}
		oldFirst := parentObj.slots[parent.Slot].cdt.firstChild
		node.nextSibling = oldFirst
		if oldFirst.Valid() {
			siblingObj, err := get(oldFirst.CNode)
			if err != defs.SUCCESS {
				return err
			}
			siblingObj.slots[oldFirst.Slot].cdt.prevSibling = self
		}
		parentObj.slots[parent.Slot].cdt.firstChild = self
	}

	obj.slots[slotIdx].cap = cap
	obj.slots[slotIdx].cdt = node
	return defs.SUCCESS
}

// unlinkFromParent removes ref from its parent's child list (and from
// its sibling links), leaving ref's own cdtNode untouched — callers
// clear ref's slot separately.
func unlinkFromParent(ref SlotRef, node cdtNode) defs.Err_t {
	if node.prevSibling.Valid() {
		prevObj, err := get(node.prevSibling.CNode)
		if err != defs.SUCCESS {
			return err
		}
		prevObj.slots[node.prevSibling.Slot].cdt.nextSibling = node.nextSibling
	} else if node.parent.Valid() {
		parentObj, err := get(node.parent.CNode)
		if err != defs.SUCCESS {
			return err
		}
		parentObj.slots[node.parent.Slot].cdt.firstChild = node.nextSibling
	}
	if node.nextSibling.Valid() {
		nextObj, err := get(node.nextSibling.CNode)
		if err != defs.SUCCESS {
			return err
		}
		nextObj.slots[node.nextSibling.Slot].cdt.prevSibling = node.prevSibling
	}
	return defs.SUCCESS
}

// revokeDescendants empties and unlinks every descendant of ref,
// visiting each exactly once (§CDT1), via a depth-first walk of the
// sibling lists. ref itself is left untouched — callers with the
// self-preserving semantics of revoke() stop here; delete() goes on
// to clear ref's own slot afterward.
func revokeDescendants(ref SlotRef) defs.Err_t {
	obj, err := get(ref.CNode)
	if err != defs.SUCCESS {
		return err
	}
	child := obj.slots[ref.Slot].cdt.firstChild
	for child.Valid() {
		childObj, err := get(child.CNode)
		if err != defs.SUCCESS {
			return err
		}
		next := childObj.slots[child.Slot].cdt.nextSibling

		if err := revokeDescendants(child); err != defs.SUCCESS {
			return err
		}
		if cap := childObj.slots[child.Slot].cap; cap.Kind == defs.KindCNode {
			if referenced, err := get(cap.Handle); err == defs.SUCCESS {
				decRef(referenced)
			}
		}
		childObj.slots[child.Slot].cap = captype.Empty()
		childObj.slots[child.Slot].cdt = cdtNode{}

		child = next
	}
	obj.slots[ref.Slot].cdt.firstChild = SlotRef{}
	return defs.SUCCESS
}

// Revoke deletes every descendant of slot via the CDT but leaves slot
// itself unchanged (spec.md §4.E, §CDT1).
func Revoke(h captype.Handle, slotIdx int) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	obj, err := get(h)
	if err != defs.SUCCESS {
		return err
	}
	if slotIdx < 0 || slotIdx >= obj.size() {
		return defs.INVALID_SLOT
	}
	return revokeDescendants(SlotRef{CNode: h, Slot: slotIdx})
}

// Delete recursively revokes slot's descendants and then overwrites
// slot itself with Empty, unlinking it from its own parent (spec.md
// §4.E).
func Delete(h captype.Handle, slotIdx int) defs.Err_t {
	mu.Lock()
	defer mu.Unlock()

	obj, err := get(h)
	if err != defs.SUCCESS {
		return err
	}
	if slotIdx < 0 || slotIdx >= obj.size() {
		return defs.INVALID_SLOT
	}
	self := SlotRef{CNode: h, Slot: slotIdx}
	if err := revokeDescendants(self); err != defs.SUCCESS {
		return err
	}

	node := obj.slots[slotIdx].cdt
	if err := unlinkFromParent(self, node); err != defs.SUCCESS {
		return err
	}
	if cap := obj.slots[slotIdx].cap; cap.Kind == defs.KindCNode {
		if referenced, err := get(cap.Handle); err == defs.SUCCESS {
			decRef(referenced)
		}
	}
	obj.slots[slotIdx].cap = captype.Empty()
	obj.slots[slotIdx].cdt = cdtNode{}
	return defs.SUCCESS
}
