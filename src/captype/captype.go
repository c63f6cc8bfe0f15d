// Package captype implements component D: the capability value itself
// — an object-kind tagged union plus a rights mask and an optional
// badge (spec.md §3, §4.D). Grounded on
// original_source/kernel/src/cap/{capability,captype}.rs: Capability's
// field set and its mint/copy/has_rights/can_invoke/can_grant methods,
// and CapType's per-kind constructors, map over close to verbatim.
//
// Where the original addresses a kernel object by raw pointer
// (tcb_ptr, ep_ptr, CNode paddr), this capability instead carries a
// Handle — an index into the owning package's object table (thread,
// ipc, cnode) — per spec.md §9's "arena + indices" realization for a
// memory-safe host language. Untyped/Frame/PageTable capabilities
// still carry a genuine addr.PhysAddr, since those really do name
// physical memory rather than a Go-side object.
package captype

import (
	"addr"
	"defs"
)

// Handle is an opaque index into a Go-side object table (the unexported
// table of package thread, ipc, or cnode), depending on the
// capability's Kind.
type Handle uint32

// NoHandle is the zero value, never a valid table index.
const NoHandle Handle = 0

// Capability is the kernel's unforgeable authority token (spec.md §3).
// Only the fields relevant to Kind are meaningful; callers switch on
// Kind before reading payload fields, exactly as the original's enum
// forces a match.
type Capability struct {
	Kind   defs.ObjKind
	Badge  *uint64
	Rights defs.Rights_t

	// Thread, Endpoint, Reply, CNode: a table handle.
	Handle Handle

	// Untyped, Frame: a physical address.
	Paddr addr.PhysAddr
	// Untyped: region length in bytes.
	Size uint64

	// PageTable: physical root/intermediate address and Sv39 level
	// (2, 1, or 0).
	Level int

	// CNode: 2^Bits slots.
	Bits uint8

	// IrqHandler: platform IRQ number.
	IRQ int
}

// Empty is the zero-value capability occupying a free slot.
func Empty() Capability { return Capability{Kind: defs.KindEmpty} }

// IsValid reports whether the capability refers to a real object.
func (c Capability) IsValid() bool { return c.Kind != defs.KindEmpty }

// HasRights reports whether c carries every bit set in required
// (spec.md §4.D: `has_rights(mask)` tests subset containment).
func (c Capability) HasRights(required defs.Rights_t) bool {
	return c.Rights.Has(required)
}

// CanInvoke reports whether c may be invoked, i.e. carries CALL.
func (c Capability) CanInvoke() bool { return c.HasRights(defs.CALL) }

// CanGrant reports whether c may be granted onward, i.e. carries
// GRANT.
func (c Capability) CanGrant() bool { return c.HasRights(defs.GRANT) }

// Copy produces a derived capability over the same object with rights
// narrowed to subset (spec.md §4.D, §CAP1: `copy(cap, subset).rights
// == cap.rights & subset`). The badge, if any, is preserved unchanged
// — copy never attaches a new one.
func (c Capability) Copy(subset defs.Rights_t) Capability {
	d := c
	d.Rights = c.Rights & subset
	return d
}

// Mint produces a derived capability over the same object with rights
// narrowed to subset and a badge attached: an existing badge wins over
// a newly supplied one (spec.md §4.D, §CAP1:
// `mint(cap, subset, b).badge == cap.badge.or(b)`).
func (c Capability) Mint(subset defs.Rights_t, badge *uint64) Capability {
	d := c.Copy(subset)
	if d.Badge == nil {
		d.Badge = badge
	}
	return d
}

// CreateUntyped builds an Untyped capability over [paddr, paddr+size).
func CreateUntyped(paddr addr.PhysAddr, size uint64, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindUntyped, Paddr: paddr, Size: size, Rights: rights}
}

// CreateThread builds a Thread capability referring to the TCB at h.
func CreateThread(h Handle, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindThread, Handle: h, Rights: rights}
}

// CreateEndpoint builds an Endpoint capability referring to the
// endpoint at h.
func CreateEndpoint(h Handle, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindEndpoint, Handle: h, Rights: rights}
}

// CreateReply builds a one-shot Reply capability referring to the
// caller TCB awaiting reply at h.
func CreateReply(h Handle, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindReply, Handle: h, Rights: rights}
}

// CreateFrame builds a Frame capability over the physical page at
// paddr.
func CreateFrame(paddr addr.PhysAddr, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindFrame, Paddr: paddr, Rights: rights}
}

// CreatePageTable builds a PageTable capability for the table page at
// paddr, at Sv39 level.
func CreatePageTable(paddr addr.PhysAddr, level int, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindPageTable, Paddr: paddr, Level: level, Rights: rights}
}

// CreateCNode builds a CNode capability referring to the CNode at h,
// sized 2^bits slots.
func CreateCNode(h Handle, bits uint8, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindCNode, Handle: h, Bits: bits, Rights: rights}
}

// CreateIrqHandler builds an IrqHandler capability for platform IRQ
// irq.
func CreateIrqHandler(irq int, rights defs.Rights_t) Capability {
	return Capability{Kind: defs.KindIrqHandler, IRQ: irq, Rights: rights}
}
