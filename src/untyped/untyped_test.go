package untyped

import (
	"testing"

	"addr"
	"boot"
	"captype"
	"cnode"
	"defs"
	"thread"
)

func TestRetypeProducesUsableThread(t *testing.T) {
	// Grounded on spec.md scenario 1: Untyped(size >= 2 pages), retype
	// one TCB at obj_size_bits=10, expect a Thread cap with a zeroed,
	// Inactive TCB and the untyped cursor advanced by 1024 bytes.
	arena := boot.NewArena(0x90000000, 4)
	untypedCap := captype.CreateUntyped(0x90000000, 2*addr.PageSize, defs.RightsAll)
	untypedCNode, _ := cnode.New(2)
	cnode.Insert(untypedCNode, 0, untypedCap)
	destCNode, _ := cnode.New(4)

	if err := Retype(arena, untypedCap, untypedCNode, 0, defs.KindThread, 10, 1, destCNode, 10); err != defs.SUCCESS {
		t.Fatalf("Retype: %v", err)
	}

	got, err := cnode.Lookup(destCNode, 10)
	if err != defs.SUCCESS {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Kind != defs.KindThread {
		t.Fatalf("expected a Thread capability, got %v", got.Kind)
	}
	tcb := thread.Get(got.Handle)
	if tcb == nil || tcb.GetState() != thread.Inactive {
		t.Errorf("retyped TCB should start Inactive")
	}
	if Remaining(untypedCap) != 2*addr.PageSize-1024 {
		t.Errorf("cursor should have advanced by 1024 bytes, remaining = %d", Remaining(untypedCap))
	}

	// spec.md §4.F step 2's insert_child: the retyped object must be
	// registered as a CDT child of the untyped slot it came from, so
	// revoking that slot cascades (§CDT1).
	if err := cnode.Revoke(untypedCNode, 0); err != defs.SUCCESS {
		t.Fatalf("Revoke: %v", err)
	}
	if child, _ := cnode.Lookup(destCNode, 10); child.IsValid() {
		t.Errorf("retyped Thread cap should have been revoked along with its parent untyped, got %v", child)
	}
}

func TestRetypeOOMWhenRegionExhausted(t *testing.T) {
	arena := boot.NewArena(0x91000000, 1)
	untypedCap := captype.CreateUntyped(0x91000000, addr.PageSize, defs.RightsAll)
	destCNode, _ := cnode.New(2)

	if err := Retype(arena, untypedCap, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 2, destCNode, 0); err != defs.UNTYPED_OOM {
		t.Fatalf("expected UNTYPED_OOM for 2 pages out of a 1-page region, got %v", err)
	}
}

func TestRetypeRollsBackWholeBatchOnFailedInsert(t *testing.T) {
	// destCNode has only 2 slots; asking for 3 frames at offset 0 must
	// fail on the third insert and undo the first two (spec.md §4.F
	// step 3, diverging from the original fragment per DESIGN.md).
	arena := boot.NewArena(0x92000000, 8)
	untypedCap := captype.CreateUntyped(0x92000000, 8*addr.PageSize, defs.RightsAll)
	destCNode, _ := cnode.New(1) // 2 slots

	if err := Retype(arena, untypedCap, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 3, destCNode, 0); err != defs.INVALID_SLOT {
		t.Fatalf("expected INVALID_SLOT, got %v", err)
	}

	for i := 0; i < 2; i++ {
		got, _ := cnode.Lookup(destCNode, i)
		if got.IsValid() {
			t.Errorf("slot %d should have been rolled back to Empty, got %v", i, got.Kind)
		}
	}
	if Remaining(untypedCap) != 8*addr.PageSize {
		t.Errorf("a rolled-back retype must not advance the cursor, remaining = %d", Remaining(untypedCap))
	}
}

// TestRetypeRollsBackWhenDestinationSlotOccupied covers the other half
// of spec.md §4.F step 3's "destination slot not Empty" failure mode:
// unlike TestRetypeRollsBackWholeBatchOnFailedInsert (an out-of-range
// slot index), here every destination slot is in range but the second
// one is already occupied by an unrelated live capability, which must
// still cause cnode.InsertChild to fail and the whole batch to roll
// back rather than clobbering it.
func TestRetypeRollsBackWhenDestinationSlotOccupied(t *testing.T) {
	arena := boot.NewArena(0x95000000, 8)
	untypedCap := captype.CreateUntyped(0x95000000, 8*addr.PageSize, defs.RightsAll)
	destCNode, _ := cnode.New(2) // 4 slots

	occupant := captype.CreateEndpoint(captype.Handle(1), defs.RightsAll)
	if err := cnode.Insert(destCNode, 1, occupant); err != defs.SUCCESS {
		t.Fatalf("Insert occupant: %v", err)
	}

	if err := Retype(arena, untypedCap, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 2, destCNode, 0); err != defs.INVALID_SLOT {
		t.Fatalf("expected INVALID_SLOT, got %v", err)
	}

	if got, _ := cnode.Lookup(destCNode, 0); got.IsValid() {
		t.Errorf("slot 0 should have been rolled back to Empty, got %v", got.Kind)
	}
	if got, _ := cnode.Lookup(destCNode, 1); got.Kind != defs.KindEndpoint {
		t.Errorf("the pre-existing occupant at slot 1 must survive untouched, got %v", got.Kind)
	}
	if Remaining(untypedCap) != 8*addr.PageSize {
		t.Errorf("a rolled-back retype must not advance the cursor, remaining = %d", Remaining(untypedCap))
	}
}

func TestRetypeAdvancesCursorAcrossCalls(t *testing.T) {
	arena := boot.NewArena(0x93000000, 4)
	untypedCap := captype.CreateUntyped(0x93000000, 4*addr.PageSize, defs.RightsAll)
	destCNode, _ := cnode.New(4)

	if err := Retype(arena, untypedCap, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 1, destCNode, 0); err != defs.SUCCESS {
		t.Fatalf("first Retype: %v", err)
	}
	first, _ := cnode.Lookup(destCNode, 0)

	if err := Retype(arena, untypedCap, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 1, destCNode, 1); err != defs.SUCCESS {
		t.Fatalf("second Retype: %v", err)
	}
	second, _ := cnode.Lookup(destCNode, 1)

	if first.Paddr == second.Paddr {
		t.Errorf("successive retypes from the same region must not alias: both got %#x", first.Paddr)
	}
	if second.Paddr != first.Paddr+addr.PageSize {
		t.Errorf("second object should immediately follow the first: got %#x, want %#x", second.Paddr, first.Paddr+addr.PageSize)
	}
}

func TestRetypeRejectsNonUntypedCap(t *testing.T) {
	arena := boot.NewArena(0x94000000, 1)
	destCNode, _ := cnode.New(1)
	notUntyped := captype.CreateFrame(0x94000000, defs.RightsAll)

	if err := Retype(arena, notUntyped, captype.NoHandle, 0, defs.KindFrame, addr.PageShift, 1, destCNode, 0); err != defs.INVALID_OBJ_TYPE {
		t.Fatalf("expected INVALID_OBJ_TYPE, got %v", err)
	}
}
