// Package roottask implements component M: the launcher that turns a
// parsed initrd root-task image into a schedulable thread (spec.md
// §4.M). Grounded on original_source/kernel/src/proc/{roottask,elf,
// payload}.rs: roottask::init's five-step allocate/map/populate/
// configure/resume sequence and elf.rs's ElfFile::map — realized here
// with the standard library's debug/elf in place of original_source's
// hand-rolled Elf64Ehdr/Elf64Phdr structs, the same way biscuit's
// kernel/chentry.go treats an ELF image as an ordinary Go data
// structure instead of a raw byte walk.
//
// original_source/kernel/src/proc/roottask.rs's populate_root_cnode
// ends in unimplemented!() for the MMIO/IRQ slots; this package
// completes what that fragment only sketched, following spec.md §4.M
// step 3's explicit slot layout instead.
package roottask

import (
	"bytes"
	"debug/elf"
	"io"

	"addr"
	"boot"
	"captype"
	"cnode"
	"defs"
	"diag"
	"klog"
	"pgtbl"
	"sched"
	"thread"
)

// Fixed slot indices in the root CNode (spec.md §4.M step 3).
const (
	CSpaceSlot   = 0
	VSpaceSlot   = 1
	TCBSlot      = 2
	UTCBSlot     = 3
	MemSlot      = 4
	MMIOSlotBase = 5
)

// UTCBVA and UserStackVA are fixed user addresses near the top of the
// Sv39 address space — real hardware would get these from a linker
// script; this simulated core just reserves the last two pages.
const (
	UTCBVA      = addr.VirtAddr(addr.SvMaxVirt - addr.PageSize)
	UserStackVA = addr.VirtAddr(addr.SvMaxVirt - 2*addr.PageSize)
)

// MMIORegion names one device's physical extent, granted to the root
// task as a raw Untyped capability (spec.md §4.M step 3, slot 5).
type MMIORegion struct {
	Name string
	Base addr.PhysAddr
	Size uint64
}

// Config replaces the DTB parse spec.md §6 describes (out of scope for
// a hosted Go binary; see SPEC_FULL.md §1's ambient Configuration
// section) with an explicit struct the boot wiring in cmd/kernel
// builds directly.
type Config struct {
	CNodeBits    uint8
	MMIORegions  []MMIORegion
	PlatformIRQs int
}

// DefaultConfig is a minimal configuration for callers that only need
// to exercise the launcher's core path: an 8-bit CNode, no MMIO
// regions, no platform IRQs.
func DefaultConfig() Config {
	return Config{CNodeBits: 8}
}

// Launch implements spec.md §4.M's five-step procedure against elfImage
// (the body of the initrd's RootTask entry) and returns the new
// thread's handle, already Resumed and enqueued on the ready queue
// (step 5, "enter the scheduler", is cmd/kernel's job — PickNext is
// what actually hands a hart to it).
func Launch(arena *boot.Arena, cfg Config, elfImage []byte) (captype.Handle, defs.Err_t) {
	f, ferr := elf.NewFile(bytes.NewReader(elfImage))
	if ferr != nil {
		klog.Warnf("roottask: invalid ELF image: %v", ferr)
		return captype.NoHandle, defs.MAPPING_FAILED
	}
	if f.Machine != elf.EM_RISCV || f.Class != elf.ELFCLASS64 {
		klog.Warnf("roottask: image is not RV64 (machine=%v class=%v)", f.Machine, f.Class)
		return captype.NoHandle, defs.MAPPING_FAILED
	}

	// Step 1: allocate the root VSpace, CSpace, TCB, and UTCB frame.
	vspace, verr := pgtbl.New(arena)
	if verr != defs.SUCCESS {
		return captype.NoHandle, verr
	}
	cspaceH, cerr := cnode.New(cfg.CNodeBits)
	if cerr != defs.SUCCESS {
		return captype.NoHandle, cerr
	}
	tcbH := thread.New()
	utcbPA, uerr := arena.Alloc(1)
	if uerr != defs.SUCCESS {
		return captype.NoHandle, uerr
	}

	// Step 2: map the ELF LOAD segments, the UTCB, and a user stack.
	// original_source's roottask::init separately maps the kernel's own
	// trampoline/text mappings into the new VSpace first; this
	// simulated core has no trampoline page to share (see trap
	// package's doc comment), so that half of step 2 has no analogue
	// here.
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := mapSegment(vspace, arena, prog); err != defs.SUCCESS {
			return captype.NoHandle, err
		}
	}
	if err := vspace.Map(UTCBVA, utcbPA, addr.PTE_U|addr.PTE_R|addr.PTE_W|addr.PTE_A|addr.PTE_D); err != defs.SUCCESS {
		return captype.NoHandle, err
	}
	stackPA, serr := arena.Alloc(1)
	if serr != defs.SUCCESS {
		return captype.NoHandle, serr
	}
	if err := vspace.Map(UserStackVA, stackPA, addr.PTE_U|addr.PTE_R|addr.PTE_W|addr.PTE_A|addr.PTE_D); err != defs.SUCCESS {
		return captype.NoHandle, err
	}

	// Step 3: populate the CNode. The memory untyped must be carved out
	// last, after every other allocation from arena above, so it really
	// does cover "all remaining RAM" (spec.md §4.M step 3).
	cspaceCap := captype.CreateCNode(cspaceH, cfg.CNodeBits, defs.RightsAll)
	vspaceCap := captype.CreatePageTable(vspace.Root(), 2, defs.RightsAll)
	tcbCap := captype.CreateThread(tcbH, defs.RightsAll)
	utcbCap := captype.CreateFrame(utcbPA, defs.RightsAll)

	if err := cnode.Insert(cspaceH, CSpaceSlot, cspaceCap); err != defs.SUCCESS {
		return captype.NoHandle, err
	}
	if err := cnode.Insert(cspaceH, VSpaceSlot, vspaceCap); err != defs.SUCCESS {
		return captype.NoHandle, err
	}
	if err := cnode.Insert(cspaceH, TCBSlot, tcbCap); err != defs.SUCCESS {
		return captype.NoHandle, err
	}
	if err := cnode.Insert(cspaceH, UTCBSlot, utcbCap); err != defs.SUCCESS {
		return captype.NoHandle, err
	}

	if remaining := arena.Remaining(); remaining > 0 {
		memPA, merr := arena.Alloc(remaining)
		if merr != defs.SUCCESS {
			return captype.NoHandle, merr
		}
		memCap := captype.CreateUntyped(memPA, remaining*addr.PageSize, defs.RightsAll)
		if err := cnode.Insert(cspaceH, MemSlot, memCap); err != defs.SUCCESS {
			return captype.NoHandle, err
		}
	}

	for i, region := range cfg.MMIORegions {
		cap := captype.CreateUntyped(region.Base, region.Size, defs.RightsAll)
		if err := cnode.Insert(cspaceH, MMIOSlotBase+i, cap); err != defs.SUCCESS {
			return captype.NoHandle, err
		}
	}
	irqBase := MMIOSlotBase + len(cfg.MMIORegions)
	for i := 0; i < cfg.PlatformIRQs; i++ {
		cap := captype.CreateIrqHandler(i, defs.RightsAll)
		if err := cnode.Insert(cspaceH, irqBase+i, cap); err != defs.SUCCESS {
			return captype.NoHandle, err
		}
	}

	// Step 4: configure the TCB and set its initial registers.
	tcb := thread.Get(tcbH)
	if err := tcb.Configure(cspaceCap, vspaceCap, utcbCap, uint64(UTCBVA), captype.Empty()); err != defs.SUCCESS {
		return captype.NoHandle, err
	}
	tcb.SetRegisters(f.Entry, uint64(UserStackVA)+addr.PageSize)

	describeEntry(arena, vspace, f.Entry)

	tcb.Resume()
	sched.AddThread(tcbH)

	return tcbH, defs.SUCCESS
}

// mapSegment allocates and maps one PT_LOAD segment page by page,
// copying its file-backed bytes and leaving the memsz-filesz tail
// zero (the arena already zeroes every freshly allocated page).
func mapSegment(vspace *pgtbl.PageTable, arena *boot.Arena, prog *elf.Prog) defs.Err_t {
	flags := addr.PTE_U | addr.PTE_A
	if prog.Flags&elf.PF_R != 0 {
		flags |= addr.PTE_R
	}
	if prog.Flags&elf.PF_W != 0 {
		flags |= addr.PTE_W
	}
	if prog.Flags&elf.PF_X != 0 {
		flags |= addr.PTE_X
	}

	segStart := prog.Vaddr
	segEnd := prog.Vaddr + prog.Memsz
	pageStart := segStart &^ (addr.PageSize - 1)
	pageEnd := (segEnd + addr.PageSize - 1) &^ (addr.PageSize - 1)

	data := make([]byte, prog.Filesz)
	if _, err := io.ReadFull(prog.Open(), data); err != nil && err != io.EOF {
		return defs.MAPPING_FAILED
	}

	for va := pageStart; va < pageEnd; va += addr.PageSize {
		pa, aerr := arena.Alloc(1)
		if aerr != defs.SUCCESS {
			return aerr
		}
		page := arena.Bytes(pa)

		copyStart := maxU64(va, segStart)
		copyEnd := minU64(va+addr.PageSize, segStart+prog.Filesz)
		if copyEnd > copyStart {
			srcOff := copyStart - segStart
			dstOff := copyStart - va
			n := copyEnd - copyStart
			copy(page[dstOff:dstOff+n], data[srcOff:srcOff+n])
		}

		if err := vspace.Map(addr.VirtAddr(va), pa, flags); err != defs.SUCCESS {
			return err
		}
	}
	return defs.SUCCESS
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// describeEntry disassembles the first few instructions at the ELF
// entry point with diag (golang.org/x/arch/riscv64asm, SPEC_FULL.md
// §2) and logs them — a sanity check that the launcher mapped a real
// RV64 instruction stream before the thread was resumed.
func describeEntry(arena *boot.Arena, vspace *pgtbl.PageTable, entry uint64) {
	pte, ok := vspace.Lookup(addr.VirtAddr(entry).PageRound())
	if !ok {
		return
	}
	page := arena.Bytes(pte.Addr())
	off := addr.VirtAddr(entry).Offset()
	insts := diag.Disassemble(page[off:], 4)
	klog.Infof("roottask: entry point:\n%s", diag.Summary(entry, insts))
}
