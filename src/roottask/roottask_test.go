package roottask

import (
	"encoding/binary"
	"testing"

	"addr"
	"boot"
	"cnode"
	"defs"
	"sched"
	"thread"
)

// buildTestELF hand-encodes the smallest valid ELF64/RISC-V executable
// the standard library's debug/elf will accept: a 64-byte Ehdr, one
// 56-byte PT_LOAD Phdr, and a 4-byte RV64 nop body mapped at entry.
func buildTestELF(entry uint64) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	buf := make([]byte, ehdrSize+phdrSize+4)

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)   // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 243) // e_machine = EM_RISCV
	le.PutUint32(buf[20:24], 1)   // e_version
	le.PutUint64(buf[24:32], entry)
	le.PutUint64(buf[32:40], ehdrSize) // e_phoff
	le.PutUint16(buf[52:54], ehdrSize) // e_ehsize
	le.PutUint16(buf[54:56], phdrSize) // e_phentsize
	le.PutUint16(buf[56:58], 1)        // e_phnum

	ph := buf[ehdrSize : ehdrSize+phdrSize]
	le.PutUint32(ph[0:4], 1)                    // p_type = PT_LOAD
	le.PutUint32(ph[4:8], 5)                     // p_flags = R|X
	le.PutUint64(ph[8:16], ehdrSize+phdrSize)    // p_offset
	le.PutUint64(ph[16:24], entry)               // p_vaddr
	le.PutUint64(ph[24:32], entry)               // p_paddr
	le.PutUint64(ph[32:40], 4)                   // p_filesz
	le.PutUint64(ph[40:48], uint64(addr.PageSize)) // p_memsz
	le.PutUint64(ph[48:56], uint64(addr.PageSize)) // p_align

	copy(buf[ehdrSize+phdrSize:], []byte{0x13, 0x00, 0x00, 0x00}) // nop

	return buf
}

func TestLaunchBuildsSchedulableRootTask(t *testing.T) {
	arena := boot.NewArena(0x9000_0000, 64)
	cfg := Config{
		CNodeBits:    8,
		MMIORegions:  []MMIORegion{{Name: "uart", Base: 0x1000_0000, Size: 0x1000}},
		PlatformIRQs: 2,
	}
	elfImage := buildTestELF(0x10000)

	th, err := Launch(arena, cfg, elfImage)
	if err != defs.SUCCESS {
		t.Fatalf("Launch: %v", err)
	}

	tcb := thread.Get(th)
	if tcb == nil {
		t.Fatalf("expected a live TCB for the returned handle")
	}
	if tcb.Context.RA != 0x10000 {
		t.Errorf("entry PC = %#x, want %#x", tcb.Context.RA, 0x10000)
	}
	if tcb.Context.SP != uint64(UserStackVA)+addr.PageSize {
		t.Errorf("stack SP = %#x, want %#x", tcb.Context.SP, uint64(UserStackVA)+addr.PageSize)
	}
	if tcb.GetState() != thread.Ready {
		t.Errorf("expected Ready, got %v", tcb.GetState())
	}

	cspaceH := tcb.CSpaceRoot.Handle
	selfCap, lerr := cnode.Lookup(cspaceH, CSpaceSlot)
	if lerr != defs.SUCCESS || selfCap.Handle != cspaceH {
		t.Errorf("slot 0 should be a CSpace cap pointing at itself, got %v, %v", selfCap, lerr)
	}
	memCap, lerr := cnode.Lookup(cspaceH, MemSlot)
	if lerr != defs.SUCCESS || memCap.Kind != defs.KindUntyped || memCap.Size == 0 {
		t.Errorf("slot 4 should be a nonempty untyped covering remaining RAM, got %v, %v", memCap, lerr)
	}
	mmioCap, lerr := cnode.Lookup(cspaceH, MMIOSlotBase)
	if lerr != defs.SUCCESS || mmioCap.Kind != defs.KindUntyped || mmioCap.Paddr != 0x1000_0000 {
		t.Errorf("slot 5 should be the MMIO untyped, got %v, %v", mmioCap, lerr)
	}
	irq0, lerr := cnode.Lookup(cspaceH, MMIOSlotBase+1)
	if lerr != defs.SUCCESS || irq0.Kind != defs.KindIrqHandler || irq0.IRQ != 0 {
		t.Errorf("expected an IrqHandler cap for platform IRQ 0, got %v, %v", irq0, lerr)
	}

	if sched.PickNext(0) != th {
		t.Errorf("expected the root task to be schedulable")
	}
}

func TestLaunchRejectsNonRISCVImage(t *testing.T) {
	arena := boot.NewArena(0x9000_0000, 16)
	elfImage := buildTestELF(0x10000)
	elfImage[18] = 0x3e // x86_64 EM_X86_64 low byte, overwriting EM_RISCV

	if _, err := Launch(arena, DefaultConfig(), elfImage); err != defs.MAPPING_FAILED {
		t.Fatalf("expected MAPPING_FAILED for a non-RISC-V image, got %v", err)
	}
}
