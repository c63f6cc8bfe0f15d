// Package diag wraps golang.org/x/arch/riscv64asm for the one
// diagnostic disassembly the root task launcher (component M) performs
// after mapping a root task image: printing the first few instructions
// at the ELF entry point so a boot log can confirm it mapped a real
// RV64 instruction stream before resuming the thread. There is no
// teacher or original_source analogue — original_source runs on real
// hardware and never disassembles its own payload — so this package is
// grounded purely on the dependency itself (SPEC_FULL.md §2).
package diag

import (
	"fmt"
	"strings"

	"golang.org/x/arch/riscv64asm"
)

// Instruction is one decoded entry: its offset from the start of the
// buffer passed to Disassemble, its encoded length, and its
// disassembled text (or a placeholder if decoding failed).
type Instruction struct {
	Offset int
	Length int
	Text   string
}

// Disassemble decodes up to count instructions starting at the
// beginning of code, advancing by each instruction's own length.
// A decode failure yields a single-byte "(bad)" placeholder, letting
// the scan continue past it rather than aborting — the point of this
// package is a best-effort log line, not a verifier.
func Disassemble(code []byte, count int) []Instruction {
	var out []Instruction
	off := 0
	for i := 0; i < count && off < len(code); i++ {
		inst, err := riscv64asm.Decode(code[off:])
		if err != nil || inst.Len == 0 {
			out = append(out, Instruction{Offset: off, Length: 1, Text: "(bad)"})
			off++
			continue
		}
		out = append(out, Instruction{Offset: off, Length: inst.Len, Text: inst.String()})
		off += inst.Len
	}
	return out
}

// Summary renders a Disassemble result as one human-readable line per
// instruction, prefixed with its address (entryVA plus the
// instruction's byte offset) — the shape
// roottask.describeEntry logs.
func Summary(entryVA uint64, insts []Instruction) string {
	var b strings.Builder
	for _, ins := range insts {
		fmt.Fprintf(&b, "%#x: %s\n", entryVA+uint64(ins.Offset), ins.Text)
	}
	return b.String()
}
