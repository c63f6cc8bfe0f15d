package diag

import (
	"strings"
	"testing"
)

// rvNop is the canonical RV64I encoding for `addi x0, x0, 0` (nop),
// little-endian.
var rvNop = []byte{0x13, 0x00, 0x00, 0x00}

func TestDisassembleDecodesKnownInstruction(t *testing.T) {
	insts := Disassemble(rvNop, 1)
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(insts))
	}
	if insts[0].Length != 4 {
		t.Errorf("expected a 4-byte instruction, got length %d", insts[0].Length)
	}
	if insts[0].Text == "(bad)" {
		t.Errorf("expected a real nop decode, got (bad)")
	}
}

func TestDisassembleStopsAtCount(t *testing.T) {
	code := append(append([]byte{}, rvNop...), rvNop...)
	insts := Disassemble(code, 1)
	if len(insts) != 1 {
		t.Fatalf("expected Disassemble to honor count, got %d instructions", len(insts))
	}
}

func TestDisassembleHandlesEmptyInput(t *testing.T) {
	if insts := Disassemble(nil, 4); len(insts) != 0 {
		t.Errorf("expected no instructions from empty input, got %d", len(insts))
	}
}

func TestSummaryIncludesOffsetsAndText(t *testing.T) {
	insts := Disassemble(rvNop, 1)
	s := Summary(0x1000, insts)
	if s == "" {
		t.Errorf("expected a non-empty summary")
	}
	if want := "0x1000: " + insts[0].Text; !strings.Contains(s, want) {
		t.Errorf("expected summary to contain %q, got %q", want, s)
	}
}
