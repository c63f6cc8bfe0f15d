// Package thread implements component G: the TCB (thread control
// block) lifecycle — configure, set-priority, set-registers,
// resume/suspend (spec.md §3, §4.G). Grounded on
// original_source/kernel/src/proc/thread.rs's TCB struct and its
// configure/set_priority/set_registers/resume/suspend methods, mapped
// onto a package-level object table indexed by captype.Handle instead
// of a raw *mut TCB, per spec.md §9 / SPEC_FULL.md §0.
package thread

import (
	"sync"

	"captype"
	"defs"
)

// State is a thread's scheduling state (spec.md §3).
type State int

const (
	Inactive State = iota
	Ready
	Running
	BlockedSend
	BlockedRecv
	BlockedCall
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case BlockedSend:
		return "BlockedSend"
	case BlockedRecv:
		return "BlockedRecv"
	case BlockedCall:
		return "BlockedCall"
	default:
		return "?"
	}
}

// Context holds the callee-saved registers and the two GPRs the
// scheduler context-switches on (spec.md §3: "machine context
// {callee-saved registers, ra, sp}").
type Context struct {
	RA, SP      uint64
	CalleeSaved [12]uint64 // s0..s11
}

// TCB is one thread control block. Everything below the State line is
// exactly the resource/IPC field set spec.md §3 names for "Thread
// (TCB)".
type TCB struct {
	mu sync.Mutex

	Priority  uint8
	Timeslice uint64
	State     State
	Affinity  int
	Context   Context

	CSpaceRoot   captype.Capability // root CNode cap
	VSpaceRoot   captype.Capability // root PageTable cap
	FaultHandler captype.Capability // Endpoint cap, Empty if none
	UTCBFrame    captype.Capability // Frame cap backing the UTCB page
	UTCBVirt     uint64             // UTCB virtual address

	// IPC state while blocked (spec.md §3: "ipc partner, pending
	// badge, pending transferred cap").
	IPCPartner   captype.Handle
	PendingBadge uint64
	PendingCap   captype.Capability
}

var (
	mu    sync.Mutex
	table []*TCB // handle h lives at index h-1; captype.NoHandle (0) is never issued
)

// New allocates a fresh TCB in the Inactive state and returns its
// handle, mirroring original_source's TCB::new (zeroed fields,
// State == Inactive).
func New() captype.Handle {
	t := &TCB{
		State: Inactive,
	}
	mu.Lock()
	defer mu.Unlock()
	table = append(table, t)
	return captype.Handle(len(table))
}

// Get returns the TCB for h, or nil if h is not a live handle.
func Get(h captype.Handle) *TCB {
	mu.Lock()
	defer mu.Unlock()
	idx := int(h) - 1
	if idx < 0 || idx >= len(table) {
		return nil
	}
	return table[idx]
}

// Configure installs the thread's root CSpace/VSpace/UTCB/fault
// handler (spec.md §4.G, original_source's TCB::configure).
func (t *TCB) Configure(cspace, vspace, utcbFrame captype.Capability, utcbVA uint64, faultHandler captype.Capability) defs.Err_t {
	if cspace.Kind != defs.KindCNode || vspace.Kind != defs.KindPageTable {
		return defs.INVALID_CAP
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CSpaceRoot = cspace
	t.VSpaceRoot = vspace
	t.UTCBFrame = utcbFrame
	t.UTCBVirt = utcbVA
	t.FaultHandler = faultHandler
	return defs.SUCCESS
}

// SetPriority updates the thread's scheduling priority. Callers are
// expected to follow up with a reschedule check (spec.md scenario 4;
// sched.Reschedule), matching original_source's
// tcbmethod::SET_PRIORITY arm which calls scheduler::reschedule()
// immediately afterward.
func (t *TCB) SetPriority(prio uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Priority = prio
}

// SetRegisters installs the given entry PC (RA) and stack pointer. The
// caller supplies the values: trap's SET_REGISTERS method reads them
// from the thread's UTCB (spec.md §9 Open Question, resolved in
// DESIGN.md), and roottask passes the ELF entry point and its stack.
func (t *TCB) SetRegisters(pc, sp uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Context.RA = pc
	t.Context.SP = sp
}

// Resume transitions Inactive -> Ready, mirroring
// original_source/kernel/src/proc/thread.rs's TCB::resume.
func (t *TCB) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == Inactive {
		t.State = Ready
	}
}

// Suspend forces the thread back to Inactive regardless of its
// current state.
func (t *TCB) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = Inactive
}

// SetState sets the thread's scheduling state directly; used by the
// scheduler and ipc packages, which already hold whatever external
// invariant (ready-queue membership, endpoint-queue membership)
// State must agree with.
func (t *TCB) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = s
}

// GetState reads the thread's current scheduling state.
func (t *TCB) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}
