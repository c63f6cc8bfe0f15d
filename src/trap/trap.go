// Package trap implements component J: capability dispatch and fault
// delivery (spec.md §3, §4.J). Grounded on
// original_source/kernel/src/cap/invoke.rs's dispatch/invoke_ipc/
// invoke_tcb/invoke_pagetable/invoke_cnode/invoke_untyped/
// invoke_irq_handler and trap/{context,syscall,user}.rs's Trapframe
// layout and syscall::dispatch.
//
// original_source's vectors are naked asm that spill 31 GPRs to a
// per-thread trapframe page, switch satp, and jump to a handler
// written in terms of raw pointers (*mut TCB, VirtAddr::as_mut). None
// of that has a faithful Go analogue — there is no real trap, no real
// register file, no real MMU — so this package keeps only the part
// that is genuine kernel logic: given a capability, a method number,
// and inline arguments, decide what happens. Trapframe is kept as a
// plain data record (spec.md §3 names its exact field set); nothing in
// this repository populates it (cmd/kernel does not use it), and
// nothing in this package reads GPRs out of it, since capability dispatch only ever
// needs the method id and inline args a real trap would have copied
// out of specific registers.
package trap

import (
	"sync"

	"addr"
	"boot"
	"captype"
	"cnode"
	"defs"
	"ipc"
	"irq"
	"pgtbl"
	"sched"
	"thread"
	"untyped"
)

// Trapframe is the per-thread saved register page spec.md §3
// describes: the 31 user GPRs plus the fields the trampoline preloads
// before jumping to the S-mode handler.
type Trapframe struct {
	GPRs [31]uint64

	KernelSATP        uint64
	KernelSP          uint64
	KernelTrapHandler uint64
	UserEPC           uint64
	HartID            int
}

// HartState is the per-hart bookkeeping spec.md §3 names: {id,
// nest_count, idle_context, current_thread_ptr?}. idle_context and
// current_thread_ptr are already covered by sched's current[] slot;
// NestCount is kept here since nothing else owns it.
type HartState struct {
	ID        int
	NestCount int
}

var (
	hartMu sync.Mutex
	harts  = map[int]*HartState{}
)

// Hart returns the bookkeeping record for hart, creating it on first
// use.
func Hart(hart int) *HartState {
	hartMu.Lock()
	defer hartMu.Unlock()
	h, ok := harts[hart]
	if !ok {
		h = &HartState{ID: hart}
		harts[hart] = h
	}
	return h
}

// Enter and Exit bracket one trap's handling, tracking re-entrancy
// (spec.md §3's "nest_count counts re-entrant trap frames"; §5
// "taking a kernel fault while handling one is a panic" — a nest depth
// beyond 1 is exactly that condition, surfaced for callers to act on
// rather than enforced here, since this package has no panic-handler
// context of its own).
func Enter(hart int) int {
	h := Hart(hart)
	hartMu.Lock()
	defer hartMu.Unlock()
	h.NestCount++
	return h.NestCount
}

func Exit(hart int) {
	h := Hart(hart)
	hartMu.Lock()
	defer hartMu.Unlock()
	if h.NestCount > 0 {
		h.NestCount--
	}
}

var arena *boot.Arena

// SetArena installs the kernel's single physical arena, needed to
// dereference PageTable capabilities (pgtbl.FromRoot) and to back
// RETYPE. Called once at boot by cmd/kernel.
func SetArena(a *boot.Arena) { arena = a }

var plic irq.PLIC

// SetPLIC installs the platform interrupt controller backend used by
// IrqHandler SET_PRIORITY/ACK.
func SetPLIC(p irq.PLIC) { plic = p }

// Args are a method invocation's up-to-five inline arguments (spec.md
// §6: "a2..a6 = inline args"), already split from a message-info-plus-
// cap-pointer decode that has no analogue here since there are no real
// registers to read them out of.
type Args [5]uint64

// Dispatch routes one capability invocation to its object kind's
// handler, mirroring invoke.rs's top-level dispatch switch. capCNode/
// capSlot name cap's own location in the invoking thread's CSpace;
// every arm but Untyped ignores them — RETYPE needs them to link
// freshly retyped objects into the CDT as children of the untyped
// capability they came from (spec.md §4.F step 2).
func Dispatch(hart int, callerH captype.Handle, capCNode captype.Handle, capSlot int, cap captype.Capability, method int, args Args) defs.Err_t {
	switch cap.Kind {
	case defs.KindEndpoint:
		return invokeEndpoint(hart, callerH, cap, method, args)
	case defs.KindThread:
		return invokeThread(hart, cap, method, args)
	case defs.KindPageTable:
		return invokePageTable(cap, method, args)
	case defs.KindCNode:
		return invokeCNode(callerH, cap, method, args)
	case defs.KindUntyped:
		return invokeUntyped(capCNode, capSlot, cap, method, args)
	case defs.KindIrqHandler:
		return invokeIrqHandler(hart, callerH, cap, method, args)
	default:
		return defs.INVALID_OBJ_TYPE
	}
}

// Syscall is the top-level entry a real user syscall trap would reach
// after the handler classifies the trap cause as "Environment call
// from U" and decodes a0/a1/a7 (spec.md §4.J, §6). sysno selects
// SYS_INVOKE/SYS_SEND/SYS_RECV/SYS_REPLY_RECV/SYS_YIELD; capSlot names
// the invoked capability in callerH's own CSpace.
func Syscall(hart int, callerH captype.Handle, sysno defs.Err_t, capSlot int, method int, args Args) defs.Err_t {
	caller := thread.Get(callerH)
	if caller == nil {
		return defs.INVALID_CAP
	}

	if sysno == defs.SYS_YIELD {
		sched.Yield(hart)
		return defs.SUCCESS
	}

	cap, err := cnode.Lookup(caller.CSpaceRoot.Handle, capSlot)
	if err != defs.SUCCESS {
		return defs.INVALID_CAP
	}
	if !cap.IsValid() {
		return defs.INVALID_CAP
	}
	if !cap.HasRights(defs.CALL) && !cap.HasRights(defs.SEND) {
		return defs.PERMISSION_DENIED
	}

	switch sysno {
	case defs.SYS_INVOKE:
		return Dispatch(hart, callerH, caller.CSpaceRoot.Handle, capSlot, cap, method, args)
	case defs.SYS_SEND:
		if cap.Kind != defs.KindEndpoint {
			return defs.INVALID_OBJ_TYPE
		}
		badge := uint64(0)
		if cap.Badge != nil {
			badge = *cap.Badge
		}
		return ipc.Send(hart, callerH, cap.Handle, badge)
	case defs.SYS_RECV:
		if cap.Kind != defs.KindEndpoint {
			return defs.INVALID_OBJ_TYPE
		}
		return ipc.Recv(hart, callerH, cap.Handle)
	case defs.SYS_REPLY_RECV:
		if cap.Kind != defs.KindEndpoint {
			return defs.INVALID_OBJ_TYPE
		}
		return ipc.ReplyRecv(hart, callerH, caller.CSpaceRoot.Handle, int(args[0]), cap.Handle)
	default:
		return defs.INVALID_METHOD
	}
}

func invokeEndpoint(hart int, callerH captype.Handle, cap captype.Capability, method int, args Args) defs.Err_t {
	switch method {
	case defs.EndpointSend:
		badge := uint64(0)
		if cap.Badge != nil {
			badge = *cap.Badge
		}
		return ipc.Send(hart, callerH, cap.Handle, badge)
	case defs.EndpointRecv:
		return ipc.Recv(hart, callerH, cap.Handle)
	case defs.EndpointReplyRecv:
		caller := thread.Get(callerH)
		if caller == nil {
			return defs.INVALID_CAP
		}
		return ipc.ReplyRecv(hart, callerH, caller.CSpaceRoot.Handle, int(args[0]), cap.Handle)
	default:
		return defs.INVALID_METHOD
	}
}

// invokeThread implements tcbmethod::{CONFIGURE, SET_PRIORITY,
// SET_REGISTERS, RESUME, SUSPEND}. Unlike original_source's arms,
// CONFIGURE/SET_REGISTERS here act on cap.Handle's own TCB directly —
// the original always reads `scheduler::current()` (the *invoking*
// thread) rather than the TCB the capability names, which only works
// because every original call site happens to invoke its own TCB cap;
// this realization follows spec.md's object-method framing instead
// ("the object method mutates kernel state") and configures the
// capability's target.
func invokeThread(hart int, cap captype.Capability, method int, args Args) defs.Err_t {
	t := thread.Get(cap.Handle)
	if t == nil {
		return defs.INVALID_CAP
	}
	switch method {
	case defs.ThreadConfigure:
		// CONFIGURE's four arguments each name a capability in the
		// caller's own CSpace (spec.md §4.M step 4), not inline values a
		// single Args slot can carry — ConfigureThread below is the real
		// entry point; reaching this arm through plain Dispatch means the
		// caller skipped resolving those capability slots.
		return defs.INVALID_METHOD
	case defs.ThreadSetPriority:
		t.SetPriority(uint8(args[0]))
		sched.Reschedule(hart)
		return defs.SUCCESS
	case defs.ThreadSetRegisters:
		// spec.md §9 Open Question, resolved UTCB-based: PC/SP don't fit
		// in inline args, so SET_REGISTERS reads them out of the target
		// thread's own UTCB instead (thread.SetRegisters's doc comment).
		u := ipc.UTCBFor(cap.Handle)
		t.SetRegisters(u.PC, u.SP)
		return defs.SUCCESS
	case defs.ThreadResume:
		t.Resume()
		sched.AddThread(cap.Handle)
		return defs.SUCCESS
	case defs.ThreadSuspend:
		t.Suspend()
		sched.Yield(hart)
		return defs.SUCCESS
	default:
		return defs.INVALID_METHOD
	}
}

// ConfigureThread implements tcbmethod::CONFIGURE (spec.md §4.M step
// 4): its four slot arguments each name a capability in the *caller's*
// CSpace (as in the original, where args are cptrs resolved via
// tcb.cap_lookup) and are resolved here with cnode.Lookup; a
// faultEPSlot of 0 means no fault handler. callerCSpace is threaded
// through explicitly instead of being read off an implicit "current
// thread" global.
func ConfigureThread(callerCSpace captype.Handle, targetH captype.Handle, cspaceSlot, vspaceSlot, utcbFrameSlot, faultEPSlot int, utcbVA uint64) defs.Err_t {
	t := thread.Get(targetH)
	if t == nil {
		return defs.INVALID_CAP
	}
	cspaceCap, err := cnode.Lookup(callerCSpace, cspaceSlot)
	if err != defs.SUCCESS || cspaceCap.Kind != defs.KindCNode {
		return defs.INVALID_CAP
	}
	vspaceCap, err := cnode.Lookup(callerCSpace, vspaceSlot)
	if err != defs.SUCCESS || vspaceCap.Kind != defs.KindPageTable {
		return defs.INVALID_CAP
	}
	utcbFrameCap, err := cnode.Lookup(callerCSpace, utcbFrameSlot)
	if err != defs.SUCCESS {
		return defs.INVALID_CAP
	}
	var faultCap captype.Capability
	if faultEPSlot != 0 {
		faultCap, err = cnode.Lookup(callerCSpace, faultEPSlot)
		if err != defs.SUCCESS {
			return defs.INVALID_CAP
		}
	} else {
		faultCap = captype.Empty()
	}
	return t.Configure(cspaceCap, vspaceCap, utcbFrameCap, utcbVA, faultCap)
}

func invokePageTable(cap captype.Capability, method int, args Args) defs.Err_t {
	if arena == nil {
		return defs.MAPPING_FAILED
	}
	pt := pgtbl.FromRoot(arena, cap.Paddr)
	switch method {
	case defs.PageTableMap:
		pa := addr.PhysAddr(args[0])
		va := addr.VirtAddr(args[1])
		flags := addr.PTEFlags(args[2])
		return pt.Map(va, pa, flags)
	case defs.PageTableUnmap:
		va := addr.VirtAddr(args[0])
		_, err := pt.Unmap(va)
		return err
	default:
		return defs.INVALID_METHOD
	}
}

func invokeCNode(callerH captype.Handle, cap captype.Capability, method int, args Args) defs.Err_t {
	switch method {
	case defs.CNodeMint:
		// Mint: (src_slot, dest_slot, badge, rights)
		srcSlot := int(args[0])
		destSlot := int(args[1])
		var badge *uint64
		if args[2] != 0 {
			b := args[2]
			badge = &b
		}
		rights := defs.Rights_t(args[3])
		return mintOrCopy(cap.Handle, srcSlot, destSlot, rights, badge)
	case defs.CNodeCopy:
		// Copy: (src_slot, dest_slot, rights) — shares mint's underlying
		// derivation with no badge, matching original_source's COPY arm
		// (`src_cap.mint(rights, None)`); kept as a distinct method id
		// per spec.md §6's required method set, not a distinct code path.
		srcSlot := int(args[0])
		destSlot := int(args[1])
		rights := defs.Rights_t(args[2])
		return mintOrCopy(cap.Handle, srcSlot, destSlot, rights, nil)
	case defs.CNodeDelete:
		return cnode.Delete(cap.Handle, int(args[0]))
	case defs.CNodeRevoke:
		return cnode.Revoke(cap.Handle, int(args[0]))
	default:
		return defs.INVALID_METHOD
	}
}

// mintOrCopy derives a new capability from the one in destCNode's slot
// srcSlot and inserts it into destCNode (the CNode the invocation
// targets) at destSlot, linked into the CDT as a child of the source
// slot (spec.md §4.E's insert_child semantics). badge nil means COPY's
// "no new badge" case; a non-nil badge is MINT's.
func mintOrCopy(destCNode captype.Handle, srcSlot, destSlot int, rights defs.Rights_t, badge *uint64) defs.Err_t {
	srcCap, err := cnode.Lookup(destCNode, srcSlot)
	if err != defs.SUCCESS {
		return defs.INVALID_CAP
	}
	if !srcCap.IsValid() {
		return defs.INVALID_CAP
	}
	if srcCap.Kind == defs.KindReply {
		return defs.PERMISSION_DENIED
	}
	newCap := srcCap.Mint(rights, badge)
	parent := cnode.SlotRef{CNode: destCNode, Slot: srcSlot}
	if err := cnode.InsertChild(destCNode, destSlot, newCap, parent); err != defs.SUCCESS {
		return defs.INVALID_SLOT
	}
	if newCap.Kind == defs.KindCNode {
		cnode.IncRef(newCap.Handle)
	}
	return defs.SUCCESS
}

func invokeUntyped(capCNode captype.Handle, capSlot int, cap captype.Capability, method int, args Args) defs.Err_t {
	if arena == nil {
		return defs.UNTYPED_OOM
	}
	switch method {
	case defs.UntypedRetype:
		objType := defs.ObjKind(args[0])
		objSizeBits := uint(args[1])
		n := args[2]
		destCNode := captype.Handle(args[3])
		destOffset := int(args[4])
		return untyped.Retype(arena, cap, capCNode, capSlot, objType, objSizeBits, n, destCNode, destOffset)
	default:
		return defs.INVALID_METHOD
	}
}

func invokeIrqHandler(hart int, callerH captype.Handle, cap captype.Capability, method int, args Args) defs.Err_t {
	switch method {
	case defs.IrqHandlerSetNotification:
		caller := thread.Get(callerH)
		if caller == nil {
			return defs.INVALID_CAP
		}
		epCap, err := cnode.Lookup(caller.CSpaceRoot.Handle, int(args[0]))
		if err != defs.SUCCESS {
			return defs.INVALID_CAP
		}
		return irq.Bind(cap.IRQ, epCap)
	case defs.IrqHandlerAck:
		if plic == nil {
			return defs.SUCCESS
		}
		return irq.Ack(plic, hart, cap.IRQ)
	case defs.IrqHandlerClearNotification:
		return irq.ClearNotification(cap.IRQ)
	case defs.IrqHandlerSetPriority:
		if plic == nil {
			return defs.SUCCESS
		}
		return irq.SetPriority(plic, cap.IRQ, int(args[0]))
	default:
		return defs.INVALID_METHOD
	}
}

// DeliverFault implements spec.md §7's asynchronous fault path: an IPC
// message with label FAULT and MRs {scause, stval, sepc} is sent to
// faultingH's bound fault-handler endpoint, carrying a fresh Reply
// capability back to faultingH so the handler can later resume it via
// REPLY_RECV with continuation state. If no handler is bound, the
// thread is suspended instead (logging is cmd/kernel's concern, not
// this package's).
func DeliverFault(hart int, faultingH captype.Handle, scause, stval, sepc uint64) {
	t := thread.Get(faultingH)
	if t == nil {
		return
	}
	if t.FaultHandler.Kind != defs.KindEndpoint {
		t.Suspend()
		return
	}

	u := ipc.UTCBFor(faultingH)
	u.MsgTag = defs.NewMsgTag(defs.FaultLabel, 3, true)
	u.MRs[0] = scause
	u.MRs[1] = stval
	u.MRs[2] = sepc

	replyCap := captype.CreateReply(faultingH, defs.RightsAll)
	ipc.SendWithCap(hart, faultingH, t.FaultHandler.Handle, 0, replyCap)
}
