package trap

import (
	"testing"

	"addr"
	"boot"
	"captype"
	"cnode"
	"defs"
	"ipc"
	"irq"
	"sched"
	"thread"
)

func freshCNode(t *testing.T, bits uint8) captype.Handle {
	t.Helper()
	h, err := cnode.New(bits)
	if err != defs.SUCCESS {
		t.Fatalf("cnode.New: %v", err)
	}
	return h
}

func newThreadWithCSpace(t *testing.T, cspace captype.Handle) captype.Handle {
	t.Helper()
	th := thread.New()
	tcb := thread.Get(th)
	if err := tcb.Configure(captype.CreateCNode(cspace, 4, defs.RightsAll), captype.CreatePageTable(0x1000, 2, defs.RightsAll), captype.Empty(), 0, captype.Empty()); err != defs.SUCCESS {
		t.Fatalf("Configure: %v", err)
	}
	tcb.Resume()
	return th
}

func TestSyscallInvokeEndpointSend(t *testing.T) {
	cspace := freshCNode(t, 4)
	self := newThreadWithCSpace(t, cspace)

	ep := ipc.New()
	epCap := captype.CreateEndpoint(ep, defs.RightsAll)
	if err := cnode.Insert(cspace, 1, epCap); err != defs.SUCCESS {
		t.Fatalf("Insert: %v", err)
	}

	receiver := newThreadWithCSpace(t, freshCNode(t, 4))
	if err := ipc.Recv(1, receiver, ep); err != defs.SUCCESS {
		t.Fatalf("Recv: %v", err)
	}

	u := ipc.UTCBFor(self)
	u.MsgTag = defs.NewMsgTag(0, 1, false)
	u.MRs[0] = 0xAA

	if err := Syscall(0, self, defs.SYS_SEND, 1, 0, Args{}); err != defs.SUCCESS {
		t.Fatalf("Syscall SYS_SEND: %v", err)
	}
	if got := ipc.UTCBFor(receiver).MRs[0]; got != 0xAA {
		t.Errorf("expected MR0 0xAA, got %#x", got)
	}
}

func TestDispatchUntypedRetypeIntoFrame(t *testing.T) {
	arena := boot.NewArena(0xA0000000, 4)
	SetArena(arena)
	defer SetArena(nil)

	cspace := freshCNode(t, 4)
	self := newThreadWithCSpace(t, cspace)

	untypedCap := captype.CreateUntyped(0xA0000000, 4*addr.PageSize, defs.RightsAll)
	if err := cnode.Insert(cspace, 2, untypedCap); err != defs.SUCCESS {
		t.Fatalf("Insert: %v", err)
	}

	args := Args{uint64(defs.KindFrame), uint64(addr.PageShift), 1, uint64(cspace), 5}
	if err := Dispatch(0, self, cspace, 2, untypedCap, defs.UntypedRetype, args); err != defs.SUCCESS {
		t.Fatalf("Dispatch RETYPE: %v", err)
	}

	got, err := cnode.Lookup(cspace, 5)
	if err != defs.SUCCESS || got.Kind != defs.KindFrame {
		t.Fatalf("expected a Frame capability at slot 5, got %v, %v", got.Kind, err)
	}

	// spec.md §4.F step 2: the retyped Frame must be a CDT child of the
	// untyped capability it came from.
	if err := cnode.Revoke(cspace, 2); err != defs.SUCCESS {
		t.Fatalf("Revoke: %v", err)
	}
	if child, _ := cnode.Lookup(cspace, 5); child.IsValid() {
		t.Errorf("retyped Frame cap should have been revoked along with its parent untyped, got %v", child)
	}
}

func TestInvokeCNodeMintNarrowsRightsAndAttachesBadge(t *testing.T) {
	cspace := freshCNode(t, 4)
	ep := ipc.New()
	epCap := captype.CreateEndpoint(ep, defs.RightsAll)
	if err := cnode.Insert(cspace, 1, epCap); err != defs.SUCCESS {
		t.Fatalf("Insert: %v", err)
	}

	cnodeCap := captype.CreateCNode(cspace, 4, defs.RightsAll)
	args := Args{1, 2, 0x42, uint64(defs.SEND | defs.RECV)}
	if err := Dispatch(0, captype.NoHandle, captype.NoHandle, 0, cnodeCap, defs.CNodeMint, args); err != defs.SUCCESS {
		t.Fatalf("Dispatch MINT: %v", err)
	}

	minted, err := cnode.Lookup(cspace, 2)
	if err != defs.SUCCESS {
		t.Fatalf("Lookup: %v", err)
	}
	if minted.Rights != defs.SEND|defs.RECV {
		t.Errorf("expected narrowed rights SEND|RECV, got %v", minted.Rights)
	}
	if minted.Badge == nil || *minted.Badge != 0x42 {
		t.Errorf("expected badge 0x42, got %v", minted.Badge)
	}
}

func TestDeliverFaultSendsMessageAndGrantsReply(t *testing.T) {
	faultCSpace := freshCNode(t, 4)
	faulting := newThreadWithCSpace(t, faultCSpace)

	handlerCSpace := freshCNode(t, 4)
	handler := newThreadWithCSpace(t, handlerCSpace)

	ep := ipc.New()
	tcb := thread.Get(faulting)
	tcb.FaultHandler = captype.CreateEndpoint(ep, defs.RightsAll)

	ipc.UTCBFor(handler).RecvWindow = 3
	if err := ipc.Recv(1, handler, ep); err != defs.SUCCESS {
		t.Fatalf("Recv: %v", err)
	}

	DeliverFault(0, faulting, 0x5, 0xDEAD, 0x8000)

	hu := ipc.UTCBFor(handler)
	if hu.MsgTag.Label() != defs.FaultLabel {
		t.Fatalf("expected FAULT label, got %#x", hu.MsgTag.Label())
	}
	if hu.MRs[0] != 0x5 || hu.MRs[1] != 0xDEAD || hu.MRs[2] != 0x8000 {
		t.Errorf("unexpected fault MRs: %v", hu.MRs)
	}

	replyCap, err := cnode.Lookup(handlerCSpace, 3)
	if err != defs.SUCCESS || replyCap.Kind != defs.KindReply || replyCap.Handle != faulting {
		t.Fatalf("expected a Reply cap to the faulting thread at slot 3, got %v, %v", replyCap, err)
	}
}

func TestInvokeThreadResumeMakesThreadSchedulable(t *testing.T) {
	th := thread.New()
	threadCap := captype.CreateThread(th, defs.RightsAll)
	// Threads woken by earlier tests stay queued at priority 0; a higher
	// priority makes the resumed thread the one PickNext returns.
	thread.Get(th).Priority = 255

	if err := Dispatch(0, captype.NoHandle, captype.NoHandle, 0, threadCap, defs.ThreadResume, Args{}); err != defs.SUCCESS {
		t.Fatalf("Dispatch RESUME: %v", err)
	}
	if thread.Get(th).GetState() != thread.Ready {
		t.Errorf("expected Ready after RESUME, got %v", thread.Get(th).GetState())
	}
	if sched.PickNext(0) != th {
		t.Errorf("expected resumed thread to be schedulable")
	}
}

// TestInvokeThreadSetRegistersReadsFromUTCB covers spec.md §9's
// resolved Open Question: PC/SP come from the target thread's own
// UTCB, not from inline SYS_INVOKE args (which this call leaves
// zeroed, to prove they're ignored).
func TestInvokeThreadSetRegistersReadsFromUTCB(t *testing.T) {
	th := thread.New()
	threadCap := captype.CreateThread(th, defs.RightsAll)

	u := ipc.UTCBFor(th)
	u.PC = 0x1000
	u.SP = 0x2000

	if err := Dispatch(0, captype.NoHandle, captype.NoHandle, 0, threadCap, defs.ThreadSetRegisters, Args{0xDEAD, 0xBEEF}); err != defs.SUCCESS {
		t.Fatalf("Dispatch SET_REGISTERS: %v", err)
	}

	tcb := thread.Get(th)
	if tcb.Context.RA != 0x1000 || tcb.Context.SP != 0x2000 {
		t.Errorf("expected registers from the UTCB (PC=0x1000 SP=0x2000), got RA=%#x SP=%#x", tcb.Context.RA, tcb.Context.SP)
	}
}

func TestInvokeIrqHandlerSetNotificationRejectsNonEndpoint(t *testing.T) {
	cspace := freshCNode(t, 4)
	self := newThreadWithCSpace(t, cspace)
	notEP := captype.CreateThread(self, defs.RightsAll)
	if err := cnode.Insert(cspace, 1, notEP); err != defs.SUCCESS {
		t.Fatalf("Insert: %v", err)
	}

	irqCap := captype.CreateIrqHandler(7, defs.RightsAll)
	if err := Dispatch(0, self, captype.NoHandle, 0, irqCap, defs.IrqHandlerSetNotification, Args{1}); err != defs.INVALID_OBJ_TYPE {
		t.Fatalf("expected INVALID_OBJ_TYPE, got %v", err)
	}
}

func TestInvokeIrqHandlerAckAndSetPriorityUseInstalledPLIC(t *testing.T) {
	p := irq.NewSimPLIC()
	SetPLIC(p)
	defer SetPLIC(nil)

	irqCap := captype.CreateIrqHandler(2, defs.RightsAll)
	if err := Dispatch(0, captype.NoHandle, captype.NoHandle, 0, irqCap, defs.IrqHandlerSetPriority, Args{3}); err != defs.SUCCESS {
		t.Fatalf("Dispatch SET_PRIORITY: %v", err)
	}

	p.SetEnable(0, 2, false)
	if err := Dispatch(0, captype.NoHandle, captype.NoHandle, 0, irqCap, defs.IrqHandlerAck, Args{}); err != defs.SUCCESS {
		t.Fatalf("Dispatch ACK: %v", err)
	}
	p.Raise(2)
	if got := p.Claim(0); got != 2 {
		t.Errorf("expected IRQ 2 claimable after ACK re-enabled it, got %d", got)
	}
}
