// Package ipc implements component I: the Endpoint object and the
// synchronous send/recv/reply_recv rendezvous (spec.md §3, §4.I).
// Grounded on original_source/kernel/src/ipc/{endpoint,mod,message,utcb}.rs:
// Endpoint's send_queue/recv_queue/pending_notifications, copy_msg's
// header+MR+badge+cap transfer, and send/recv/notify's fast-path
// (rendezvous) vs. slow-path (block and enqueue) split.
//
// original_source links its queues intrusively through TCB.prev/next
// and addresses threads by *mut TCB; this realization keeps a
// slice-backed FIFO of captype.Handle per queue, per spec.md §9's
// "arena + indices" option, consistent with sched's ready queues.
//
// The UTCB is specified as a user-mapped page (msg_tag, mrs[7],
// cap_transfer, recv_window, tls, followed by an IPC byte buffer).
// This core has no MMU simulation backing user virtual addresses with
// real bytes, so the UTCB header is realized directly as a Go struct
// keyed by the owning thread's captype.Handle, the same table-not-
// pointer substitution captype and thread already make for TCB/CNode
// objects. The IPC byte buffer itself is out of scope: no component
// here reads or writes arbitrary-length payload bytes, only the
// header fields spec.md's invariants and scenarios actually exercise.
package ipc

import (
	"sync"

	"captype"
	"cnode"
	"defs"
	"sched"
	"thread"
)

// UTCB is the per-thread message header spec.md §3 describes (the
// byte buffer that follows it in a real mapped page has no analogue
// here; see the package doc comment).
type UTCB struct {
	MsgTag      defs.MsgTag
	MRs         [defs.MaxMRs]uint64
	CapTransfer int // source slot in the thread's own CSpace, or 0
	RecvWindow  int // destination slot in the thread's own CSpace, or 0
	TLS         uint64

	// PC and SP stage the entry point and stack pointer SET_REGISTERS
	// installs (spec.md §9 Open Question: "UTCB-based (arguments
	// wouldn't fit)") — a caller writes them here before invoking
	// ThreadSetRegisters, the same staging-through-the-UTCB convention
	// MsgTag/MRs already use for IPC payloads.
	PC uint64
	SP uint64
}

var (
	utcbMu sync.Mutex
	utcbs  = map[captype.Handle]*UTCB{}
)

// UTCBFor returns the UTCB belonging to thread h, allocating an empty
// one on first use.
func UTCBFor(h captype.Handle) *UTCB {
	utcbMu.Lock()
	defer utcbMu.Unlock()
	u, ok := utcbs[h]
	if !ok {
		u = &UTCB{}
		utcbs[h] = u
	}
	return u
}

// waiter is one blocked sender's parked state: the message has
// already been validated and is simply waiting for a receiver
// (original_source's send_queue entry tuple).
type waiter struct {
	thread captype.Handle
	badge  uint64
	cap    captype.Capability
	hasCap bool
}

// Endpoint is a synchronous IPC rendezvous object (spec.md §3). The
// invariant "never both send_queue and recv_queue non-empty
// simultaneously" is maintained by construction: every operation below
// drains the opposite queue before it would ever enqueue onto its own.
type Endpoint struct {
	mu                   sync.Mutex
	sendQ                []waiter
	recvQ                []captype.Handle
	pendingNotifications []uint64
}

var (
	mu    sync.Mutex
	table []*Endpoint
)

// New allocates an empty Endpoint and returns its handle.
func New() captype.Handle {
	mu.Lock()
	defer mu.Unlock()
	table = append(table, &Endpoint{})
	return captype.Handle(len(table))
}

// Get returns the Endpoint for h, or nil if h is not a live handle.
func Get(h captype.Handle) *Endpoint {
	mu.Lock()
	defer mu.Unlock()
	idx := int(h) - 1
	if idx < 0 || idx >= len(table) {
		return nil
	}
	return table[idx]
}

// resolveOutgoingCap reads the sender's own cap_transfer UTCB field
// and validates it per spec.md §4.I's cap transfer policy: the named
// slot must hold a live capability carrying GRANT. An invalid or unset
// slot means the message still transfers but the cap is recorded
// absent, exactly as spec.md states.
func resolveOutgoingCap(senderH captype.Handle) (captype.Capability, bool) {
	src := UTCBFor(senderH)
	if src.CapTransfer == 0 {
		return captype.Empty(), false
	}
	sender := thread.Get(senderH)
	if sender == nil {
		return captype.Empty(), false
	}
	cap, err := cnode.Lookup(sender.CSpaceRoot.Handle, src.CapTransfer)
	if err != defs.SUCCESS || !cap.IsValid() || !cap.HasRights(defs.GRANT) {
		return captype.Empty(), false
	}
	return cap, true
}

// copyMsg performs the header+MR copy and, if hasCap, the capability
// transfer into the receiver's recv_window slot (spec.md §4.I: "a
// capability transfer is atomic with its message — both are observed
// by the receiver or neither is"). The badge lands in the receiver
// TCB's PendingBadge field, the closest analogue this realization has
// to "a designated receiver register".
func copyMsg(senderH, receiverH captype.Handle, badge uint64, cap captype.Capability, hasCap bool) {
	src := UTCBFor(senderH)
	dst := UTCBFor(receiverH)

	dst.MsgTag = src.MsgTag
	n := src.MsgTag.Length()
	if n > defs.MaxMRs {
		n = defs.MaxMRs
	}
	for i := 0; i < n; i++ {
		dst.MRs[i] = src.MRs[i]
	}

	receiver := thread.Get(receiverH)
	receiver.PendingBadge = badge
	receiver.PendingCap = captype.Empty()

	if hasCap && dst.RecvWindow != 0 {
		if err := cnode.Insert(receiver.CSpaceRoot.Handle, dst.RecvWindow, cap); err == defs.SUCCESS {
			receiver.PendingCap = cap
		}
	}
}

// Send implements spec.md §4.I's send(sender, ep, badge, cap?). badge
// is the Badge of the capability the sender invoked ep through (0 if
// unbadged); any outgoing capability is resolved from the sender's own
// UTCB.cap_transfer field. hart identifies the calling hart so the
// slow path can park it via sched.Block.
func Send(hart int, senderH, epH captype.Handle, badge uint64) defs.Err_t {
	cap, hasCap := resolveOutgoingCap(senderH)
	return sendWith(hart, senderH, epH, badge, cap, hasCap)
}

// SendWithCap is Send with the outgoing capability supplied directly
// instead of resolved from the sender's own UTCB.cap_transfer — used
// by trap's fault delivery (spec.md §7), which hands the faulting
// thread's own Reply capability to its fault handler on the kernel's
// behalf, not the faulting thread's.
func SendWithCap(hart int, senderH, epH captype.Handle, badge uint64, cap captype.Capability) defs.Err_t {
	return sendWith(hart, senderH, epH, badge, cap, cap.IsValid())
}

func sendWith(hart int, senderH, epH captype.Handle, badge uint64, cap captype.Capability, hasCap bool) defs.Err_t {
	ep := Get(epH)
	if ep == nil {
		return defs.INVALID_ENDPOINT
	}

	ep.mu.Lock()
	if len(ep.recvQ) > 0 {
		receiverH := ep.recvQ[0]
		ep.recvQ = ep.recvQ[1:]
		ep.mu.Unlock()

		copyMsg(senderH, receiverH, badge, cap, hasCap)
		sched.Wake(receiverH)
		return defs.SUCCESS
	}

	thread.Get(senderH).SetState(thread.BlockedSend)
	ep.sendQ = append(ep.sendQ, waiter{thread: senderH, badge: badge, cap: cap, hasCap: hasCap})
	ep.mu.Unlock()

	sched.Block(hart)
	return defs.SUCCESS
}

// Notify delivers badge to ep with no message payload (spec.md §4.K's
// IRQ path): if a receiver is already waiting it is woken directly,
// otherwise badge joins pending_notifications for a future recv to
// pick up.
func Notify(epH captype.Handle, badge uint64) defs.Err_t {
	ep := Get(epH)
	if ep == nil {
		return defs.INVALID_ENDPOINT
	}
	ep.mu.Lock()
	if len(ep.recvQ) > 0 {
		receiverH := ep.recvQ[0]
		ep.recvQ = ep.recvQ[1:]
		ep.mu.Unlock()

		receiver := thread.Get(receiverH)
		receiver.PendingBadge = badge
		receiver.PendingCap = captype.Empty()
		sched.Wake(receiverH)
		return defs.SUCCESS
	}
	ep.pendingNotifications = append(ep.pendingNotifications, badge)
	ep.mu.Unlock()
	return defs.SUCCESS
}

// Recv implements spec.md §4.I's recv(receiver, ep): pending
// notifications take priority over a waiting sender, matching the
// original's "this path exists for kernel-originated notifications".
func Recv(hart int, receiverH, epH captype.Handle) defs.Err_t {
	ep := Get(epH)
	if ep == nil {
		return defs.INVALID_ENDPOINT
	}

	ep.mu.Lock()
	if len(ep.pendingNotifications) > 0 {
		badge := ep.pendingNotifications[0]
		ep.pendingNotifications = ep.pendingNotifications[1:]
		ep.mu.Unlock()

		receiver := thread.Get(receiverH)
		receiver.PendingBadge = badge
		receiver.PendingCap = captype.Empty()
		return defs.SUCCESS
	}

	if len(ep.sendQ) > 0 {
		w := ep.sendQ[0]
		ep.sendQ = ep.sendQ[1:]
		ep.mu.Unlock()

		copyMsg(w.thread, receiverH, w.badge, w.cap, w.hasCap)
		sched.Wake(w.thread)
		return defs.SUCCESS
	}

	thread.Get(receiverH).SetState(thread.BlockedRecv)
	ep.recvQ = append(ep.recvQ, receiverH)
	ep.mu.Unlock()

	sched.Block(hart)
	return defs.SUCCESS
}

// ReplyRecv implements spec.md §4.I's reply_recv: it consumes a
// one-shot Reply capability to wake the original caller with serverH's
// current UTCB contents as the reply payload, then immediately enters
// recv on ep. replyCNode/replySlot name the slot the Reply capability
// occupies in the calling server's own CSpace; a Reply is strictly
// one-shot (spec.md §9), so that slot is deleted as soon as it has
// been consumed — replaying SYS_REPLY_RECV against the same slot then
// fails lookup with INVALID_CAP instead of re-waking (or, worse,
// forcibly resetting the state of) whatever thread a stale handle in
// that slot happens to name.
func ReplyRecv(hart int, serverH captype.Handle, replyCNode captype.Handle, replySlot int, epH captype.Handle) defs.Err_t {
	replyCap, lerr := cnode.Lookup(replyCNode, replySlot)
	if lerr != defs.SUCCESS {
		return defs.INVALID_CAP
	}
	if replyCap.Kind != defs.KindReply {
		return defs.INVALID_CAP
	}
	callerH := replyCap.Handle
	caller := thread.Get(callerH)
	if caller == nil {
		return defs.INVALID_CAP
	}

	if err := cnode.Delete(replyCNode, replySlot); err != defs.SUCCESS {
		return err
	}

	copyMsg(serverH, callerH, 0, captype.Empty(), false)
	if caller.GetState() == thread.BlockedCall {
		sched.Wake(callerH)
	}

	return Recv(hart, serverH, epH)
}
