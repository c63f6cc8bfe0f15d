// Package irq implements component K: the IRQ table and its PLIC
// binding (spec.md §4.K). Grounded on
// original_source/kernel/src/irq/{mod,plic,interrupt}.rs: a fixed-size
// IrqSlot table (notification capability + enabled flag) behind one
// lock, bind_notification/clear_notification/handle_claimed/ack_irq,
// and the PLIC's per-hart S-mode claim/complete/priority/enable MMIO
// registers.
//
// original_source's plic.rs reads/writes real MMIO through
// core::ptr::{read,write}_volatile at an address from the DTB; this
// core has no hardware to touch, so the PLIC is modeled behind a small
// interface with one real implementation left for cmd/kernel to supply
// (backed by the actual MMIO window once one exists) and one
// SimPLIC used by tests and by cmd/kernel — the same "Sim" naming spec.md's own package-map section
// uses for the SBI timer interface.
package irq

import (
	"sync"

	"captype"
	"defs"
	"limits"
)

// PLIC is the subset of platform-local interrupt controller operations
// the kernel needs, grounded on original_source/kernel/src/irq/plic.rs.
type PLIC interface {
	Claim(hart int) int
	Complete(hart int, id int)
	SetPriority(id int, priority int)
	SetEnable(hart int, id int, enable bool)
}

// SimPLIC is an in-memory PLIC good enough to drive the IRQ1 testable
// property (mask-on-claim, ack-unmasks) without real MMIO.
type SimPLIC struct {
	mu       sync.Mutex
	priority [limits.MaxIRQs]int
	enabled  map[[2]int]bool // (hart, id) -> enabled
	pending  map[int]bool    // ids currently claimable
}

// NewSimPLIC returns an empty simulated controller.
func NewSimPLIC() *SimPLIC {
	return &SimPLIC{enabled: map[[2]int]bool{}, pending: map[int]bool{}}
}

// Raise marks id as pending, as if the device had just asserted it.
func (p *SimPLIC) Raise(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = true
}

// Claim returns the highest-priority pending, enabled id for hart, or
// -1 if none (original_source's get_claim_s).
func (p *SimPLIC) Claim(hart int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	best, bestPrio := -1, -1
	for id, pend := range p.pending {
		if !pend || !p.enabled[[2]int{hart, id}] {
			continue
		}
		if p.priority[id] > bestPrio {
			best, bestPrio = id, p.priority[id]
		}
	}
	if best >= 0 {
		delete(p.pending, best)
	}
	return best
}

// Complete acknowledges id at the PLIC (set_claim_s's write-to-complete side).
func (p *SimPLIC) Complete(hart int, id int) {}

// SetPriority sets id's interrupt priority.
func (p *SimPLIC) SetPriority(id int, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id >= 0 && id < limits.MaxIRQs {
		p.priority[id] = priority
	}
}

// SetEnable masks or unmasks id for hart.
func (p *SimPLIC) SetEnable(hart int, id int, enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[[2]int{hart, id}] = enable
}

type irqSlot struct {
	notification captype.Capability
	enabled      bool
}

var (
	mu    sync.Mutex
	table [limits.MaxIRQs]irqSlot
)

// Bind installs cap (must be an Endpoint capability) as irq's
// notification target and enables it, mirroring
// original_source's bind_notification.
func Bind(irq int, cap captype.Capability) defs.Err_t {
	if irq < 0 || irq >= limits.MaxIRQs {
		return defs.INVALID_SLOT
	}
	if cap.Kind != defs.KindEndpoint {
		return defs.INVALID_OBJ_TYPE
	}
	mu.Lock()
	defer mu.Unlock()
	table[irq] = irqSlot{notification: cap, enabled: true}
	return defs.SUCCESS
}

// ClearNotification unbinds irq's notification target and disables it.
func ClearNotification(irq int) defs.Err_t {
	if irq < 0 || irq >= limits.MaxIRQs {
		return defs.INVALID_SLOT
	}
	mu.Lock()
	defer mu.Unlock()
	table[irq] = irqSlot{}
	return defs.SUCCESS
}

// SetPriority forwards irq's PLIC priority (original_source's
// irqmethod::SET_PRIORITY arm calls plic::set_priority directly).
func SetPriority(p PLIC, irq int, priority int) defs.Err_t {
	if irq < 0 || irq >= limits.MaxIRQs {
		return defs.INVALID_SLOT
	}
	p.SetPriority(irq, priority)
	return defs.SUCCESS
}

// notifyFunc is the hook into ipc.Notify, installed through
// SetNotifyFunc by cmd/kernel's boot wiring so that irq does not import
// ipc; tests set it directly.
var notifyFunc func(ep captype.Handle, badge uint64)

// SetNotifyFunc installs the callback HandleClaimed uses to deliver a
// notification, normally ipc.Notify.
func SetNotifyFunc(f func(ep captype.Handle, badge uint64)) {
	notifyFunc = f
}

// HandleClaimed processes one PLIC claim (spec.md §4.K, IRQ1): mask id
// for hart so it cannot re-fire before Ack, deliver a notification to
// the bound endpoint (badge from the capability, 0 if unbadged), then
// complete the claim at the PLIC.
func HandleClaimed(p PLIC, hart int, id int) {
	p.SetEnable(hart, id, false)

	if id >= 0 && id < limits.MaxIRQs {
		mu.Lock()
		slot := table[id]
		mu.Unlock()

		if slot.enabled && slot.notification.Kind == defs.KindEndpoint && notifyFunc != nil {
			badge := uint64(0)
			if slot.notification.Badge != nil {
				badge = *slot.notification.Badge
			}
			notifyFunc(slot.notification.Handle, badge)
		}
	}

	p.Complete(hart, id)
}

// Ack re-enables irq for hart after its handler has serviced it
// (original_source's ack_irq).
func Ack(p PLIC, hart int, irq int) defs.Err_t {
	if irq < 0 || irq >= limits.MaxIRQs {
		return defs.INVALID_SLOT
	}
	p.SetEnable(hart, irq, true)
	return defs.SUCCESS
}
