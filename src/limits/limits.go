// Package limits holds fixed system-wide limits for the kernel core,
// analogous to biscuit's Syslimit_t but sized for a capability kernel
// rather than a UNIX process model.
package limits

import "sync/atomic"

const (
	/// MaxHarts bounds the number of hart slots the scheduler and
	/// per-hart state tables allocate (spec.md §5: N parallel harts).
	MaxHarts = 16

	/// MaxPriority is the number of ready-queue priority levels
	/// (spec.md §4.H: 256-level priority ready queues).
	MaxPriority = 256

	/// MaxIRQs bounds the IRQ→endpoint binding table (spec.md §4.K).
	MaxIRQs = 64

	/// MaxCNodeBits bounds how large a single CNode may be; 2^bits
	/// slots. spec.md explicitly scopes out multi-level CNodes, so a
	/// single level must still be bounded to keep retype's bump
	/// cursor arithmetic sane.
	MaxCNodeBits = 16

	/// RootCNodeBits is the size of the CNode the root task launcher
	/// builds (spec.md §4.M): enough slots for CSpace/VSpace/TCB/UTCB,
	/// one untyped per MMIO region, and one IrqHandler per platform IRQ.
	RootCNodeBits = 8
)

/// Counter_t is an atomically-updated resource counter, the same shape
/// as biscuit's Sysatomic_t (Given/Taken/Give/Take), generalized from
/// unsafe-pointer aliasing to atomic.Int64 now that nothing here needs
/// to share storage with a plain int64 field.
type Counter_t struct {
	v atomic.Int64
}

/// Given increases the counter by n.
func (c *Counter_t) Given(n uint) {
	c.v.Add(int64(n))
}

/// Taken tries to decrement the counter by n, failing (and leaving the
/// counter unchanged) if that would drive it negative.
func (c *Counter_t) Taken(n uint) bool {
	if c.v.Add(-int64(n)) >= 0 {
		return true
	}
	c.v.Add(int64(n))
	return false
}

/// Take decrements the counter by one.
func (c *Counter_t) Take() bool { return c.Taken(1) }

/// Give increments the counter by one.
func (c *Counter_t) Give() { c.Given(1) }

/// Value returns the counter's current value.
func (c *Counter_t) Value() int64 { return c.v.Load() }
