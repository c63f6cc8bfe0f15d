// Package timer implements component L: the periodic SBI tick and its
// preemption hook (spec.md §4.L). Grounded on
// original_source/kernel/src/{sbi,irq/timer,trap/timer}.rs:
// sbi::set_timer's ecall extension, timer::{init,program_next_tick}'s
// reprogram-on-every-tick loop, and SYS_TICKS as a global atomic
// counter only hart 0 advances.
//
// original_source's sbi_call is a raw `ecall` with the SBI TIME
// extension id in a7 — this core runs no real supervisor trap to
// ecall out of, so the SBI surface is narrowed to the one call site
// actually used (set_timer) and addressed behind a small interface,
// the same "Sim" pattern irq.PLIC uses for the PLIC.
package timer

import (
	"sync"
	"sync/atomic"

	"captype"
	"sched"
	"thread"
)

// Interval is the tick period in SBI time units, matching
// original_source's INTERVAL constant (~100ms at a 10MHz mtime).
const Interval = 1_000_000

// DefaultTimeslice is the Timeslice a thread is reloaded with after
// being preempted; spec.md names a timeslice field but not its reset
// value, so this follows original_source's single fixed INTERVAL tick
// period as the natural one-tick default.
const DefaultTimeslice = 1

// SBI is the subset of the Supervisor Binary Interface the kernel
// needs, grounded on original_source/kernel/src/sbi.rs's set_timer.
type SBI interface {
	SetTimer(stime uint64) error
}

// SimSBI is an in-memory stand-in good enough to drive Tick's
// reprogram-on-every-tick behavior without a real ecall.
type SimSBI struct {
	mu   sync.Mutex
	next uint64
}

// SetTimer records the next requested deadline.
func (s *SimSBI) SetTimer(stime uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = stime
	return nil
}

// Next returns the most recently programmed deadline.
func (s *SimSBI) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

var ticks uint64

// Ticks returns the global monotonic tick count (original_source's
// get_ticks).
func Ticks() uint64 { return atomic.LoadUint64(&ticks) }

// resetTicks is test-only support; there is no reclamation path in
// the original either way (SYS_TICKS only ever grows or is zeroed once
// at boot by timer::create).
func resetTicks() { atomic.StoreUint64(&ticks, 0) }

// Init programs the first tick, mirroring original_source's timer::init.
func Init(sbi SBI, now uint64) {
	programNextTick(sbi, now)
}

func programNextTick(sbi SBI, now uint64) {
	_ = sbi.SetTimer(now + Interval)
}

// Tick handles one timer interrupt on hart (spec.md §4.L): hart 0
// advances the global counter, the hart's current thread's timeslice
// is decremented, and if it reaches zero the thread is marked for
// preemption (moved back to Ready via sched.Yield) and reloaded with a
// fresh timeslice. The next tick is always reprogrammed regardless of
// which hart took the interrupt, matching program_next_tick being
// called unconditionally from every hart's trap path in the original.
func Tick(hart int, sbi SBI, now uint64) {
	if hart == 0 {
		atomic.AddUint64(&ticks, 1)
	}

	if h := sched.Current(hart); h != captype.NoHandle {
		if t := thread.Get(h); t != nil {
			if t.Timeslice > 0 {
				t.Timeslice--
			}
			if t.Timeslice == 0 {
				t.Timeslice = DefaultTimeslice
				sched.Yield(hart)
			}
		}
	}

	programNextTick(sbi, now)
}
