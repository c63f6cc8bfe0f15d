// Package kstat backs the kernel's internal accounting device —
// analogous to the teacher's D_STAT/D_PROF device numbers
// (SPEC_FULL.md §2) — accumulating per-priority ready-queue depth
// (component H), IPC rendezvous counts (component I), and per-thread
// tick consumption (component L), and rendering a snapshot as a
// github.com/google/pprof/profile.Profile: the same sample-set shape a
// /debug/pprof-style endpoint would serve, repurposed as a kernel
// diagnostic rather than a CPU profile.
package kstat

import (
	"fmt"
	"sync"

	"captype"
	"github.com/google/pprof/profile"
	"limits"
)

// Counters is the accumulator that the Record* methods update;
// Snapshot renders a point-in-time copy. No other package in this
// repository calls the Record* methods.
type Counters struct {
	mu            sync.Mutex
	readyDepth    [limits.MaxPriority]int64
	ipcRendezvous int64
	threadTicks   map[captype.Handle]int64
}

// New returns an empty accumulator.
func New() *Counters {
	return &Counters{threadTicks: make(map[captype.Handle]int64)}
}

// RecordReadyDepth records the current queue length at priority,
// overwriting any earlier reading — spec.md's ready queues are a
// point-in-time structure, not a cumulative counter.
func (c *Counters) RecordReadyDepth(priority uint8, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyDepth[priority] = int64(depth)
}

// RecordRendezvous counts one completed send/recv rendezvous
// (component I).
func (c *Counters) RecordRendezvous() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipcRendezvous++
}

// RecordTick counts one timer tick a thread consumed before being
// preempted or completing its timeslice (component L).
func (c *Counters) RecordTick(h captype.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadTicks[h]++
}

// Snapshot renders the accumulated counters as a pprof profile: one
// sample per populated dimension, labeled by kind.
func (c *Counters) Snapshot() *profile.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "count", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "kernel-stat", Unit: "count"},
		Period:     1,
	}

	for prio, depth := range c.readyDepth {
		if depth == 0 {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{depth},
			Label: map[string][]string{
				"kind":     {"ready_depth"},
				"priority": {fmt.Sprintf("%d", prio)},
			},
		})
	}

	if c.ipcRendezvous != 0 {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{c.ipcRendezvous},
			Label: map[string][]string{"kind": {"ipc_rendezvous"}},
		})
	}

	for h, ticks := range c.threadTicks {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{ticks},
			Label: map[string][]string{
				"kind":   {"thread_ticks"},
				"thread": {fmt.Sprintf("%d", h)},
			},
		})
	}

	return p
}
