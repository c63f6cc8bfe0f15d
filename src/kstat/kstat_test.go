package kstat

import (
	"testing"

	"captype"
)

func TestSnapshotIncludesOnlyPopulatedDimensions(t *testing.T) {
	c := New()
	snap := c.Snapshot()
	if len(snap.Sample) != 0 {
		t.Fatalf("expected an empty snapshot from a fresh Counters, got %d samples", len(snap.Sample))
	}

	c.RecordReadyDepth(5, 3)
	c.RecordRendezvous()
	c.RecordTick(captype.Handle(1))
	c.RecordTick(captype.Handle(1))

	snap = c.Snapshot()
	if len(snap.Sample) != 3 {
		t.Fatalf("expected 3 samples (ready_depth, ipc_rendezvous, thread_ticks), got %d", len(snap.Sample))
	}

	var sawReady, sawIPC, sawTicks bool
	for _, s := range snap.Sample {
		switch s.Label["kind"][0] {
		case "ready_depth":
			sawReady = true
			if s.Value[0] != 3 {
				t.Errorf("ready_depth value = %d, want 3", s.Value[0])
			}
		case "ipc_rendezvous":
			sawIPC = true
			if s.Value[0] != 1 {
				t.Errorf("ipc_rendezvous value = %d, want 1", s.Value[0])
			}
		case "thread_ticks":
			sawTicks = true
			if s.Value[0] != 2 {
				t.Errorf("thread_ticks value = %d, want 2", s.Value[0])
			}
		}
	}
	if !sawReady || !sawIPC || !sawTicks {
		t.Errorf("missing expected sample kinds: ready=%v ipc=%v ticks=%v", sawReady, sawIPC, sawTicks)
	}
}
