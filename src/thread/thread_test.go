package thread

import (
	"testing"

	"captype"
	"defs"
)

func TestNewStartsInactive(t *testing.T) {
	h := New()
	tcb := Get(h)
	if tcb == nil {
		t.Fatalf("Get returned nil for a freshly created handle")
	}
	if tcb.GetState() != Inactive {
		t.Errorf("new TCB state = %v, want Inactive", tcb.GetState())
	}
}

func TestConfigureRejectsWrongCapKinds(t *testing.T) {
	h := New()
	tcb := Get(h)
	badCSpace := captype.CreateFrame(0x1000, defs.READ)
	vspace := captype.CreatePageTable(0x2000, 2, defs.READ|defs.WRITE)

	if err := tcb.Configure(badCSpace, vspace, captype.Empty(), 0, captype.Empty()); err != defs.INVALID_CAP {
		t.Fatalf("expected INVALID_CAP for a non-CNode cspace cap, got %v", err)
	}
}

func TestConfigureInstallsResources(t *testing.T) {
	h := New()
	tcb := Get(h)
	cspace := captype.CreateCNode(1, 4, defs.RightsAll)
	vspace := captype.CreatePageTable(0x3000, 2, defs.RightsAll)

	if err := tcb.Configure(cspace, vspace, captype.Empty(), 0x3FFF_FFD0_00, captype.Empty()); err != defs.SUCCESS {
		t.Fatalf("Configure: %v", err)
	}
	if tcb.CSpaceRoot.Handle != cspace.Handle {
		t.Errorf("CSpaceRoot not installed")
	}
	if tcb.UTCBVirt != 0x3FFF_FFD0_00 {
		t.Errorf("UTCBVirt not installed")
	}
}

func TestResumeOnlyTransitionsFromInactive(t *testing.T) {
	h := New()
	tcb := Get(h)
	tcb.Resume()
	if tcb.GetState() != Ready {
		t.Fatalf("Resume from Inactive should reach Ready, got %v", tcb.GetState())
	}
	tcb.SetState(Running)
	tcb.Resume() // should be a no-op; only Inactive -> Ready is defined
	if tcb.GetState() != Running {
		t.Errorf("Resume must not disturb a non-Inactive state, got %v", tcb.GetState())
	}
}

func TestSuspendForcesInactive(t *testing.T) {
	h := New()
	tcb := Get(h)
	tcb.SetState(Running)
	tcb.Suspend()
	if tcb.GetState() != Inactive {
		t.Errorf("Suspend should force Inactive, got %v", tcb.GetState())
	}
}

func TestGetUnknownHandle(t *testing.T) {
	if Get(captype.Handle(99999)) != nil {
		t.Errorf("Get on an unallocated handle should return nil")
	}
}
