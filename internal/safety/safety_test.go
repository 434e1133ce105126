package safety

import (
	"testing"

	"go.uber.org/zap"

	"sensornode/internal/topics"
)

type fakeGate struct {
	stopAllCalls    int
	clearCalls      int
	resumeCalls     int
	lastClearedPin  int
}

func (f *fakeGate) EmergencyStopAll(reason string) { f.stopAllCalls++ }
func (f *fakeGate) EmergencyStopActuator(pin int, reason string) error { return nil }
func (f *fakeGate) ClearEmergencyStop(pin int)                         { f.clearCalls++; f.lastClearedPin = pin }
func (f *fakeGate) ResumeOperation()                                   { f.resumeCalls++ }

func newTestController() (*Controller, *fakeGate) {
	gate := &fakeGate{}
	top := topics.New("ctrl", "node1")
	return New(gate, nil, top, zap.NewNop()), gate
}

func TestTwoStepExitSequence(t *testing.T) {
	c, gate := newTestController()
	c.EmergencyStopAll("manual")
	if c.State() != StateLatched {
		t.Fatalf("state = %v, want latched", c.State())
	}

	c.ClearEmergencyStop()
	if c.State() != StateClearedOutputsOff {
		t.Fatalf("state = %v, want cleared_outputs_off", c.State())
	}
	if gate.resumeCalls != 0 {
		t.Fatalf("ClearEmergencyStop must not call ResumeOperation on its own")
	}

	c.ResumeOperation()
	if c.State() != StateNormal {
		t.Fatalf("state = %v, want normal after resume", c.State())
	}
	if gate.resumeCalls != 1 {
		t.Fatalf("expected exactly one ResumeOperation call, got %d", gate.resumeCalls)
	}
}

func TestResumeOperationNoOpWhileLatched(t *testing.T) {
	c, gate := newTestController()
	c.EmergencyStopAll("manual")
	c.ResumeOperation() // must be ignored: ClearEmergencyStop was never called
	if c.State() != StateLatched {
		t.Fatalf("state = %v, want still latched", c.State())
	}
	if gate.resumeCalls != 0 {
		t.Fatalf("ResumeOperation must not reach the gate while still latched")
	}
}
