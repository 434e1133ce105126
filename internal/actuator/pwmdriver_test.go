package actuator

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"sensornode/internal/board"
	"sensornode/internal/gpio"
	"sensornode/internal/pwm"
	"sensornode/types"
)

type fakePWMChannel struct {
	bits uint8
	duty uint32
}

func (c *fakePWMChannel) SetFrequency(hz uint32) error { return nil }
func (c *fakePWMChannel) SetResolution(bits uint8) error {
	c.bits = bits
	return nil
}
func (c *fakePWMChannel) WriteDuty(raw uint32) error { c.duty = raw; return nil }

type fakePWMFactory struct{ ch *fakePWMChannel }

func (f *fakePWMFactory) ChannelFor(pin int) (pwm.Channel, bool) {
	if f.ch == nil {
		f.ch = &fakePWMChannel{bits: 8}
	}
	return f.ch, true
}

func newTestPWMActuator(t *testing.T) (*PWMActuator, *fakePWMFactory) {
	t.Helper()
	log := zap.NewNop()
	gm := gpio.New(board.Pico, nil, log)
	if err := gm.InitializeToSafeMode(); err != nil {
		t.Fatalf("safe mode init: %v", err)
	}
	f := &fakePWMFactory{}
	pc := pwm.New(gm, board.Pico, f)
	return NewPWMActuator(pc), f
}

func TestPWMSetValueInstantWithoutTransition(t *testing.T) {
	a, f := newTestPWMActuator(t)
	if err := a.Begin(types.ActuatorConfig{GPIO: 4, TransitionMS: 0}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := a.SetValue(1); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if f.ch.duty != 255 {
		t.Fatalf("duty = %d, want full scale applied instantly", f.ch.duty)
	}
}

func TestPWMSetValueRampsOverTransitionWindow(t *testing.T) {
	a, f := newTestPWMActuator(t)
	if err := a.Begin(types.ActuatorConfig{GPIO: 4, TransitionMS: 30}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := a.SetValue(1); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	// mid-ramp the channel should not yet be at full scale.
	time.Sleep(2 * time.Millisecond)
	if f.ch.duty == 255 {
		t.Fatalf("duty reached full scale immediately despite a configured transition window")
	}
	time.Sleep(60 * time.Millisecond)
	if f.ch.duty != 255 {
		t.Fatalf("duty = %d after the transition window elapsed, want full scale", f.ch.duty)
	}
}

func TestPWMEmergencyStopCancelsInFlightRamp(t *testing.T) {
	a, f := newTestPWMActuator(t)
	if err := a.Begin(types.ActuatorConfig{GPIO: 4, TransitionMS: 50}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := a.SetValue(1); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := a.EmergencyStop("test"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if f.ch.duty != 0 {
		t.Fatalf("duty = %d after emergency stop, want the cancelled ramp to never reach full scale", f.ch.duty)
	}
}
