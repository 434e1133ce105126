package gpio

import (
	"testing"

	"go.uber.org/zap"

	"sensornode/internal/board"
	"sensornode/types"
)

type fakePin struct {
	num      int
	level    bool
	isOutput bool
	events   []string // "low", "revert_input" — order is the test's whole point
}

func (p *fakePin) ConfigureInput(pull Pull) error {
	p.isOutput = false
	p.level = pull == PullUp
	p.events = append(p.events, "revert_input")
	return nil
}
func (p *fakePin) ConfigureOutput(initial bool) error {
	p.isOutput = true
	p.level = initial
	return nil
}
func (p *fakePin) Set(level bool) {
	p.level = level
	if !level {
		p.events = append(p.events, "low")
	}
}
func (p *fakePin) Get() bool   { return p.level }
func (p *fakePin) Number() int { return p.num }

type fakeFactory struct {
	pins map[int]*fakePin
}

func newFakeFactory() *fakeFactory { return &fakeFactory{pins: make(map[int]*fakePin)} }

func (f *fakeFactory) ByNumber(n int) (Pin, bool) {
	p, ok := f.pins[n]
	if !ok {
		p = &fakePin{num: n}
		f.pins[n] = p
	}
	return p, true
}

func testManager(t *testing.T) (*Manager, *fakeFactory) {
	t.Helper()
	f := newFakeFactory()
	return New(board.Pico, f, zap.NewNop()), f
}

func TestSafeModeInitial(t *testing.T) {
	m, _ := testManager(t)
	if err := m.InitializeToSafeMode(); err != nil {
		t.Fatalf("InitializeToSafeMode: %v", err)
	}
	for _, pin := range board.Pico.SafePins {
		rec, ok := m.PinInfo(pin)
		if !ok {
			t.Fatalf("pin %d missing", pin)
		}
		if rec.Mode != types.ModeSafeInput {
			t.Fatalf("pin %d mode = %v, want safe input", pin, rec.Mode)
		}
		if rec.Owner != types.OwnerNone {
			t.Fatalf("pin %d owner = %v, want none", pin, rec.Owner)
		}
	}
	rec, _ := m.PinInfo(board.Pico.I2CSDA)
	if rec.Owner != types.OwnerSystem {
		t.Fatalf("SDA owner = %v, want system", rec.Owner)
	}
}

func TestOwnerUniqueness(t *testing.T) {
	m, _ := testManager(t)
	pin := board.Pico.SafePins[0]
	if err := m.RequestPin(pin, types.OwnerActuator, "relay1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := m.RequestPin(pin, types.OwnerSensor, "temp1"); err == nil {
		t.Fatalf("second request from different owner should conflict")
	}
	// idempotent re-reservation by same owner+label succeeds
	if err := m.RequestPin(pin, types.OwnerActuator, "relay1"); err != nil {
		t.Fatalf("idempotent re-reservation: %v", err)
	}
}

func TestRequestPinNotInSafeList(t *testing.T) {
	m, _ := testManager(t)
	if err := m.RequestPin(999, types.OwnerActuator, "x"); err == nil {
		t.Fatalf("expected failure reserving pin outside safe list")
	}
}

func TestEmergencyDeEnergizeOrder(t *testing.T) {
	m, f := testManager(t)
	pin := board.Pico.SafePins[0]
	if err := m.RequestPin(pin, types.OwnerActuator, "relay1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := m.SetMode(pin, types.ModeOutput); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	m.Write(pin, true)

	fp := f.pins[pin]
	m.EmergencySafeModeAll()

	if fp.isOutput {
		t.Fatalf("pin should have reverted to input mode")
	}
	if len(fp.events) != 2 || fp.events[0] != "low" || fp.events[1] != "revert_input" {
		t.Fatalf("de-energize order = %v, want [low revert_input]", fp.events)
	}

	rec, _ := m.PinInfo(pin)
	if rec.Mode != types.ModeSafeInput {
		t.Fatalf("pin mode after emergency = %v, want safe input", rec.Mode)
	}
}
