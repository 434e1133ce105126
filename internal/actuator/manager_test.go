package actuator

import (
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"sensornode/internal/board"
	"sensornode/internal/errtrack"
	"sensornode/internal/gpio"
	"sensornode/internal/pwm"
	"sensornode/internal/topics"
	"sensornode/types"
)

type fakePublisher struct {
	published []struct {
		topic   string
		payload any
	}
}

func (f *fakePublisher) Publish(topic string, payload any) {
	f.published = append(f.published, struct {
		topic   string
		payload any
	}{topic, payload})
}

func (f *fakePublisher) last(topic string) (any, bool) {
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i].payload, true
		}
	}
	return nil, false
}

type fakePersister struct {
	lastSet []types.ActuatorConfig
}

func (f *fakePersister) ReplaceActuatorSet(cfgs []types.ActuatorConfig) error {
	f.lastSet = append([]types.ActuatorConfig(nil), cfgs...)
	return nil
}

type noSensors struct{}

func (noSensors) HasSensorOnGPIO(pin int) bool { return false }

func newTestManager(t *testing.T) (*Manager, *fakePublisher, *fakePersister) {
	t.Helper()
	log := zap.NewNop()
	gm := gpio.New(board.Pico, nil, log)
	_ = gm.InitializeToSafeMode()
	pc := pwm.New(gm, board.Pico, nil)
	pub := &fakePublisher{}
	persist := &fakePersister{}
	top := topics.New("ctrl", "node1")
	errs := errtrack.New(log)
	return New(gm, pc, noSensors{}, pub, persist, top, errs, log), pub, persist
}

func TestCrossBoundaryRoundTrip(t *testing.T) {
	m, _, persist := newTestManager(t)
	pin := board.Pico.SafePins[0]
	cfg := types.ActuatorConfig{GPIO: pin, Kind: types.ActuatorBinaryRelay, Name: "p1", Active: true}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if len(persist.lastSet) != 1 {
		t.Fatalf("persisted set len = %d, want 1", len(persist.lastSet))
	}

	cfg.Active = false
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure(active=false): %v", err)
	}
	if len(persist.lastSet) != 0 {
		t.Fatalf("persisted set after removal len = %d, want 0", len(persist.lastSet))
	}
}

func TestCommandCorrelation(t *testing.T) {
	m, pub, _ := newTestManager(t)
	pin := board.Pico.SafePins[0]
	cfg := types.ActuatorConfig{GPIO: pin, Kind: types.ActuatorBinaryRelay, Name: "p1", Active: true}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	topic := "ctrl/node1/actuator/" + itoa(pin) + "/command"
	payload, _ := json.Marshal(map[string]any{"command": "on", "correlation_id": "abc-123"})
	m.HandleCommand(topic, payload)

	resp, ok := pub.last("ctrl/node1/actuator/" + itoa(pin) + "/response")
	if !ok {
		t.Fatalf("no response published")
	}
	m2 := resp.(map[string]any)
	if m2["correlation_id"] != "abc-123" {
		t.Fatalf("correlation_id = %v, want abc-123", m2["correlation_id"])
	}
	if m2["success"] != true {
		t.Fatalf("success = %v, want true", m2["success"])
	}
}

func itoa(i int) string {
	b := []byte{}
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestRuntimeProtectionIdempotence(t *testing.T) {
	m, pub, _ := newTestManager(t)
	pin := board.Pico.SafePins[0]
	cfg := types.ActuatorConfig{
		GPIO: pin, Kind: types.ActuatorPump, Name: "pump1", Active: true,
		Protection: types.RuntimeProtection{
			Enabled: true, MaxContinuousOnMillis: 40, CooldownMillis: 1000,
			MaxActivationsPerWin: 5, WindowMillis: 60000,
		},
	}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := m.ControlBinary(pin, true); err != nil {
		t.Fatalf("first on: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	// a fresh "on" on an already-running pump must not restart
	// activation-start: the trip threshold is measured from the first on.
	if err := m.ControlBinary(pin, true); err != nil {
		t.Fatalf("second on (idempotent refresh): %v", err)
	}
	time.Sleep(30 * time.Millisecond) // 50ms since first on, past the 40ms budget

	m.Loop(time.Now())

	pump := m.slots[pin].driver.(*Pump)
	if pump.Status().State {
		t.Fatalf("pump should have tripped on runtime protection measured from the first activation")
	}

	alertTopic := m.top.ActuatorAlert(pin)
	var sawAlert bool
	for _, p := range pub.published {
		if p.topic != alertTopic {
			continue
		}
		body, ok := p.payload.(map[string]any)
		if ok && body["alert_type"] == "runtime_protection" {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Fatalf("expected a runtime_protection alert on %s, got published: %+v", alertTopic, pub.published)
	}

	// the trip is an edge, not a latch: the very next Loop tick must not
	// republish the alert.
	before := len(pub.published)
	m.Loop(time.Now())
	if len(pub.published) != before {
		t.Fatalf("runtime_protection alert republished on a tick with no new trip")
	}

	// cooldown is still running: a restart within it must fail.
	if err := m.ControlBinary(pin, true); err == nil {
		t.Fatalf("on within cooldown should have failed")
	}
}

func TestEmergencyLifecycle(t *testing.T) {
	m, pub, _ := newTestManager(t)
	pin := board.Pico.SafePins[0]
	cfg := types.ActuatorConfig{GPIO: pin, Kind: types.ActuatorPump, Name: "pump1", Active: true}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := m.ControlBinary(pin, true); err != nil {
		t.Fatalf("on: %v", err)
	}

	m.EmergencyStopAll("broadcast")

	if err := m.ControlBinary(pin, true); err == nil {
		t.Fatalf("expected failure while system-latched")
	}

	m.ClearEmergencyStop(0)
	if err := m.ControlBinary(pin, true); err == nil {
		t.Fatalf("expected failure before resume-operation (outputs disabled)")
	}

	m.ResumeOperation()
	if err := m.ControlBinary(pin, true); err != nil {
		t.Fatalf("expected success after resume-operation: %v", err)
	}

	_, ok := pub.last("ctrl/node1/actuator/" + itoa(pin) + "/alert")
	if !ok {
		t.Fatalf("expected an emergency alert to have been published")
	}
	_ = time.Now()
}

// TestReconfigureSameKindDifferentNameReleasesOldPin covers the rename case:
// same GPIO, same Kind, but a different Name. The old driver's pin
// reservation (held under the old label) must be released before the new
// driver reserves it again, or the second Begin spuriously conflicts.
func TestReconfigureSameKindDifferentNameReleasesOldPin(t *testing.T) {
	m, _, _ := newTestManager(t)
	pin := board.Pico.SafePins[0]
	if err := m.Configure(types.ActuatorConfig{GPIO: pin, Kind: types.ActuatorBinaryRelay, Name: "old-name", Active: true}); err != nil {
		t.Fatalf("initial Configure: %v", err)
	}
	if err := m.Configure(types.ActuatorConfig{GPIO: pin, Kind: types.ActuatorBinaryRelay, Name: "new-name", Active: true}); err != nil {
		t.Fatalf("reconfigure under a new name: %v", err)
	}
	if m.slots[pin].cfg.Name != "new-name" {
		t.Fatalf("slot still holds the old config after reconfigure")
	}
}
