package config

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"sensornode/internal/errtrack"
	"sensornode/internal/store"
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

func (f *fakePublisher) last() (string, any) {
	n := len(f.published)
	if n == 0 {
		return "", nil
	}
	return f.published[n-1].topic, f.published[n-1].payload
}

type fakeSensors struct {
	configured []types.SensorConfig
	failNext   bool
}

func (f *fakeSensors) Configure(cfg types.SensorConfig) error {
	if f.failNext {
		return errStub
	}
	f.configured = append(f.configured, cfg)
	return nil
}
func (f *fakeSensors) Remove(pin int) error { return nil }

type fakeActuators struct {
	configured []types.ActuatorConfig
}

func (f *fakeActuators) Configure(cfg types.ActuatorConfig) error {
	f.configured = append(f.configured, cfg)
	return nil
}
func (f *fakeActuators) Remove(pin int) error { return nil }

var errStub = &stubErr{"rejected"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

func newTestManager(t *testing.T) (*Manager, *fakePublisher, *fakeSensors, *fakeActuators, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir + "/node.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	pub := &fakePublisher{}
	sensors := &fakeSensors{}
	actuators := &fakeActuators{}
	top := topics.New("ctrl", "node1")
	errs := errtrack.New(zap.NewNop())
	return New(st, sensors, actuators, pub, top, errs, zap.NewNop()), pub, sensors, actuators, st
}

func TestApplySensorSetAppliesAndAcks(t *testing.T) {
	m, pub, sensors, _, _ := newTestManager(t)
	p, _ := json.Marshal(map[string]any{
		"sensors": []types.SensorConfig{{GPIO: 4, Kind: types.SensorGeneric, Name: "s1", IntervalMS: 5000}},
	})
	m.HandleConfig(m.top.Config(), p)

	if len(sensors.configured) != 1 {
		t.Fatalf("expected sensor applied, got %d", len(sensors.configured))
	}
	if sensors.configured[0].IntervalMS != 5000 {
		t.Fatalf("interval did not round-trip through the seconds-denominated wire field: got %d", sensors.configured[0].IntervalMS)
	}
	topic, payload := pub.last()
	if topic != m.top.ConfigResponse() {
		t.Fatalf("ack published to wrong topic: %s", topic)
	}
	resp := payload.(map[string]any)
	if resp["success"] != true || resp["correlation_id"] != "unsolicited" {
		t.Fatalf("unexpected ack payload: %+v", resp)
	}
}

func TestApplyRejectionAcksFailure(t *testing.T) {
	m, pub, sensors, _, _ := newTestManager(t)
	sensors.failNext = true
	p, _ := json.Marshal(map[string]any{
		"sensors": []types.SensorConfig{{GPIO: 4, Kind: types.SensorGeneric, Name: "s1", IntervalMS: 5000}},
	})
	m.HandleConfig(m.top.Config(), p)

	_, payload := pub.last()
	resp := payload.(map[string]any)
	if resp["success"] != false {
		t.Fatalf("expected failed ack, got %+v", resp)
	}
}

func TestWifiNamespaceRoundTrip(t *testing.T) {
	m, _, _, _, st := newTestManager(t)
	p, _ := json.Marshal(map[string]any{"wifi": map[string]any{"ssid": "net1", "psk": "secret"}})
	m.HandleConfig(m.top.Config(), p)

	loaded, err := st.LoadAll(store.NamespaceWifi)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("persisted wifi namespace has %d keys, want 2", len(loaded))
	}
}

func TestWarmBootAppliesStoredSensorSet(t *testing.T) {
	m, _, sensors, _, st := newTestManager(t)
	persist := &store.SensorSetPersister{St: st}
	if err := persist.ReplaceSensorSet([]types.SensorConfig{{GPIO: 7, Name: "warm", IntervalMS: 5000}}); err != nil {
		t.Fatalf("ReplaceSensorSet: %v", err)
	}

	m.WarmBoot()
	if len(sensors.configured) != 1 || sensors.configured[0].GPIO != 7 {
		t.Fatalf("warm boot did not apply stored sensor config: %+v", sensors.configured)
	}
}

func TestMalformedStoredCategoryDoesNotAbortWarmBoot(t *testing.T) {
	m, _, sensors, actuators, st := newTestManager(t)
	// corrupt the sensor-set namespace directly, bypassing the normal path
	if err := st.ReplaceAll(store.NamespaceSensorSet, map[string]any{"bad": "not-a-sensor-config-object"}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	persist := &store.ActuatorSetPersister{St: st}
	if err := persist.ReplaceActuatorSet([]types.ActuatorConfig{{GPIO: 9, Name: "a1", Kind: types.ActuatorBinaryRelay, Active: true}}); err != nil {
		t.Fatalf("ReplaceActuatorSet: %v", err)
	}

	m.WarmBoot() // must not panic or stop at the malformed sensor category
	if len(sensors.configured) != 0 {
		t.Fatalf("malformed sensor config should not have been applied")
	}
	if len(actuators.configured) != 1 {
		t.Fatalf("actuator-set after a malformed sensor-set should still be applied, got %d", len(actuators.configured))
	}
}
