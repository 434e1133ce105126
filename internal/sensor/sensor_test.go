package sensor

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"sensornode/internal/errtrack"
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

func (f *fakePublisher) count(topic string) int {
	n := 0
	for _, p := range f.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

// slowSource simulates a one-wire-style read: Trigger returns immediately,
// Collect reports not-ready until a fixed delay has elapsed, modelling the
// conversion wait without an actual goroutine+sleep in the test.
type slowSource struct {
	ready   time.Time
	raw     int32
	failing bool
}

func (s *slowSource) Trigger() (time.Duration, error) {
	return 0, nil
}

func (s *slowSource) Collect() (int32, error) {
	if time.Now().Before(s.ready) {
		return 0, ErrNotReady
	}
	if s.failing {
		return 0, errUnavailable
	}
	return s.raw, nil
}

var errUnavailable = &fakeErr{"read failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fixedFactory struct {
	src Source
}

func (f *fixedFactory) NewSource(cfg types.SensorConfig) (Source, error) {
	return f.src, nil
}

func newTestManager(src Source) (*Manager, *fakePublisher) {
	log := zap.NewNop()
	pub := &fakePublisher{}
	top := topics.New("ctrl", "node1")
	errs := errtrack.New(log)
	factory := &fixedFactory{src: src}
	return New(factory, pub, nil, top, errs, log), pub
}

func TestNonBlockingCollectRetriesUntilReady(t *testing.T) {
	src := &slowSource{ready: time.Now().Add(50 * time.Millisecond), raw: 1234}
	m, pub := newTestManager(src)
	cfg := types.SensorConfig{GPIO: 4, Name: "probe", IntervalMS: 2000}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	m.Tick(time.Now()) // triggers
	m.Tick(time.Now()) // still converting, not ready
	if pub.count(m.top.SensorData(4)) != 0 {
		t.Fatalf("published before conversion completed")
	}

	time.Sleep(60 * time.Millisecond)
	m.Tick(time.Now())
	if pub.count(m.top.SensorData(4)) != 1 {
		t.Fatalf("expected exactly one publish once ready, got %d", pub.count(m.top.SensorData(4)))
	}
}

func TestFailedReadPublishesNoSample(t *testing.T) {
	src := &slowSource{ready: time.Now(), failing: true}
	m, pub := newTestManager(src)
	cfg := types.SensorConfig{GPIO: 5, Name: "probe2", IntervalMS: 2000}
	if err := m.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	m.Tick(time.Now())
	m.Tick(time.Now())
	if pub.count(m.top.SensorData(5)) != 0 {
		t.Fatalf("a failed read must not publish a sample")
	}
}

func TestHasSensorOnGPIO(t *testing.T) {
	src := &slowSource{ready: time.Now()}
	m, _ := newTestManager(src)
	if m.HasSensorOnGPIO(9) {
		t.Fatalf("unconfigured pin reported as owned")
	}
	if err := m.Configure(types.SensorConfig{GPIO: 9, Name: "x", IntervalMS: 2000}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !m.HasSensorOnGPIO(9) {
		t.Fatalf("configured pin not reported as owned")
	}
}

func TestIntervalClamping(t *testing.T) {
	src := &slowSource{ready: time.Now()}
	m, _ := newTestManager(src)
	if err := m.Configure(types.SensorConfig{GPIO: 3, Name: "x", IntervalMS: 10}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if m.slots[3].cfg.IntervalMS != minIntervalMS {
		t.Fatalf("interval not clamped to minimum: got %d", m.slots[3].cfg.IntervalMS)
	}
}
