// Package sensor implements the sensor registry, periodic ticking, and
// quality tagging (spec component 4.G). Reads that can exceed the main
// loop's per-iteration budget (a one-wire conversion is 750 ms) are
// structured as non-blocking Trigger()/Collect() state machines, never as
// blocking waits in-line in the tick path.
package sensor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/errtrack"
	"sensornode/internal/topics"
	"sensornode/types"
)

// ErrNotReady signals Collect should be retried on a later tick.
var ErrNotReady = errcode.New(errcode.IOTimeout, "sensor", "not ready")

// Source is the two-phase read contract a sensor's bus binding implements.
// Trigger must return quickly; any long-running wait (the 750 ms one-wire
// conversion) happens off a goroutine the Source owns internally, polled by
// repeated Collect calls rather than blocking the caller.
type Source interface {
	Trigger() (collectAfter time.Duration, err error)
	Collect() (raw int32, err error)
}

// SourceFactory builds a Source for a given sensor config.
type SourceFactory interface {
	NewSource(cfg types.SensorConfig) (Source, error)
}

// Publisher is the narrow bus-facing seam the manager publishes through.
type Publisher interface {
	Publish(topic string, payload any)
}

// Persister writes the full sensor set to the opaque store.
type Persister interface {
	ReplaceSensorSet(cfgs []types.SensorConfig) error
}

const minIntervalMS = 2000
const maxIntervalMS = 300000
const batchEveryNReads = 5

type entry struct {
	cfg          types.SensorConfig
	source       Source
	nextDue      time.Time
	awaitingSince time.Time
	collecting   bool
	collectAfter time.Duration
	lastValue    types.SensorReading
	readCount    int
}

// Manager is the sensor registry and periodic read scheduler (spec §4.G).
type Manager struct {
	mu sync.Mutex

	factory SourceFactory
	pub     Publisher
	persist Persister
	top     topics.Builder
	errs    *errtrack.Tracker
	log     *zap.Logger

	slots map[int]*entry
}

// New constructs a Manager.
func New(factory SourceFactory, pub Publisher, persist Persister, top topics.Builder, errs *errtrack.Tracker, log *zap.Logger) *Manager {
	return &Manager{factory: factory, pub: pub, persist: persist, top: top, errs: errs, log: log, slots: make(map[int]*entry)}
}

func clampInterval(ms int64) int64 {
	if ms < minIntervalMS {
		return minIntervalMS
	}
	if ms > maxIntervalMS {
		return maxIntervalMS
	}
	return ms
}

// Configure registers or replaces a sensor.
func (m *Manager) Configure(cfg types.SensorConfig) error {
	if cfg.GPIO <= 0 {
		return errcode.New(errcode.MissingField, "sensor.Configure", "missing gpio")
	}
	if cfg.Name == "" {
		return errcode.New(errcode.MissingField, "sensor.Configure", "missing name")
	}
	cfg.IntervalMS = clampInterval(cfg.IntervalMS)

	src, err := m.factory.NewSource(cfg)
	if err != nil {
		return errcode.Wrap(errcode.ConfigValidateFailed, "sensor.Configure", "source init failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[cfg.GPIO] = &entry{cfg: cfg, source: src, nextDue: time.Now()}
	return m.persistLocked()
}

// Remove deregisters a sensor.
func (m *Manager) Remove(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, pin)
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	cfgs := make([]types.SensorConfig, 0, len(m.slots))
	for _, e := range m.slots {
		cfgs = append(cfgs, e.cfg)
	}
	return m.persist.ReplaceSensorSet(cfgs)
}

// HasSensorOnGPIO lets the Actuator Manager defend against GPIO conflicts.
func (m *Manager) HasSensorOnGPIO(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.slots[pin]
	return ok
}

// Tick advances every sensor's state machine. Due sensors are triggered;
// in-flight sensors are collected if ready. Never blocks.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batchReady := false
	for pin, e := range m.slots {
		if e.collecting {
			if now.Before(e.awaitingSince.Add(e.collectAfter)) {
				continue
			}
			raw, err := e.source.Collect()
			if err == ErrNotReady {
				continue // still converting; try again next tick
			}
			e.collecting = false
			e.nextDue = now.Add(time.Duration(e.cfg.IntervalMS) * time.Millisecond)
			if err != nil {
				m.errs.Record(errcode.IOTimeout, errcode.SeverityWarning, "sensor read failed")
				continue
			}
			reading := types.SensorReading{GPIO: pin, ROM: e.cfg.ROM, Raw: raw, Quality: qualityFor(err), Timestamp: now}
			e.lastValue = reading
			e.readCount++
			if e.readCount%batchEveryNReads == 0 {
				batchReady = true
			}
			m.publishSampleLocked(reading)
			continue
		}
		if now.Before(e.nextDue) {
			continue
		}
		after, err := e.source.Trigger()
		if err != nil {
			m.errs.Record(errcode.IOTimeout, errcode.SeverityWarning, "sensor trigger failed")
			e.nextDue = now.Add(time.Duration(e.cfg.IntervalMS) * time.Millisecond)
			continue
		}
		e.collecting = true
		e.awaitingSince = now
		e.collectAfter = after
	}
	if batchReady {
		m.publishBatchLocked()
	}
}

func qualityFor(err error) types.Quality {
	if err != nil {
		return types.QualityBad
	}
	return types.QualityGood
}

func (m *Manager) publishSampleLocked(r types.SensorReading) {
	if m.pub == nil {
		return
	}
	payload := map[string]any{"raw": r.Raw, "quality": r.Quality}
	if e, ok := m.slots[r.GPIO]; ok && e.cfg.RawOnly {
		// raw-only sensors omit a scaled "value" field entirely; the
		// controller does all unit conversion.
	} else {
		payload["value"] = r.Raw
	}
	m.pub.Publish(m.top.SensorData(r.GPIO), payload)
}

func (m *Manager) publishBatchLocked() {
	if m.pub == nil {
		return
	}
	batch := make([]map[string]any, 0, len(m.slots))
	for pin, e := range m.slots {
		if e.lastValue.Timestamp.IsZero() {
			continue
		}
		batch = append(batch, map[string]any{"gpio": pin, "raw": e.lastValue.Raw, "quality": e.lastValue.Quality})
	}
	m.pub.Publish(m.top.SensorBatch(), batch)
}
