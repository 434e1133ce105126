package actuator

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/errtrack"
	"sensornode/internal/gpio"
	"sensornode/internal/pwm"
	"sensornode/internal/topics"
	"sensornode/types"
)

// MaxActuators is the fixed-capacity upper bound on configured actuators
// (the same for every board; no growable container on the hot path).
const MaxActuators = 32

// SensorOwnership lets the manager defend against GPIO conflicts with the
// Sensor Manager without importing it directly.
type SensorOwnership interface {
	HasSensorOnGPIO(pin int) bool
}

// Publisher is the narrow bus-facing seam the manager publishes through.
type Publisher interface {
	Publish(topic string, payload any)
}

// Persister writes the full actuator set to the opaque store.
type Persister interface {
	ReplaceActuatorSet(cfgs []types.ActuatorConfig) error
}

type slot struct {
	cfg       types.ActuatorConfig
	driver    Driver
	autoOffAt time.Time
}

// Manager is the actuator registry and command dispatcher (spec §4.F).
type Manager struct {
	mu sync.Mutex

	gpioMgr *gpio.Manager
	pwmCtrl *pwm.Controller
	sensors SensorOwnership
	pub     Publisher
	persist Persister
	top     topics.Builder
	errs    *errtrack.Tracker
	log     *zap.Logger

	resumeOperation bool
	systemLatched   bool

	slots map[int]*slot
}

// New constructs a Manager. resumeOperation starts true (normal state).
func New(gpioMgr *gpio.Manager, pwmCtrl *pwm.Controller, sensors SensorOwnership, pub Publisher, persist Persister, top topics.Builder, errs *errtrack.Tracker, log *zap.Logger) *Manager {
	return &Manager{
		gpioMgr: gpioMgr, pwmCtrl: pwmCtrl, sensors: sensors, pub: pub, persist: persist,
		top: top, errs: errs, log: log, resumeOperation: true, slots: make(map[int]*slot),
	}
}

func newDriverForKind(kind types.ActuatorKind, gpioMgr *gpio.Manager, pwmCtrl *pwm.Controller) (Driver, error) {
	switch kind {
	case types.ActuatorBinaryRelay:
		return NewRelay(gpioMgr), nil
	case types.ActuatorPump:
		return NewPump(gpioMgr), nil
	case types.ActuatorPWM:
		return NewPWMActuator(pwmCtrl), nil
	case types.ActuatorValve:
		return NewValve(gpioMgr), nil
	default:
		return nil, errcode.New(errcode.ConfigValidateFailed, "actuator.newDriverForKind", "unknown actuator kind")
	}
}

// validate checks the structural/semantic invariants on a config (spec
// §4.F step 1).
func validate(cfg types.ActuatorConfig) error {
	if cfg.GPIO <= 0 {
		return errcode.New(errcode.MissingField, "actuator.validate", "missing gpio")
	}
	if cfg.Name == "" {
		return errcode.New(errcode.MissingField, "actuator.validate", "missing name")
	}
	switch cfg.Kind {
	case types.ActuatorBinaryRelay, types.ActuatorPump, types.ActuatorPWM, types.ActuatorValve:
	default:
		return errcode.New(errcode.TypeMismatch, "actuator.validate", "unknown actuator_type")
	}
	if cfg.Kind == types.ActuatorValve && cfg.AuxGPIO <= 0 {
		return errcode.New(errcode.MissingField, "actuator.validate", "valve requires aux_gpio")
	}
	if cfg.DefaultPWM < 0 || cfg.DefaultPWM > 255 {
		return errcode.New(errcode.ValueOutOfRange, "actuator.validate", "default_pwm out of [0,255]")
	}
	return nil
}

// Configure applies one actuator config per the spec §4.F algorithm.
func (m *Manager) Configure(cfg types.ActuatorConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	if !cfg.Active {
		return m.Remove(cfg.GPIO)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sensors != nil && m.sensors.HasSensorOnGPIO(cfg.GPIO) {
		return errcode.New(errcode.GPIOConflict, "actuator.Configure", "gpio already owned by sensor manager")
	}

	if existing, ok := m.slots[cfg.GPIO]; ok {
		if pinClaimsChanged(existing.cfg, cfg) {
			_ = existing.driver.End()
			delete(m.slots, cfg.GPIO)
		}
	}

	if len(m.slots) >= MaxActuators {
		if _, ok := m.slots[cfg.GPIO]; !ok {
			return errcode.New(errcode.ConfigValidateFailed, "actuator.Configure", "actuator registry full")
		}
	}

	driver, err := newDriverForKind(cfg.Kind, m.gpioMgr, m.pwmCtrl)
	if err != nil {
		return err
	}
	if err := driver.Begin(cfg); err != nil {
		return err
	}

	m.slots[cfg.GPIO] = &slot{cfg: cfg, driver: driver}

	if err := m.persistLocked(); err != nil {
		m.errs.Record(errcode.StoreWriteFailed, errcode.SeverityError, "actuator set persist failed")
	}
	m.publishStatusLocked(cfg.GPIO)
	return nil
}

// pinClaimsChanged reports whether reapplying cfg over existing requires
// tearing down the old driver first: a Kind change obviously needs a new
// driver type, but a same-Kind rename or aux-pin change also needs one,
// since the old driver still holds its GPIO reservation under the old
// label/pin and Begin on the new driver would otherwise conflict with it
// (gpio.Manager.RequestPin) or, for PWM, leak the old channel slot
// (pwm.Controller.Attach never reclaims a slot on its own).
func pinClaimsChanged(existing, next types.ActuatorConfig) bool {
	return existing.Kind != next.Kind || existing.Name != next.Name || existing.AuxGPIO != next.AuxGPIO
}

// Remove deletes an actuator configuration, releasing its resources.
func (m *Manager) Remove(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[pin]
	if !ok {
		return nil
	}
	_ = s.driver.End()
	delete(m.slots, pin)
	if err := m.persistLocked(); err != nil {
		m.errs.Record(errcode.StoreWriteFailed, errcode.SeverityError, "actuator set persist failed")
	}
	return nil
}

func (m *Manager) persistLocked() error {
	if m.persist == nil {
		return nil
	}
	cfgs := make([]types.ActuatorConfig, 0, len(m.slots))
	for _, s := range m.slots {
		cfgs = append(cfgs, s.cfg)
	}
	return m.persist.ReplaceActuatorSet(cfgs)
}

func (m *Manager) publishStatusLocked(pin int) {
	if m.pub == nil {
		return
	}
	s, ok := m.slots[pin]
	if !ok {
		return
	}
	m.pub.Publish(m.top.ActuatorStatus(pin), s.driver.Status())
}

// Control applies a continuous value command to pin.
func (m *Manager) Control(pin int, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resumeOperation || m.systemLatched {
		return errcode.New(errcode.EmergencyLatched, "actuator.Control", "outputs disabled")
	}
	s, ok := m.slots[pin]
	if !ok {
		return errcode.New(errcode.GPIOConflict, "actuator.Control", "no actuator on pin")
	}
	err := s.driver.SetValue(value)
	m.publishStatusLocked(pin)
	return err
}

// ControlBinary applies a binary on/off command to pin.
func (m *Manager) ControlBinary(pin int, state bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resumeOperation || m.systemLatched {
		return errcode.New(errcode.EmergencyLatched, "actuator.ControlBinary", "outputs disabled")
	}
	s, ok := m.slots[pin]
	if !ok {
		return errcode.New(errcode.GPIOConflict, "actuator.ControlBinary", "no actuator on pin")
	}
	err := s.driver.SetBinary(state)
	m.publishStatusLocked(pin)
	return err
}

// EmergencyStopAll latches every configured actuator.
func (m *Manager) EmergencyStopAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemLatched = true
	m.resumeOperation = false
	for pin, s := range m.slots {
		_ = s.driver.EmergencyStop(reason)
		if m.pub != nil {
			m.pub.Publish(m.top.ActuatorAlert(pin), map[string]any{"alert_type": "emergency_stop", "reason": reason})
		}
		m.publishStatusLocked(pin)
	}
}

// EmergencyStopActuator latches a single actuator.
func (m *Manager) EmergencyStopActuator(pin int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[pin]
	if !ok {
		return errcode.New(errcode.GPIOConflict, "actuator.EmergencyStopActuator", "no actuator on pin")
	}
	err := s.driver.EmergencyStop(reason)
	if m.pub != nil {
		m.pub.Publish(m.top.ActuatorAlert(pin), map[string]any{"alert_type": "emergency_stop", "reason": reason})
	}
	m.publishStatusLocked(pin)
	return err
}

// ClearEmergencyStop releases latches (exit-safe-mode step: spec §4.L).
// Outputs remain at their safe level; resume-operation must be called
// separately before commands are accepted again.
func (m *Manager) ClearEmergencyStop(pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pin == 0 {
		m.systemLatched = false
		for _, s := range m.slots {
			_ = s.driver.ClearEmergency()
		}
		return
	}
	if s, ok := m.slots[pin]; ok {
		_ = s.driver.ClearEmergency()
	}
}

// ResumeOperation re-enables command acceptance without restoring outputs.
func (m *Manager) ResumeOperation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeOperation = true
}

// SuspendOperation rejects commands until ResumeOperation. EmergencyStopAll
// clears the same flag itself, so nothing in this module calls it.
func (m *Manager) SuspendOperation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeOperation = false
}

// Loop ticks every registered actuator: enforces the duration-seconds
// auto-off schedule, then calls the driver's own periodic tick.
func (m *Manager) Loop(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pin, s := range m.slots {
		if !s.autoOffAt.IsZero() && !now.Before(s.autoOffAt) {
			_ = s.driver.SetBinary(false)
			s.autoOffAt = time.Time{}
			m.publishStatusLocked(pin)
		}
		s.driver.Loop(now)
		if st := s.driver.Status(); st.RuntimeTripped {
			if m.pub != nil {
				m.pub.Publish(m.top.ActuatorAlert(pin), map[string]any{"alert_type": "runtime_protection"})
			}
			m.publishStatusLocked(pin)
		}
	}
}

// commandPayload mirrors the wire shape of a Command (spec §6).
type commandPayload struct {
	Command       string   `json:"command"`
	Value         *float64 `json:"value,omitempty"`
	Duration      int      `json:"duration,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// HandleCommand parses the pin out of topic's tail and the verb/value out
// of payload, executes it, and publishes a correlated response.
func (m *Manager) HandleCommand(topic string, payload []byte) {
	pin, ok := pinFromTopic(topic)
	if !ok {
		return
	}
	var p commandPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		m.respond(pin, commandPayload{}, false, "invalid_payload")
		return
	}

	var err error
	switch types.CommandVerb(p.Command) {
	case types.VerbOn:
		err = m.ControlBinary(pin, true)
	case types.VerbOff:
		err = m.ControlBinary(pin, false)
	case types.VerbToggle:
		err = m.toggle(pin)
	case types.VerbPWM:
		v := 0.0
		if p.Value != nil {
			v = *p.Value
		}
		err = m.Control(pin, v)
	default:
		err = errcode.New(errcode.UnknownCommandVerb, "actuator.HandleCommand", "unknown command verb")
	}

	if err == nil && p.Duration > 0 {
		m.mu.Lock()
		if s, ok := m.slots[pin]; ok {
			s.autoOffAt = time.Now().Add(time.Duration(p.Duration) * time.Second)
		}
		m.mu.Unlock()
	}

	m.respond(pin, p, err == nil, messageFor(err))
}

func (m *Manager) toggle(pin int) error {
	m.mu.Lock()
	s, ok := m.slots[pin]
	m.mu.Unlock()
	if !ok {
		return errcode.New(errcode.GPIOConflict, "actuator.toggle", "no actuator on pin")
	}
	return m.ControlBinary(pin, !s.driver.Status().State)
}

func messageFor(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

func (m *Manager) respond(pin int, p commandPayload, success bool, message string) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(m.top.ActuatorResponse(pin), map[string]any{
		"command":        p.Command,
		"value":          p.Value,
		"duration":       p.Duration,
		"success":        success,
		"message":        message,
		"correlation_id": p.CorrelationID,
	})
}

// pinFromTopic extracts the pin index from a .../actuator/<pin>/command
// style topic tail.
func pinFromTopic(topic string) (int, bool) {
	parts := strings.Split(topic, "/")
	for i, part := range parts {
		if part == "actuator" && i+1 < len(parts) {
			pin, err := strconv.Atoi(parts[i+1])
			if err != nil {
				return 0, false
			}
			return pin, true
		}
	}
	return 0, false
}
