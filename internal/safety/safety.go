// Package safety implements the Safety Controller (spec component 4.L): a
// thin NORMAL / LATCHED / CLEARED_OUTPUTS_OFF state machine wrapping the
// Actuator Manager's emergency-stop/clear/resume seams, so the exact
// two-step exit sequence (clear latches, then a separate resume-operation
// call) is enforced in exactly one place.
package safety

import (
	"sync"

	"go.uber.org/zap"

	"sensornode/internal/topics"
)

// State is the safety controller's own view, distinct from (but driven
// through) the Actuator Manager's systemLatched/resumeOperation flags.
type State int

const (
	StateNormal State = iota
	StateLatched
	StateClearedOutputsOff
)

func (s State) String() string {
	switch s {
	case StateLatched:
		return "latched"
	case StateClearedOutputsOff:
		return "cleared_outputs_off"
	default:
		return "normal"
	}
}

// ActuatorGate is the seam into the Actuator Manager.
type ActuatorGate interface {
	EmergencyStopAll(reason string)
	EmergencyStopActuator(pin int, reason string) error
	ClearEmergencyStop(pin int)
	ResumeOperation()
}

// Publisher is the narrow bus-facing seam the controller publishes through.
type Publisher interface {
	Publish(topic string, payload any)
}

// Controller is the Safety Controller.
type Controller struct {
	mu sync.Mutex

	gate ActuatorGate
	pub  Publisher
	top  topics.Builder
	log  *zap.Logger

	state  State
	reason string
}

// New constructs a Controller.
func New(gate ActuatorGate, pub Publisher, top topics.Builder, log *zap.Logger) *Controller {
	return &Controller{gate: gate, pub: pub, top: top, log: log, state: StateNormal}
}

// State returns the current safety state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the reason text recorded at the last latch.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// EmergencyStopAll latches the whole node: every actuator is driven to its
// safe state and command acceptance is suspended system-wide.
func (c *Controller) EmergencyStopAll(reason string) {
	c.mu.Lock()
	c.state = StateLatched
	c.reason = reason
	c.mu.Unlock()
	c.gate.EmergencyStopAll(reason)
	c.publishStatus()
}

// EmergencyStopPin latches a single actuator without touching system-wide
// command acceptance.
func (c *Controller) EmergencyStopPin(pin int, reason string) error {
	return c.gate.EmergencyStopActuator(pin, reason)
}

// ClearEmergencyStop is step one of the two-step exit: latches are
// released, but outputs remain at their safe level and commands are still
// rejected until ResumeOperation is called.
func (c *Controller) ClearEmergencyStop() {
	c.mu.Lock()
	c.state = StateClearedOutputsOff
	c.mu.Unlock()
	c.gate.ClearEmergencyStop(0)
	c.publishStatus()
}

// ClearEmergencyStopPin clears a single actuator's latch.
func (c *Controller) ClearEmergencyStopPin(pin int) {
	c.gate.ClearEmergencyStop(pin)
}

// ResumeOperation is step two of the two-step exit: command acceptance is
// restored system-wide. It is a no-op, not an error, if called while still
// LATCHED — the caller must clear first.
func (c *Controller) ResumeOperation() {
	c.mu.Lock()
	if c.state != StateClearedOutputsOff {
		c.mu.Unlock()
		return
	}
	c.state = StateNormal
	c.reason = ""
	c.mu.Unlock()
	c.gate.ResumeOperation()
	c.publishStatus()
}

func (c *Controller) publishStatus() {
	if c.pub == nil {
		return
	}
	c.mu.Lock()
	payload := map[string]any{"state": c.state.String(), "reason": c.reason}
	c.mu.Unlock()
	c.pub.Publish(c.top.Status(), payload)
}
