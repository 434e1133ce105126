package actuator

import (
	"time"

	"sensornode/errcode"
	"sensornode/internal/actuator/protect"
	"sensornode/internal/gpio"
	"sensornode/types"
)

// Pump is a binary relay plus runtime protection: can-activate() refuses a
// fresh activation that would exceed the continuous-on/cooldown or
// activations-per-window budget. This protection is independent of the
// controller — hardware-level, not policy (spec §4.E).
type Pump struct {
	Relay
	window      protect.Window
	justTripped bool // set for exactly the Loop() call in which a trip fires
}

// NewPump constructs a Pump bound to gpioMgr.
func NewPump(gpioMgr *gpio.Manager) *Pump { return &Pump{Relay: Relay{gpioMgr: gpioMgr}} }

func (p *Pump) Begin(cfg types.ActuatorConfig) error {
	p.window = protect.Window{
		MaxContinuousOn: time.Duration(cfg.Protection.MaxContinuousOnMillis) * time.Millisecond,
		Cooldown:        time.Duration(cfg.Protection.CooldownMillis) * time.Millisecond,
		MaxActivations:  cfg.Protection.MaxActivationsPerWin,
		WindowLength:    time.Duration(cfg.Protection.WindowMillis) * time.Millisecond,
	}
	return p.Relay.Begin(cfg)
}

// CanActivate reports whether a fresh on-command is currently permitted.
func (p *Pump) CanActivate(now time.Time) bool {
	if !p.cfg.Protection.Enabled {
		return true
	}
	return p.window.CanActivate(now)
}

func (p *Pump) SetBinary(b bool) error {
	return p.setBinaryAt(b, time.Now())
}

func (p *Pump) setBinaryAt(b bool, now time.Time) error {
	if p.latched {
		return errcode.New(errcode.EmergencyLatched, "pump.SetBinary", "emergency latched")
	}
	if b {
		if !p.CanActivate(now) {
			return errcode.New(errcode.Busy, "pump.SetBinary", "runtime protection: cannot activate")
		}
		p.window.RecordActivation(now)
	} else {
		p.window.RecordStop(now)
	}
	return p.Relay.SetBinary(b)
}

func (p *Pump) EmergencyStop(reason string) error {
	p.window.RecordStop(time.Now())
	return p.Relay.EmergencyStop(reason)
}

// Loop checks the runtime-protection trip condition; the actuator manager
// runs no runtime check of its own, it only calls each driver's Loop and
// publishes the alert when Status reports RuntimeTripped.
// A trip force-stops the pump and resets the accumulated-on window so the
// cooldown timer starts fresh; it does not latch the pump the way
// EmergencyStop does — CanActivate's own cooldown check is what keeps a
// premature restart blocked, and the pump recovers on its own once the
// cooldown elapses, with no exit-safe-mode step required.
func (p *Pump) Loop(now time.Time) {
	p.justTripped = false
	if p.cfg.Protection.Enabled && p.window.TrippedRuntime(now) {
		_ = p.setBinaryAt(false, now)
		p.window.Reset(now)
		p.justTripped = true
	}
}

func (p *Pump) Status() Status {
	st := p.Relay.Status()
	st.RuntimeTripped = p.justTripped
	return st
}
