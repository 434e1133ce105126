package actuator

import (
	"time"

	"sensornode/internal/gpio"
	"sensornode/types"
	"sensornode/x/mathx"
)

// Valve is the motor-driven valve driver: two pins (direction + enable),
// position quantized to {closed=0, partial=1, open=2}. A transition from
// current to target drives the direction line and enables the motor for
// |Δ| × half the configured transition time, then the loop() tick disables
// the motor once elapsed (spec §4.E).
type Valve struct {
	gpioMgr *gpio.Manager
	cfg     types.ActuatorConfig

	position       int
	target         int
	motionUntil    time.Time
	moving         bool
	latched        bool
}

// NewValve constructs a Valve bound to gpioMgr.
func NewValve(gpioMgr *gpio.Manager) *Valve { return &Valve{gpioMgr: gpioMgr} }

func (v *Valve) Begin(cfg types.ActuatorConfig) error {
	v.cfg = cfg
	if err := v.gpioMgr.RequestPin(cfg.GPIO, types.OwnerActuator, cfg.Name); err != nil {
		return err
	}
	if err := v.gpioMgr.RequestPin(cfg.AuxGPIO, types.OwnerActuator, cfg.Name+"_enable"); err != nil {
		_ = v.gpioMgr.ReleasePin(cfg.GPIO)
		return err
	}
	if err := v.gpioMgr.SetMode(cfg.GPIO, types.ModeOutput); err != nil {
		return err
	}
	if err := v.gpioMgr.SetMode(cfg.AuxGPIO, types.ModeOutput); err != nil {
		return err
	}
	v.gpioMgr.Write(cfg.GPIO, false)
	v.gpioMgr.Write(cfg.AuxGPIO, false)
	v.position = 0
	v.target = 0
	return nil
}

func (v *Valve) End() error {
	v.gpioMgr.Write(v.cfg.AuxGPIO, false)
	v.gpioMgr.Write(v.cfg.GPIO, false)
	if err := v.gpioMgr.ReleasePin(v.cfg.AuxGPIO); err != nil {
		return err
	}
	return v.gpioMgr.ReleasePin(v.cfg.GPIO)
}

func positionFor(x float64) int {
	switch {
	case x < 0.33:
		return 0
	case x < 0.66:
		return 1
	default:
		return 2
	}
}

func (v *Valve) SetValue(x float64) error {
	if v.latched {
		return nil
	}
	v.beginMotion(positionFor(x), time.Now())
	return nil
}

func (v *Valve) SetBinary(b bool) error {
	if b {
		return v.SetValue(1)
	}
	return v.SetValue(0)
}

func (v *Valve) beginMotion(target int, now time.Time) {
	if target == v.position {
		return
	}
	v.target = target
	delta := target - v.position
	dir := delta > 0
	v.gpioMgr.Write(v.cfg.GPIO, dir)
	v.gpioMgr.Write(v.cfg.AuxGPIO, true)
	steps := mathx.Abs(delta)
	half := time.Duration(v.cfg.TransitionMS/2) * time.Millisecond
	v.motionUntil = now.Add(time.Duration(steps) * half)
	v.moving = true
}

func (v *Valve) EmergencyStop(reason string) error {
	v.latched = true
	v.moving = false
	v.target = 0
	v.gpioMgr.Write(v.cfg.AuxGPIO, false)
	v.gpioMgr.Write(v.cfg.GPIO, false)
	return nil
}

func (v *Valve) ClearEmergency() error {
	v.latched = false
	return nil
}

func (v *Valve) Loop(now time.Time) {
	if !v.moving {
		return
	}
	if now.Before(v.motionUntil) {
		return
	}
	v.gpioMgr.Write(v.cfg.AuxGPIO, false)
	v.position = v.target
	v.moving = false
}

func (v *Valve) Status() Status {
	return Status{GPIO: v.cfg.GPIO, Kind: string(types.ActuatorValve), State: v.position != 0, Value: float64(v.position) / 2, Emergency: v.latched}
}
