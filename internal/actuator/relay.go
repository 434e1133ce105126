package actuator

import (
	"time"

	"sensornode/errcode"
	"sensornode/internal/gpio"
	"sensornode/types"
)

// Relay is the binary relay driver — one pin, driven high/low, honoring
// inverted logic (spec §4.E).
type Relay struct {
	gpioMgr *gpio.Manager
	cfg     types.ActuatorConfig
	state   bool
	latched bool
}

// NewRelay constructs a Relay bound to gpioMgr.
func NewRelay(gpioMgr *gpio.Manager) *Relay { return &Relay{gpioMgr: gpioMgr} }

func (r *Relay) electrical(logical bool) bool {
	if r.cfg.Inverted {
		return !logical
	}
	return logical
}

func (r *Relay) Begin(cfg types.ActuatorConfig) error {
	r.cfg = cfg
	if err := r.gpioMgr.RequestPin(cfg.GPIO, types.OwnerActuator, cfg.Name); err != nil {
		return err
	}
	if err := r.gpioMgr.SetMode(cfg.GPIO, types.ModeOutput); err != nil {
		_ = r.gpioMgr.ReleasePin(cfg.GPIO)
		return err
	}
	r.state = cfg.DefaultState
	r.gpioMgr.Write(cfg.GPIO, r.electrical(r.state))
	return nil
}

func (r *Relay) End() error {
	r.gpioMgr.Write(r.cfg.GPIO, r.electrical(false))
	r.state = false
	return r.gpioMgr.ReleasePin(r.cfg.GPIO)
}

func (r *Relay) SetValue(x float64) error { return r.SetBinary(x >= 0.5) }

func (r *Relay) SetBinary(b bool) error {
	if r.latched {
		return errcode.New(errcode.EmergencyLatched, "relay.SetBinary", "emergency latched")
	}
	r.state = b
	r.gpioMgr.Write(r.cfg.GPIO, r.electrical(b))
	return nil
}

func (r *Relay) EmergencyStop(reason string) error {
	r.latched = true
	r.state = false
	r.gpioMgr.Write(r.cfg.GPIO, r.electrical(false))
	return nil
}

func (r *Relay) ClearEmergency() error {
	r.latched = false
	return nil
}

func (r *Relay) Loop(now time.Time) {}

func (r *Relay) Status() Status {
	return Status{GPIO: r.cfg.GPIO, Kind: string(types.ActuatorBinaryRelay), State: r.state, Emergency: r.latched}
}
