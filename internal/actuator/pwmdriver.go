package actuator

import (
	"sync"
	"time"

	"sensornode/internal/pwm"
	"sensornode/types"
	"sensornode/x/mathx"
	"sensornode/x/ramp"
)

// PWMActuator attaches to the PWM Controller at begin(); set-value maps
// 0..1 to percent, clamped. When the config gives a non-zero TransitionMS,
// SetValue ramps to the new level over that window in a background
// goroutine instead of jumping instantly. Emergency stop writes 0% without
// detaching (spec §4.E).
type PWMActuator struct {
	mu      sync.Mutex
	pwmCtrl *pwm.Controller
	cfg     types.ActuatorConfig
	channel int
	value   float64
	latched bool
	rampGen int
}

// NewPWMActuator constructs a PWMActuator bound to pwmCtrl.
func NewPWMActuator(pwmCtrl *pwm.Controller) *PWMActuator { return &PWMActuator{pwmCtrl: pwmCtrl} }

func (a *PWMActuator) Begin(cfg types.ActuatorConfig) error {
	a.cfg = cfg
	ch, err := a.pwmCtrl.Attach(cfg.GPIO)
	if err != nil {
		return err
	}
	a.channel = ch
	initial := float64(cfg.DefaultPWM) / 255
	return a.SetValue(initial)
}

func (a *PWMActuator) End() error {
	_ = a.pwmCtrl.WritePercent(a.channel, 0)
	return a.pwmCtrl.Detach(a.channel)
}

const rampResolution = 255 // ramp.StartLinear works in integer levels, not float percent

func (a *PWMActuator) SetValue(x float64) error {
	a.mu.Lock()
	if a.latched {
		a.mu.Unlock()
		return nil
	}
	x = mathx.Clamp(x, 0, 1)
	from := a.value
	a.value = x
	transitionMS := a.cfg.TransitionMS
	a.rampGen++
	gen := a.rampGen
	a.mu.Unlock()

	if transitionMS <= 0 {
		return a.pwmCtrl.WritePercent(a.channel, x*100)
	}

	fromLevel := uint16(from * rampResolution)
	toLevel := uint16(x * rampResolution)
	go ramp.StartLinear(fromLevel, toLevel, rampResolution, uint32(transitionMS), 32,
		func(d time.Duration) bool {
			time.Sleep(d)
			a.mu.Lock()
			cancelled := a.rampGen != gen
			a.mu.Unlock()
			return !cancelled
		},
		func(level uint16) {
			a.pwmCtrl.WritePercent(a.channel, float64(level)/rampResolution*100)
		})
	return nil
}

func (a *PWMActuator) SetBinary(b bool) error {
	if b {
		return a.SetValue(1)
	}
	return a.SetValue(0)
}

func (a *PWMActuator) EmergencyStop(reason string) error {
	a.mu.Lock()
	a.latched = true
	a.value = 0
	a.rampGen++ // cancels any in-flight ramp goroutine
	a.mu.Unlock()
	return a.pwmCtrl.WritePercent(a.channel, 0)
}

func (a *PWMActuator) ClearEmergency() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latched = false
	return nil
}

func (a *PWMActuator) Loop(now time.Time) {}

func (a *PWMActuator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{GPIO: a.cfg.GPIO, Kind: string(types.ActuatorPWM), State: a.value > 0, Value: a.value, Emergency: a.latched}
}
