// Package pwm implements the channel allocator over a fixed bank of
// timer-backed PWM generators (spec component 4.D).
package pwm

import (
	"sync"

	"sensornode/errcode"
	"sensornode/internal/board"
	"sensornode/internal/gpio"
	"sensornode/types"
)

// Channel is the hardware-facing PWM primitive for one allocated channel.
type Channel interface {
	SetFrequency(hz uint32) error
	SetResolution(bits uint8) error
	WriteDuty(raw uint32) error
}

// Factory supplies Channel implementations, one per pin.
type Factory interface {
	ChannelFor(pin int) (Channel, bool)
}

// Controller is the fixed-bank PWM allocator (spec §4.D).
type Controller struct {
	mu      sync.Mutex
	gpioMgr *gpio.Manager
	factory Factory
	n       int // board.PWMChannels

	pinOf [16]int    // -1 if unattached; index is channel id
	chans [16]Channel
	bits  [16]uint8
}

// New constructs a Controller sized to the board's channel count.
func New(gpioMgr *gpio.Manager, b board.Board, factory Factory) *Controller {
	c := &Controller{gpioMgr: gpioMgr, factory: factory, n: b.PWMChannels}
	for i := range c.pinOf {
		c.pinOf[i] = -1
	}
	return c
}

// Attach reserves pin via the GPIO Manager and claims a free channel slot.
func (c *Controller) Attach(pin int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := -1
	for i := 0; i < c.n; i++ {
		if c.pinOf[i] == -1 {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, errcode.New(errcode.PWMChannelExhausted, "pwm.Attach", "no free PWM channel")
	}

	if err := c.gpioMgr.RequestPin(pin, types.OwnerActuator, "pwm"); err != nil {
		return 0, err
	}

	var ch Channel
	if c.factory != nil {
		var ok bool
		ch, ok = c.factory.ChannelFor(pin)
		if !ok {
			_ = c.gpioMgr.ReleasePin(pin)
			return 0, errcode.New(errcode.GPIOReservationFailed, "pwm.Attach", "no hardware channel for pin")
		}
	}

	c.pinOf[slot] = pin
	c.chans[slot] = ch
	c.bits[slot] = 8
	return slot, nil
}

// Detach releases the channel's pin and frees the slot.
func (c *Controller) Detach(channel int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel < 0 || channel >= c.n || c.pinOf[channel] == -1 {
		return errcode.New(errcode.GPIOReservationFailed, "pwm.Detach", "channel not attached")
	}
	pin := c.pinOf[channel]
	c.pinOf[channel] = -1
	c.chans[channel] = nil
	return c.gpioMgr.ReleasePin(pin)
}

// SetFrequency sets a channel's PWM frequency in Hz.
func (c *Controller) SetFrequency(channel int, hz uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel < 0 || channel >= c.n || c.pinOf[channel] == -1 {
		return errcode.New(errcode.GPIOReservationFailed, "pwm.SetFrequency", "channel not attached")
	}
	if c.chans[channel] == nil {
		return nil
	}
	return c.chans[channel].SetFrequency(hz)
}

// SetResolution sets a channel's duty resolution, in bits, 1..16.
func (c *Controller) SetResolution(channel int, bits uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel < 0 || channel >= c.n || c.pinOf[channel] == -1 {
		return errcode.New(errcode.GPIOReservationFailed, "pwm.SetResolution", "channel not attached")
	}
	if bits < 1 || bits > 16 {
		return errcode.New(errcode.ValueOutOfRange, "pwm.SetResolution", "bits out of [1,16]")
	}
	c.bits[channel] = bits
	if c.chans[channel] == nil {
		return nil
	}
	return c.chans[channel].SetResolution(bits)
}

// WriteDuty writes a raw duty value in [0, 2^bits-1].
func (c *Controller) WriteDuty(channel int, raw uint32) error {
	c.mu.Lock()
	max := uint32(1)<<c.bits[channel] - 1
	ch := c.chans[channel]
	c.mu.Unlock()
	if raw > max {
		return errcode.New(errcode.ValueOutOfRange, "pwm.WriteDuty", "raw duty exceeds resolution")
	}
	if ch == nil {
		return nil
	}
	return ch.WriteDuty(raw)
}

// WritePercent writes duty as a 0-100 percentage of the channel's current
// resolution.
func (c *Controller) WritePercent(channel int, percent float64) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.mu.Lock()
	max := uint32(1)<<c.bits[channel] - 1
	c.mu.Unlock()
	raw := uint32(percent / 100 * float64(max))
	return c.WriteDuty(channel, raw)
}
