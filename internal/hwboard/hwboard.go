// Package hwboard is the real periph.io-backed implementation of the
// gpio.Pin/gpio.Factory, pwm.Channel/pwm.Factory, and twowire.Bus seams. On
// anything other than real hardware, Open returns an error; cmd/node treats
// that as fatal when --hardware is set, and without that flag it never calls
// Open and runs with nil factories (software-only pin bookkeeping, matching
// how the unit tests in every internal/* package already run).
package hwboard

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/bcm283x"

	internalgpio "sensornode/internal/gpio"
	internalonewire "sensornode/internal/onewire"
	internalpwm "sensornode/internal/pwm"
	"sensornode/x/timex"
)

// Platform owns the host's real pin and bus handles, constructed once at
// boot and handed to every driver's factory seam.
type Platform struct {
	i2cBus i2c.BusCloser
	pins   map[int]gpio.PinIO
}

// Open initializes the periph.io host drivers and opens the default I2C
// bus. Call once at boot; Close releases the bus handle at shutdown.
func Open() (*Platform, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hwboard: host.Init: %w", err)
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("hwboard: i2creg.Open: %w", err)
	}
	p := &Platform{i2cBus: bus, pins: make(map[int]gpio.PinIO)}
	for n := range bcm283x.GPIO {
		p.pins[n] = &bcm283x.GPIO[n]
	}
	return p, nil
}

func (p *Platform) Close() error {
	if p.i2cBus != nil {
		return p.i2cBus.Close()
	}
	return nil
}

// pinAdapter satisfies internal/gpio.Pin over a periph.io gpio.PinIO.
type pinAdapter struct {
	pin gpio.PinIO
	num int
}

func (p *pinAdapter) ConfigureInput(pull internalgpio.Pull) error {
	return p.pin.In(pullOf(pull), gpio.NoEdge)
}

func (p *pinAdapter) ConfigureOutput(initial bool) error {
	return p.pin.Out(gpio.Level(initial))
}

func (p *pinAdapter) Set(level bool) { p.pin.Out(gpio.Level(level)) }

func (p *pinAdapter) Get() bool { return p.pin.Read() == gpio.High }

func (p *pinAdapter) Number() int { return p.num }

func pullOf(p internalgpio.Pull) gpio.Pull {
	switch p {
	case internalgpio.PullUp:
		return gpio.PullUp
	case internalgpio.PullDown:
		return gpio.PullDown
	default:
		return gpio.Float
	}
}

// Factory adapts Platform to internal/gpio.Factory.
func (p *Platform) ByNumber(n int) (internalgpio.Pin, bool) {
	pin, ok := p.pins[n]
	if !ok {
		return nil, false
	}
	return &pinAdapter{pin: pin, num: n}, true
}

// busAdapter satisfies internal/twowire.Bus over a periph.io i2c.Bus.
type busAdapter struct {
	bus i2c.Bus
}

func (b *busAdapter) Tx(addr uint8, w, r []byte) error {
	return b.bus.Tx(uint16(addr), w, r)
}

// Bus returns the opened I2C bus wrapped for internal/twowire.
func (p *Platform) Bus() *busAdapter { return &busAdapter{bus: p.i2cBus} }

// oneWireLine bit-bangs the Dallas/Maxim one-wire reset/read/write slots
// directly on a periph.io pin. conn/v3 has no dedicated one-wire primitive,
// so this is the second software-timed concern this package carries
// alongside softPWMChannel; slot widths follow the standard-speed timing
// table (reset 480us, write slot 60us, read sample within 15us).
type oneWireLine struct {
	pin gpio.PinIO
}

// OneWireLine adapts one GPIO pin to internal/onewire.Line.
func (p *Platform) OneWireLine(n int) (internalonewire.Line, bool) {
	pin, ok := p.pins[n]
	if !ok {
		return nil, false
	}
	return &oneWireLine{pin: pin}, true
}

func (l *oneWireLine) Reset() (bool, error) {
	if err := l.pin.Out(gpio.Low); err != nil {
		return false, err
	}
	time.Sleep(480 * time.Microsecond)
	if err := l.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return false, err
	}
	time.Sleep(70 * time.Microsecond)
	presence := l.pin.Read() == gpio.Low
	time.Sleep(410 * time.Microsecond)
	return presence, nil
}

func (l *oneWireLine) writeBit(bit bool) {
	l.pin.Out(gpio.Low)
	if bit {
		time.Sleep(6 * time.Microsecond)
		l.pin.In(gpio.PullUp, gpio.NoEdge)
		time.Sleep(64 * time.Microsecond)
	} else {
		time.Sleep(60 * time.Microsecond)
		l.pin.In(gpio.PullUp, gpio.NoEdge)
		time.Sleep(10 * time.Microsecond)
	}
}

func (l *oneWireLine) readBit() bool {
	l.pin.Out(gpio.Low)
	time.Sleep(2 * time.Microsecond)
	l.pin.In(gpio.PullUp, gpio.NoEdge)
	time.Sleep(9 * time.Microsecond)
	bit := l.pin.Read() == gpio.High
	time.Sleep(50 * time.Microsecond)
	return bit
}

func (l *oneWireLine) WriteByte(b byte) {
	for i := 0; i < 8; i++ {
		l.writeBit(b&(1<<uint(i)) != 0)
	}
}

func (l *oneWireLine) ReadByte() byte {
	var b byte
	for i := 0; i < 8; i++ {
		if l.readBit() {
			b |= 1 << uint(i)
		}
	}
	return b
}

// softPWMChannel bit-bangs a duty cycle over a plain output pin. periph.io's
// conn/v3 exposes no portable hardware-timer PWM primitive across boards, so
// every actuator PWM channel runs as a software timer here; this is the one
// ambient concern this package could not ground on a hardware PWM API.
type softPWMChannel struct {
	mu         sync.Mutex
	pin        gpio.PinIO
	periodHz   uint32
	resolution uint8
	duty       uint32
	stop       chan struct{}
}

func newSoftPWMChannel(pin gpio.PinIO) *softPWMChannel {
	c := &softPWMChannel{pin: pin, periodHz: 1000, resolution: 8, stop: make(chan struct{})}
	go c.run()
	return c
}

func (c *softPWMChannel) SetFrequency(hz uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hz == 0 {
		hz = 1
	}
	c.periodHz = hz
	return nil
}

func (c *softPWMChannel) SetResolution(bits uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolution = bits
	return nil
}

func (c *softPWMChannel) WriteDuty(raw uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duty = raw
	return nil
}

func (c *softPWMChannel) run() {
	for {
		c.mu.Lock()
		period := time.Duration(timex.PeriodFromHz(c.periodHz))
		max := uint32(1)<<c.resolution - 1
		onFrac := float64(c.duty) / float64(max)
		c.mu.Unlock()

		on := time.Duration(float64(period) * onFrac)
		off := period - on

		select {
		case <-c.stop:
			return
		default:
		}
		if on > 0 {
			c.pin.Out(gpio.High)
			time.Sleep(on)
		}
		if off > 0 {
			c.pin.Out(gpio.Low)
			time.Sleep(off)
		}
	}
}

func (c *softPWMChannel) Close() { close(c.stop) }

// PWMFactory adapts Platform to internal/pwm.Factory, spinning up a
// software PWM channel on the requested pin.
type PWMFactory struct{ Platform *Platform }

func (f *PWMFactory) ChannelFor(pin int) (internalpwm.Channel, bool) {
	hwPin, ok := f.Platform.pins[pin]
	if !ok {
		return nil, false
	}
	return newSoftPWMChannel(hwPin), true
}
