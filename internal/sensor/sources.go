package sensor

import (
	"sync"
	"time"

	"sensornode/internal/onewire"
	"sensornode/internal/twowire"
	"sensornode/types"
)

// oneWireSource wraps the blocking 750 ms conversion in a goroutine so the
// sensor manager's Tick never stalls the main loop. Trigger launches the
// read and returns immediately; Collect drains the result channel
// non-blockingly until the goroutine posts to it.
type oneWireSource struct {
	driver *onewire.Driver
	rom    uint64

	mu      sync.Mutex
	running bool
	result  chan oneWireResult
}

type oneWireResult struct {
	raw int32
	err error
}

func newOneWireSource(driver *onewire.Driver, rom uint64) *oneWireSource {
	return &oneWireSource{driver: driver, rom: rom}
}

func (s *oneWireSource) Trigger() (time.Duration, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.result = make(chan oneWireResult, 1)
	ch := s.result
	s.mu.Unlock()

	go func() {
		raw, err := s.driver.ReadRawTemperature(s.rom)
		ch <- oneWireResult{raw: int32(raw), err: err}
	}()
	return 800 * time.Millisecond, nil
}

func (s *oneWireSource) Collect() (int32, error) {
	s.mu.Lock()
	ch := s.result
	s.mu.Unlock()
	if ch == nil {
		return 0, ErrNotReady
	}
	select {
	case r := <-ch:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return r.raw, r.err
	default:
		return 0, ErrNotReady
	}
}

// busSource reads a fixed-width register over the shared two-wire bus. The
// transaction is short enough (microseconds to low milliseconds) to run
// in-line; Trigger performs it directly and Collect returns the cached
// result on the very next tick.
type busSource struct {
	driver   *twowire.Driver
	addr     uint8
	register uint8
	length   int

	pending bool
	raw     int32
	err     error
}

func newBusSource(driver *twowire.Driver, addr, register uint8, length int) *busSource {
	return &busSource{driver: driver, addr: addr, register: register, length: length}
}

func (s *busSource) Trigger() (time.Duration, error) {
	buf, err := s.driver.ReadRaw(s.addr, s.register, s.length)
	s.err = err
	if err == nil {
		s.raw = decodeBigEndian(buf)
	}
	s.pending = true
	return 0, nil
}

func (s *busSource) Collect() (int32, error) {
	if !s.pending {
		return 0, ErrNotReady
	}
	s.pending = false
	return s.raw, s.err
}

func decodeBigEndian(buf []byte) int32 {
	var v int32
	for _, b := range buf {
		v = v<<8 | int32(b)
	}
	return v
}

// DefaultSourceFactory binds sensor configs to the shared one-wire and
// two-wire bus drivers.
type DefaultSourceFactory struct {
	OneWire *onewire.Driver
	TwoWire *twowire.Driver
}

func (f *DefaultSourceFactory) NewSource(cfg types.SensorConfig) (Source, error) {
	switch cfg.Kind {
	case types.SensorDS18B20:
		if err := f.OneWire.Begin(cfg.GPIO); err != nil {
			return nil, err
		}
		return newOneWireSource(f.OneWire, cfg.ROM), nil
	case types.SensorAHT20Temp, types.SensorAHT20Humid:
		reg := uint8(0x00)
		if cfg.Kind == types.SensorAHT20Humid {
			reg = 0x01
		}
		return newBusSource(f.TwoWire, 0x38, reg, 3), nil
	default:
		return newBusSource(f.TwoWire, uint8(cfg.GPIO), 0x00, 2), nil
	}
}
