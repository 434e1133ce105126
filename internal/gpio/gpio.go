// Package gpio implements the node's single authority for pin ownership,
// mode, and safe-mode invariants (spec component 4.A). No other package may
// drive a physical pin except through a Manager.
package gpio

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/board"
	"sensornode/types"
)

// Pull mirrors the three input pull configurations a Pin can be asked for.
type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

// Pin is the hardware-facing abstraction a Manager drives pins through.
// Concrete implementations live in internal/hwboard (periph.io-backed) or in
// test fakes.
type Pin interface {
	ConfigureInput(pull Pull) error
	ConfigureOutput(initial bool) error
	Set(level bool)
	Get() bool
	Number() int
}

// Factory supplies Pin implementations by GPIO number.
type Factory interface {
	ByNumber(n int) (Pin, bool)
}

// settleDelay is the short pause the emergency de-energize sequence allows
// between driving a pin low and reverting it to pull-up input.
const settleDelay = 2 * time.Millisecond

// Manager is the process-wide GPIO authority (spec §4.A).
type Manager struct {
	mu      sync.Mutex
	board   board.Board
	factory Factory
	log     *zap.Logger

	pins    map[int]*types.PinRecord
	handles map[int]Pin
	subzone map[string]map[int]bool
}

// New constructs a Manager for the given board and pin factory.
func New(b board.Board, factory Factory, log *zap.Logger) *Manager {
	m := &Manager{
		board:   b,
		factory: factory,
		log:     log,
		pins:    make(map[int]*types.PinRecord),
		handles: make(map[int]Pin),
		subzone: make(map[string]map[int]bool),
	}
	for _, p := range b.SafePins {
		m.pins[p] = &types.PinRecord{Index: p, Mode: types.ModeSafeInput, Owner: types.OwnerNone}
	}
	for _, p := range b.ReservedPins {
		m.pins[p] = &types.PinRecord{Index: p, Mode: types.ModeSafeInput, Owner: types.OwnerNone}
	}
	return m
}

// InitializeToSafeMode drives every safe pin to pull-up input with no
// owner, and pre-reserves the two-wire bus pins to the system owner.
func (m *Manager) InitializeToSafeMode() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.board.SafePins {
		if err := m.toSafeInputLocked(p); err != nil {
			return errcode.Wrap(errcode.GPIOReservationFailed, "gpio.InitializeToSafeMode", "pin setup failed", err)
		}
		rec := m.pins[p]
		rec.Mode = types.ModeSafeInput
		rec.Owner = types.OwnerNone
		rec.Label = ""
	}
	for _, p := range m.board.ReservedPins {
		if err := m.toSafeInputLocked(p); err != nil {
			return errcode.Wrap(errcode.GPIOReservationFailed, "gpio.InitializeToSafeMode", "reserved pin setup failed", err)
		}
		rec := m.pins[p]
		rec.Mode = types.ModeSafeInput
		rec.Owner = types.OwnerSystem
		rec.Label = "two_wire_bus"
	}
	return nil
}

func (m *Manager) toSafeInputLocked(pin int) error {
	h, ok := m.handleLocked(pin)
	if !ok {
		return nil // no hardware factory (e.g. unit test without one) — bookkeeping only
	}
	if err := h.ConfigureInput(PullUp); err != nil {
		return err
	}
	if !h.Get() {
		m.log.Warn("pin not observed high after pull-up configure", zap.Int("pin", pin))
	}
	return nil
}

func (m *Manager) handleLocked(pin int) (Pin, bool) {
	if h, ok := m.handles[pin]; ok {
		return h, true
	}
	if m.factory == nil {
		return nil, false
	}
	h, ok := m.factory.ByNumber(pin)
	if ok {
		m.handles[pin] = h
	}
	return h, ok
}

// RequestPin attempts exclusive reservation of a pin for owner/label.
func (m *Manager) RequestPin(pin int, owner types.Owner, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pins[pin]
	if ok && rec.Owner != types.OwnerNone && rec.Owner == owner && rec.Label == label {
		return nil // idempotent re-reservation (includes system pins pre-reserved at init)
	}
	if !ok || !m.board.Contains(pin) {
		return errcode.New(errcode.GPIOReservationFailed, "gpio.RequestPin", "reserved or not in safe list")
	}
	if rec.Owner != types.OwnerNone {
		return errcode.New(errcode.GPIOConflict, "gpio.RequestPin", "conflict")
	}
	rec.Owner = owner
	rec.Label = label
	return nil
}

// ReleasePin returns a pin to the unowned, safe-input state.
func (m *Manager) ReleasePin(pin int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pins[pin]
	if !ok {
		return errcode.New(errcode.GPIOReservationFailed, "gpio.ReleasePin", "unknown pin")
	}
	rec.Owner = types.OwnerNone
	rec.Label = ""
	return m.toSafeInputLocked(pin)
}

// SetMode changes a pin's hardware mode. Input-only pins may never be set
// to output.
func (m *Manager) SetMode(pin int, mode types.PinMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.pins[pin]
	if !ok {
		return errcode.New(errcode.GPIOReservationFailed, "gpio.SetMode", "unknown pin")
	}
	if mode == types.ModeOutput && m.board.IsInputOnly(pin) {
		return errcode.New(errcode.GPIOReservationFailed, "gpio.SetMode", "pin is input-only")
	}
	h, ok := m.handleLocked(pin)
	if ok {
		var err error
		switch mode {
		case types.ModeOutput:
			err = h.ConfigureOutput(false)
		case types.ModeInput:
			err = h.ConfigureInput(PullNone)
		default:
			err = h.ConfigureInput(PullUp)
		}
		if err != nil {
			return errcode.Wrap(errcode.GPIOReservationFailed, "gpio.SetMode", "hardware configure failed", err)
		}
	}
	rec.Mode = mode
	return nil
}

// Write drives an output-mode pin. Callers are responsible for ensuring the
// pin is theirs and already in output mode.
func (m *Manager) Write(pin int, level bool) {
	m.mu.Lock()
	h, ok := m.handleLocked(pin)
	m.mu.Unlock()
	if ok {
		h.Set(level)
	}
}

// Read returns the current observed level of a pin, if a hardware handle
// exists.
func (m *Manager) Read(pin int) (bool, bool) {
	m.mu.Lock()
	h, ok := m.handleLocked(pin)
	m.mu.Unlock()
	if !ok {
		return false, false
	}
	return h.Get(), true
}

// PinInfo returns a copy of a pin's bookkeeping record.
func (m *Manager) PinInfo(pin int) (types.PinRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pins[pin]
	if !ok {
		return types.PinRecord{}, false
	}
	return *rec, true
}

// AllPinsSnapshot returns copies of every pin record, for heartbeat/status.
func (m *Manager) AllPinsSnapshot() []types.PinRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PinRecord, 0, len(m.pins))
	for _, rec := range m.pins {
		out = append(out, *rec)
	}
	return out
}

// EmergencySafeModeAll drives every output-mode pin low, waits a short
// settle delay, then reverts each to pull-up input. Order matters: mode is
// reverted only after every output has been driven low, never before.
func (m *Manager) EmergencySafeModeAll() {
	m.mu.Lock()
	outputs := make([]int, 0)
	for pin, rec := range m.pins {
		if rec.Mode == types.ModeOutput {
			outputs = append(outputs, pin)
		}
	}
	for _, pin := range outputs {
		if h, ok := m.handleLocked(pin); ok {
			h.Set(false)
		}
	}
	m.mu.Unlock()

	if len(outputs) > 0 {
		time.Sleep(settleDelay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pin := range outputs {
		if err := m.toSafeInputLocked(pin); err != nil {
			m.log.Error("emergency safe-mode revert failed", zap.Int("pin", pin), zap.Error(err))
			continue
		}
		m.pins[pin].Mode = types.ModeSafeInput
	}
}

// AssignSubzone tags a pin under an opaque subzone label for grouping.
func (m *Manager) AssignSubzone(subzone string, pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subzone[subzone] == nil {
		m.subzone[subzone] = make(map[int]bool)
	}
	m.subzone[subzone][pin] = true
}

// RemoveSubzone un-tags a pin from a subzone.
func (m *Manager) RemoveSubzone(subzone string, pin int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subzone[subzone] != nil {
		delete(m.subzone[subzone], pin)
	}
}

// PinsInSubzone lists the pins currently tagged under subzone.
func (m *Manager) PinsInSubzone(subzone string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.subzone[subzone]))
	for p := range m.subzone[subzone] {
		out = append(out, p)
	}
	return out
}
