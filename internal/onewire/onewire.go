// Package onewire implements the single-pin multidrop scan and CRC-checked
// frame read protocol (spec component 4.C). There is exactly one one-wire
// bus per node; Begin on a second distinct pin is an error, the same pin
// again is idempotent.
package onewire

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/board"
	"sensornode/internal/gpio"
	"sensornode/types"
)

// Line is the single-wire transaction primitive: a bus reset, ROM
// selection, byte write, and byte read, as implemented by a real
// bit-banged driver or a test fake.
type Line interface {
	Reset() (presence bool, err error)
	WriteByte(b byte)
	ReadByte() byte
}

const convertWaitMS = 750

const (
	cmdSkipROM       = 0xCC
	cmdMatchROM      = 0x55
	cmdConvertT      = 0x44
	cmdReadScratch   = 0xBE
)

// Driver is the one-wire bus master.
type Driver struct {
	gpioMgr *gpio.Manager
	board   board.Board
	line    Line
	log     *zap.Logger

	pin   int
	begun bool

	skippedCRC int // count of enumeration candidates dropped for CRC mismatch
}

// New constructs a Driver. Begin must be called before use.
func New(gpioMgr *gpio.Manager, b board.Board, line Line, log *zap.Logger) *Driver {
	return &Driver{gpioMgr: gpioMgr, board: b, line: line, log: log}
}

// Begin reserves pin (0 meaning "use the board default") for the one-wire
// bus. Calling it again with a different, already-initialized pin is an
// error; the same pin is idempotent.
func (d *Driver) Begin(pin int) error {
	if pin == 0 {
		pin = d.board.DefaultOneWire
	}
	if d.begun {
		if pin == d.pin {
			return nil
		}
		return errcode.New(errcode.BusInitFailed, "onewire.Begin", "one-wire bus already initialized on a different pin")
	}
	if err := d.gpioMgr.RequestPin(pin, types.OwnerSystem, "one_wire_bus"); err != nil {
		return errcode.Wrap(errcode.BusInitFailed, "onewire.Begin", "pin reservation failed", err)
	}
	d.pin = pin
	d.begun = true
	return nil
}

// crc8 computes the Dallas/Maxim CRC-8 (polynomial x^8+x^5+x^4+1) over data.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			b >>= 1
		}
	}
	return crc
}

// ScanDevices enumerates up to max ROMs on the bus, validating each
// candidate's CRC-8 over its first seven bytes against the eighth.
// Mismatches are counted but skipped silently, never fatal.
func (d *Driver) ScanDevices(max int) []uint64 {
	roms := make([]uint64, 0, max)
	for _, raw := range d.candidateROMs(max) {
		if crc8(raw[:7]) != raw[7] {
			d.skippedCRC++
			continue
		}
		roms = append(roms, binary.LittleEndian.Uint64(raw[:]))
		if len(roms) >= max {
			break
		}
	}
	return roms
}

// candidateROMs is a seam for the real search-ROM algorithm; a production
// bit-banged Line would drive the standard ROM search tree here. Tests
// substitute a fake Line that returns a fixed candidate set.
func (d *Driver) candidateROMs(max int) [][8]byte {
	type romSource interface{ CandidateROMs(max int) [][8]byte }
	if rs, ok := d.line.(romSource); ok {
		return rs.CandidateROMs(max)
	}
	return nil
}

// IsDevicePresent resets the bus and checks for a presence pulse. rom is not
// used: the result says whether any device answered the reset, not whether
// the device with that ROM is on the bus.
func (d *Driver) IsDevicePresent(rom uint64) bool {
	present, err := d.line.Reset()
	return err == nil && present
}

// selectROM writes match-rom + the 8 ROM bytes, little-endian.
func (d *Driver) selectROM(rom uint64) {
	d.line.WriteByte(cmdMatchROM)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], rom)
	for _, b := range buf {
		d.line.WriteByte(b)
	}
}

// ReadRawTemperature executes the fixed conversion sequence (spec §4.C) and
// returns the raw signed 16-bit value in sixteenths of a degree. The node
// never scales this to engineering units.
func (d *Driver) ReadRawTemperature(rom uint64) (int16, error) {
	if _, err := d.line.Reset(); err != nil {
		return 0, errcode.Wrap(errcode.IOTimeout, "onewire.ReadRawTemperature", "reset failed before convert", err)
	}
	d.selectROM(rom)
	d.line.WriteByte(cmdConvertT)

	time.Sleep(convertWaitMS * time.Millisecond)

	if _, err := d.line.Reset(); err != nil {
		return 0, errcode.Wrap(errcode.IOTimeout, "onewire.ReadRawTemperature", "reset failed before scratchpad read", err)
	}
	d.selectROM(rom)
	d.line.WriteByte(cmdReadScratch)

	var scratch [9]byte
	for i := range scratch {
		scratch[i] = d.line.ReadByte()
	}
	if crc8(scratch[:8]) != scratch[8] {
		return 0, errcode.New(errcode.OneWireCRCMismatch, "onewire.ReadRawTemperature", "scratchpad CRC-8 mismatch")
	}

	raw := int16(uint16(scratch[1])<<8 | uint16(scratch[0]))
	return raw, nil
}
