// Package board holds board-specific constants: which GPIOs are safe to
// hand out, which are reserved for the two-wire bus, and the PWM channel
// count. The core never hardcodes a pin number outside this package; only
// pin-role constants (I2C-SDA, I2C-SCL, default-one-wire) are board-defined.
package board

// Board describes one physical target's pin and channel inventory.
type Board struct {
	Name string

	// SafePins is the exhaustive set of GPIOs the GPIO Manager may issue to
	// sensor/actuator owners. Every pin not in this set is refused.
	SafePins []int

	// ReservedPins holds pins the GPIO Manager pre-assigns to "system" at
	// initialize-to-safe-mode time (the two-wire bus SDA/SCL equivalents).
	ReservedPins []int

	I2CSDA, I2CSCL int
	DefaultOneWire int

	PWMChannels int // 16 on the larger chip, 6 on the smaller
}

// Pico is the default target: RP2040, 30 GPIOs, 8 PWM slices x 2 channels.
var Pico = Board{
	Name: "raspberrypi_pico",
	SafePins: []int{
		2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
		16, 17, 18, 19, 20, 21, 22, 26, 27, 28,
	},
	ReservedPins:   []int{0, 1},
	I2CSDA:         0,
	I2CSCL:         1,
	DefaultOneWire: 15,
	PWMChannels:    16,
}

// PicoLite is a smaller-footprint target variant, 6 PWM channels.
var PicoLite = Board{
	Name: "pico_lite",
	SafePins: []int{
		2, 3, 4, 5, 6, 7, 8, 9, 10,
	},
	ReservedPins:   []int{0, 1},
	I2CSDA:         0,
	I2CSCL:         1,
	DefaultOneWire: 5,
	PWMChannels:    6,
}

// IsInputOnly reports whether a pin can never be driven as output. No pins
// on the supported boards are input-only; the hook exists so the GPIO
// Manager's set-mode check has somewhere board-specific to live.
func (b Board) IsInputOnly(pin int) bool {
	return false
}

// Contains reports whether pin is in the safe list.
func (b Board) Contains(pin int) bool {
	for _, p := range b.SafePins {
		if p == pin {
			return true
		}
	}
	return false
}
