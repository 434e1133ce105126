// Package actuator implements the polymorphic actuator drivers and the
// actuator manager (spec components 4.E/4.F).
package actuator

import (
	"time"

	"sensornode/types"
)

// Status is the snapshot a driver reports for heartbeat/emission.
type Status struct {
	GPIO      int     `json:"gpio"`
	Kind      string  `json:"kind"`
	State     bool    `json:"state"`
	Value     float64 `json:"value"`
	Emergency bool    `json:"emergency"`
	Message   string  `json:"message,omitempty"`

	// RuntimeTripped is true only for the Loop() call in which a
	// runtime-protection trip just occurred — an edge, not a latch — so
	// the manager can fire exactly one alert per trip without depending
	// on Emergency, which this trip never sets (the pump recovers on its
	// own cooldown schedule, no operator exit-safe-mode required).
	RuntimeTripped bool `json:"-"`
}

// Driver is the common contract every actuator type implements (spec §4.E).
type Driver interface {
	Begin(cfg types.ActuatorConfig) error
	End() error
	SetValue(x float64) error
	SetBinary(b bool) error
	EmergencyStop(reason string) error
	ClearEmergency() error
	Loop(now time.Time)
	Status() Status
}
