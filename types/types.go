// Package types holds the node's data model: the records shared across
// gpio, actuator, sensor, messaging, config and safety packages. Config
// (immutable after apply) and runtime state (mutable) are kept as distinct
// structs per record, per the design note on separating the two.
package types

import (
	"encoding/json"
	"time"
)

// PinMode is one of the three hardware modes a GPIO Manager pin can be in.
type PinMode int

const (
	ModeSafeInput PinMode = iota // high-impedance input with pull-up
	ModeInput
	ModeOutput
)

func (m PinMode) String() string {
	switch m {
	case ModeSafeInput:
		return "safe_input"
	case ModeInput:
		return "input"
	case ModeOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Owner identifies which subsystem currently holds a pin.
type Owner string

const (
	OwnerNone     Owner = ""
	OwnerSystem   Owner = "system"
	OwnerSensor   Owner = "sensor"
	OwnerActuator Owner = "actuator"
)

// PinRecord is the GPIO Manager's per-pin bookkeeping entry.
type PinRecord struct {
	Index int
	Mode  PinMode
	Owner Owner
	Label string
}

// ActuatorKind enumerates the supported actuator driver types.
type ActuatorKind string

const (
	ActuatorBinaryRelay ActuatorKind = "relay"
	ActuatorPump        ActuatorKind = "pump"
	ActuatorPWM         ActuatorKind = "pwm"
	ActuatorValve       ActuatorKind = "valve"
)

// RuntimeProtection holds the pump's continuous-on guard parameters.
type RuntimeProtection struct {
	Enabled               bool  `json:"enabled"`
	MaxContinuousOnMillis int64 `json:"max_runtime_ms"`
	CooldownMillis        int64 `json:"cooldown_ms"`
	MaxActivationsPerWin  int   `json:"max_activations_per_window"`
	WindowMillis          int64 `json:"activation_window_ms"`
}

// ActuatorConfig is the immutable-after-apply configuration for one
// actuator, identified by its primary pin index. Field tags match the wire
// shape documented for actuator config packets.
type ActuatorConfig struct {
	GPIO         int               `json:"gpio"`
	Kind         ActuatorKind      `json:"actuator_type"`
	Name         string            `json:"actuator_name"`
	Subzone      string            `json:"subzone_id,omitempty"`
	Inverted     bool              `json:"inverted_logic"`
	DefaultState bool              `json:"default_state"`
	DefaultPWM   int               `json:"default_pwm"` // 0..255
	Active       bool              `json:"active"`
	Critical     bool              `json:"critical"`
	AuxGPIO      int               `json:"aux_gpio,omitempty"` // direction/enable pin for valves; 0 if unused
	Protection   RuntimeProtection `json:"runtime_protection,omitempty"`
	TransitionMS int64             `json:"transition_ms,omitempty"` // motor valve full-travel time, closed<->open
}

// ActuatorState is the mutable runtime state tracked alongside a config.
type ActuatorState struct {
	Running            bool
	ActivationStart     time.Time // zero iff not running
	AccumulatedRuntime  time.Duration
	LastStop            time.Time
	Emergency           bool
	ActivationHistory   []time.Time // ring of recent activation timestamps
	AutoOffAt           time.Time   // zero iff no scheduled auto-off
	ValvePosition       int         // 0 closed, 1 partial, 2 open
	ValveTargetPosition int
	ValveMotionStarted  time.Time
	ValveMotionUntil    time.Time
}

// SensorKind enumerates supported sensor driver families.
type SensorKind string

const (
	SensorDS18B20    SensorKind = "DS18B20"
	SensorAHT20Temp  SensorKind = "AHT20_T"
	SensorAHT20Humid SensorKind = "AHT20_H"
	SensorGeneric    SensorKind = "generic"
)

// SensorConfig is the immutable-after-apply configuration for one sensor,
// identified by (GPIO, ROM) — ROM is empty for bus-less or single-device
// GPIOs, populated for multidrop one-wire devices. The wire format carries
// the sample period as whole seconds (measurement_interval_seconds);
// (Un)MarshalJSON convert to/from the millisecond resolution the sensor
// manager's scheduler uses internally.
type SensorConfig struct {
	GPIO        int
	ROM         uint64 // 0 when not applicable (non one-wire sensors)
	Kind        SensorKind
	Name        string
	Subzone     string
	IntervalMS  int64 // clamped to [2000, 300000]
	RawOnly     bool
	Calibration map[string]float64
}

// sensorConfigWire is the wire shape of one sensor config entry.
type sensorConfigWire struct {
	GPIO                       int                `json:"gpio"`
	ROM                        uint64             `json:"rom,omitempty"`
	SensorType                 SensorKind         `json:"sensor_type"`
	SensorName                 string             `json:"sensor_name"`
	SubzoneID                  string             `json:"subzone_id,omitempty"`
	MeasurementIntervalSeconds int64              `json:"measurement_interval_seconds"`
	RawMode                    bool               `json:"raw_mode"`
	Calibration                map[string]float64 `json:"calibration,omitempty"`
}

func (c SensorConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(sensorConfigWire{
		GPIO:                       c.GPIO,
		ROM:                        c.ROM,
		SensorType:                 c.Kind,
		SensorName:                 c.Name,
		SubzoneID:                  c.Subzone,
		MeasurementIntervalSeconds: c.IntervalMS / 1000,
		RawMode:                    c.RawOnly,
		Calibration:                c.Calibration,
	})
}

func (c *SensorConfig) UnmarshalJSON(data []byte) error {
	var w sensorConfigWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = SensorConfig{
		GPIO:        w.GPIO,
		ROM:         w.ROM,
		Kind:        w.SensorType,
		Name:        w.SensorName,
		Subzone:     w.SubzoneID,
		IntervalMS:  w.MeasurementIntervalSeconds * 1000,
		RawOnly:     w.RawMode,
		Calibration: w.Calibration,
	}
	return nil
}

// Quality tags a sensor reading's trustworthiness.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityBad       Quality = "bad"
	QualityStale     Quality = "stale"
)

// SensorReading is one emitted measurement.
type SensorReading struct {
	GPIO      int
	ROM       uint64
	Raw       int32
	Quality   Quality
	Timestamp time.Time
}

// EmergencyScope distinguishes a system-wide latch from a per-pin one.
type EmergencyScope int

const (
	EmergencyNormal EmergencyScope = iota
	EmergencyPinLatched
	EmergencySystemLatched
)

// ErrorEvent is one entry in the error tracker's ring buffer.
type ErrorEvent struct {
	Code       int // errcode.Code, stored as a plain int
	Severity   int // errcode.Severity
	Message    string
	Timestamp  time.Time
	Occurrence int // duplicate compression count, starts at 1
}

// CommandVerb enumerates the verbs a Command payload may carry.
type CommandVerb string

const (
	VerbOn     CommandVerb = "on"
	VerbOff    CommandVerb = "off"
	VerbPWM    CommandVerb = "pwm"
	VerbToggle CommandVerb = "toggle"
)

// Command is a parsed inbound actuator command.
type Command struct {
	GPIO          int
	Verb          CommandVerb
	Value         float64 // 0..1, meaningful when Verb == VerbPWM
	DurationSec   int     // 0 = indefinite
	CorrelationID string
}

// HeartbeatSnapshot is the periodic health payload (spec §3, §6).
type HeartbeatSnapshot struct {
	UptimeSeconds    int64
	FreeHeapBytes    int64
	BusQuality       string
	BrokerQuality    string
	SystemState      string
	ActiveSensors    int
	ActiveActuators  int
	OwnedPins        []PinRecord
	Timestamp        time.Time
}

// ErrorSummary is one error-tracker entry as surfaced on the diagnostics
// topic — a thin projection of the tracker's internal Event, decoupled so
// internal/errtrack doesn't have to be imported by every subscriber.
type ErrorSummary struct {
	ID         string
	Code       uint16
	Severity   string
	Message    string
	Occurrence int
	Timestamp  time.Time
}

// DiagnosticsSnapshot is the slower-cadence diagnostics payload (spec §6):
// uptime, a summary of the most recent tracked errors, and link health.
type DiagnosticsSnapshot struct {
	UptimeSeconds int64
	RecentErrors  []ErrorSummary
	BreakerState  string
	LinkState     string
	Timestamp     time.Time
}
