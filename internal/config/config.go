// Package config implements the Config Manager (spec component 4.I):
// receive a typed config packet, validate, apply it to the owning manager,
// full-replace-persist it, and publish a structured acknowledgement. On
// warm boot it reloads every namespace from the store in a fixed order.
package config

import (
	"encoding/json"

	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/errtrack"
	"sensornode/internal/store"
	"sensornode/internal/topics"
	"sensornode/types"
	"sensornode/x/strx"
)

// SensorApplier is the seam into the Sensor Manager.
type SensorApplier interface {
	Configure(cfg types.SensorConfig) error
	Remove(pin int) error
}

// ActuatorApplier is the seam into the Actuator Manager.
type ActuatorApplier interface {
	Configure(cfg types.ActuatorConfig) error
	Remove(pin int) error
}

// Publisher is the narrow bus-facing seam the manager acks through.
type Publisher interface {
	Publish(topic string, payload any)
}

// configEnvelope is the wire shape of a config update (spec §6): whichever
// top-level key is present identifies the namespace being replaced. Config
// packets carry no correlation_id — unlike Command — so acks always report
// "unsolicited".
type configEnvelope struct {
	Sensors   json.RawMessage `json:"sensors,omitempty"`
	Actuators json.RawMessage `json:"actuators,omitempty"`
	Wifi      json.RawMessage `json:"wifi,omitempty"`
	Zone      json.RawMessage `json:"zone,omitempty"`
	System    json.RawMessage `json:"system,omitempty"`
}

// Manager is the config receive/validate/apply/persist/ack pipeline.
type Manager struct {
	st        *store.Store
	sensors   SensorApplier
	actuators ActuatorApplier
	pub       Publisher
	top       topics.Builder
	errs      *errtrack.Tracker
	log       *zap.Logger

	wifi   map[string]json.RawMessage
	zone   map[string]json.RawMessage
	system map[string]json.RawMessage
}

// New constructs a Manager.
func New(st *store.Store, sensors SensorApplier, actuators ActuatorApplier, pub Publisher, top topics.Builder, errs *errtrack.Tracker, log *zap.Logger) *Manager {
	return &Manager{st: st, sensors: sensors, actuators: actuators, pub: pub, top: top, errs: errs, log: log}
}

// WarmBoot reloads every namespace from the store in the fixed order
// wifi -> zone -> system -> sensor-set -> actuator-set. A missing category
// is acceptable; a malformed one is logged critical and treated as empty,
// never aborting the whole boot sequence.
func (m *Manager) WarmBoot() {
	for _, ns := range store.All {
		items, err := m.st.LoadAll(ns)
		if err != nil {
			m.errs.Record(errcode.StoreReadFailed, errcode.SeverityCritical, "warm boot load failed for "+string(ns))
			continue
		}
		switch ns {
		case store.NamespaceWifi:
			m.wifi = items
		case store.NamespaceZone:
			m.zone = items
		case store.NamespaceSystem:
			m.system = items
		case store.NamespaceSensorSet:
			for _, raw := range items {
				var cfg types.SensorConfig
				if err := json.Unmarshal(raw, &cfg); err != nil {
					m.errs.Record(errcode.ConfigParseFailed, errcode.SeverityCritical, "malformed stored sensor config")
					continue
				}
				if err := m.sensors.Configure(cfg); err != nil {
					m.errs.Record(errcode.ConfigValidateFailed, errcode.SeverityError, "stored sensor config rejected")
				}
			}
		case store.NamespaceActuatorSet:
			for _, raw := range items {
				var cfg types.ActuatorConfig
				if err := json.Unmarshal(raw, &cfg); err != nil {
					m.errs.Record(errcode.ConfigParseFailed, errcode.SeverityCritical, "malformed stored actuator config")
					continue
				}
				if err := m.actuators.Configure(cfg); err != nil {
					m.errs.Record(errcode.ConfigValidateFailed, errcode.SeverityError, "stored actuator config rejected")
				}
			}
		}
	}
}

// HandleConfig is registered as the messaging handler for the config topic.
// The category is inferred from which top-level key is present in the raw
// payload object, not from a generic wrapper field.
func (m *Manager) HandleConfig(topic string, payload []byte) {
	var env configEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		m.errs.Record(errcode.ConfigParseFailed, errcode.SeverityError, "config packet decode failed")
		m.ack("", false, "malformed packet")
		return
	}

	var err error
	switch {
	case env.Sensors != nil:
		err = m.applySensorSet(env.Sensors)
	case env.Actuators != nil:
		err = m.applyActuatorSet(env.Actuators)
	case env.Wifi != nil:
		err = m.replaceNamespace(store.NamespaceWifi, env.Wifi, &m.wifi)
	case env.Zone != nil:
		err = m.replaceNamespace(store.NamespaceZone, env.Zone, &m.zone)
	case env.System != nil:
		err = m.replaceNamespace(store.NamespaceSystem, env.System, &m.system)
	default:
		err = errcode.New(errcode.ConfigValidateFailed, "config.HandleConfig", "payload has no recognized top-level key")
	}

	if err != nil {
		m.errs.Record(errcode.ConfigValidateFailed, errcode.SeverityError, "config apply failed: "+err.Error())
		m.ack("", false, err.Error())
		return
	}
	m.ack("", true, "ok")
}

func (m *Manager) replaceNamespace(ns store.Namespace, raw json.RawMessage, dest *map[string]json.RawMessage) error {
	var items map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return errcode.Wrap(errcode.ConfigParseFailed, "config.replaceNamespace", "bad items object", err)
	}
	asAny := make(map[string]any, len(items))
	for k, v := range items {
		asAny[k] = v
	}
	if err := m.st.ReplaceAll(ns, asAny); err != nil {
		return errcode.Wrap(errcode.StoreWriteFailed, "config.replaceNamespace", "persist failed", err)
	}
	*dest = items
	return nil
}

func (m *Manager) applySensorSet(raw json.RawMessage) error {
	var cfgs []types.SensorConfig
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return errcode.Wrap(errcode.ConfigParseFailed, "config.applySensorSet", "bad sensor set", err)
	}
	for _, cfg := range cfgs {
		if err := m.sensors.Configure(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) applyActuatorSet(raw json.RawMessage) error {
	var cfgs []types.ActuatorConfig
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return errcode.Wrap(errcode.ConfigParseFailed, "config.applyActuatorSet", "bad actuator set", err)
	}
	for _, cfg := range cfgs {
		if err := m.actuators.Configure(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ack(correlationID string, success bool, message string) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(m.top.ConfigResponse(), map[string]any{
		"success":        success,
		"message":        message,
		"correlation_id": strx.Coalesce(correlationID, "unsolicited"),
	})
}
