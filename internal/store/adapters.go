package store

import (
	"strconv"

	"sensornode/types"
)

// SensorSetPersister adapts Store to the Sensor Manager's full-replace
// persistence seam, keyed by GPIO pin.
type SensorSetPersister struct{ St *Store }

func (p *SensorSetPersister) ReplaceSensorSet(cfgs []types.SensorConfig) error {
	items := make(map[string]any, len(cfgs))
	for _, c := range cfgs {
		items[strconv.Itoa(c.GPIO)] = c
	}
	return p.St.ReplaceAll(NamespaceSensorSet, items)
}

// ActuatorSetPersister adapts Store to the Actuator Manager's full-replace
// persistence seam, keyed by GPIO pin.
type ActuatorSetPersister struct{ St *Store }

func (p *ActuatorSetPersister) ReplaceActuatorSet(cfgs []types.ActuatorConfig) error {
	items := make(map[string]any, len(cfgs))
	for _, c := range cfgs {
		items[strconv.Itoa(c.GPIO)] = c
	}
	return p.St.ReplaceAll(NamespaceActuatorSet, items)
}
