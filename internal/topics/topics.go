// Package topics builds the deterministic message-bus addresses in spec
// §6, substituting the node and controller identifiers into each template.
// The core never builds a topic string outside this package.
package topics

import "strconv"

// Builder constructs topic strings for one (controller, node) pair.
type Builder struct {
	Controller string
	Node       string
}

func New(controller, node string) Builder { return Builder{Controller: controller, Node: node} }

func (b Builder) prefix() string { return b.Controller + "/" + b.Node + "/" }

// SensorData is the emit target for one sensor's sample.
func (b Builder) SensorData(pin int) string { return b.prefix() + "sensor/" + strconv.Itoa(pin) + "/data" }

// SensorBatch is the emit target for a batched sensor sweep.
func (b Builder) SensorBatch() string { return b.prefix() + "sensor_batch" }

// Heartbeat is the emit target for the periodic health snapshot.
func (b Builder) Heartbeat() string { return b.prefix() + "system/heartbeat" }

// Status is the emit target for the node's overall status.
func (b Builder) Status() string { return b.prefix() + "status" }

// ActuatorStatus is the emit target for one actuator's status snapshot.
func (b Builder) ActuatorStatus(pin int) string {
	return b.prefix() + "actuator/" + strconv.Itoa(pin) + "/status"
}

// ActuatorResponse is the emit target for a command's response.
func (b Builder) ActuatorResponse(pin int) string {
	return b.prefix() + "actuator/" + strconv.Itoa(pin) + "/response"
}

// ActuatorAlert is the emit target for an actuator-originated alert.
func (b Builder) ActuatorAlert(pin int) string {
	return b.prefix() + "actuator/" + strconv.Itoa(pin) + "/alert"
}

// Diagnostics is the emit target for the slower-cadence diagnostics payload.
func (b Builder) Diagnostics() string { return b.prefix() + "system/diagnostics" }

// ConfigResponse is the emit target for a config acknowledgement.
func (b Builder) ConfigResponse() string { return b.prefix() + "config" }

// SystemCommand is the subscribe target for node-wide commands.
func (b Builder) SystemCommand() string { return b.prefix() + "system/command" }

// ActuatorCommand is the subscribe target for one actuator's commands.
func (b Builder) ActuatorCommand(pin int) string {
	return b.prefix() + "actuator/" + strconv.Itoa(pin) + "/command"
}

// ActuatorCommandWildcard is the single broker-side subscription filter
// that matches every actuator's command topic at once.
func (b Builder) ActuatorCommandWildcard() string { return b.prefix() + "actuator/+/command" }

// NodeEmergency is the subscribe target for this node's emergency topic.
func (b Builder) NodeEmergency() string { return b.prefix() + "actuator/emergency" }

// BroadcastEmergency is the subscribe target for the fleet-wide emergency
// topic; it is NOT scoped to this node.
func (b Builder) BroadcastEmergency() string { return b.Controller + "/broadcast/emergency" }

// Config is the subscribe target for configuration packets (same wire
// address as ConfigResponse — acknowledgements and pushes share a topic).
func (b Builder) Config() string { return b.prefix() + "config" }
