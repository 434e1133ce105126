package topics

import "testing"

func TestTemplates(t *testing.T) {
	b := New("ctrl", "node1")
	cases := []struct {
		got, want string
	}{
		{b.SensorData(4), "ctrl/node1/sensor/4/data"},
		{b.SensorBatch(), "ctrl/node1/sensor_batch"},
		{b.Heartbeat(), "ctrl/node1/system/heartbeat"},
		{b.Status(), "ctrl/node1/status"},
		{b.ActuatorStatus(5), "ctrl/node1/actuator/5/status"},
		{b.ActuatorResponse(5), "ctrl/node1/actuator/5/response"},
		{b.ActuatorAlert(5), "ctrl/node1/actuator/5/alert"},
		{b.Diagnostics(), "ctrl/node1/system/diagnostics"},
		{b.ConfigResponse(), "ctrl/node1/config"},
		{b.SystemCommand(), "ctrl/node1/system/command"},
		{b.ActuatorCommand(5), "ctrl/node1/actuator/5/command"},
		{b.ActuatorCommandWildcard(), "ctrl/node1/actuator/+/command"},
		{b.NodeEmergency(), "ctrl/node1/actuator/emergency"},
		{b.BroadcastEmergency(), "ctrl/broadcast/emergency"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}
